package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/srg/serialmgr/internal/liveness"
	"github.com/srg/serialmgr/internal/listener"
	"github.com/srg/serialmgr/internal/registry"
	"golang.org/x/term"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor [device]",
	Short: "Print status changes and messages from a serial device",
	Long: `Opens a serial device and prints every status change (ENGINE_ON, ENGINE_OFF)
and every delimited message until interrupted.

Examples:
  # Monitor a USB serial adapter
  serialmgr monitor /dev/ttyUSB0

  # Hex payloads with timestamps, 9600 baud
  serialmgr monitor /dev/ttyUSB0 --baud 9600 --hex --timestamps

  # Also run a Lua listener defining on_status(code, name) and/or on_message(payload)
  serialmgr monitor /dev/ttyUSB0 --script alerts.lua

  # Try it without hardware
  serialmgr simulate            # prints /dev/pts/N
  serialmgr monitor /dev/pts/N`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMonitor,
}

var (
	monitorDevice     deviceFlags
	monitorHex        bool
	monitorTimestamps bool
	monitorNoColor    bool
	monitorScript     string
	monitorStats      bool
)

func init() {
	monitorDevice.register(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorHex, "hex", false, "Print payloads as hex")
	monitorCmd.Flags().BoolVar(&monitorTimestamps, "timestamps", false, "Prefix every line with an RFC3339 timestamp")
	monitorCmd.Flags().BoolVar(&monitorNoColor, "no-color", false, "Disable colored output")
	monitorCmd.Flags().StringVar(&monitorScript, "script", "", "Lua listener script")
	monitorCmd.Flags().BoolVar(&monitorStats, "stats", false, "Print service status as JSON on exit")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd, args, &monitorDevice)
	if err != nil {
		return err
	}
	defer func() { _ = env.host.Close() }()

	ctx, cancel := signalContext(cmd, env.logger)
	defer cancel()

	// Listener owners outlive ctx: an interrupt ends the session through End
	// below instead of having liveness drop the listeners first.
	ownerCtx, ownerCancel := context.WithCancel(context.Background())
	defer ownerCancel()

	out := cmd.OutOrStdout()
	writer := listener.NewWriter(out, listener.WriterOptions{
		Hex:        monitorHex,
		Timestamps: monitorTimestamps,
		NoColor:    monitorNoColor || !isTerminal(out),
	})
	if err := env.host.AddListener(ctx, registry.Handle{
		Owner:    liveness.NewContextOwner(ownerCtx, "monitor"),
		Listener: writer,
	}); err != nil {
		return err
	}

	if monitorScript != "" {
		script, err := os.ReadFile(monitorScript)
		if err != nil {
			return fmt.Errorf("failed to read script file: %w", err)
		}
		lua, err := listener.NewLua(string(script), out)
		if err != nil {
			return fmt.Errorf("script %s: %w", monitorScript, err)
		}
		defer lua.Close()

		env.logger.WithField("file", monitorScript).Info("Loaded Lua listener")
		if err := env.host.AddListener(ctx, registry.Handle{
			Owner:    liveness.NewContextOwner(ownerCtx, "script:"+monitorScript),
			Listener: lua,
		}); err != nil {
			return err
		}
	}

	if err := env.host.Begin(ctx, env.cfg.DriverConfig()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Monitoring %s. Press Ctrl+C to stop...\n", env.cfg.Device)

	<-ctx.Done()

	// ctx is gone; shutdown requests use a fresh one
	stopCtx := context.Background()
	if monitorStats {
		if st, err := env.host.Status(stopCtx); err == nil {
			data, _ := json.MarshalIndent(st, "", "  ")
			fmt.Fprintln(cmd.ErrOrStderr(), string(data))
		}
	}
	return env.host.End(stopCtx)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
