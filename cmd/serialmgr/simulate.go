package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/serialmgr/internal/groutine"
	"github.com/srg/serialmgr/internal/ptyio"
)

// simulateCmd represents the simulate command
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Simulate a serial device on a pseudo-terminal",
	Long: `Creates a pseudo-terminal that behaves like a serial device and prints its path.
Lines typed on stdin are sent to whoever opens the device; data written by the
other side is printed with a "<< " prefix.

Examples:
  # Terminal 1
  serialmgr simulate --interval 1s
  # Terminal 2 (use the path printed by simulate)
  serialmgr monitor /dev/pts/5

  # Reflect everything sent to the device
  serialmgr simulate --echo`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

var (
	simulateInterval time.Duration
	simulateEcho     bool
)

func init() {
	simulateCmd.Flags().DurationVar(&simulateInterval, "interval", 0, "Emit a 'tick N' message at this interval (0 = off)")
	simulateCmd.Flags().BoolVar(&simulateEcho, "echo", false, "Write received data back to the device")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd, logger)
	defer cancel()

	dev, err := ptyio.New(&ptyio.Options{
		Logger: logger,
		OnError: func(err error) {
			logger.WithError(err).Error("Virtual device failed")
			cancel()
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	var outMu sync.Mutex
	out := cmd.OutOrStdout()
	emitLine := func(format string, a ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(out, format+"\n", a...)
	}

	dev.SetReadCallback(func(data []byte) {
		emitLine("<< %s", strings.TrimRight(string(data), "\r\n"))
		if simulateEcho {
			_, _ = dev.Write(data)
		}
	})

	emitLine("%s", dev.TTYName())
	fmt.Fprintf(cmd.ErrOrStderr(), "Simulating device at %s. Press Ctrl+C to stop...\n", dev.TTYName())

	delimiter := cfg.Delimiter
	groutine.Go(ctx, "simulate-stdin", func(ctx context.Context) {
		forwardLines(ctx, cmd.InOrStdin(), dev, delimiter)
	})

	if simulateInterval > 0 {
		groutine.Go(ctx, "simulate-ticker", func(ctx context.Context) {
			ticker := time.NewTicker(simulateInterval)
			defer ticker.Stop()
			for n := 1; ; n++ {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					_, _ = dev.Write([]byte(fmt.Sprintf("tick %d%s", n, delimiter)))
				}
			}
		})
	}

	<-ctx.Done()
	stats := dev.Stats()
	logger.WithField("read_bytes", stats.ReadBytes).
		WithField("write_bytes", stats.WriteBytes).
		Info("Virtual device stopped")
	return nil
}

// forwardLines writes every line read from r to dev, terminated by delimiter.
func forwardLines(ctx context.Context, r io.Reader, dev io.Writer, delimiter string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		_, _ = dev.Write([]byte(scanner.Text() + delimiter))
	}
}
