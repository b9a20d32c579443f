package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/serialmgr/internal/driver"
	"github.com/srg/serialmgr/internal/host"
	"github.com/srg/serialmgr/pkg/config"
)

// deviceFlags are shared by commands that open a serial device.
type deviceFlags struct {
	baud      int
	delimiter string
}

func (f *deviceFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.baud, "baud", 0, "Baud rate (default from config, 115200)")
	cmd.Flags().StringVar(&f.delimiter, "delimiter", "", `Message delimiter (default from config, "\n")`)
}

// deviceEnv is what a device command needs once flags and config are merged.
type deviceEnv struct {
	cfg    *config.Config
	logger *logrus.Logger
	host   *host.Host
}

// openEnv merges config, flags and the optional device argument, then starts
// a host for the TTY driver. The caller owns env.host.
func openEnv(cmd *cobra.Command, args []string, flags *deviceFlags) (*deviceEnv, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	if len(args) > 0 {
		cfg.Device = args[0]
	}
	if flags.baud > 0 {
		cfg.BaudRate = flags.baud
	}
	if flags.delimiter != "" {
		cfg.Delimiter = flags.delimiter
	}
	if cfg.Device == "" {
		return nil, ErrNoDevice
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	d := driver.NewTTY(cfg.TTYOptions(logger))
	return &deviceEnv{
		cfg:    cfg,
		logger: logger,
		host:   host.New(d, cfg.HostOptions(logger)),
	}, nil
}

// signalContext is cancelled on SIGINT/SIGTERM or when the command context ends.
func signalContext(cmd *cobra.Command, logger *logrus.Logger) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			logger.Info("Received interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
