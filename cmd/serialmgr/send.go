package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/serialmgr/internal/driver"
	"github.com/srg/serialmgr/internal/liveness"
	"github.com/srg/serialmgr/internal/listener"
	"github.com/srg/serialmgr/internal/registry"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <device> <message>",
	Short: "Send a message to a serial device",
	Long: `Opens a serial device, sends one message and closes it again.
The configured delimiter is appended unless --raw is given.

Examples:
  # Send a line
  serialmgr send /dev/ttyUSB0 "status?"

  # Send raw bytes given as hex
  serialmgr send /dev/ttyUSB0 0102ff --hex --raw

  # Send and print replies received within two seconds
  serialmgr send /dev/ttyUSB0 "status?" --wait 2s`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

var (
	sendDevice deviceFlags
	sendHex    bool
	sendRaw    bool
	sendWait   time.Duration
	sendKeep   uint32
)

func init() {
	sendDevice.register(sendCmd)
	sendCmd.Flags().BoolVar(&sendHex, "hex", false, "Parse the message as hex (e.g. '01ff'); replies are printed as hex too")
	sendCmd.Flags().BoolVar(&sendRaw, "raw", false, "Do not append the delimiter")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 0, "Collect and print replies for this long after sending")
	sendCmd.Flags().Uint32Var(&sendKeep, "keep", 256, "Maximum number of replies kept while waiting")
}

// parsePayload converts the message argument to bytes.
func parsePayload(msg string, isHex bool) ([]byte, error) {
	if !isHex {
		return []byte(msg), nil
	}
	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "").Replace(msg)
	cleaned = strings.TrimPrefix(strings.TrimPrefix(cleaned, "0x"), "0X")
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", msg, err)
	}
	return data, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	payload, err := parsePayload(args[1], sendHex)
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}

	env, err := openEnv(cmd, args[:1], &sendDevice)
	if err != nil {
		return err
	}
	defer func() { _ = env.host.Close() }()

	if !sendRaw {
		payload = append(payload, env.cfg.Delimiter...)
	}

	ctx, cancel := signalContext(cmd, env.logger)
	defer cancel()

	var replies *listener.Collector
	if sendWait > 0 {
		if replies, err = listener.NewCollector(sendKeep); err != nil {
			return err
		}
		ownerCtx, ownerCancel := context.WithCancel(context.Background())
		defer ownerCancel()
		if err := env.host.AddListener(ctx, registry.Handle{
			Owner:    liveness.NewContextOwner(ownerCtx, "send"),
			Listener: replies,
		}); err != nil {
			return err
		}
	}

	if err := env.host.Begin(ctx, env.cfg.DriverConfig()); err != nil {
		return err
	}
	sendErr := env.host.Send(ctx, payload)

	if sendErr == nil && replies != nil {
		select {
		case <-ctx.Done():
		case <-time.After(sendWait):
		}
	}

	if err := env.host.End(context.Background()); err != nil && sendErr == nil {
		sendErr = err
	}
	if sendErr != nil {
		return sendErr
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Sent %d bytes to %s\n", len(payload), env.cfg.Device)
	if replies != nil {
		for _, rec := range replies.Drain() {
			if rec.Kind != driver.EventMessageAvailable {
				continue
			}
			if sendHex {
				fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(rec.Payload))
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), string(rec.Payload))
			}
		}
	}
	return nil
}
