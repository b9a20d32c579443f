package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "serialmgr",
	Short: "Serial device status and event distribution",
	Long: `Serial device manager that provides:

- Monitor a serial device: engine on/off status and delimited messages
- Fan events out to several listeners (terminal, Lua scripts)
- Send messages to the device
- Simulate a device on a pseudo-terminal for local testing

Settings can be loaded from a YAML file with --config; flags override it.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(simulateCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Shorthand for --log-level debug")
	rootCmd.PersistentFlags().String("config", "", "YAML configuration file")

	rootCmd.SetVersionTemplate(fmt.Sprintf("serialmgr {{.Version}} (commit %s, built %s)\n", commit, date))
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
