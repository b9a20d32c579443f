package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/srg/serialmgr/internal/driver"
	"github.com/srg/serialmgr/internal/host"
	"github.com/srg/serialmgr/internal/session"
)

// Command-level errors
var (
	// ErrNoDevice is returned when neither an argument nor the config names a device.
	ErrNoDevice = errors.New("no device given")
)

// FormatUserError turns internal errors into a one-line message with a hint
// where one helps.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, ErrNoDevice):
		return "no device given: pass a device path or set 'device' in the config file"
	case errors.Is(err, os.ErrPermission):
		return fmt.Sprintf("%v (is your user in the 'dialout' group?)", err)
	case errors.Is(err, os.ErrNotExist):
		return fmt.Sprintf("%v (check the device path; 'serialmgr simulate' creates a test device)", err)
	case errors.Is(err, driver.ErrUnsupported):
		return "serial devices are only supported on Linux"
	case errors.Is(err, session.ErrNotEnabled):
		return fmt.Sprintf("device is not running: %v", err)
	case errors.Is(err, host.ErrClosed):
		return "service is shutting down"
	default:
		return err.Error()
	}
}
