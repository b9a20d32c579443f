// Package driver defines the primitive operations the service needs from a
// serial-like device, and provides a Linux TTY implementation of them.
//
// A Driver is owned by exactly one session. The session calls Init before
// anything else, runs a single goroutine blocked in WaitForEvent, and tears the
// device down with Shutdown (which must make WaitForEvent return promptly)
// followed by Cleanup once that goroutine has exited.
package driver

import (
	"errors"
	"fmt"
)

// EventKind is what WaitForEvent woke up for.
//
// The numeric values of EventEngineOn and EventEngineOff double as the status
// codes delivered to listeners.
type EventKind int

const (
	EventNone EventKind = iota
	EventEngineOn
	EventEngineOff
	EventMessageAvailable
)

func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "NONE"
	case EventEngineOn:
		return "ENGINE_ON"
	case EventEngineOff:
		return "ENGINE_OFF"
	case EventMessageAvailable:
		return "MESSAGE_AVAILABLE"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// IsStatus reports whether k is a status change delivered as a StatusEvent.
func (k EventKind) IsStatus() bool {
	return k == EventEngineOn || k == EventEngineOff
}

// Config selects the device to open and how to talk to it.
type Config struct {
	Device    string `json:"device" yaml:"device"`
	BaudRate  int    `json:"baud_rate" yaml:"baud_rate"`
	Delimiter string `json:"delimiter" yaml:"delimiter"` // message delimiter, "\n" if empty
}

// Driver is the set of primitive blocking operations on the device.
type Driver interface {
	// Init prepares the driver. An error means the device is unusable.
	Init() error
	// Shutdown requests teardown and wakes any WaitForEvent call in flight.
	Shutdown()
	// Cleanup releases everything Init acquired. Called after the event
	// goroutine has exited.
	Cleanup()
	// Open starts the device engine with the given configuration.
	Open(cfg Config) error
	// Close stops the device engine.
	Close() error
	// WaitForEvent blocks until a status change, a message, or Shutdown.
	WaitForEvent() EventKind
	// ReadMessage returns the message that caused the last EventMessageAvailable.
	ReadMessage() ([]byte, error)
	// Send writes a payload to the device.
	Send(payload []byte) error
}

var (
	ErrNotInitialized = errors.New("driver not initialized")
	ErrShutdown       = errors.New("driver shutting down")
	ErrNotOpen        = errors.New("device not open")
	ErrAlreadyOpen    = errors.New("device already open")
	ErrNoMessage      = errors.New("no message available")
	ErrUnsupported    = errors.New("unsupported")
)
