// Package session owns the enable/disable lifecycle of the device: driver
// initialisation, the event pump, and an orderly teardown in which the pump
// has fully exited, and every listener queue is fenced, before the driver is
// cleaned up.
package session

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/serialmgr/internal/driver"
	"github.com/srg/serialmgr/internal/pump"
	"github.com/srg/serialmgr/internal/registry"
)

type State int

const (
	StateDisabled State = iota
	StateEnabling
	StateEnabled
	StateDisabling
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateEnabling:
		return "enabling"
	case StateEnabled:
		return "enabled"
	case StateDisabling:
		return "disabling"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session serializes every lifecycle operation under one mutex.
type Session struct {
	driver  driver.Driver
	targets pump.Targets
	logger  *logrus.Logger

	mu        sync.Mutex
	state     State
	pump      *pump.Pump
	lastStats pump.Stats
	open      bool
}

// New creates a disabled session. targets is usually the listener registry.
func New(d driver.Driver, targets pump.Targets, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Session{driver: d, targets: targets, logger: logger}
}

// Enable initialises the driver and starts the pump. Enabling an enabled
// session does nothing.
func (s *Session) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enableLocked()
}

func (s *Session) enableLocked() error {
	if s.state == StateEnabled {
		s.logger.Debug("Session already enabled")
		return nil
	}

	s.state = StateEnabling
	if err := s.driver.Init(); err != nil {
		s.state = StateDisabled
		s.logger.WithError(err).Error("Device init failed")
		return &ConfigurationError{Op: "init", Err: err}
	}

	p := pump.New(s.driver, s.targets, s.logger)
	if err := p.Start(); err != nil {
		s.driver.Cleanup()
		s.state = StateDisabled
		return fmt.Errorf("start event pump: %w", err)
	}
	s.pump = p
	s.state = StateEnabled
	s.logger.WithField("state", s.state).Info("Session enabled")
	return nil
}

// Disable tears the session down. When it returns, the pump goroutine has
// exited and no further listener callback from this session will start. A
// callback already running on a listener's executor may still finish; Disable
// does not wait for it.
func (s *Session) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disableLocked()
}

func (s *Session) disableLocked() {
	if s.state == StateDisabled {
		s.logger.Debug("Session already disabled")
		return
	}

	s.state = StateDisabling
	s.driver.Shutdown()
	if s.pump != nil {
		s.pump.Stop()
		s.lastStats = s.pump.Stats()
		s.pump = nil
	}
	s.targets.ForEach(func(reg *registry.Registration) { reg.Queue().Fence() })
	s.driver.Cleanup()
	s.open = false
	s.state = StateDisabled
	s.logger.WithField("state", s.state).Info("Session disabled")
}

// Begin enables the session if needed and opens the device. If opening
// fails the session is disabled again. Beginning an open session does nothing.
func (s *Session) Begin(cfg driver.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enableLocked(); err != nil {
		return err
	}
	if s.open {
		s.logger.WithField("device", cfg.Device).Debug("Device already open")
		return nil
	}
	if err := s.driver.Open(cfg); err != nil {
		s.logger.WithError(err).WithField("device", cfg.Device).Error("Device open failed")
		s.disableLocked()
		return &ConfigurationError{Op: "open", Err: err}
	}
	s.open = true
	return nil
}

// End closes the device and disables the session.
func (s *Session) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDisabled {
		return nil
	}

	var err error
	if s.open {
		if cerr := s.driver.Close(); cerr != nil && !errors.Is(cerr, driver.ErrNotOpen) {
			s.logger.WithError(cerr).Warn("Device close failed")
			err = fmt.Errorf("close device: %w", cerr)
		}
		s.open = false
	}
	s.disableLocked()
	return err
}

// Send forwards payload to the device. Only allowed while enabled.
func (s *Session) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEnabled {
		return &StateError{Op: "send", State: s.state}
	}
	if err := s.driver.Send(payload); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsEngineOn reports the device engine status seen by the running pump.
func (s *Session) IsEngineOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pump != nil && s.pump.IsEngineOn()
}

// IsOpen reports whether Begin opened the device and End has not closed it.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Stats returns the counters of the running pump, or of the last one.
func (s *Session) Stats() pump.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pump != nil {
		return s.pump.Stats()
	}
	return s.lastStats
}
