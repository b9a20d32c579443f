// Package pump runs the goroutine that waits on the device driver and fans
// every event out to the registered listeners.
package pump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/serialmgr/internal/driver"
	"github.com/srg/serialmgr/internal/groutine"
	"github.com/srg/serialmgr/internal/registry"
)

// Lifecycle states of a Pump.
const (
	StateStopped uint32 = iota
	StateRunning
	StateStopping
)

var (
	ErrAlreadyRunning = errors.New("pump already running")
	ErrStopping       = errors.New("pump is stopping")
)

// Targets is the set of registrations events are fanned out to.
type Targets interface {
	Len() int
	ForEach(fn func(reg *registry.Registration))
}

// Stats are cumulative pump counters.
type Stats struct {
	Wakeups      int64 `json:"wakeups"`
	StatusEvents int64 `json:"status_events"`
	Messages     int64 `json:"messages"`
	Skipped      int64 `json:"skipped_messages"`
	ReadErrors   int64 `json:"read_errors"`
}

// Pump owns the blocking WaitForEvent loop.
type Pump struct {
	driver  driver.Driver
	targets Targets
	logger  *logrus.Logger

	state    uint32
	stop     atomic.Bool
	engineOn atomic.Bool
	done     <-chan struct{}

	wakeups      atomic.Int64
	statusEvents atomic.Int64
	messages     atomic.Int64
	skipped      atomic.Int64
	readErrors   atomic.Int64
}

// New creates a stopped pump.
func New(d driver.Driver, targets Targets, logger *logrus.Logger) *Pump {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Pump{driver: d, targets: targets, logger: logger}
}

// Start launches the event loop.
func (p *Pump) Start() error {
	if !atomic.CompareAndSwapUint32(&p.state, StateStopped, StateRunning) {
		switch current := atomic.LoadUint32(&p.state); current {
		case StateRunning:
			return ErrAlreadyRunning
		case StateStopping:
			return ErrStopping
		default:
			return fmt.Errorf("pump is in unknown state %d", current)
		}
	}

	p.stop.Store(false)
	p.done = groutine.Start(context.Background(), "event-pump", p.run)
	p.logger.Debug("Event pump started")
	return nil
}

// Stop asks the loop to exit and waits until it has. A WaitForEvent already
// in progress is not interrupted; the caller wakes it through the driver.
func (p *Pump) Stop() {
	if !atomic.CompareAndSwapUint32(&p.state, StateRunning, StateStopping) {
		return
	}
	p.stop.Store(true)
	<-p.done
	atomic.StoreUint32(&p.state, StateStopped)
	p.logger.Debug("Event pump stopped")
}

// State returns the current lifecycle state.
func (p *Pump) State() uint32 {
	return atomic.LoadUint32(&p.state)
}

// IsEngineOn reports whether the last status event was ENGINE_ON.
func (p *Pump) IsEngineOn() bool {
	return p.engineOn.Load()
}

func (p *Pump) Stats() Stats {
	return Stats{
		Wakeups:      p.wakeups.Load(),
		StatusEvents: p.statusEvents.Load(),
		Messages:     p.messages.Load(),
		Skipped:      p.skipped.Load(),
		ReadErrors:   p.readErrors.Load(),
	}
}

func (p *Pump) run(context.Context) {
	for !p.stop.Load() {
		kind := p.driver.WaitForEvent()
		p.wakeups.Add(1)

		switch {
		case kind.IsStatus():
			p.engineOn.Store(kind == driver.EventEngineOn)
			p.statusEvents.Add(1)
			p.logger.WithField("event", kind).Info("Device status changed")
			p.fanOut(func(reg *registry.Registration) error { return reg.Queue().PostStatus(kind) })

		case kind == driver.EventMessageAvailable:
			p.handleMessage()

		case kind == driver.EventNone:
		default:
			p.logger.WithField("event", kind).Warn("Ignoring unknown driver event")
		}
	}
}

func (p *Pump) handleMessage() {
	if p.targets.Len() == 0 {
		p.skipped.Add(1)
		return
	}

	payload, err := p.driver.ReadMessage()
	if err != nil {
		p.readErrors.Add(1)
		p.logger.WithError(err).Error("Failed to read device message")
		return
	}
	p.messages.Add(1)
	p.logger.WithField("payload_len", len(payload)).Debug("Device message received")

	// Each listener gets its own copy.
	p.fanOut(func(reg *registry.Registration) error {
		return reg.Queue().PostMessage(append([]byte(nil), payload...))
	})
}

func (p *Pump) fanOut(post func(reg *registry.Registration) error) {
	p.targets.ForEach(func(reg *registry.Registration) {
		if err := post(reg); err != nil {
			p.logger.WithError(err).WithField("owner", reg.ID()).Debug("Delivery not scheduled")
		}
	})
}
