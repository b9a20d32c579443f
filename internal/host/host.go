// Package host is the single entry point of the service. Many callers can use
// one Host concurrently; every registry and session mutation runs on the
// host's own goroutine, one request at a time.
package host

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/serialmgr/internal/driver"
	"github.com/srg/serialmgr/internal/groutine"
	"github.com/srg/serialmgr/internal/liveness"
	"github.com/srg/serialmgr/internal/pump"
	"github.com/srg/serialmgr/internal/registry"
	"github.com/srg/serialmgr/internal/session"
)

var ErrClosed = errors.New("service host closed")

// Options configures a Host.
type Options struct {
	Logger *logrus.Logger
	// Watcher observes listener owners. When nil the host runs its own
	// context and process watchers.
	Watcher liveness.Watcher
	// ProcessWatcher tunes the process watcher the host creates.
	ProcessWatcher liveness.ProcessWatcherOptions
	RequestBuffer  int `default:"16"`
}

// Status is a point-in-time snapshot of the service.
type Status struct {
	State     session.State `json:"state"`
	Open      bool          `json:"open"`
	EngineOn  bool          `json:"engine_on"`
	Listeners int           `json:"listeners"`
	Pump      pump.Stats    `json:"pump"`
}

// Host owns the registry and the session of one device.
type Host struct {
	logger   *logrus.Logger
	registry *registry.Registry
	session  *session.Session
	owned    *liveness.ProcessWatcher

	requests  chan func()
	quit      chan struct{}
	done      <-chan struct{}
	closeOnce sync.Once
}

// New starts a host for d.
func New(d driver.Driver, opts *Options) *Host {
	var o Options
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)
	if o.Logger == nil {
		o.Logger = logrus.New()
		o.Logger.SetOutput(io.Discard)
	}

	h := &Host{
		logger:   o.Logger,
		requests: make(chan func(), o.RequestBuffer),
		quit:     make(chan struct{}),
	}

	watcher := o.Watcher
	if watcher == nil {
		pwOpts := o.ProcessWatcher
		if pwOpts.Logger == nil {
			pwOpts.Logger = o.Logger
		}
		h.owned = liveness.NewProcessWatcher(&pwOpts)
		watcher = &liveness.Mux{Context: liveness.ContextWatcher{}, Process: h.owned}
	}

	h.registry = registry.New(&registry.Options{Logger: o.Logger, Watcher: watcher})
	h.session = session.New(d, h.registry, o.Logger)
	h.done = groutine.Start(context.Background(), "service-host", h.loop)
	return h
}

func (h *Host) loop(context.Context) {
	for {
		select {
		case <-h.quit:
			return
		case req := <-h.requests:
			req()
		}
	}
}

// do runs fn on the host goroutine and waits for its result. If ctx ends
// first the caller gets ctx.Err(); a request already queued still runs.
func (h *Host) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	req := func() { result <- fn() }

	select {
	case <-h.quit:
		return ErrClosed
	default:
	}

	select {
	case h.requests <- req:
	case <-h.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-h.quit:
		// The loop may have exited without running req.
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddListener registers a listener. Registering the same owner twice is a
// no-op; an error means the listener was not retained.
func (h *Host) AddListener(ctx context.Context, handle registry.Handle) error {
	return h.do(ctx, func() error { return h.registry.Register(handle) })
}

// RemoveListener unregisters the listener of handle's owner, if any.
func (h *Host) RemoveListener(ctx context.Context, handle registry.Handle) error {
	return h.do(ctx, func() error {
		h.registry.Unregister(handle)
		return nil
	})
}

func (h *Host) Enable(ctx context.Context) error {
	return h.do(ctx, h.session.Enable)
}

// Disable returns once the device is fully torn down. No listener callback
// starts afterwards, but a slow one already running is not waited for.
func (h *Host) Disable(ctx context.Context) error {
	return h.do(ctx, func() error {
		h.session.Disable()
		return nil
	})
}

func (h *Host) Begin(ctx context.Context, cfg driver.Config) error {
	return h.do(ctx, func() error { return h.session.Begin(cfg) })
}

func (h *Host) End(ctx context.Context) error {
	return h.do(ctx, h.session.End)
}

func (h *Host) Send(ctx context.Context, payload []byte) error {
	return h.do(ctx, func() error { return h.session.Send(payload) })
}

// Print sends text to the device.
func (h *Host) Print(ctx context.Context, text string) error {
	return h.Send(ctx, []byte(text))
}

func (h *Host) Status(ctx context.Context) (Status, error) {
	snapshot := make(chan Status, 1)
	err := h.do(ctx, func() error {
		snapshot <- Status{
			State:     h.session.State(),
			Open:      h.session.IsOpen(),
			EngineOn:  h.session.IsEngineOn(),
			Listeners: h.registry.Len(),
			Pump:      h.session.Stats(),
		}
		return nil
	})
	if err != nil {
		return Status{}, err
	}
	return <-snapshot, nil
}

// Close ends the session, drops every listener and stops the host goroutine.
// Later calls return ErrClosed.
func (h *Host) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.quit)
		<-h.done

		err = h.session.End()
		h.registry.Close()
		if h.owned != nil {
			h.owned.Close()
		}
		h.logger.Info("Service host closed")
	})
	return err
}
