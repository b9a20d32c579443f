package driver

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// TTYOptions tunes a TTY driver.
type TTYOptions struct {
	Logger         *logrus.Logger
	EventBuffer    int `default:"64"`
	MaxMessageSize int `default:"1024"`
}

type event struct {
	kind    EventKind
	payload []byte
}

// link is the wake-up channel pair of one Init..Cleanup cycle.
type link struct {
	events       chan event
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// TTY drives a serial line. Open starts the engine and reports ENGINE_ON,
// every delimited line becomes MESSAGE_AVAILABLE, Close reports ENGINE_OFF.
//
// Only the last woken message is retained: if ReadMessage is not called
// before the next WaitForEvent, that message is gone.
type TTY struct {
	opts   TTYOptions
	logger *logrus.Logger

	mu   sync.Mutex // serializes lifecycle calls
	port *port
	link atomic.Pointer[link]

	msgMu   sync.Mutex
	current []byte
}

// NewTTY creates an uninitialized TTY driver.
func NewTTY(opts *TTYOptions) *TTY {
	var o TTYOptions
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	logger := o.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	return &TTY{opts: o, logger: logger}
}

func (d *TTY) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.link.Load() != nil {
		return nil
	}
	d.link.Store(&link{
		events:   make(chan event, d.opts.EventBuffer),
		shutdown: make(chan struct{}),
	})
	d.logger.Debug("TTY driver initialized")
	return nil
}

func (d *TTY) Shutdown() {
	l := d.link.Load()
	if l == nil {
		return
	}
	l.shutdownOnce.Do(func() {
		close(l.shutdown)
		d.logger.Debug("TTY driver shutdown requested")
	})
}

func (d *TTY) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port != nil {
		if err := d.port.close(); err != nil {
			d.logger.WithError(err).Warn("Failed to close serial port during cleanup")
		}
		d.port = nil
	}
	d.link.Store(nil)

	d.msgMu.Lock()
	d.current = nil
	d.msgMu.Unlock()

	d.logger.Debug("TTY driver cleaned up")
}

func (d *TTY) Open(cfg Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	l := d.link.Load()
	if l == nil {
		return ErrNotInitialized
	}
	if isClosed(l.shutdown) {
		return ErrShutdown
	}
	if d.port != nil {
		return ErrAlreadyOpen
	}

	p, err := openPort(cfg, d.opts.MaxMessageSize)
	if err != nil {
		return err
	}

	logger := d.logger.WithField("device", cfg.Device)
	p.start(func(msg []byte) {
		select {
		case l.events <- event{kind: EventMessageAvailable, payload: msg}:
		case <-p.done:
		case <-l.shutdown:
		}
	}, func(err error) {
		logger.WithError(err).Error("Serial reader stopped")
	})
	d.port = p

	logger.WithField("baud_rate", cfg.BaudRate).Info("Serial port opened")
	d.emit(l, EventEngineOn)
	return nil
}

func (d *TTY) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return ErrNotOpen
	}
	err := d.port.close()
	d.port = nil
	if err != nil {
		err = fmt.Errorf("close serial port: %w", err)
	}

	if l := d.link.Load(); l != nil {
		d.emit(l, EventEngineOff)
	}
	d.logger.Info("Serial port closed")
	return err
}

// emit queues a status event. It gives up only once shutdown was requested,
// since nobody is going to wait for events after that.
func (d *TTY) emit(l *link, kind EventKind) {
	select {
	case l.events <- event{kind: kind}:
	case <-l.shutdown:
		d.logger.WithField("event", kind).Debug("Dropping event after shutdown")
	}
}

func (d *TTY) WaitForEvent() EventKind {
	l := d.link.Load()
	if l == nil {
		return EventNone
	}
	if isClosed(l.shutdown) {
		return EventNone
	}

	select {
	case <-l.shutdown:
		return EventNone
	case ev := <-l.events:
		if ev.kind == EventMessageAvailable {
			d.msgMu.Lock()
			d.current = ev.payload
			d.msgMu.Unlock()
		}
		return ev.kind
	}
}

func (d *TTY) ReadMessage() ([]byte, error) {
	d.msgMu.Lock()
	defer d.msgMu.Unlock()

	if d.current == nil {
		return nil, ErrNoMessage
	}
	msg := d.current
	d.current = nil
	return msg, nil
}

func (d *TTY) Send(payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return ErrNotOpen
	}
	return d.port.write(payload)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
