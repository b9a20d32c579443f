package testutils

import (
	"sync"
	"sync/atomic"

	"github.com/srg/serialmgr/internal/driver"
)

type fakeEvent struct {
	kind    driver.EventKind
	payload []byte
}

// FakeDriver is a scripted driver.Driver. Tests push events with Emit and
// EmitMessage; WaitForEvent hands them out in order. It records every call so
// tests can assert on lifecycle ordering.
type FakeDriver struct {
	// InitErr and OpenErr make the corresponding call fail while set.
	InitErr error
	OpenErr error
	// StatusOnOpenClose emits ENGINE_ON on Open and ENGINE_OFF on Close, the
	// way a real device does.
	StatusOnOpenClose bool

	mu       sync.Mutex
	calls    []string
	sent     [][]byte
	shutdown chan struct{}
	current  []byte
	lastCfg  driver.Config

	events chan fakeEvent

	waiting             atomic.Int32
	cleanupWhileWaiting atomic.Bool
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{events: make(chan fakeEvent, 1024)}
}

// Emit queues a status (or NONE) wake-up.
func (d *FakeDriver) Emit(kind driver.EventKind) {
	d.events <- fakeEvent{kind: kind}
}

// EmitMessage queues a MESSAGE_AVAILABLE wake-up carrying payload.
func (d *FakeDriver) EmitMessage(payload string) {
	d.events <- fakeEvent{kind: driver.EventMessageAvailable, payload: []byte(payload)}
}

func (d *FakeDriver) record(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
}

func (d *FakeDriver) Init() error {
	d.record("init")
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.InitErr != nil {
		return d.InitErr
	}
	d.shutdown = make(chan struct{})
	return nil
}

func (d *FakeDriver) Shutdown() {
	d.record("shutdown")
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown != nil {
		select {
		case <-d.shutdown:
		default:
			close(d.shutdown)
		}
	}
}

func (d *FakeDriver) Cleanup() {
	if d.waiting.Load() > 0 {
		d.cleanupWhileWaiting.Store(true)
	}
	d.record("cleanup")
}

func (d *FakeDriver) Open(cfg driver.Config) error {
	d.record("open")
	d.mu.Lock()
	err := d.OpenErr
	d.lastCfg = cfg
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if d.StatusOnOpenClose {
		d.Emit(driver.EventEngineOn)
	}
	return nil
}

func (d *FakeDriver) Close() error {
	d.record("close")
	if d.StatusOnOpenClose {
		d.Emit(driver.EventEngineOff)
	}
	return nil
}

func (d *FakeDriver) WaitForEvent() driver.EventKind {
	d.waiting.Add(1)
	defer d.waiting.Add(-1)

	d.mu.Lock()
	shutdown := d.shutdown
	d.mu.Unlock()
	if shutdown == nil {
		return driver.EventNone
	}

	select {
	case <-shutdown:
		return driver.EventNone
	case ev := <-d.events:
		if ev.kind == driver.EventMessageAvailable {
			d.mu.Lock()
			d.current = ev.payload
			d.mu.Unlock()
		}
		return ev.kind
	}
}

func (d *FakeDriver) ReadMessage() ([]byte, error) {
	d.record("read")
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return nil, driver.ErrNoMessage
	}
	msg := d.current
	d.current = nil
	return msg, nil
}

func (d *FakeDriver) Send(payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, append([]byte(nil), payload...))
	return nil
}

// Calls returns the recorded call sequence.
func (d *FakeDriver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Count returns how many times call was recorded.
func (d *FakeDriver) Count(call string) int {
	n := 0
	for _, c := range d.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// Sent returns payloads passed to Send, as strings.
func (d *FakeDriver) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.sent))
	for i, p := range d.sent {
		out[i] = string(p)
	}
	return out
}

// LastConfig returns the config passed to the last Open.
func (d *FakeDriver) LastConfig() driver.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCfg
}

// Waiting returns the number of goroutines blocked in WaitForEvent.
func (d *FakeDriver) Waiting() int {
	return int(d.waiting.Load())
}

// CleanupWhileWaiting reports whether Cleanup ever ran while a goroutine was
// still inside WaitForEvent.
func (d *FakeDriver) CleanupWhileWaiting() bool {
	return d.cleanupWhileWaiting.Load()
}

// SetInitErr changes InitErr under the driver lock.
func (d *FakeDriver) SetInitErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InitErr = err
}
