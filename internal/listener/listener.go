// Package listener provides ready-made dispatch.Listener implementations:
// a terminal writer, a bounded collector, a Lua script host and a func adapter.
package listener

import (
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/srg/serialmgr/internal/driver"
)

// Func adapts plain functions to dispatch.Listener. Nil fields ignore the event.
type Func struct {
	Status  func(code driver.EventKind) error
	Message func(payload []byte) error
}

func (f Func) OnStatusChanged(code driver.EventKind) error {
	if f.Status == nil {
		return nil
	}
	return f.Status(code)
}

func (f Func) OnMessageReceived(payload []byte) error {
	if f.Message == nil {
		return nil
	}
	return f.Message(payload)
}

// WriterOptions controls Writer output.
type WriterOptions struct {
	Hex        bool // print payloads as hex
	Timestamps bool
	NoColor    bool
}

// Writer prints every event as one line.
type Writer struct {
	mu   sync.Mutex
	out  io.Writer
	opts WriterOptions
	now  func() time.Time

	on  *color.Color
	off *color.Color
	msg *color.Color
}

func NewWriter(out io.Writer, opts WriterOptions) *Writer {
	w := &Writer{
		out:  out,
		opts: opts,
		now:  time.Now,
		on:   color.New(color.FgGreen, color.Bold),
		off:  color.New(color.FgRed, color.Bold),
		msg:  color.New(color.FgCyan),
	}
	if opts.NoColor {
		w.on.DisableColor()
		w.off.DisableColor()
		w.msg.DisableColor()
	}
	return w
}

func (w *Writer) OnStatusChanged(code driver.EventKind) error {
	c := w.off
	if code == driver.EventEngineOn {
		c = w.on
	}
	return w.line(c.Sprintf("[status] %s", code))
}

func (w *Writer) OnMessageReceived(payload []byte) error {
	text := string(payload)
	if w.opts.Hex {
		text = hex.EncodeToString(payload)
	}
	return w.line(w.msg.Sprint("[message] ") + text)
}

func (w *Writer) line(s string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.opts.Timestamps {
		s = w.now().Format(time.RFC3339) + " " + s
	}
	if _, err := fmt.Fprintln(w.out, s); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
