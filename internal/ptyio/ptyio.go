// Package ptyio provides a ring-buffered pseudo-terminal used as a virtual
// serial device. The slave path (TTYName) behaves like a /dev/tty* node that
// the serial driver can open; the master side is driven through Read, Write
// and an optional read callback.
//
//	dev, err := ptyio.New(&ptyio.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer dev.Close()
//	// dev.TTYName() -> "/dev/pts/X"
//	dev.SetReadCallback(func(b []byte) { ... })
//	_, _ = dev.Write([]byte("engine=on\n"))
//
// Write and Read never block. When a ring is full the excess bytes are
// dropped and counted in Stats.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/serialmgr/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrorCallback is invoked at most once per loop when it exits on an
// unexpected error. Called from a background goroutine.
type ErrorCallback func(err error)

// ReadCallback receives bytes written by the slave side. The slice is only
// valid for the duration of the call.
type ReadCallback func(data []byte)

type Options struct {
	ReadCap     int           `default:"4096"` // bytes buffered from the slave
	WriteCap    int           `default:"4096"` // bytes buffered towards the slave
	PollTimeout time.Duration `default:"50ms"` // bounds Close latency
	Logger      *logrus.Logger
	OnError     ErrorCallback
}

// PTY is the master side of a virtual serial device.
type PTY interface {
	io.ReadWriteCloser
	Stats() Stats
	TTYName() string
	SetReadCallback(cb ReadCallback)
}

type Stats struct {
	WriteQueueLen int `json:"write_queue_len"`
	WriteQueueCap int `json:"write_queue_cap"`
	ReadQueueLen  int `json:"read_queue_len"`
	ReadQueueCap  int `json:"read_queue_cap"`

	DroppedWrite uint64 `json:"dropped_write"`
	DroppedRead  uint64 `json:"dropped_read"`
	ReadBytes    uint64 `json:"read_bytes"`
	WriteBytes   uint64 `json:"write_bytes"`
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type ringPTY struct {
	logger      *logrus.Logger
	master      *os.File
	slave       *os.File
	ttyName     string
	pollTimeout int // ms
	onError     ErrorCallback
	errOnce     sync.Once

	writeBuf *ringbuffer.RingBuffer
	readBuf  *ringbuffer.RingBuffer

	readCb     atomic.Pointer[ReadCallback]
	readNotify chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	droppedWrite atomic.Uint64
	droppedRead  atomic.Uint64
	readBytes    atomic.Uint64
	writeBytes   atomic.Uint64
}

// New opens a pty pair, puts the slave into raw mode and starts the I/O
// loops. A nil opts uses the defaults.
func New(opts *Options) (PTY, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)
	if o.Logger == nil {
		o.Logger = noopLogger
	}

	master, slave, err := createPTY()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPTY{
		logger:      o.Logger,
		master:      master,
		slave:       slave,
		ttyName:     slave.Name(),
		pollTimeout: int(o.PollTimeout / time.Millisecond),
		onError:     o.OnError,
		writeBuf:    ringbuffer.New(o.WriteCap),
		readBuf:     ringbuffer.New(o.ReadCap),
		readNotify:  make(chan struct{}, 1),
		cancel:      cancel,
	}
	if p.pollTimeout <= 0 {
		p.pollTimeout = 1
	}

	p.wg.Add(3)
	groutine.Go(ctx, "pty-read-loop", func(ctx context.Context) {
		defer p.wg.Done()
		p.readLoop(ctx)
	})
	groutine.Go(ctx, "pty-write-loop", func(ctx context.Context) {
		defer p.wg.Done()
		p.writeLoop(ctx)
	})
	groutine.Go(ctx, "pty-read-dispatcher", func(ctx context.Context) {
		defer p.wg.Done()
		p.dispatch(ctx)
	})

	p.logger.WithField("tty", p.ttyName).Debug("Virtual serial device created")
	return p, nil
}

func createPTY() (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}
	fail := func(what string, err error) (*os.File, *os.File, error) {
		name := slave.Name()
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, fmt.Errorf("failed to set PTY %s to %s mode: %w", name, what, err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("raw", err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return fail("nonblocking", err)
	}
	return master, slave, nil
}

func (p *ringPTY) reportError(err error) {
	p.logger.WithError(err).Warn("PTY loop exiting")
	if p.onError != nil {
		p.errOnce.Do(func() { p.onError(err) })
	}
}

func (p *ringPTY) readLoop(ctx context.Context) {
	fds := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for ctx.Err() == nil {
		n, err := unix.Poll(fds, p.pollTimeout)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.Warnf("readLoop poll error: %v", err)
			continue
		}
		if n == 0 {
			continue
		}

		n, err = p.master.Read(buf)
		if n > 0 {
			written, _ := p.readBuf.Write(buf[:n])
			if written < n {
				p.droppedRead.Add(uint64(n - written))
				p.logger.Warnf("Read buffer overflow: dropped %d bytes", n-written)
			}
			p.readBytes.Add(uint64(written))
			if written > 0 && p.readCb.Load() != nil {
				select {
				case p.readNotify <- struct{}{}:
				default:
				}
			}
		}

		switch {
		case err == nil,
			errors.Is(err, syscall.EAGAIN),
			errors.Is(err, syscall.EINTR):
		case errors.Is(err, syscall.EIO):
			// no slave opened right now; Linux reports EIO until one is
			time.Sleep(time.Duration(p.pollTimeout) * time.Millisecond)
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			return
		default:
			p.reportError(fmt.Errorf("readLoop: %w", err))
			return
		}
	}
}

func (p *ringPTY) writeLoop(ctx context.Context) {
	fds := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)
	idle := time.NewTicker(time.Duration(p.pollTimeout) * time.Millisecond)
	defer idle.Stop()

	for ctx.Err() == nil {
		n, err := p.writeBuf.TryRead(buf)
		if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
			}
			continue
		}

		for off := 0; off < n && ctx.Err() == nil; {
			w, err := p.master.Write(buf[off:n])
			if w > 0 {
				off += w
				p.writeBytes.Add(uint64(w))
			}
			switch {
			case err == nil, errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if _, perr := unix.Poll(fds, p.pollTimeout); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.logger.Warnf("writeLoop poll error: %v", perr)
				}
			case errors.Is(err, os.ErrClosed):
				return
			default:
				p.reportError(fmt.Errorf("writeLoop: %w", err))
				return
			}
		}
	}
}

func (p *ringPTY) dispatch(ctx context.Context) {
	tmp := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.readNotify:
		}

		for ctx.Err() == nil {
			cb := p.readCb.Load()
			if cb == nil {
				break
			}
			n, _ := p.readBuf.TryRead(tmp)
			if n == 0 {
				break
			}
			p.invoke(*cb, tmp[:n])
		}
	}
}

func (p *ringPTY) invoke(cb ReadCallback, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.readCb.Store(nil)
			p.reportError(fmt.Errorf("read callback panic: %v", r))
		}
	}()
	cb(data)
}

// Write queues data for the slave. It returns the number of bytes queued,
// which is less than len(data) when the ring is full.
func (p *ringPTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}
	written, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return written, err
	}
	if written < len(data) {
		p.droppedWrite.Add(uint64(len(data) - written))
		p.logger.Warnf("Write buffer overflow: dropped %d bytes", len(data)-written)
	}
	return written, nil
}

// Read returns buffered bytes from the slave, or syscall.EAGAIN when none
// are available.
func (p *ringPTY) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := p.readBuf.TryRead(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, err
	}
	if n == 0 {
		return 0, syscall.EAGAIN
	}
	return n, nil
}

// SetReadCallback replaces the read callback. Bytes already buffered are
// delivered to the new callback. Pass nil to go back to polling Read.
func (p *ringPTY) SetReadCallback(cb ReadCallback) {
	if p.closed.Load() {
		return
	}
	if cb == nil {
		p.readCb.Store(nil)
		return
	}
	p.readCb.Store(&cb)
	select {
	case p.readNotify <- struct{}{}:
	default:
	}
}

// Close stops the loops, waits for them and closes both ends.
func (p *ringPTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	p.wg.Wait()

	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close slave: %w", err))
	}
	p.logger.WithField("tty", p.ttyName).Debug("Virtual serial device closed")
	return errors.Join(errs...)
}

func (p *ringPTY) Stats() Stats {
	return Stats{
		WriteQueueLen: p.writeBuf.Length(),
		WriteQueueCap: p.writeBuf.Capacity(),
		ReadQueueLen:  p.readBuf.Length(),
		ReadQueueCap:  p.readBuf.Capacity(),
		DroppedWrite:  p.droppedWrite.Load(),
		DroppedRead:   p.droppedRead.Load(),
		ReadBytes:     p.readBytes.Load(),
		WriteBytes:    p.writeBytes.Load(),
	}
}

// TTYName is the slave path, e.g. "/dev/pts/5".
func (p *ringPTY) TTYName() string {
	return p.ttyName
}
