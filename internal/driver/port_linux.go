//go:build linux

package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/srg/serialmgr/internal/groutine"
	"golang.org/x/sys/unix"
)

// port is an open serial line in raw mode. A background reader splits the
// input on the configured delimiter; Close wakes the reader through a
// self-pipe and joins it before releasing the descriptors.
type port struct {
	fd        int
	file      *os.File
	delimiter []byte
	maxLen    int

	pipeR int
	pipeW int

	done      chan struct{}
	closeOnce sync.Once
	readDone  <-chan struct{}

	writeMu sync.Mutex
}

func openPort(cfg Config, maxLen int) (*port, error) {
	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}

	if err := makeRaw(fd, cfg.BaudRate); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	if err := unix.SetNonblock(fd, false); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set blocking: %w", err)
	}

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_CLOEXEC); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}

	delim := cfg.Delimiter
	if delim == "" {
		delim = "\n"
	}

	return &port{
		fd:        fd,
		file:      os.NewFile(uintptr(fd), cfg.Device),
		delimiter: []byte(delim),
		maxLen:    maxLen,
		pipeR:     fds[0],
		pipeW:     fds[1],
		done:      make(chan struct{}),
	}, nil
}

func makeRaw(fd int, baud int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | baudFlag(baud)
	t.Ispeed = baudFlag(baud)
	t.Ospeed = baudFlag(baud)
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

func baudFlag(baud int) uint32 {
	switch baud {
	case 1200:
		return unix.B1200
	case 2400:
		return unix.B2400
	case 4800:
		return unix.B4800
	case 9600:
		return unix.B9600
	case 19200:
		return unix.B19200
	case 38400:
		return unix.B38400
	case 57600:
		return unix.B57600
	case 230400:
		return unix.B230400
	case 460800:
		return unix.B460800
	case 921600:
		return unix.B921600
	default:
		return unix.B115200
	}
}

// start launches the reader. onMessage runs on the reader goroutine for every
// complete message; onError is called once if the line fails.
func (p *port) start(onMessage func([]byte), onError func(error)) {
	p.readDone = groutine.Start(context.Background(), "tty-reader", func(ctx context.Context) {
		if err := p.readLoop(onMessage); err != nil {
			onError(err)
		}
	})
}

func (p *port) readLoop(onMessage func([]byte)) error {
	buf := make([]byte, 4096)
	var line []byte

	for {
		pfd := []unix.PollFd{
			{Fd: int32(p.fd), Events: unix.POLLIN},
			{Fd: int32(p.pipeR), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(pfd, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}

		select {
		case <-p.done:
			return nil
		default:
		}
		if pfd[1].Revents&unix.POLLIN != 0 {
			return nil
		}

		if pfd[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}

		n, err := unix.Read(p.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("read: %w", os.ErrClosed)
		}

		line = append(line, buf[:n]...)
		for {
			idx := bytes.Index(line, p.delimiter)
			if idx < 0 {
				break
			}
			onMessage(p.truncate(line[:idx]))
			line = line[idx+len(p.delimiter):]
		}
		// An undelimited run longer than a message is flushed as is.
		if len(line) > p.maxLen {
			onMessage(p.truncate(line))
			line = nil
		}
	}
}

func (p *port) truncate(b []byte) []byte {
	if len(b) > p.maxLen {
		b = b[:p.maxLen]
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (p *port) write(payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	for len(payload) > 0 {
		n, err := p.file.Write(payload)
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		payload = payload[n:]
	}
	return nil
}

func (p *port) close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		_, _ = unix.Write(p.pipeW, []byte{1})
		if p.readDone != nil {
			<-p.readDone
		}
		err = p.file.Close()
		_ = unix.Close(p.pipeR)
		_ = unix.Close(p.pipeW)
	})
	return err
}
