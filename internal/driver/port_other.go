//go:build !linux

package driver

import "fmt"

type port struct {
	done chan struct{}
}

func openPort(cfg Config, _ int) (*port, error) {
	return nil, fmt.Errorf("open %s: serial ports: %w", cfg.Device, ErrUnsupported)
}

func (p *port) start(func([]byte), func(error)) {}
func (p *port) write([]byte) error { return ErrUnsupported }
func (p *port) close() error { return nil }
