package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/serialmgr/internal/driver"
	"github.com/srg/serialmgr/internal/host"
	"github.com/srg/serialmgr/internal/liveness"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel logrus.Level `json:"log_level" yaml:"log_level"`

	Device    string `json:"device" yaml:"device"`
	BaudRate  int    `json:"baud_rate" yaml:"baud_rate" default:"115200"`
	Delimiter string `json:"delimiter" yaml:"delimiter" default:"\n"`

	EventBuffer    int `json:"event_buffer" yaml:"event_buffer" default:"64"`
	MaxMessageSize int `json:"max_message_size" yaml:"max_message_size" default:"1024"`

	// PollInterval is how often listener owner processes are checked.
	PollInterval  time.Duration `json:"poll_interval" yaml:"poll_interval" default:"1s"`
	RequestBuffer int           `json:"request_buffer" yaml:"request_buffer" default:"16"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{LogLevel: logrus.InfoLevel}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file on top of the defaults. Keys missing from the file
// keep their default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.BaudRate <= 0 {
		return nil, fmt.Errorf("parse config %s: baud_rate must be positive, got %d", path, cfg.BaudRate)
	}
	if cfg.Delimiter == "" {
		return nil, fmt.Errorf("parse config %s: delimiter must not be empty", path)
	}
	return cfg, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

func (c *Config) DriverConfig() driver.Config {
	return driver.Config{Device: c.Device, BaudRate: c.BaudRate, Delimiter: c.Delimiter}
}

func (c *Config) TTYOptions(logger *logrus.Logger) *driver.TTYOptions {
	return &driver.TTYOptions{
		Logger:         logger,
		EventBuffer:    c.EventBuffer,
		MaxMessageSize: c.MaxMessageSize,
	}
}

func (c *Config) HostOptions(logger *logrus.Logger) *host.Options {
	return &host.Options{
		Logger:         logger,
		ProcessWatcher: liveness.ProcessWatcherOptions{Logger: logger, PollInterval: c.PollInterval},
		RequestBuffer:  c.RequestBuffer,
	}
}
