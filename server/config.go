package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Config holds the limits and paths of a Server.
type Config struct {
	Addr    [4]byte
	Port    int
	DocRoot string // prefix of every served path, no trailing slash

	Workers   int // worker goroutines
	QueueSize int // capacity of the reactor -> worker queue
	MaxConns  int // live connections before new ones are turned away
	MaxEvents int // readiness reports per wait
	Backlog   int

	// Idle connections are evicted after 3 ticks without activity.
	TickInterval time.Duration

	Logger logrus.FieldLogger
}

func DefaultConfig() Config {
	return Config{
		DocRoot:      "./resources",
		Workers:      8,
		QueueSize:    10000,
		MaxConns:     65535,
		MaxEvents:    10000,
		Backlog:      5,
		TickInterval: 5 * time.Second,
	}
}

func (c *Config) Validate() error {
	switch {
	case c.DocRoot == "":
		return errors.New("config: empty doc root")
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("config: port %d out of range", c.Port)
	case c.Workers <= 0:
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	case c.QueueSize <= 0:
		return fmt.Errorf("config: queue size must be positive, got %d", c.QueueSize)
	case c.MaxConns <= 0:
		return fmt.Errorf("config: max conns must be positive, got %d", c.MaxConns)
	case c.MaxEvents <= 0:
		return fmt.Errorf("config: max events must be positive, got %d", c.MaxEvents)
	case c.Backlog <= 0:
		return fmt.Errorf("config: backlog must be positive, got %d", c.Backlog)
	case c.TickInterval <= 0:
		return fmt.Errorf("config: tick interval must be positive, got %s", c.TickInterval)
	}
	return nil
}

// FileConfig is the TOML form of Config. Zero fields leave the default alone.
//
//	doc_root = "/srv/www"
//	workers = 16
//	tick_interval = "5s"
type FileConfig struct {
	DocRoot      string   `toml:"doc_root"`
	Workers      int      `toml:"workers"`
	QueueSize    int      `toml:"queue_size"`
	MaxConns     int      `toml:"max_conns"`
	MaxEvents    int      `toml:"max_events"`
	Backlog      int      `toml:"backlog"`
	TickInterval Duration `toml:"tick_interval"`
	LogLevel     string   `toml:"log_level"`
}

// Duration decodes TOML strings such as "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return FileConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	return fc, nil
}

func ParseConfig(data string) (FileConfig, error) {
	var fc FileConfig
	if _, err := toml.Decode(data, &fc); err != nil {
		return FileConfig{}, fmt.Errorf("config: %w", err)
	}
	return fc, nil
}

// Apply copies the set fields of fc onto c.
func (fc FileConfig) Apply(c *Config) {
	if fc.DocRoot != "" {
		c.DocRoot = fc.DocRoot
	}
	if fc.Workers != 0 {
		c.Workers = fc.Workers
	}
	if fc.QueueSize != 0 {
		c.QueueSize = fc.QueueSize
	}
	if fc.MaxConns != 0 {
		c.MaxConns = fc.MaxConns
	}
	if fc.MaxEvents != 0 {
		c.MaxEvents = fc.MaxEvents
	}
	if fc.Backlog != 0 {
		c.Backlog = fc.Backlog
	}
	if fc.TickInterval.Duration != 0 {
		c.TickInterval = fc.TickInterval.Duration
	}
}
