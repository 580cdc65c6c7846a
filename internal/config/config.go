// Package config defines the daemon's settings and how they are
// assembled from CLI flags and an optional YAML file, with flags always
// taking precedence over file values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds everything cmd/tftpd needs to start the server.
type Config struct {
	BindAddr   string        `yaml:"bind_addr"`
	Port       int           `yaml:"port"`
	Root       string        `yaml:"root"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	MaxRetries int           `yaml:"max_retries"`
	TickPeriod time.Duration `yaml:"tick_period"`
	LogLevel   string        `yaml:"log_level"`
}

// Default returns the well-known TFTP settings: listen on all addresses
// at port 69, serve the process's current working directory.
func Default() Config {
	return Config{
		BindAddr:   "0.0.0.0",
		Port:       69,
		Root:       ".",
		RetryDelay: 4 * time.Second,
		MaxRetries: 3,
		TickPeriod: time.Second,
		LogLevel:   "info",
	}
}

// LoadFile reads a YAML config file and overlays it onto base, leaving
// any field absent from the file unchanged.
func LoadFile(path string, base Config) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return base, errors.Wrap(err, "config: open")
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&base); err != nil {
		return base, errors.Wrap(err, "config: decode")
	}
	return base, nil
}

// Validate reports the first problem found with c, or nil.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.Root == "" {
		return fmt.Errorf("config: root must not be empty")
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("config: retry_delay must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must not be negative")
	}
	if c.TickPeriod <= 0 {
		return fmt.Errorf("config: tick_period must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unrecognized log_level %q", c.LogLevel)
	}
	return nil
}
