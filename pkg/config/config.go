package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/pseudoshell/internal/zcbuf"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds application configuration
type Config struct {
	// LogLevel of the diagnostics logger; "panic" keeps it silent.
	LogLevel        string `yaml:"log_level" default:"panic"`
	DiagnosticsFile string `yaml:"diagnostics_file"`

	// Shell to run; empty means $SHELL or a well-known shell.
	Shell      string `yaml:"shell"`
	LogDir     string `yaml:"log_dir" default:"."`
	LogPattern string `yaml:"log_pattern" default:"log_*"`

	InboundCapacity  int           `yaml:"inbound_size" default:"32"`
	OutboundCapacity int           `yaml:"outbound_size" default:"4096"`
	FlushTimeout     time.Duration `yaml:"flush_timeout" default:"2s"`

	PrintStats  bool   `yaml:"stats"`
	StatsFile   string `yaml:"stats_file"`
	CompressLog bool   `yaml:"compress"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	for name, size := range map[string]int{"inbound_size": c.InboundCapacity, "outbound_size": c.OutboundCapacity} {
		if size <= 0 || size > zcbuf.MaxCapacity {
			return fmt.Errorf("%w: %s must be between 1 and %d, got %d", ErrInvalidConfig, name, zcbuf.MaxCapacity, size)
		}
	}
	if c.FlushTimeout <= 0 {
		return fmt.Errorf("%w: flush_timeout must be positive, got %s", ErrInvalidConfig, c.FlushTimeout)
	}
	if c.LogPattern == "" || strings.ContainsRune(c.LogPattern, os.PathSeparator) {
		return fmt.Errorf("%w: log_pattern %q must be a non-empty file name pattern", ErrInvalidConfig, c.LogPattern)
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (logrus.Level, error) {
	switch c.LogLevel {
	case "", "panic":
		return logrus.PanicLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.PanicLevel, fmt.Errorf("%w: invalid log level: %s (must be debug, info, warn, or error)", ErrInvalidConfig, c.LogLevel)
	}
}

// NewLogger creates a configured logger instance writing to out
func (c *Config) NewLogger(out io.Writer) *logrus.Logger {
	level, err := c.Level()
	if err != nil {
		level = logrus.PanicLevel
	}
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
