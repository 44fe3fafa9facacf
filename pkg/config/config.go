// Package config loads endpoint settings from a .env file, an optional YAML
// file and COAP_-prefixed environment variables, in that order of precedence
// (later sources win).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pion/logging"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "COAP_"

// Configuration errors.
var (
	ErrInvalidListenAddress = errors.New("config: listen address required")
	ErrInvalidTokenLength   = errors.New("config: token length must be -1..8")
	ErrInvalidEmptyAckDelay = errors.New("config: empty ACK delay must be between 0 and the ACK timeout")
	ErrInvalidLogLevel      = errors.New("config: unknown log level")
	ErrInvalidInterval      = errors.New("config: publish interval must be positive")
)

// ackTimeout mirrors exchange.AckTimeout; config stays free of engine imports.
const ackTimeout = 2 * time.Second

// Config holds the settings of a CoAP endpoint process.
type Config struct {
	// ListenAddress is the UDP address to bind, "host:port".
	ListenAddress string `yaml:"listen_address" env:"LISTEN_ADDRESS"`

	// TokenLength is the length of allocated tokens. 0 selects the engine
	// default and -1 selects empty tokens.
	TokenLength int `yaml:"token_length" env:"TOKEN_LENGTH"`

	// EmptyAckDelay is how long a CON request waits before an empty ACK.
	// 0 selects the engine default.
	EmptyAckDelay time.Duration `yaml:"empty_ack_delay" env:"EMPTY_ACK_DELAY"`

	// MetricsAddress serves /metrics and /healthz. Empty disables the HTTP server.
	MetricsAddress string `yaml:"metrics_address" env:"METRICS_ADDRESS"`

	// LogLevel is one of trace, debug, info, warn, error, disabled.
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	// PublishInterval is the period of the demo /counter observable resource.
	PublishInterval time.Duration `yaml:"publish_interval" env:"PUBLISH_INTERVAL"`

	// MDNS controls DNS-SD advertisement.
	MDNS MDNSConfig `yaml:"mdns" envPrefix:"MDNS_"`
}

// MDNSConfig holds DNS-SD advertisement settings.
type MDNSConfig struct {
	Enabled       bool     `yaml:"enabled" env:"ENABLED"`
	InstanceName  string   `yaml:"instance_name" env:"INSTANCE_NAME"`
	ResourceTypes []string `yaml:"resource_types" env:"RESOURCE_TYPES" envSeparator:","`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddress:   ":5683",
		MetricsAddress:  ":9090",
		LogLevel:        "info",
		PublishInterval: 5 * time.Second,
	}
}

// Load builds the configuration. path names an optional YAML file; an empty
// path skips it. A missing .env file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return ErrInvalidListenAddress
	}
	if c.TokenLength < -1 || c.TokenLength > 8 {
		return ErrInvalidTokenLength
	}
	if c.EmptyAckDelay < 0 || c.EmptyAckDelay >= ackTimeout {
		return ErrInvalidEmptyAckDelay
	}
	if c.PublishInterval <= 0 {
		return ErrInvalidInterval
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level maps LogLevel to a pion/logging level.
func (c *Config) Level() (logging.LogLevel, error) {
	switch strings.ToLower(c.LogLevel) {
	case "trace":
		return logging.LogLevelTrace, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "", "info":
		return logging.LogLevelInfo, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "error":
		return logging.LogLevelError, nil
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}
}

// LoggerFactory returns a pion logger factory at the configured level.
func (c *Config) LoggerFactory() logging.LoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	if lvl, err := c.Level(); err == nil {
		f.DefaultLogLevel = lvl
	}
	return f
}
