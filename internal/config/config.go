// ABOUTME: Configuration loading and parsing for the whitenoise core
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for a whitenoise core instance.
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	Relays        RelaysConfig        `yaml:"relays"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Retry         RetryConfig         `yaml:"retry"`
	Aggregator    AggregatorConfig    `yaml:"aggregator"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// DatabaseConfig holds sqlite storage configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RelaysConfig holds the default relay set new accounts are seeded with.
type RelaysConfig struct {
	Default []string `yaml:"default"`
}

// SubscriptionsConfig holds subscription-scheduler tuning knobs.
type SubscriptionsConfig struct {
	MaxUsersPerBatch int `yaml:"-"`

	EventQueueCapacity int `yaml:"event_queue_capacity"`

	ConnectTimeout    time.Duration `yaml:"-"`
	ConnectTimeoutRaw string        `yaml:"connect_timeout"`

	GiftwrapSinceBuffer    time.Duration `yaml:"-"`
	GiftwrapSinceBufferRaw string        `yaml:"giftwrap_since_buffer"`
}

// RetryConfig holds the exponential-backoff policy applied to router
// dispatch and relay-connect retries.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`

	InitialDelay    time.Duration `yaml:"-"`
	InitialDelayRaw string        `yaml:"initial_delay"`

	BackoffFactor int `yaml:"backoff_factor"`
}

// AggregatorConfig mirrors the message aggregator's own tuning knobs so
// they can be set from the same config file that configures everything
// else.
type AggregatorConfig struct {
	NormalizeEmoji      bool `yaml:"normalize_emoji"`
	EnableDebugLogging  bool `yaml:"enable_debug_logging"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded
// before YAML parsing. Duration strings are parsed into time.Duration
// values after unmarshaling.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a Config populated with the same defaults the original
// client shipped with: a 500-event queue, 3-attempt retries with a
// doubling backoff, and emoji normalization enabled.
func Default() Config {
	return Config{
		Subscriptions: SubscriptionsConfig{
			MaxUsersPerBatch:       1000,
			EventQueueCapacity:     500,
			ConnectTimeout:         10 * time.Second,
			ConnectTimeoutRaw:      "10s",
			GiftwrapSinceBuffer:    168 * time.Hour,
			GiftwrapSinceBufferRaw: "168h",
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialDelay:    time.Second,
			InitialDelayRaw: "1s",
			BackoffFactor:   2,
		},
		Aggregator: AggregatorConfig{
			NormalizeEmoji:     true,
			EnableDebugLogging: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that required fields are present.
func (c Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. If the environment variable is not set, it
// is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Subscriptions.ConnectTimeoutRaw != "" {
		cfg.Subscriptions.ConnectTimeout, err = time.ParseDuration(cfg.Subscriptions.ConnectTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing connect_timeout %q: %w", cfg.Subscriptions.ConnectTimeoutRaw, err)
		}
	}

	if cfg.Subscriptions.GiftwrapSinceBufferRaw != "" {
		cfg.Subscriptions.GiftwrapSinceBuffer, err = time.ParseDuration(cfg.Subscriptions.GiftwrapSinceBufferRaw)
		if err != nil {
			return fmt.Errorf("parsing giftwrap_since_buffer %q: %w", cfg.Subscriptions.GiftwrapSinceBufferRaw, err)
		}
	}

	if cfg.Retry.InitialDelayRaw != "" {
		cfg.Retry.InitialDelay, err = time.ParseDuration(cfg.Retry.InitialDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing initial_delay %q: %w", cfg.Retry.InitialDelayRaw, err)
		}
	}

	return nil
}
