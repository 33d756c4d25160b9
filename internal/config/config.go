// ABOUTME: Configuration loading and parsing for masar-messaging
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete masar-messaging configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Messaging MessagingConfig `yaml:"messaging"`
	Presence  PresenceConfig  `yaml:"presence"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// MessagingConfig holds message delivery tuning
type MessagingConfig struct {
	HistoryLimit int `yaml:"history_limit"`
	SendRetries  int `yaml:"send_retries"`

	RetryBackoff time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	RetryBackoffRaw string `yaml:"retry_backoff"`
}

// PresenceConfig holds typing indicator timing configuration
type PresenceConfig struct {
	TypingDebounce time.Duration `yaml:"-"`
	TypingTTL      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TypingDebounceRaw string `yaml:"typing_debounce"`
	TypingTTLRaw      string `yaml:"typing_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Messaging.HistoryLimit < 0 {
		return fmt.Errorf("messaging.history_limit must not be negative")
	}
	if c.Messaging.SendRetries < 0 {
		return fmt.Errorf("messaging.send_retries must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Messaging.RetryBackoffRaw != "" {
		cfg.Messaging.RetryBackoff, err = time.ParseDuration(cfg.Messaging.RetryBackoffRaw)
		if err != nil {
			return fmt.Errorf("parsing retry_backoff %q: %w", cfg.Messaging.RetryBackoffRaw, err)
		}
	}

	if cfg.Presence.TypingDebounceRaw != "" {
		cfg.Presence.TypingDebounce, err = time.ParseDuration(cfg.Presence.TypingDebounceRaw)
		if err != nil {
			return fmt.Errorf("parsing typing_debounce %q: %w", cfg.Presence.TypingDebounceRaw, err)
		}
	}

	if cfg.Presence.TypingTTLRaw != "" {
		cfg.Presence.TypingTTL, err = time.ParseDuration(cfg.Presence.TypingTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing typing_ttl %q: %w", cfg.Presence.TypingTTLRaw, err)
		}
	}

	return nil
}
