// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Default timing values applied when the config file omits them.
const (
	DefaultRegistrySweepInterval = 30 * time.Second
	DefaultStaleAfter            = 45 * time.Second
	DefaultCommandTimeout        = 30 * time.Second
	DefaultDeliverySweepInterval = 30 * time.Second
	DefaultDeliveryBatchSize     = 20
	DefaultMaxRetries            = 5
	DefaultPurgeSchedule         = "@every 6h"
	DefaultSentRetention         = 7 * 24 * time.Hour
	DefaultSecretTTL             = 5 * time.Minute
	DefaultSecretSweepInterval   = time.Minute
)

// DefaultBackoff is the fixed retry delay table, indexed by attempt number.
// Attempts beyond the table length reuse the final entry.
var DefaultBackoff = []time.Duration{3 * time.Second, 15 * time.Second, 60 * time.Second, 300 * time.Second}

// Config represents the complete relay-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Agents    AgentsConfig    `yaml:"agents"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AgentsConfig holds connection registry timing configuration
type AgentsConfig struct {
	SweepInterval  time.Duration `yaml:"-"`
	StaleAfter     time.Duration `yaml:"-"`
	CommandTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	SweepIntervalRaw  string `yaml:"sweep_interval"`
	StaleAfterRaw     string `yaml:"stale_after"`
	CommandTimeoutRaw string `yaml:"command_timeout"`
}

// DeliveryConfig holds delivery queue configuration
type DeliveryConfig struct {
	SweepInterval time.Duration   `yaml:"-"`
	Backoff       []time.Duration `yaml:"-"`
	SentRetention time.Duration   `yaml:"-"`

	BatchSize     int    `yaml:"batch_size"`
	MaxRetries    int    `yaml:"max_retries"`
	PurgeSchedule string `yaml:"purge_schedule"`

	SweepIntervalRaw string   `yaml:"sweep_interval"`
	BackoffRaw       []string `yaml:"backoff"`
	SentRetentionRaw string   `yaml:"sent_retention"`
}

// SecretsConfig holds ephemeral secret store configuration
type SecretsConfig struct {
	TTL           time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	TTLRaw           string `yaml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and defaults applied.
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

	cfg.applyDefaults()

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
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Agents.StaleAfter <= c.Agents.SweepInterval/2 {
		return fmt.Errorf("agents.stale_after (%s) must exceed half of agents.sweep_interval (%s)",
			c.Agents.StaleAfter, c.Agents.SweepInterval)
	}

	if c.Delivery.MaxRetries < 1 {
		return fmt.Errorf("delivery.max_retries must be at least 1")
	}

	return nil
}

// applyDefaults fills in zero-valued timing fields.
func (c *Config) applyDefaults() {
	if c.Agents.SweepInterval == 0 {
		c.Agents.SweepInterval = DefaultRegistrySweepInterval
	}
	if c.Agents.StaleAfter == 0 {
		c.Agents.StaleAfter = DefaultStaleAfter
	}
	if c.Agents.CommandTimeout == 0 {
		c.Agents.CommandTimeout = DefaultCommandTimeout
	}
	if c.Delivery.SweepInterval == 0 {
		c.Delivery.SweepInterval = DefaultDeliverySweepInterval
	}
	if c.Delivery.BatchSize == 0 {
		c.Delivery.BatchSize = DefaultDeliveryBatchSize
	}
	if c.Delivery.MaxRetries == 0 {
		c.Delivery.MaxRetries = DefaultMaxRetries
	}
	if len(c.Delivery.Backoff) == 0 {
		c.Delivery.Backoff = DefaultBackoff
	}
	if c.Delivery.PurgeSchedule == "" {
		c.Delivery.PurgeSchedule = DefaultPurgeSchedule
	}
	if c.Delivery.SentRetention == 0 {
		c.Delivery.SentRetention = DefaultSentRetention
	}
	if c.Secrets.TTL == 0 {
		c.Secrets.TTL = DefaultSecretTTL
	}
	if c.Secrets.SweepInterval == 0 {
		c.Secrets.SweepInterval = DefaultSecretSweepInterval
	}
}

// parseDuration parses a single raw duration string into dst if non-empty.
func parseDuration(raw, field string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", field, raw, err)
	}
	*dst = d
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Agents.SweepIntervalRaw, "agents.sweep_interval", &cfg.Agents.SweepInterval},
		{cfg.Agents.StaleAfterRaw, "agents.stale_after", &cfg.Agents.StaleAfter},
		{cfg.Agents.CommandTimeoutRaw, "agents.command_timeout", &cfg.Agents.CommandTimeout},
		{cfg.Delivery.SweepIntervalRaw, "delivery.sweep_interval", &cfg.Delivery.SweepInterval},
		{cfg.Delivery.SentRetentionRaw, "delivery.sent_retention", &cfg.Delivery.SentRetention},
		{cfg.Secrets.TTLRaw, "secrets.ttl", &cfg.Secrets.TTL},
		{cfg.Secrets.SweepIntervalRaw, "secrets.sweep_interval", &cfg.Secrets.SweepInterval},
	}

	for _, f := range fields {
		if err := parseDuration(f.raw, f.name, f.dst); err != nil {
			return err
		}
	}

	for _, raw := range cfg.Delivery.BackoffRaw {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing delivery.backoff entry %q: %w", raw, err)
		}
		cfg.Delivery.Backoff = append(cfg.Delivery.Backoff, d)
	}

	return nil
}
