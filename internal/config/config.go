// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Default values applied when a field is left empty.
const (
	DefaultBackendCommand    = "claude"
	DefaultModel             = "sonnet"
	DefaultBackendTimeout    = 10 * time.Minute
	DefaultKillGrace         = 5 * time.Second
	DefaultQueueDepth        = 5
	DefaultStaleAfter        = 12 * time.Hour
	DefaultEditInterval      = 1500 * time.Millisecond
	DefaultKeepaliveInterval = 20 * time.Second
	DefaultMaxMessageLength  = 4000
	DefaultUsageTimeout      = 5 * time.Second
	DefaultCommandPrefix     = "/"
	DefaultMetricsPath       = "/metrics"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Matrix   MatrixConfig   `yaml:"matrix" toml:"matrix"`
	Backend  BackendConfig  `yaml:"backend" toml:"backend"`
	Queue    QueueConfig    `yaml:"queue" toml:"queue"`
	Sessions SessionsConfig `yaml:"sessions" toml:"sessions"`
	Delivery DeliveryConfig `yaml:"delivery" toml:"delivery"`
	Usage    UsageConfig    `yaml:"usage" toml:"usage"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// MatrixConfig holds the Matrix transport configuration.
// Either AccessToken (with UserID) or Username and Password must be set.
type MatrixConfig struct {
	Homeserver    string   `yaml:"homeserver" toml:"homeserver"`
	UserID        string   `yaml:"user_id" toml:"user_id"`
	AccessToken   string   `yaml:"access_token" toml:"access_token"`
	Username      string   `yaml:"username" toml:"username"`
	Password      string   `yaml:"password" toml:"password"`
	RecoveryKey   string   `yaml:"recovery_key" toml:"recovery_key"` // enables E2EE
	DataDir       string   `yaml:"data_dir" toml:"data_dir"`         // crypto store location
	AllowedUsers  []string `yaml:"allowed_users" toml:"allowed_users"`
	AllowedRooms  []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
	CommandPrefix string   `yaml:"command_prefix" toml:"command_prefix"`
}

// BackendConfig describes how the inference subprocess is launched.
type BackendConfig struct {
	Command          string   `yaml:"command" toml:"command"`
	Args             []string `yaml:"args" toml:"args"`
	DefaultModel     string   `yaml:"default_model" toml:"default_model"`
	SystemPrompt     string   `yaml:"system_prompt" toml:"system_prompt"`
	SystemPromptFile string   `yaml:"system_prompt_file" toml:"system_prompt_file"`
	MCPConfig        string   `yaml:"mcp_config" toml:"mcp_config"` // tool-bridge config path
	WorkDir          string   `yaml:"work_dir" toml:"work_dir"`
	Env              []string `yaml:"env" toml:"env"` // extra KEY=VALUE pairs

	Timeout   time.Duration `yaml:"-" toml:"-"`
	KillGrace time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw   string `yaml:"timeout" toml:"timeout"`
	KillGraceRaw string `yaml:"kill_grace" toml:"kill_grace"`
}

// QueueConfig bounds the per-conversation ingress queue.
type QueueConfig struct {
	MaxDepth int `yaml:"max_depth" toml:"max_depth"`
}

// SessionsConfig holds session lifecycle settings.
type SessionsConfig struct {
	// StaleAfter rotates the active session after this much inactivity. Zero disables.
	StaleAfter    time.Duration `yaml:"-" toml:"-"`
	StaleAfterRaw string        `yaml:"stale_after" toml:"stale_after"`
}

// DeliveryConfig controls pacing of outgoing messages.
type DeliveryConfig struct {
	EditInterval      time.Duration `yaml:"-" toml:"-"`
	KeepaliveInterval time.Duration `yaml:"-" toml:"-"`
	MaxMessageLength  int           `yaml:"max_message_length" toml:"max_message_length"`

	EditIntervalRaw      string `yaml:"edit_interval" toml:"edit_interval"`
	KeepaliveIntervalRaw string `yaml:"keepalive_interval" toml:"keepalive_interval"`
}

// UsageConfig configures where usage records are reported.
type UsageConfig struct {
	Endpoint   string        `yaml:"endpoint" toml:"endpoint"`
	Token      string        `yaml:"token" toml:"token"`
	StoreLocal bool          `yaml:"store_local" toml:"store_local"`
	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"` // optional rotating log file
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.loadSystemPrompt(filepath.Dir(path)); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyDefaults fills in zero values. Durations that were explicitly set stay as-is.
func (c *Config) applyDefaults() {
	if c.Backend.Command == "" {
		c.Backend.Command = DefaultBackendCommand
	}
	if c.Backend.DefaultModel == "" {
		c.Backend.DefaultModel = DefaultModel
	}
	if c.Backend.TimeoutRaw == "" {
		c.Backend.Timeout = DefaultBackendTimeout
	}
	if c.Backend.KillGraceRaw == "" {
		c.Backend.KillGrace = DefaultKillGrace
	}
	if c.Queue.MaxDepth == 0 {
		c.Queue.MaxDepth = DefaultQueueDepth
	}
	if c.Sessions.StaleAfterRaw == "" {
		c.Sessions.StaleAfter = DefaultStaleAfter
	}
	if c.Delivery.EditIntervalRaw == "" {
		c.Delivery.EditInterval = DefaultEditInterval
	}
	if c.Delivery.KeepaliveIntervalRaw == "" {
		c.Delivery.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.Delivery.MaxMessageLength == 0 {
		c.Delivery.MaxMessageLength = DefaultMaxMessageLength
	}
	if c.Usage.TimeoutRaw == "" {
		c.Usage.Timeout = DefaultUsageTimeout
	}
	if c.Matrix.CommandPrefix == "" {
		c.Matrix.CommandPrefix = DefaultCommandPrefix
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// loadSystemPrompt reads backend.system_prompt_file, resolved relative to the config directory.
func (c *Config) loadSystemPrompt(baseDir string) error {
	if c.Backend.SystemPromptFile == "" {
		return nil
	}
	p := c.Backend.SystemPromptFile
	if !filepath.IsAbs(p) {
		p = filepath.Join(baseDir, p)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("reading system prompt file: %w", err)
	}
	c.Backend.SystemPrompt = strings.TrimSpace(string(data))
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if _, err := url.Parse(c.Matrix.Homeserver); err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if c.Matrix.AccessToken == "" && (c.Matrix.Username == "" || c.Matrix.Password == "") {
		return fmt.Errorf("matrix.access_token or matrix.username and matrix.password are required")
	}
	if c.Matrix.AccessToken != "" && c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required with matrix.access_token")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Queue.MaxDepth < 1 {
		return fmt.Errorf("queue.max_depth must be at least 1")
	}
	if c.Delivery.MaxMessageLength < 100 {
		return fmt.Errorf("delivery.max_message_length must be at least 100")
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive")
	}
	if c.Sessions.StaleAfter < 0 {
		return fmt.Errorf("sessions.stale_after must not be negative")
	}

	if c.Usage.Endpoint != "" {
		u, err := url.Parse(c.Usage.Endpoint)
		if err != nil {
			return fmt.Errorf("usage.endpoint is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("usage.endpoint must use http or https scheme")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"backend.timeout", cfg.Backend.TimeoutRaw, &cfg.Backend.Timeout},
		{"backend.kill_grace", cfg.Backend.KillGraceRaw, &cfg.Backend.KillGrace},
		{"sessions.stale_after", cfg.Sessions.StaleAfterRaw, &cfg.Sessions.StaleAfter},
		{"delivery.edit_interval", cfg.Delivery.EditIntervalRaw, &cfg.Delivery.EditInterval},
		{"delivery.keepalive_interval", cfg.Delivery.KeepaliveIntervalRaw, &cfg.Delivery.KeepaliveInterval},
		{"usage.timeout", cfg.Usage.TimeoutRaw, &cfg.Usage.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
