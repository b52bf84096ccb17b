package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// SANDBOXD_ORCHESTRATOR_MAX_CONCURRENT_PER_SESSION.
const EnvPrefix = "SANDBOXD"

// Network policies for sandboxes that do not request network access.
const (
	NetworkDeny  = "deny"
	NetworkAllow = "allow"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig        `mapstructure:"server"`
	API          APIConfig           `mapstructure:"api"`
	Sandbox      SandboxConfig       `mapstructure:"sandbox"`
	Orchestrator OrchestratorConfig  `mapstructure:"orchestrator"`
	Reaper       ReaperConfig        `mapstructure:"reaper"`
	Relay        RelayConfig         `mapstructure:"relay"`
	Logging      LoggingConfig       `mapstructure:"logging"`
	Languages    map[string]Language `mapstructure:"languages"`
}

// ServerConfig holds the MCP server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// APIConfig holds the HTTP API configuration
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// SandboxConfig holds the per-sandbox resource quotas and runtime settings
type SandboxConfig struct {
	Backend            string        `mapstructure:"backend"`
	EnableLocalBackend bool          `mapstructure:"enable_local_backend"`
	DockerHost         string        `mapstructure:"docker_host"`
	LocalRoot          string        `mapstructure:"local_root"`
	DefaultTimeout     time.Duration `mapstructure:"default_timeout"`
	MaxTimeout         time.Duration `mapstructure:"max_timeout"`
	Memory             string        `mapstructure:"memory"`
	CPUs               float64       `mapstructure:"cpus"`
	CPUShares          int64         `mapstructure:"cpu_shares"`
	PidsLimit          int64         `mapstructure:"pids_limit"`
	MaxOutputBytes     int           `mapstructure:"max_output_bytes"`
	NetworkDefault     string        `mapstructure:"network_default"`
	User               string        `mapstructure:"user"`
	AllowedMountRoots  []string      `mapstructure:"allowed_mount_roots"`
	ProvisionRetries   int           `mapstructure:"provision_retries"`
	ProvisionBackoff   time.Duration `mapstructure:"provision_backoff"`
	TeardownTimeout    time.Duration `mapstructure:"teardown_timeout"`
}

// OrchestratorConfig holds the queue ceilings
type OrchestratorConfig struct {
	MaxConcurrentPerSession int           `mapstructure:"max_concurrent_per_session"`
	MaxConcurrentTotal      int           `mapstructure:"max_concurrent_total"`
	MaxQueueDepth           int           `mapstructure:"max_queue_depth"`
	ShutdownTimeout         time.Duration `mapstructure:"shutdown_timeout"`
}

// ReaperConfig holds the orphan sweep configuration
type ReaperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Grace    time.Duration `mapstructure:"grace"`
}

// RelayConfig holds the result delivery configuration
type RelayConfig struct {
	Outbox           string        `mapstructure:"outbox"`
	SQLitePath       string        `mapstructure:"sqlite_path"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`
	MaxRetryInterval time.Duration `mapstructure:"max_retry_interval"`
	WebhookURL       string        `mapstructure:"webhook_url"`
	WebhookTimeout   time.Duration `mapstructure:"webhook_timeout"`
	MailboxTTL       time.Duration `mapstructure:"mailbox_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// Language holds per-language overrides. Empty fields keep the built-in profile.
type Language struct {
	Image       string   `mapstructure:"image"`
	FileName    string   `mapstructure:"file_name"`
	RunCommand  string   `mapstructure:"run_command"`
	Environment []string `mapstructure:"environment"` // KEY=VALUE; viper lowercases map keys
	PrefixCode  string   `mapstructure:"prefix_code"`
	PostfixCode string   `mapstructure:"postfix_code"`
}

// New loads the configuration from ./config.yaml or ./config/config.yaml.
func New() (*Config, error) {
	return Load("")
}

// Load loads and validates the application configuration. An empty path
// searches the default locations; a missing file is not an error there.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8090")

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.enable_local_backend", false)
	v.SetDefault("sandbox.docker_host", "")
	v.SetDefault("sandbox.local_root", "")
	v.SetDefault("sandbox.default_timeout", 10*time.Second)
	v.SetDefault("sandbox.max_timeout", 2*time.Minute)
	v.SetDefault("sandbox.memory", "512m")
	v.SetDefault("sandbox.cpus", 1.0)
	v.SetDefault("sandbox.cpu_shares", 512)
	v.SetDefault("sandbox.pids_limit", 128)
	v.SetDefault("sandbox.max_output_bytes", 64*1024)
	v.SetDefault("sandbox.network_default", NetworkDeny)
	v.SetDefault("sandbox.user", "nobody")
	v.SetDefault("sandbox.allowed_mount_roots", []string{})
	v.SetDefault("sandbox.provision_retries", 1)
	v.SetDefault("sandbox.provision_backoff", 500*time.Millisecond)
	v.SetDefault("sandbox.teardown_timeout", 15*time.Second)

	v.SetDefault("orchestrator.max_concurrent_per_session", 2)
	v.SetDefault("orchestrator.max_concurrent_total", 16)
	v.SetDefault("orchestrator.max_queue_depth", 256)
	v.SetDefault("orchestrator.shutdown_timeout", 30*time.Second)

	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.interval", 30*time.Second)
	v.SetDefault("reaper.grace", 30*time.Second)

	v.SetDefault("relay.outbox", "memory")
	v.SetDefault("relay.sqlite_path", "./tmp/sandboxd-outbox.db")
	v.SetDefault("relay.retry_interval", 2*time.Second)
	v.SetDefault("relay.max_retry_interval", time.Minute)
	v.SetDefault("relay.webhook_url", "")
	v.SetDefault("relay.webhook_timeout", 5*time.Second)
	v.SetDefault("relay.mailbox_ttl", 15*time.Minute)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	switch c.Server.Transport {
	case "stdio", "http", "none":
	default:
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio', 'http' or 'none'", c.Server.Transport)
	}

	if c.Sandbox.DefaultTimeout <= 0 {
		return fmt.Errorf("sandbox.default_timeout must be positive, got: %s", c.Sandbox.DefaultTimeout)
	}

	if c.Sandbox.MaxTimeout < c.Sandbox.DefaultTimeout {
		return fmt.Errorf("sandbox.max_timeout (%s) must not be below sandbox.default_timeout (%s)",
			c.Sandbox.MaxTimeout, c.Sandbox.DefaultTimeout)
	}

	if _, err := c.Sandbox.MemoryBytes(); err != nil {
		return fmt.Errorf("invalid sandbox.memory: %w", err)
	}

	if c.Sandbox.CPUs < 0 {
		return fmt.Errorf("sandbox.cpus must not be negative, got: %v", c.Sandbox.CPUs)
	}

	if c.Sandbox.MaxOutputBytes <= 0 {
		return fmt.Errorf("sandbox.max_output_bytes must be positive, got: %d", c.Sandbox.MaxOutputBytes)
	}

	if c.Sandbox.NetworkDefault != NetworkDeny && c.Sandbox.NetworkDefault != NetworkAllow {
		return fmt.Errorf("invalid sandbox.network_default: %s, must be 'deny' or 'allow'", c.Sandbox.NetworkDefault)
	}

	if c.Sandbox.ProvisionRetries < 0 {
		return fmt.Errorf("sandbox.provision_retries must not be negative, got: %d", c.Sandbox.ProvisionRetries)
	}

	for _, root := range c.Sandbox.AllowedMountRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("sandbox.allowed_mount_roots entries must be absolute, got: %s", root)
		}
	}

	supportedBackends := map[string]bool{
		"docker":     true,
		"docker-api": true,
		"podman":     true,
		"local":      c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Orchestrator.MaxConcurrentPerSession <= 0 {
		return fmt.Errorf("orchestrator.max_concurrent_per_session must be positive, got: %d", c.Orchestrator.MaxConcurrentPerSession)
	}

	if c.Orchestrator.MaxConcurrentTotal <= 0 {
		return fmt.Errorf("orchestrator.max_concurrent_total must be positive, got: %d", c.Orchestrator.MaxConcurrentTotal)
	}

	if c.Orchestrator.MaxQueueDepth < c.Orchestrator.MaxConcurrentTotal {
		return fmt.Errorf("orchestrator.max_queue_depth (%d) must be at least orchestrator.max_concurrent_total (%d)",
			c.Orchestrator.MaxQueueDepth, c.Orchestrator.MaxConcurrentTotal)
	}

	if c.Reaper.Enabled && c.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper.interval must be positive, got: %s", c.Reaper.Interval)
	}

	switch c.Relay.Outbox {
	case "memory":
	case "sqlite":
		if c.Relay.SQLitePath == "" {
			return fmt.Errorf("relay.sqlite_path is required for the sqlite outbox")
		}
	default:
		return fmt.Errorf("invalid relay.outbox: %s, must be 'memory' or 'sqlite'", c.Relay.Outbox)
	}

	if c.Relay.RetryInterval <= 0 {
		return fmt.Errorf("relay.retry_interval must be positive, got: %s", c.Relay.RetryInterval)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// MemoryBytes parses sandbox.memory ("512m", "1g", "256MiB") into bytes.
func (s SandboxConfig) MemoryBytes() (int64, error) {
	if s.Memory == "" {
		return 0, nil
	}
	return units.RAMInBytes(s.Memory)
}

// NetworkAllowedByDefault reports whether sandboxes get a network without asking.
func (s SandboxConfig) NetworkAllowedByDefault() bool {
	return s.NetworkDefault == NetworkAllow
}
