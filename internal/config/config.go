// ABOUTME: Configuration loading and parsing for forge-gateway
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied by Load when a field is left empty.
const (
	DefaultTemplate         = "base"
	DefaultSandboxPort      = 8080
	DefaultLifetime         = 10 * time.Minute
	DefaultStartGrace       = 3 * time.Second
	DefaultHealthAttempts   = 30
	DefaultHealthInterval   = time.Second
	DefaultHealthTimeout    = 3 * time.Second
	DefaultLivenessTimeout  = 5 * time.Second
	DefaultStaleAfter       = 30 * time.Minute
	DefaultReaperInterval   = 5 * time.Minute
	DefaultLockTTL          = 2 * time.Minute
	DefaultMaxMessageLength = 10000
	DefaultRateLimit        = 20
	DefaultEventsQueue      = "forge.sandbox.events"
	DefaultSandboxAPIURL    = "https://api.e2b.app"
	DefaultSandboxDomain    = "e2b.app"
)

// Config represents the complete forge-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Chat      ChatConfig      `yaml:"chat"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret signs and verifies user bearer tokens. Empty means anonymous local mode.
	JWTSecret string `yaml:"jwt_secret"`
	// CronSecret gates the cleanup endpoint. Empty leaves it open.
	CronSecret string `yaml:"cron_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`

	// HTTPS serves the API on :443 with the node's tailnet certificate.
	HTTPS bool `yaml:"https"`
}

// ServerConfig holds server address configuration.
// GRPCAddr is optional; when empty no gRPC health listener is started.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SandboxConfig holds the provisioning provider settings and lifecycle timings
type SandboxConfig struct {
	APIURL            string `yaml:"api_url"`
	APIKey            string `yaml:"api_key"`
	Domain            string `yaml:"domain"`
	Template          string `yaml:"template"`
	EnvdURL           string `yaml:"envd_url"`
	Port              int    `yaml:"port"`
	HealthAttempts    int    `yaml:"health_attempts"`
	OpenAIAPIKey      string `yaml:"openai_api_key"`
	SerializePerAgent bool   `yaml:"serialize_per_agent"`

	Lifetime        time.Duration `yaml:"-"`
	StartGrace      time.Duration `yaml:"-"`
	HealthInterval  time.Duration `yaml:"-"`
	HealthTimeout   time.Duration `yaml:"-"`
	LivenessTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	LifetimeRaw        string `yaml:"lifetime"`
	StartGraceRaw      string `yaml:"start_grace"`
	HealthIntervalRaw  string `yaml:"health_interval"`
	HealthTimeoutRaw   string `yaml:"health_timeout"`
	LivenessTimeoutRaw string `yaml:"liveness_timeout"`
}

// ReaperConfig controls idle sandbox reclamation
type ReaperConfig struct {
	Enabled   bool   `yaml:"enabled"`
	RedisAddr string `yaml:"redis_addr"`

	Interval   time.Duration `yaml:"-"`
	StaleAfter time.Duration `yaml:"-"`
	LockTTL    time.Duration `yaml:"-"`

	IntervalRaw   string `yaml:"interval"`
	StaleAfterRaw string `yaml:"stale_after"`
	LockTTLRaw    string `yaml:"lock_ttl"`
}

// ChatConfig holds chat relay limits
type ChatConfig struct {
	MaxMessageLength int `yaml:"max_message_length"`
	// RateLimit is the number of messages a user may send per minute.
	RateLimit int `yaml:"rate_limit"`
}

// CatalogConfig points at an optional TOML file of MCP tool overrides
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// EventsConfig configures lifecycle event publishing
type EventsConfig struct {
	AMQPURL string `yaml:"amqp_url"`
	Queue   string `yaml:"queue"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultPath returns the config file location: FORGE_CONFIG, then
// $XDG_CONFIG_HOME/forge/gateway.yaml, then ~/.config/forge/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("FORGE_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "forge", "gateway.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "gateway.yaml"
	}
	return filepath.Join(home, ".config", "forge", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values, then defaults are applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if p := os.Getenv("FORGE_DB_PATH"); p != "" {
		cfg.Database.Path = p
	}

	cfg.applyDefaults()

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
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Sandbox.APIURL == "" {
		c.Sandbox.APIURL = DefaultSandboxAPIURL
	}
	if c.Sandbox.Domain == "" {
		c.Sandbox.Domain = DefaultSandboxDomain
	}
	if c.Sandbox.Template == "" {
		c.Sandbox.Template = DefaultTemplate
	}
	if c.Sandbox.Port == 0 {
		c.Sandbox.Port = DefaultSandboxPort
	}
	if c.Sandbox.Lifetime == 0 {
		c.Sandbox.Lifetime = DefaultLifetime
	}
	if c.Sandbox.StartGrace == 0 {
		c.Sandbox.StartGrace = DefaultStartGrace
	}
	if c.Sandbox.HealthAttempts == 0 {
		c.Sandbox.HealthAttempts = DefaultHealthAttempts
	}
	if c.Sandbox.HealthInterval == 0 {
		c.Sandbox.HealthInterval = DefaultHealthInterval
	}
	if c.Sandbox.HealthTimeout == 0 {
		c.Sandbox.HealthTimeout = DefaultHealthTimeout
	}
	if c.Sandbox.LivenessTimeout == 0 {
		c.Sandbox.LivenessTimeout = DefaultLivenessTimeout
	}
	if c.Reaper.Interval == 0 {
		c.Reaper.Interval = DefaultReaperInterval
	}
	if c.Reaper.StaleAfter == 0 {
		c.Reaper.StaleAfter = DefaultStaleAfter
	}
	if c.Reaper.LockTTL == 0 {
		c.Reaper.LockTTL = DefaultLockTTL
	}
	if c.Chat.MaxMessageLength == 0 {
		c.Chat.MaxMessageLength = DefaultMaxMessageLength
	}
	if c.Chat.RateLimit == 0 {
		c.Chat.RateLimit = DefaultRateLimit
	}
	if c.Events.Queue == "" {
		c.Events.Queue = DefaultEventsQueue
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		c.Tailscale.Hostname = "forge-gateway"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Sandbox.APIKey == "" {
		return fmt.Errorf("sandbox.api_key is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Sandbox.Port < 1 || c.Sandbox.Port > 65535 {
		return fmt.Errorf("sandbox.port %d is out of range", c.Sandbox.Port)
	}

	if c.Sandbox.HealthAttempts < 1 {
		return fmt.Errorf("sandbox.health_attempts must be positive")
	}

	if c.Chat.MaxMessageLength < 1 {
		return fmt.Errorf("chat.max_message_length must be positive")
	}

	if c.Chat.RateLimit < 1 {
		return fmt.Errorf("chat.rate_limit must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
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
		{"sandbox.lifetime", cfg.Sandbox.LifetimeRaw, &cfg.Sandbox.Lifetime},
		{"sandbox.start_grace", cfg.Sandbox.StartGraceRaw, &cfg.Sandbox.StartGrace},
		{"sandbox.health_interval", cfg.Sandbox.HealthIntervalRaw, &cfg.Sandbox.HealthInterval},
		{"sandbox.health_timeout", cfg.Sandbox.HealthTimeoutRaw, &cfg.Sandbox.HealthTimeout},
		{"sandbox.liveness_timeout", cfg.Sandbox.LivenessTimeoutRaw, &cfg.Sandbox.LivenessTimeout},
		{"reaper.interval", cfg.Reaper.IntervalRaw, &cfg.Reaper.Interval},
		{"reaper.stale_after", cfg.Reaper.StaleAfterRaw, &cfg.Reaper.StaleAfter},
		{"reaper.lock_ttl", cfg.Reaper.LockTTLRaw, &cfg.Reaper.LockTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
