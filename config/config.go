// ABOUTME: Configuration loading for mcpd servers from YAML or TOML files
// ABOUTME: with environment variable expansion and duration string parsing.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the complete demo-server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit" toml:"ratelimit"`
	Cache     CacheConfig     `yaml:"cache" toml:"cache"`
	Tasks     TasksConfig     `yaml:"tasks" toml:"tasks"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Health    HealthConfig    `yaml:"health" toml:"health"`
}

// ServerConfig identifies the server and its transport binding.
type ServerConfig struct {
	Name         string `yaml:"name" toml:"name"`
	Version      string `yaml:"version" toml:"version"`
	Instructions string `yaml:"instructions" toml:"instructions"`

	// Transport picks the binding: "http" or "stdio".
	Transport string `yaml:"transport" toml:"transport"`

	// Addr and Path apply to the http transport only.
	Addr string `yaml:"addr" toml:"addr"`
	Path string `yaml:"path" toml:"path"`

	// PageSize paginates list methods. Zero disables pagination.
	PageSize int `yaml:"page_size" toml:"page_size"`

	MaxSessions int `yaml:"max_sessions" toml:"max_sessions"`

	SessionIdleTimeout time.Duration `yaml:"-" toml:"-"`

	SessionIdleTimeoutRaw string `yaml:"session_idle_timeout" toml:"session_idle_timeout"`
}

// TailscaleConfig serves the http transport over tsnet when enabled.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// AuthConfig holds admission credentials. All empty means auth stays
// disabled. APIKeyHash takes a bcrypt digest so the plaintext never
// lives in the file; JWTSecret switches verification to signed tokens.
type AuthConfig struct {
	APIKey     string `yaml:"api_key" toml:"api_key"`
	APIKeyHash string `yaml:"api_key_hash" toml:"api_key_hash"`
	JWTSecret  string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// RateLimitConfig configures the request token bucket.
type RateLimitConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	MaxRequests int    `yaml:"max_requests" toml:"max_requests"`
	WindowRaw   string `yaml:"window" toml:"window"`

	Window time.Duration `yaml:"-" toml:"-"`
}

// CacheConfig configures the tool result cache.
type CacheConfig struct {
	Enabled    bool `yaml:"enabled" toml:"enabled"`
	MaxEntries int  `yaml:"max_entries" toml:"max_entries"`
}

// TasksConfig configures augmented tool execution.
type TasksConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// Store is "memory" or "sqlite".
	Store string `yaml:"store" toml:"store"`

	// Path locates the SQLite database when Store is "sqlite".
	Path string `yaml:"path" toml:"path"`

	RetentionRaw string `yaml:"retention" toml:"retention"`

	Retention time.Duration `yaml:"-" toml:"-"`
}

// LoggingConfig configures the process log output.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" toml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig exposes the Prometheus rendering over HTTP.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// HealthConfig exposes GET /healthz.
type HealthConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

// Load reads, expands, parses, defaults, and validates a configuration
// file. The format is chosen by extension: .yaml/.yml or .toml.
// Environment variables written as ${VAR_NAME} are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q (want .yaml, .yml, or .toml)", ext)
	}

	cfg.applyDefaults()

	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or the
// empty string when unset.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "mcpd"
	}
	if c.Server.Transport == "" {
		c.Server.Transport = "http"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.Path == "" {
		c.Server.Path = "/mcp"
	}
	if c.Tasks.Store == "" {
		c.Tasks.Store = "memory"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Enabled && c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func (c *Config) parseDurations() error {
	var err error
	if c.Server.SessionIdleTimeoutRaw != "" {
		c.Server.SessionIdleTimeout, err = time.ParseDuration(c.Server.SessionIdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing session_idle_timeout %q: %w", c.Server.SessionIdleTimeoutRaw, err)
		}
	}
	if c.RateLimit.WindowRaw != "" {
		c.RateLimit.Window, err = time.ParseDuration(c.RateLimit.WindowRaw)
		if err != nil {
			return fmt.Errorf("parsing ratelimit window %q: %w", c.RateLimit.WindowRaw, err)
		}
	}
	if c.Tasks.RetentionRaw != "" {
		c.Tasks.Retention, err = time.ParseDuration(c.Tasks.RetentionRaw)
		if err != nil {
			return fmt.Errorf("parsing tasks retention %q: %w", c.Tasks.RetentionRaw, err)
		}
	}
	return nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case "http", "stdio":
	default:
		return fmt.Errorf("server.transport must be http or stdio, got %q", c.Server.Transport)
	}

	if c.Tailscale.Enabled {
		if c.Server.Transport != "http" {
			return fmt.Errorf("tailscale requires the http transport")
		}
		if c.Tailscale.Hostname == "" {
			return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.MaxRequests <= 0 {
			return fmt.Errorf("ratelimit.max_requests must be positive when ratelimit is enabled")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("ratelimit.window is required when ratelimit is enabled")
		}
	}

	switch c.Tasks.Store {
	case "memory":
	case "sqlite":
		if c.Tasks.Path == "" {
			return fmt.Errorf("tasks.path is required when tasks.store is sqlite")
		}
	default:
		return fmt.Errorf("tasks.store must be memory or sqlite, got %q", c.Tasks.Store)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}
