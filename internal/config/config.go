// Package config loads the engine's runtime configuration: an optional
// config.yaml under the home directory, overlaid with environment variable
// overrides. Fields stay narrow — everything here is read at startup or on
// a config file change, never on a hot path.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// APIKeyEntry is one configured API key for the HTTP read-surface.
type APIKeyEntry struct {
	Key         string   `yaml:"key"`
	Description string   `yaml:"description"`
	AgentIDs    []string `yaml:"agent_ids,omitempty"`
}

// AuthConfig controls API key authentication on the HTTP read-surface.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// CORSConfig controls cross-origin access to the HTTP read-surface,
// relevant to browser-based operator consoles.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig bounds request throughput per API key or remote address.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// Config is the engine's runtime configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	// DatabasePath is the SQLite file backing the store. Defaults to
	// <home>/goclaw.db.
	DatabasePath string `yaml:"database_path"`

	// Capabilities names the enabled capability groups (spec §6). Empty
	// means every group is enabled.
	Capabilities []string `yaml:"capabilities"`

	// HTTPAddr is the bind address for the read-surface HTTP API.
	HTTPAddr string `yaml:"http_addr"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// SchedulerInterval controls how often due scheduled tasks are polled.
	SchedulerIntervalSeconds int `yaml:"scheduler_interval_seconds"`

	// OTelExporter selects "otlp-http", "stdout", or "none".
	OTelExporter   string  `yaml:"otel_exporter"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	OTelSampleRate float64 `yaml:"otel_sample_rate"`

	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	NeedsGenesis bool `yaml:"-"`
}

// SchedulerInterval returns the configured scheduler poll interval,
// defaulting to one minute.
func (c Config) SchedulerInterval() time.Duration {
	if c.SchedulerIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.SchedulerIntervalSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:                 "127.0.0.1:18789",
		LogLevel:                 "info",
		SchedulerIntervalSeconds: 60,
		OTelExporter:             "none",
		OTelSampleRate:           1.0,
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			BurstSize:         20,
		},
	}
}

// HomeDir resolves the engine's home directory: GOCLAW_HOME if set,
// otherwise ~/.goclaw.
func HomeDir() string {
	if override := os.Getenv("GOCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goclaw")
}

// Load reads config.yaml from the home directory, applies environment
// overrides, and fills in defaults for anything left unset.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create goclaw home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.HomeDir, "goclaw.db")
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:18789"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SchedulerIntervalSeconds <= 0 {
		cfg.SchedulerIntervalSeconds = 60
	}
	if cfg.OTelExporter == "" {
		cfg.OTelExporter = "none"
	}
	if cfg.OTelSampleRate <= 0 {
		cfg.OTelSampleRate = 1.0
	}

	normalized := make([]string, 0, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			normalized = append(normalized, c)
		}
	}
	cfg.Capabilities = normalized
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOCLAW_DATABASE_PATH"); raw != "" {
		cfg.DatabasePath = raw
	}
	if raw := os.Getenv("CAPABILITIES"); raw != "" {
		cfg.Capabilities = strings.Split(raw, ",")
	}
	if raw := os.Getenv("GOCLAW_HTTP_ADDR"); raw != "" {
		cfg.HTTPAddr = raw
	}
	if raw := os.Getenv("GOCLAW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOCLAW_QUIET"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Quiet = v
		}
	}
	if raw := os.Getenv("GOCLAW_SCHEDULER_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SchedulerIntervalSeconds = v
		}
	}
	if raw := os.Getenv("GOCLAW_OTEL_EXPORTER"); raw != "" {
		cfg.OTelExporter = raw
	}
	if raw := os.Getenv("GOCLAW_OTLP_ENDPOINT"); raw != "" {
		cfg.OTLPEndpoint = raw
	}
	if raw := os.Getenv("GOCLAW_RATE_LIMIT_PER_MINUTE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RateLimit.RequestsPerMinute = v
		}
	}
	if raw := os.Getenv("GOCLAW_API_KEY"); raw != "" {
		cfg.Auth.Enabled = true
		cfg.Auth.Keys = append(cfg.Auth.Keys, APIKeyEntry{Key: raw, Description: "from GOCLAW_API_KEY"})
	}
}

// Fingerprint returns a stable hash of the active config, used by the
// doctor command and startup log line to identify which config produced
// a run.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|caps=%v|http=%s|log=%s|sched=%d|otel=%s",
		c.DatabasePath, c.Capabilities, c.HTTPAddr, c.LogLevel,
		c.SchedulerIntervalSeconds, c.OTelExporter)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
