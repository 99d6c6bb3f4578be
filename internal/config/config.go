// Package config provides configuration loading for the sync daemon and
// admin CLI.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration shape (SPEC_FULL.md §6).
type Config struct {
	ListenAddress string        `yaml:"listen_address"` // responder HTTP address for incoming sync exchanges
	Sync          SyncConfig    `yaml:"sync"`
	Logging       LoggingConfig `yaml:"logging"`
	Metrics       MetricsConfig `yaml:"metrics"`
	Auth          AuthConfig    `yaml:"auth"`
	Peers         []PeerConfig  `yaml:"peers"`
	Repos         []string      `yaml:"repos"`
}

// PeerConfig names one anti-entropy partner syncd dials out to.
type PeerConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// SyncConfig controls the bloom filter FPR target, the TTL window, and
// cycle pacing.
type SyncConfig struct {
	TTLMs              int64 `yaml:"ttl_ms"`
	ExpectedSyncCycles int   `yaml:"expected_sync_cycles"`
	LowAccuracy        bool  `yaml:"low_accuracy"`
	IncludeMissing     bool  `yaml:"include_missing"`
	BaseIntervalMs     int64 `yaml:"base_interval_ms"`
	MinIntervalMs      int64 `yaml:"min_interval_ms"`
	MaxIntervalMs      int64 `yaml:"max_interval_ms"`
	CycleTimeoutMs     int64 `yaml:"cycle_timeout_ms"`
}

// TTL returns the configured TTL window as a time.Duration.
func (s SyncConfig) TTL() time.Duration { return time.Duration(s.TTLMs) * time.Millisecond }

// BaseInterval returns the configured base cycle interval.
func (s SyncConfig) BaseInterval() time.Duration {
	return time.Duration(s.BaseIntervalMs) * time.Millisecond
}

// MinInterval returns the configured minimum cycle interval.
func (s SyncConfig) MinInterval() time.Duration {
	return time.Duration(s.MinIntervalMs) * time.Millisecond
}

// MaxInterval returns the configured maximum cycle interval.
func (s SyncConfig) MaxInterval() time.Duration {
	return time.Duration(s.MaxIntervalMs) * time.Millisecond
}

// CycleTimeout returns the configured per-cycle timeout.
func (s SyncConfig) CycleTimeout() time.Duration {
	return time.Duration(s.CycleTimeoutMs) * time.Millisecond
}

// LoggingConfig controls log/slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig controls the Prometheus HTTP listener.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// AuthConfig carries the operator-supplied auth rules loaded at startup.
// Each rule is wired to a stock policy function by Policy — see
// cmd/syncd (registerAuthRules) and cmd/synctl (loadCore) for how
// RuleSpec.Policy selects a policy and RuleSpec.Mode selects exact or
// regex matching.
type AuthConfig struct {
	Rules []RuleSpec `yaml:"rules"`
}

// RuleSpec is one configured auth rule: a path (exact or regex per Mode)
// bound to a named stock policy. Policy defaults to "open" (anyone reads,
// only root writes) when left blank; "private" restricts both read and
// write to root. See cmd/syncd for how Policy is wired to an auth.Rule.
type RuleSpec struct {
	Path   string `yaml:"path"`
	Mode   string `yaml:"mode"`   // "exact" or "regex"
	Policy string `yaml:"policy"` // "open" or "private"; default "open"
}

// DefaultConfig returns a Config with the defaults documented in
// SPEC_FULL.md §6.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress: "0.0.0.0:7946",
		Sync: SyncConfig{
			TTLMs:              2592000000, // 30 days
			ExpectedSyncCycles: 3,
			LowAccuracy:        false,
			IncludeMissing:     true,
			BaseIntervalMs:     2000,
			MinIntervalMs:      500,
			MaxIntervalMs:      60000,
			CycleTimeoutMs:     30000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: "127.0.0.1:9090",
		},
	}
}

// Load loads configuration from a YAML file, applies environment
// overrides, then validates. An empty path skips the file and returns
// defaults plus any env overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 -- path is operator-supplied via CLI flag
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies SYNCD_<SECTION>_<FIELD> environment overrides,
// following the SCHEMA_REGISTRY_* convention of the teacher's config loader.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SYNCD_LISTEN_ADDRESS"); v != "" {
		c.ListenAddress = v
	}
	if v := os.Getenv("SYNCD_SYNC_TTL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Sync.TTLMs = n
		}
	}
	if v := os.Getenv("SYNCD_SYNC_EXPECTED_SYNC_CYCLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sync.ExpectedSyncCycles = n
		}
	}
	if v := os.Getenv("SYNCD_SYNC_LOW_ACCURACY"); v != "" {
		c.Sync.LowAccuracy = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SYNCD_SYNC_INCLUDE_MISSING"); v != "" {
		c.Sync.IncludeMissing = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SYNCD_SYNC_BASE_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Sync.BaseIntervalMs = n
		}
	}
	if v := os.Getenv("SYNCD_SYNC_MIN_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Sync.MinIntervalMs = n
		}
	}
	if v := os.Getenv("SYNCD_SYNC_MAX_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Sync.MaxIntervalMs = n
		}
	}
	if v := os.Getenv("SYNCD_SYNC_CYCLE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Sync.CycleTimeoutMs = n
		}
	}
	if v := os.Getenv("SYNCD_LOGGING_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SYNCD_LOGGING_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("SYNCD_METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SYNCD_METRICS_LISTEN_ADDRESS"); v != "" {
		c.Metrics.ListenAddress = v
	}
}

// Validate checks the configuration for internally-consistent values.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address must not be empty")
	}
	if c.Sync.TTLMs <= 0 {
		return fmt.Errorf("sync.ttl_ms must be positive")
	}
	if c.Sync.ExpectedSyncCycles <= 0 {
		return fmt.Errorf("sync.expected_sync_cycles must be positive")
	}
	if c.Sync.MinIntervalMs <= 0 || c.Sync.MaxIntervalMs < c.Sync.MinIntervalMs {
		return fmt.Errorf("sync.min_interval_ms/max_interval_ms must be positive and ordered")
	}
	if c.Sync.BaseIntervalMs < c.Sync.MinIntervalMs || c.Sync.BaseIntervalMs > c.Sync.MaxIntervalMs {
		return fmt.Errorf("sync.base_interval_ms must fall within [min_interval_ms, max_interval_ms]")
	}
	if c.Sync.CycleTimeoutMs <= 0 {
		return fmt.Errorf("sync.cycle_timeout_ms must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	for _, rule := range c.Auth.Rules {
		if rule.Path == "" {
			return fmt.Errorf("auth rule missing path")
		}
		if rule.Mode != "exact" && rule.Mode != "regex" {
			return fmt.Errorf("auth rule %q has invalid mode: %s", rule.Path, rule.Mode)
		}
		if rule.Policy != "" && rule.Policy != "open" && rule.Policy != "private" {
			return fmt.Errorf("auth rule %q has invalid policy: %s", rule.Path, rule.Policy)
		}
	}

	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.Name == "" || p.URL == "" {
			return fmt.Errorf("peer entry requires both name and url: %+v", p)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate peer name: %s", p.Name)
		}
		seen[p.Name] = true
	}

	return nil
}
