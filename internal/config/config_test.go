package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Sync.TTLMs != 2592000000 {
		t.Errorf("expected default ttl_ms 2592000000, got %d", cfg.Sync.TTLMs)
	}
	if cfg.Sync.ExpectedSyncCycles != 3 {
		t.Errorf("expected default expected_sync_cycles 3, got %d", cfg.Sync.ExpectedSyncCycles)
	}
	if !cfg.Metrics.Enabled {
		t.Errorf("expected metrics enabled by default")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid default", func(c *Config) {}, false},
		{"zero ttl", func(c *Config) { c.Sync.TTLMs = 0 }, true},
		{"max below min", func(c *Config) { c.Sync.MaxIntervalMs = 100; c.Sync.MinIntervalMs = 500 }, true},
		{"base outside bounds", func(c *Config) { c.Sync.BaseIntervalMs = 999999 }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad auth rule mode", func(c *Config) {
			c.Auth.Rules = []RuleSpec{{Path: "/teams/infra", Mode: "glob"}}
		}, true},
		{"good auth rule", func(c *Config) {
			c.Auth.Rules = []RuleSpec{{Path: "/teams/.*", Mode: "regex"}}
		}, false},
		{"peer missing url", func(c *Config) {
			c.Peers = []PeerConfig{{Name: "b"}}
		}, true},
		{"duplicate peer name", func(c *Config) {
			c.Peers = []PeerConfig{{Name: "b", URL: "http://b:8080"}, {Name: "b", URL: "http://b2:8080"}}
		}, true},
		{"good peers", func(c *Config) {
			c.Peers = []PeerConfig{{Name: "b", URL: "http://b:8080"}}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syncd.yaml")
	contents := `
sync:
  ttl_ms: 1000
  expected_sync_cycles: 5
  low_accuracy: true
  include_missing: false
  base_interval_ms: 1000
  min_interval_ms: 500
  max_interval_ms: 5000
  cycle_timeout_ms: 2000
logging:
  level: debug
  format: text
metrics:
  enabled: false
  listen_address: "0.0.0.0:9999"
auth:
  rules:
    - path: "/teams/.*"
      mode: regex
peers:
  - name: b
    url: "http://b:8080"
repos:
  - "/teams/infra"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.TTLMs != 1000 || cfg.Sync.ExpectedSyncCycles != 5 {
		t.Fatalf("sync fields not loaded: %+v", cfg.Sync)
	}
	if !cfg.Sync.LowAccuracy || cfg.Sync.IncludeMissing {
		t.Fatalf("bool fields not loaded correctly: %+v", cfg.Sync)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Fatalf("logging fields not loaded: %+v", cfg.Logging)
	}
	if cfg.Metrics.Enabled || cfg.Metrics.ListenAddress != "0.0.0.0:9999" {
		t.Fatalf("metrics fields not loaded: %+v", cfg.Metrics)
	}
	if len(cfg.Auth.Rules) != 1 || cfg.Auth.Rules[0].Path != "/teams/.*" || cfg.Auth.Rules[0].Mode != "regex" {
		t.Fatalf("auth rules not loaded: %+v", cfg.Auth.Rules)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].Name != "b" || cfg.Peers[0].URL != "http://b:8080" {
		t.Fatalf("peers not loaded: %+v", cfg.Peers)
	}
	if len(cfg.Repos) != 1 || cfg.Repos[0] != "/teams/infra" {
		t.Fatalf("repos not loaded: %+v", cfg.Repos)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	os.Setenv("SYNCD_SYNC_TTL_MS", "4242")
	os.Setenv("SYNCD_LOGGING_LEVEL", "warn")
	os.Setenv("SYNCD_METRICS_ENABLED", "false")
	defer func() {
		os.Unsetenv("SYNCD_SYNC_TTL_MS")
		os.Unsetenv("SYNCD_LOGGING_LEVEL")
		os.Unsetenv("SYNCD_METRICS_ENABLED")
	}()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.TTLMs != 4242 {
		t.Errorf("expected env override for ttl_ms, got %d", cfg.Sync.TTLMs)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected env override for logging level, got %s", cfg.Logging.Level)
	}
	if cfg.Metrics.Enabled {
		t.Errorf("expected env override to disable metrics")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Sync.TTL().Milliseconds() != cfg.Sync.TTLMs {
		t.Errorf("TTL() mismatch")
	}
	if cfg.Sync.BaseInterval().Milliseconds() != cfg.Sync.BaseIntervalMs {
		t.Errorf("BaseInterval() mismatch")
	}
}
