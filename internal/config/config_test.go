package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 37878 {
		t.Errorf("port = %d, want default 37878", cfg.Server.Port)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  port: 9999
consolidation:
  batch_size: 4
  batch_ceiling: 32
decay:
  tier_half_life:
    fast: 3600
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Consolidation.BatchSize != 4 {
		t.Errorf("batch_size = %d, want 4", cfg.Consolidation.BatchSize)
	}
	if cfg.Decay.TierHalfLife["fast"] != 3600 {
		t.Errorf("tier_half_life.fast = %d, want 3600", cfg.Decay.TierHalfLife["fast"])
	}
	// Untouched keys keep defaults.
	if cfg.Maintenance.Interval != 300 {
		t.Errorf("interval = %d, want default 300", cfg.Maintenance.Interval)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Database.Backend = "redis" }},
		{"postgres without url", func(c *Config) { c.Database.Backend = "postgres" }},
		{"zero interval", func(c *Config) { c.Maintenance.Interval = 0 }},
		{"ceiling below batch", func(c *Config) { c.Consolidation.BatchCeiling = 1 }},
		{"threshold out of range", func(c *Config) { c.Consolidation.PromotionThreshold = 1.5 }},
		{"inverted retry delays", func(c *Config) { c.Consolidation.RetryMaxDelay = 1 }},
		{"unknown tier limit", func(c *Config) {
			c.ResourceLimits.Tier["glacial"] = TierLimit{MaxItems: 10}
		}},
		{"unknown decay tier", func(c *Config) {
			c.Decay.TierHalfLife = map[string]int{"warm": 60}
		}},
		{"zero index dimensions", func(c *Config) { c.Index.Dimensions = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if cfg.CycleInterval().Seconds() != 300 {
		t.Errorf("CycleInterval = %s", cfg.CycleInterval())
	}
	if cfg.DrainTimeout().Seconds() != 30 {
		t.Errorf("DrainTimeout = %s", cfg.DrainTimeout())
	}
	if cfg.ListenAddr() != "127.0.0.1:37878" {
		t.Errorf("ListenAddr = %s", cfg.ListenAddr())
	}
}
