package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file over the defaults. A missing file is not an
// error: defaults apply unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that would fail at runtime. Unsupported
// backend/capability combinations are caught here, not during a cycle.
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case "memory", "sqlite":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url required for postgres backend")
		}
	default:
		return fmt.Errorf("unknown database.backend %q", c.Database.Backend)
	}

	if c.Maintenance.Interval <= 0 {
		return fmt.Errorf("maintenance.interval must be positive")
	}
	if c.Maintenance.ShutdownTimeout <= 0 {
		return fmt.Errorf("maintenance.shutdown_timeout must be positive")
	}

	cc := c.Consolidation
	if cc.BatchSize <= 0 {
		return fmt.Errorf("consolidation.batch_size must be positive")
	}
	if cc.BatchCeiling < cc.BatchSize {
		return fmt.Errorf("consolidation.batch_ceiling must be >= batch_size")
	}
	if cc.PressureWindow <= 0 {
		return fmt.Errorf("consolidation.pressure_window must be positive")
	}
	if cc.RetryMinDelay <= 0 || cc.RetryMaxDelay < cc.RetryMinDelay {
		return fmt.Errorf("consolidation retry delays invalid: min=%dms max=%dms", cc.RetryMinDelay, cc.RetryMaxDelay)
	}
	if cc.MaxAttempts <= 0 {
		return fmt.Errorf("consolidation.max_attempts must be positive")
	}
	if cc.PromotionThreshold < 0 || cc.PromotionThreshold > 1 {
		return fmt.Errorf("consolidation.promotion_threshold must be in [0,1]")
	}
	if cc.Concurrency <= 0 {
		return fmt.Errorf("consolidation.concurrency must be positive")
	}

	dc := c.Decay
	if dc.PassiveHalfLife <= 0 || dc.ReinforcementHalfLife <= 0 {
		return fmt.Errorf("decay half-lives must be positive")
	}
	if dc.ForgettingThreshold < 0 || dc.ForgettingThreshold >= 1 {
		return fmt.Errorf("decay.forgetting_threshold must be in [0,1)")
	}
	for name := range dc.TierHalfLife {
		if !validTierName(name) {
			return fmt.Errorf("decay.tier_half_life: unknown tier %q", name)
		}
	}

	for name, lim := range c.ResourceLimits.Tier {
		if !validTierName(name) {
			return fmt.Errorf("resource_limits.tier: unknown tier %q", name)
		}
		if lim.MaxItems <= 0 {
			return fmt.Errorf("resource_limits.tier.%s.max_items must be positive", name)
		}
	}

	if c.IngestQueueMax < 0 {
		return fmt.Errorf("ingest_queue_max must be >= 0")
	}

	if c.Index.Dimensions <= 0 {
		return fmt.Errorf("index.dimensions must be positive")
	}
	if c.Index.BatchSize <= 0 {
		return fmt.Errorf("index.batch_size must be positive")
	}
	return nil
}

func validTierName(name string) bool {
	return name == "fast" || name == "medium" || name == "durable"
}
