package config

import (
	"fmt"
	"time"
)

// Config holds all stratamem configuration.
type Config struct {
	Server         ServerConfig        `yaml:"server"`
	Database       DatabaseConfig      `yaml:"database"`
	Maintenance    MaintenanceConfig   `yaml:"maintenance"`
	Consolidation  ConsolidationConfig `yaml:"consolidation"`
	Decay          DecayConfig         `yaml:"decay"`
	ResourceLimits ResourceLimits      `yaml:"resource_limits"`
	IngestQueueMax int                 `yaml:"ingest_queue_max"`
	Metrics        MetricsConfig       `yaml:"metrics"`
	Index          IndexConfig         `yaml:"index"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Backend string `yaml:"backend"` // "memory", "sqlite", "postgres"
	Path    string `yaml:"path"`    // sqlite file path
	URL     string `yaml:"url"`     // postgres connection URL
}

type MaintenanceConfig struct {
	Interval        int `yaml:"interval"`         // seconds between cycles
	ShutdownTimeout int `yaml:"shutdown_timeout"` // seconds to wait for drain
}

type ConsolidationConfig struct {
	BatchSize          int     `yaml:"batch_size"`
	BatchCeiling       int     `yaml:"batch_ceiling"`
	PressureWindow     int     `yaml:"pressure_window"` // cycles of backlog history
	PressureThreshold  float64 `yaml:"pressure_threshold"`
	PromotionThreshold float64 `yaml:"promotion_threshold"`
	ImportanceWeight   float64 `yaml:"importance_weight"`
	RecencyWeight      float64 `yaml:"recency_weight"`
	RecencyHalfLife    int     `yaml:"recency_half_life"` // seconds
	RetryMinDelay      int     `yaml:"retry_min_delay"`   // milliseconds
	RetryMaxDelay      int     `yaml:"retry_max_delay"`   // milliseconds
	MaxAttempts        int     `yaml:"max_attempts"`
	Concurrency        int     `yaml:"concurrency"`
	AllowTierSkip      bool    `yaml:"allow_tier_skip"`
}

type DecayConfig struct {
	PassiveHalfLife       int            `yaml:"passive_half_life"`       // seconds
	ReinforcementHalfLife int            `yaml:"reinforcement_half_life"` // seconds
	ForgettingThreshold   float64        `yaml:"forgetting_threshold"`
	ImportanceWeight      float64        `yaml:"importance_weight"`
	TierHalfLife          map[string]int `yaml:"tier_half_life"` // per-tier overrides, seconds
}

type ResourceLimits struct {
	Tier map[string]TierLimit `yaml:"tier"`
}

type TierLimit struct {
	MaxItems      int `yaml:"max_items"`
	IngestTimeout int `yaml:"ingest_timeout"` // seconds a queued admission may wait
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type IndexConfig struct {
	Model        string `yaml:"model"`
	Dimensions   int    `yaml:"dimensions"`
	BatchSize    int    `yaml:"batch_size"`
	ExtractorURL string `yaml:"extractor_url"` // empty selects the hashing extractor
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37878,
		},
		Database: DatabaseConfig{
			Backend: "sqlite",
			Path:    "", // resolved at runtime via store.DefaultDBPath()
		},
		Maintenance: MaintenanceConfig{
			Interval:        300,
			ShutdownTimeout: 30,
		},
		Consolidation: ConsolidationConfig{
			BatchSize:          16,
			BatchCeiling:       128,
			PressureWindow:     5,
			PressureThreshold:  0.2,
			PromotionThreshold: 0.5,
			ImportanceWeight:   0.7,
			RecencyWeight:      0.3,
			RecencyHalfLife:    6 * 60 * 60,
			RetryMinDelay:      500,
			RetryMaxDelay:      60_000,
			MaxAttempts:        5,
			Concurrency:        4,
			AllowTierSkip:      false,
		},
		Decay: DecayConfig{
			PassiveHalfLife:       90 * 24 * 60 * 60,
			ReinforcementHalfLife: 24 * 60 * 60,
			ForgettingThreshold:   0.05,
			ImportanceWeight:      1.0,
		},
		ResourceLimits: ResourceLimits{
			Tier: map[string]TierLimit{
				"fast":    {MaxItems: 1024, IngestTimeout: 5},
				"medium":  {MaxItems: 8192, IngestTimeout: 5},
				"durable": {MaxItems: 65536, IngestTimeout: 10},
			},
		},
		IngestQueueMax: 256,
		Metrics:        MetricsConfig{Enabled: false},
		Index: IndexConfig{
			Model:      "hash-v1",
			Dimensions: 256,
			BatchSize:  64,
		},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// CycleInterval returns the maintenance interval as a duration.
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Maintenance.Interval) * time.Second
}

// DrainTimeout returns the shutdown drain bound as a duration.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.Maintenance.ShutdownTimeout) * time.Second
}
