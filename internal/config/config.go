// Package config holds the backend configuration.
//
// Configuration is loaded from a YAML file at startup. Every section has a
// working default so an empty file is a valid configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	errs "github.com/xtxerr/beacon/internal/errors"
)

// Config represents the complete backend configuration.
type Config struct {
	// DataDir is the root directory for all rollup storage files.
	DataDir string `yaml:"data_dir"`

	// Metastore configures the DuckDB metastore (agent hierarchy).
	Metastore MetastoreConfig `yaml:"metastore"`

	// Rollup configures interval widths and level selection.
	Rollup RollupConfig `yaml:"rollup"`

	// Retention defines how long each rollup level is kept.
	Retention RetentionConfig `yaml:"retention"`

	// Writer configures the background rollup writer.
	Writer WriterConfig `yaml:"writer"`

	// Query configures the read side.
	Query QueryConfig `yaml:"query"`

	// Advanced holds tunables that rarely need changing.
	Advanced AdvancedConfig `yaml:"advanced"`
}

// MetastoreConfig configures the DuckDB metastore.
type MetastoreConfig struct {
	// Path is the DuckDB database file. Empty means in-memory.
	Path string `yaml:"path"`
}

// RollupConfig configures interval widths and level selection.
type RollupConfig struct {
	// LiveInterval is the width of one live (not yet durable) interval.
	LiveInterval time.Duration `yaml:"live_interval"`

	// Interval is the bucket width of rollup level 1.
	Interval time.Duration `yaml:"interval"`

	// Threshold is the query range width at or below which level 0 is
	// used; wider ranges read level 1.
	Threshold time.Duration `yaml:"threshold"`
}

// RetentionConfig defines how long each rollup level is kept.
type RetentionConfig struct {
	// Level0 is the retention for level-0 aggregates.
	Level0 time.Duration `yaml:"level0"`

	// Level1 is the retention for level-1 aggregates.
	Level1 time.Duration `yaml:"level1"`
}

// WriterConfig configures the background rollup writer.
type WriterConfig struct {
	// FlushInterval is how often completed live intervals are persisted.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// SweepInterval is how often retention and incomplete-row sweeps run.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// QueryConfig configures the read side.
type QueryConfig struct {
	// MemoryLimit caps the embedded query engine's memory, e.g. "1GB".
	MemoryLimit string `yaml:"memory_limit"`
}

// AdvancedConfig holds tunables that rarely need changing.
type AdvancedConfig struct {
	// MaxQueryAggregates is the maximum number of query statements
	// retained per query type when merging query aggregates.
	MaxQueryAggregates int `yaml:"max_query_aggregates"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "data",
		Rollup: RollupConfig{
			LiveInterval: time.Minute,
			Interval:     5 * time.Minute,
			Threshold:    time.Hour,
		},
		Retention: RetentionConfig{
			Level0: 48 * time.Hour,
			Level1: 90 * 24 * time.Hour,
		},
		Writer: WriterConfig{
			FlushInterval: time.Minute,
			SweepInterval: time.Hour,
		},
		Advanced: AdvancedConfig{
			MaxQueryAggregates: 500,
		},
	}
}

// Load reads a configuration file, applying defaults for absent fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errs.NewMissingField("data_dir")
	}
	if c.Rollup.LiveInterval <= 0 {
		return errs.NewValidation("rollup.live_interval", "must be positive")
	}
	if c.Rollup.Interval <= 0 {
		return errs.NewValidation("rollup.interval", "must be positive")
	}
	if c.Rollup.Interval < c.Rollup.LiveInterval {
		return errs.NewValidation("rollup.interval", "must be at least rollup.live_interval")
	}
	if c.Rollup.Threshold < c.Rollup.Interval {
		return errs.NewValidation("rollup.threshold", "must be at least rollup.interval")
	}
	if c.Advanced.MaxQueryAggregates <= 0 {
		return errs.NewValidation("advanced.max_query_aggregates", "must be positive")
	}
	return nil
}

// MaxQueryAggregates returns the maximum number of query statements
// retained per query type when merging query aggregates.
func (c *Config) MaxQueryAggregates() int {
	return c.Advanced.MaxQueryAggregates
}
