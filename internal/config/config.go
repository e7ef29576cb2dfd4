// Package config loads the statehist configuration file.
//
// Every field is optional; DefaultConfig documents the values used when a
// field or the whole file is missing. Command line flags override the file.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/statehist/config"
	"github.com/xtxerr/statehist/internal/backend"
	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/export"
	"github.com/xtxerr/statehist/internal/stats"
)

// Config represents the complete statehist configuration.
type Config struct {
	// Backend names the history backend: memory or historytree.
	Backend string `yaml:"backend"`

	// History configures history files.
	History HistoryConfig `yaml:"history"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures Prometheus instrumentation.
	Metrics MetricsConfig `yaml:"metrics"`

	// Export configures Parquet export.
	Export ExportConfig `yaml:"export"`

	// Stats configures duration statistics.
	Stats StatsConfig `yaml:"stats"`

	// Verify configures tiling checks.
	Verify VerifyConfig `yaml:"verify"`
}

// HistoryConfig configures history files.
type HistoryConfig struct {
	// File is the default history file. Commands accept it as an argument too.
	File string `yaml:"file"`

	// BlockSize is the node block size in bytes.
	BlockSize int `yaml:"block_size"`

	// MaxChildren is the branching factor of core nodes.
	MaxChildren int `yaml:"max_children"`

	// ProviderVersion is written to new files and checked on open.
	// Zero disables the check.
	ProviderVersion int `yaml:"provider_version"`

	// NodeCacheSize is the number of sealed nodes kept in memory.
	NodeCacheSize int `yaml:"node_cache_size"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON switches from text to JSON output.
	JSON bool `yaml:"json"`
}

// MetricsConfig configures Prometheus instrumentation.
type MetricsConfig struct {
	// Enabled turns instrumentation on.
	Enabled bool `yaml:"enabled"`

	// Textfile, if set, receives the metrics in text exposition format
	// when a command finishes.
	Textfile string `yaml:"textfile"`
}

// ExportConfig configures Parquet export.
type ExportConfig struct {
	// Compression is one of none, snappy, zstd, lz4, gzip.
	Compression string `yaml:"compression"`

	// BatchSize is the number of rows buffered between writes.
	BatchSize int `yaml:"batch_size"`
}

// StatsConfig configures duration statistics.
type StatsConfig struct {
	// Accuracy is the relative accuracy of percentiles (0.01 = 1% error).
	// Zero disables percentiles.
	Accuracy float64 `yaml:"accuracy"`

	// IncludeNull counts intervals without a value.
	IncludeNull bool `yaml:"include_null"`
}

// VerifyConfig configures tiling checks.
type VerifyConfig struct {
	// Workers is the number of quarks checked in parallel.
	Workers int `yaml:"workers"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend: defaults.DefaultBackend,
		History: HistoryConfig{
			BlockSize:       defaults.DefaultBlockSize,
			MaxChildren:     defaults.DefaultMaxChildren,
			ProviderVersion: defaults.DefaultProviderVersion,
			NodeCacheSize:   defaults.DefaultNodeCacheSize,
		},
		Logging: LoggingConfig{
			Level: defaults.DefaultLogLevel,
		},
		Export: ExportConfig{
			Compression: defaults.DefaultExportCompression,
			BatchSize:   export.DefaultOptions().BatchSize,
		},
		Stats: StatsConfig{
			Accuracy: stats.DefaultAccuracy,
		},
		Verify: VerifyConfig{
			Workers: defaults.DefaultVerifyWorkers,
		},
	}
}

// Load loads configuration from a YAML file. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.IO("read config file", err)
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse config file %s: %v: %w", path, err, errors.ErrInvalidConfig)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, or returns the validated defaults when path is
// empty.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		return cfg, cfg.Validate()
	}
	return Load(path)
}

// =============================================================================
// Conversions
// =============================================================================

// BackendOptions returns the backend options for file. An empty file means
// History.File.
func (c *Config) BackendOptions(file string) backend.Options {
	if file == "" {
		file = c.History.File
	}
	return backend.Options{
		File:            file,
		BlockSize:       c.History.BlockSize,
		MaxChildren:     c.History.MaxChildren,
		NodeCacheSize:   c.History.NodeCacheSize,
		ProviderVersion: c.History.ProviderVersion,
	}
}

// ExportOptions returns the Parquet writer options.
func (c *Config) ExportOptions() (export.Options, error) {
	ct, err := export.ParseCompressionType(c.Export.Compression)
	if err != nil {
		return export.Options{}, err
	}
	opts := export.DefaultOptions()
	opts.Compression = ct
	if c.Export.BatchSize > 0 {
		opts.BatchSize = c.Export.BatchSize
	}
	return opts, nil
}

// StatsOptions returns the statistics options.
func (c *Config) StatsOptions() stats.Options {
	return stats.Options{
		Accuracy: c.Stats.Accuracy,
		SkipNull: !c.Stats.IncludeNull,
		Workers:  c.Verify.Workers,
	}
}
