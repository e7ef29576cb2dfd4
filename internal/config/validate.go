package config

import (
	"fmt"

	defaults "github.com/xtxerr/statehist/config"
	"github.com/xtxerr/statehist/internal/backend/historytree"
	"github.com/xtxerr/statehist/internal/backend/memory"
	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/export"
	"github.com/xtxerr/statehist/internal/logging"
)

// Validate checks the configuration for errors. All problems are reported
// together.
func (c *Config) Validate() error {
	errs := errors.NewValidationErrors()

	switch c.Backend {
	case memory.Name, historytree.Name:
	default:
		errs.Add(fmt.Errorf("backend %q: %w", c.Backend, errors.ErrUnknownBackend))
	}

	c.History.validate(errs)

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs.AddField("logging.level", err.Error())
	}

	if c.Metrics.Textfile != "" && !c.Metrics.Enabled {
		errs.AddField("metrics.textfile", "requires metrics.enabled")
	}

	if _, err := export.ParseCompressionType(c.Export.Compression); err != nil {
		errs.Add(err)
	}
	if c.Export.BatchSize < 0 {
		errs.AddField("export.batch_size", "must not be negative")
	}

	if c.Stats.Accuracy < 0 || c.Stats.Accuracy >= 1 {
		errs.AddField("stats.accuracy", "must be in [0, 1)")
	}

	if c.Verify.Workers < 1 {
		errs.AddField("verify.workers", "must be at least 1")
	}

	return errs.Err()
}

func (h *HistoryConfig) validate(errs *errors.ValidationErrors) {
	before := len(errs.Errors)
	if h.BlockSize < defaults.MinBlockSize || h.BlockSize > defaults.MaxBlockSize {
		errs.AddField("history.block_size", fmt.Sprintf("%d not in [%d, %d]", h.BlockSize, defaults.MinBlockSize, defaults.MaxBlockSize))
	}
	if h.MaxChildren < defaults.MinMaxChildren || h.MaxChildren > defaults.MaxMaxChildren {
		errs.AddField("history.max_children", fmt.Sprintf("%d not in [%d, %d]", h.MaxChildren, defaults.MinMaxChildren, defaults.MaxMaxChildren))
	}
	if h.NodeCacheSize < 1 {
		errs.AddField("history.node_cache_size", "must be at least 1")
	}
	if h.ProviderVersion < 0 {
		errs.AddField("history.provider_version", "must not be negative")
	}
	if len(errs.Errors) > before {
		return
	}

	// The tree has its own layout constraints, e.g. core headers must fit.
	layout := historytree.Config{
		BlockSize:       h.BlockSize,
		MaxChildren:     h.MaxChildren,
		NodeCacheSize:   h.NodeCacheSize,
		ProviderVersion: h.ProviderVersion,
	}
	if err := layout.Validate(); err != nil {
		errs.Add(fmt.Errorf("history: %w", err))
	}
}
