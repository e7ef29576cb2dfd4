package historytree

import (
	"fmt"

	"github.com/xtxerr/statehist/config"
	"github.com/xtxerr/statehist/internal/backend"
	"github.com/xtxerr/statehist/internal/errors"
)

// minBlockSize is the smallest block the tree can work with. The user-facing
// configuration enforces config.MinBlockSize; smaller blocks exist for tests
// that need many splits.
const minBlockSize = 256

// minFreeSpace is the room a core node must have left for intervals.
const minFreeSpace = 64

// Config tunes the layout of a history file.
type Config struct {
	// BlockSize is the size of every node block in bytes.
	BlockSize int
	// MaxChildren is the branching factor of core nodes.
	MaxChildren int
	// NodeCacheSize is the number of sealed nodes kept in memory.
	NodeCacheSize int
	// ProviderVersion is stored in the header and checked on open.
	ProviderVersion int
}

// DefaultConfig returns the defaults from the config package.
func DefaultConfig() Config {
	return Config{
		BlockSize:       config.DefaultBlockSize,
		MaxChildren:     config.DefaultMaxChildren,
		NodeCacheSize:   config.DefaultNodeCacheSize,
		ProviderVersion: config.DefaultProviderVersion,
	}
}

// configFromOptions fills zero fields with defaults.
func configFromOptions(opts backend.Options) Config {
	cfg := DefaultConfig()
	if opts.BlockSize > 0 {
		cfg.BlockSize = opts.BlockSize
	}
	if opts.MaxChildren > 0 {
		cfg.MaxChildren = opts.MaxChildren
	}
	if opts.NodeCacheSize > 0 {
		cfg.NodeCacheSize = opts.NodeCacheSize
	}
	if opts.ProviderVersion > 0 {
		cfg.ProviderVersion = opts.ProviderVersion
	}
	return cfg
}

// Validate checks that the layout is usable.
func (c Config) Validate() error {
	errs := errors.NewValidationErrors()

	if c.BlockSize < minBlockSize || c.BlockSize > config.MaxBlockSize {
		errs.AddField("block_size", fmt.Sprintf("%d not in [%d, %d]", c.BlockSize, minBlockSize, config.MaxBlockSize))
	}
	if c.MaxChildren < config.MinMaxChildren || c.MaxChildren > config.MaxMaxChildren {
		errs.AddField("max_children", fmt.Sprintf("%d not in [%d, %d]", c.MaxChildren, config.MinMaxChildren, config.MaxMaxChildren))
	} else if need := coreHeaderSize(c.MaxChildren) + minFreeSpace; c.BlockSize >= minBlockSize && c.BlockSize < need {
		errs.AddField("block_size", fmt.Sprintf("%d too small for %d children, need at least %d", c.BlockSize, c.MaxChildren, need))
	}
	if c.NodeCacheSize < 1 {
		errs.AddField("node_cache_size", "must be at least 1")
	}
	if c.ProviderVersion < 0 {
		errs.AddField("provider_version", "must not be negative")
	}

	return errs.Err()
}
