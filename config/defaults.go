// Package config provides configuration defaults and utilities
// for the statehist tool.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via statehist.yaml or command line flags.
package config

// =============================================================================
// History File Defaults
// =============================================================================

const (
	// DefaultBlockSize is the size in bytes of one history tree node block.
	// Larger blocks mean a shallower tree but more bytes read per query level.
	// Range: 4 KiB - 16 MiB
	// Override via config: history.block_size
	DefaultBlockSize = 64 * 1024

	// DefaultMaxChildren is the branching factor of core nodes.
	// With 64 KiB blocks and 50 children, a tree of depth 4 addresses
	// well over six million leaves.
	// Range: 2-1024
	// Override via config: history.max_children
	DefaultMaxChildren = 50

	// DefaultProviderVersion is stored in the header of new history files.
	// A reader can refuse files built by a different producer version.
	// Override via config: history.provider_version
	DefaultProviderVersion = 0

	// DefaultNodeCacheSize is the number of sealed nodes kept in memory
	// by a history tree backend.
	// Override via config: history.node_cache_size
	DefaultNodeCacheSize = 256

	// HeaderSize is the fixed size of the history file header.
	// Node blocks start right after it.
	HeaderSize = 4096

	// MinBlockSize and MaxBlockSize bound history.block_size.
	MinBlockSize = 4 * 1024
	MaxBlockSize = 16 * 1024 * 1024

	// MinMaxChildren and MaxMaxChildren bound history.max_children.
	MinMaxChildren = 2
	MaxMaxChildren = 1024
)

// =============================================================================
// State System Defaults
// =============================================================================

const (
	// MaxStackDepth caps the depth of stack attributes (push/pop).
	// Deeper pushes fail; the limit protects against runaway producers.
	MaxStackDepth = 100000

	// DefaultBackend is the backend used when none is configured.
	// Override via config: backend
	DefaultBackend = "historytree"
)

// =============================================================================
// Tooling Defaults
// =============================================================================

const (
	// DefaultVerifyWorkers is the number of goroutines checking quarks in parallel.
	// Override via config: verify.workers
	DefaultVerifyWorkers = 4

	// DefaultExportCompression is the parquet codec used by `statehist export`.
	// One of: none, snappy, zstd, gzip
	// Override via config: export.compression
	DefaultExportCompression = "zstd"

	// DefaultLogLevel is the log level when none is given.
	// Override via config: logging.level or --log-level
	DefaultLogLevel = "info"
)
