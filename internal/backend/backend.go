// Package backend defines the storage strategy of a state history and an
// explicit registry of the available implementations.
//
// A Backend stores closed intervals and answers point queries over them.
// Intervals arrive from a single producer in non-decreasing end-time order;
// queries may run concurrently with insertion.
package backend

import (
	"log/slog"

	"github.com/xtxerr/statehist/internal/metrics"
	"github.com/xtxerr/statehist/internal/types"
)

// Backend is the storage strategy of a state system.
type Backend interface {
	// SSID returns the identifier of the state system stored here.
	SSID() string

	// StartTime returns the first valid timestamp.
	StartTime() int64

	// EndTime returns the end of the latest interval stored so far.
	EndTime() int64

	// InsertPastState stores a closed interval. It fails with a
	// TimeRangeError if start > end or start < StartTime().
	InsertPastState(start, end int64, q types.Quark, v types.Value) error

	// CheckValue reports whether v could be stored at all. Callers check a
	// value when it is set, long before its interval is closed.
	CheckValue(v types.Value) error

	// FinishedBuilding marks the history complete at endTime.
	FinishedBuilding(endTime int64) error

	// WriteAttributeTree persists the serialized attribute tree.
	WriteAttributeTree(data []byte) error

	// ReadAttributeTree returns the bytes given to WriteAttributeTree.
	ReadAttributeTree() ([]byte, error)

	// DoQuery returns, for every stored quark, the interval covering t,
	// ordered by quark.
	DoQuery(t int64) ([]types.Interval, error)

	// FillQuery sets dst[q] to the interval of q covering t for every q
	// the backend holds data for. Quarks beyond len(dst) are skipped.
	FillQuery(dst []*types.Interval, t int64) error

	// DoSingularQuery returns the interval of q covering t.
	DoSingularQuery(t int64, q types.Quark) (types.Interval, error)

	// CheckValidTime reports whether StartTime() <= t <= EndTime().
	CheckValidTime(t int64) bool

	// IsPersistent reports whether the history survives Dispose.
	IsPersistent() bool

	// Dispose releases every resource. It is idempotent; later calls to
	// other methods fail with ErrDisposed.
	Dispose() error
}

// Options carries the construction parameters shared by every backend.
// Fields a backend does not use are ignored.
type Options struct {
	// SSID identifies the state system. Empty means generate one.
	SSID string

	// StartTime is the first valid timestamp of a new history.
	StartTime int64

	// File is the history file of disk-backed backends.
	File string

	// BlockSize, MaxChildren, NodeCacheSize and ProviderVersion tune the
	// history tree. Zero means the default.
	BlockSize       int
	MaxChildren     int
	NodeCacheSize   int
	ProviderVersion int

	// Logger defaults to a component logger.
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *metrics.Metrics
}
