// Package memory implements a history backend that keeps every interval in
// memory. It suits small or short-lived histories.
package memory

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/xtxerr/statehist/internal/backend"
	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/logging"
	"github.com/xtxerr/statehist/internal/metrics"
	"github.com/xtxerr/statehist/internal/types"
)

// Name is the registry name of this backend.
const Name = "memory"

// Backend stores one end-ordered interval slice per quark.
type Backend struct {
	ssid      string
	startTime int64
	endTime   atomic.Int64
	finished  atomic.Bool
	disposed  atomic.Bool

	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	byQuark [][]types.Interval
	tree    []byte
}

var _ backend.Backend = (*Backend)(nil)

// New creates an empty in-memory backend.
func New(opts backend.Options) *Backend {
	ssid := opts.SSID
	if ssid == "" {
		ssid = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("memory")
	}

	b := &Backend{
		ssid:      ssid,
		startTime: opts.StartTime,
		logger:    logger,
		metrics:   opts.Metrics,
	}
	b.endTime.Store(opts.StartTime)
	return b
}

// Factory adapts New to backend.Factory.
func Factory(opts backend.Options) (backend.Backend, error) {
	return New(opts), nil
}

// Register adds the memory backend to r. It cannot reopen histories.
func Register(r *backend.Registry) {
	r.Register(Name, Factory, nil)
}

// SSID returns the state system identifier.
func (b *Backend) SSID() string { return b.ssid }

// StartTime returns the first valid timestamp.
func (b *Backend) StartTime() int64 { return b.startTime }

// EndTime returns the latest end time stored.
func (b *Backend) EndTime() int64 { return b.endTime.Load() }

// IsPersistent is always false.
func (b *Backend) IsPersistent() bool { return false }

// CheckValidTime reports whether t is inside [StartTime, EndTime].
func (b *Backend) CheckValidTime(t int64) bool {
	return b.startTime <= t && t <= b.endTime.Load()
}

// InsertPastState stores an interval. Intervals of one quark must not overlap.
func (b *Backend) InsertPastState(start, end int64, q types.Quark, v types.Value) error {
	if b.disposed.Load() {
		return errors.ErrDisposed
	}
	if start > end {
		return errors.NewTimeRange(start, start, end, "interval start after end")
	}
	if start < b.startTime {
		return errors.NewTimeRange(start, b.startTime, b.endTime.Load(), "interval starts before the history")
	}
	if q < 0 {
		return errors.NewQuarkNotFound(int32(q))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for int(q) >= len(b.byQuark) {
		b.byQuark = append(b.byQuark, nil)
	}
	list := b.byQuark[q]
	if n := len(list); n > 0 && start <= list[n-1].End {
		return errors.NewTimeRange(start, list[n-1].Start, list[n-1].End,
			fmt.Sprintf("quark %d: interval overlaps the previous one", q))
	}
	b.byQuark[q] = append(list, types.Interval{Quark: q, Start: start, End: end, Value: v})

	if end > b.endTime.Load() {
		b.endTime.Store(end)
	}
	b.metrics.IntervalInserted(Name)
	return nil
}

// CheckValue accepts every value.
func (b *Backend) CheckValue(types.Value) error { return nil }

// FinishedBuilding extends the end time to endTime.
func (b *Backend) FinishedBuilding(endTime int64) error {
	if b.disposed.Load() {
		return errors.ErrDisposed
	}
	if !b.finished.CompareAndSwap(false, true) {
		return fmt.Errorf("memory backend: %w", errors.ErrAlreadyBuilt)
	}
	b.mu.Lock()
	if endTime > b.endTime.Load() {
		b.endTime.Store(endTime)
	}
	b.mu.Unlock()
	return nil
}

// WriteAttributeTree keeps a copy of data.
func (b *Backend) WriteAttributeTree(data []byte) error {
	if b.disposed.Load() {
		return errors.ErrDisposed
	}
	b.mu.Lock()
	b.tree = append([]byte(nil), data...)
	b.mu.Unlock()
	return nil
}

// ReadAttributeTree returns the bytes given to WriteAttributeTree.
func (b *Backend) ReadAttributeTree() ([]byte, error) {
	if b.disposed.Load() {
		return nil, errors.ErrDisposed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.tree == nil {
		return nil, fmt.Errorf("memory backend: attribute tree: %w", errors.ErrNotBuilt)
	}
	return append([]byte(nil), b.tree...), nil
}

func (b *Backend) checkQuery(t int64) error {
	if b.disposed.Load() {
		return errors.ErrDisposed
	}
	if !b.CheckValidTime(t) {
		return errors.NewTimeRange(t, b.startTime, b.endTime.Load(), "")
	}
	return nil
}

// search finds the interval covering t by binary search on end time.
func search(list []types.Interval, t int64) (types.Interval, bool) {
	i := sort.Search(len(list), func(i int) bool { return list[i].End >= t })
	if i < len(list) && list[i].Start <= t {
		return list[i], true
	}
	return types.Interval{}, false
}

// DoSingularQuery returns the interval of q covering t.
func (b *Backend) DoSingularQuery(t int64, q types.Quark) (types.Interval, error) {
	if err := b.checkQuery(t); err != nil {
		return types.Interval{}, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if q < 0 || int(q) >= len(b.byQuark) {
		return types.Interval{}, errors.NewQuarkNotFound(int32(q))
	}
	iv, ok := search(b.byQuark[q], t)
	if !ok {
		return types.Interval{}, fmt.Errorf("quark %d at t=%d: %w", q, t, errors.ErrIncoherentStorage)
	}
	return iv, nil
}

// DoQuery returns the covering interval of every quark that has one. Once
// the history is finished every quark must have one.
func (b *Backend) DoQuery(t int64) ([]types.Interval, error) {
	if err := b.checkQuery(t); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	finished := b.finished.Load()
	out := make([]types.Interval, 0, len(b.byQuark))
	for q, list := range b.byQuark {
		if iv, ok := search(list, t); ok {
			out = append(out, iv)
		} else if finished {
			return nil, fmt.Errorf("quark %d at t=%d: %w", q, t, errors.ErrIncoherentStorage)
		}
	}
	return out, nil
}

// FillQuery sets dst[q] for every quark with an interval covering t.
func (b *Backend) FillQuery(dst []*types.Interval, t int64) error {
	if err := b.checkQuery(t); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for q, list := range b.byQuark {
		if q >= len(dst) {
			break
		}
		if iv, ok := search(list, t); ok {
			dst[q] = &iv
		}
	}
	return nil
}

// Dispose drops every interval.
func (b *Backend) Dispose() error {
	if !b.disposed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	b.byQuark = nil
	b.tree = nil
	b.mu.Unlock()
	b.logger.Debug("disposed", "ssid", b.ssid)
	return nil
}
