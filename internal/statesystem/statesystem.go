// Package statesystem ties the attribute tree, the ongoing state and a
// history backend together into a state system.
//
// A state system is built by one producer through ModifyAttribute and the
// helpers built on it, then closed with FinishedBuilding. Queries may run at
// any time from any number of goroutines: while building, the latest
// intervals come from the ongoing state; everything else comes from the
// backend.
package statesystem

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/statehist/internal/attribute"
	"github.com/xtxerr/statehist/internal/backend"
	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/logging"
	"github.com/xtxerr/statehist/internal/metrics"
	"github.com/xtxerr/statehist/internal/transient"
	"github.com/xtxerr/statehist/internal/types"
	"github.com/xtxerr/statehist/internal/validation"
)

// Options configures a state system.
type Options struct {
	// Logger defaults to a component logger tagged with the SSID.
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// StateSystem is a state history under construction or complete.
type StateSystem struct {
	backend   backend.Backend
	tree      *attribute.Tree
	transient *transient.State
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// mu serializes FinishedBuilding and Dispose.
	mu        sync.Mutex
	disposed  atomic.Bool
	cancelled atomic.Bool

	done     chan struct{}
	doneOnce sync.Once
}

// New starts building a state system on an empty backend.
func New(b backend.Backend, opts Options) *StateSystem {
	s := newStateSystem(b, attribute.NewTree(), opts)
	s.transient = transient.New(b, b.StartTime(), s.logger)
	s.tree.OnCreate(func(types.Quark) { s.transient.AddEmptyEntry() })

	s.logger.Debug("state system created", "start", b.StartTime(), "backend_persistent", b.IsPersistent())
	return s
}

// Open wraps a backend holding a finished history. The attribute tree is
// loaded from the backend and the state system is read-only.
func Open(b backend.Backend, opts Options) (*StateSystem, error) {
	data, err := b.ReadAttributeTree()
	if err != nil {
		return nil, fmt.Errorf("load attribute tree: %w", err)
	}
	tree, err := attribute.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("load attribute tree: %w", err)
	}

	s := newStateSystem(b, tree, opts)
	s.transient = transient.NewInactive(b.StartTime())
	s.closeDone()

	s.logger.Debug("state system opened", "attributes", tree.Len(), "start", b.StartTime(), "end", b.EndTime())
	return s, nil
}

func newStateSystem(b backend.Backend, tree *attribute.Tree, opts Options) *StateSystem {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("statesystem")
	}
	return &StateSystem{
		backend: b,
		tree:    tree,
		logger:  logger.With("ssid", b.SSID()),
		metrics: opts.Metrics,
		done:    make(chan struct{}),
	}
}

func (s *StateSystem) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// =============================================================================
// Lifecycle
// =============================================================================

// FinishedBuilding closes every ongoing interval at endTime, freezes and
// persists the attribute tree and completes the backend. It succeeds once;
// later calls fail with ErrAlreadyBuilt. An endTime before the latest state
// change fails with a TimeRangeError and leaves the system building.
func (s *StateSystem) FinishedBuilding(endTime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed.Load() {
		return errors.ErrDisposed
	}
	if !s.transient.Active() {
		return fmt.Errorf("finish building: %w", errors.ErrAlreadyBuilt)
	}

	if err := s.transient.CloseAll(endTime); err != nil {
		if s.transient.Active() {
			return err
		}
		// The tracker is gone; make sure waiters are released.
		s.tree.Freeze()
		s.closeDone()
		return fmt.Errorf("finish building: %w", err)
	}
	defer s.closeDone()

	s.tree.Freeze()
	data, err := s.tree.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode attribute tree: %w", err)
	}
	if err := s.backend.WriteAttributeTree(data); err != nil {
		return fmt.Errorf("write attribute tree: %w", err)
	}
	if err := s.backend.FinishedBuilding(endTime); err != nil {
		return fmt.Errorf("finish backend: %w", err)
	}

	s.logger.Info("state system built",
		"attributes", s.tree.Len(),
		"start", s.backend.StartTime(),
		"end", endTime)
	return nil
}

// Dispose releases the backend. A system still building is cancelled.
// Dispose is idempotent; queries afterwards fail with ErrDisposed.
func (s *StateSystem) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.disposed.CompareAndSwap(false, true) {
		return nil
	}
	if s.transient.Active() {
		s.transient.SetInactive()
		s.cancelled.Store(true)
		s.logger.Warn("state system disposed before it was built")
	}
	s.closeDone()

	if err := s.backend.Dispose(); err != nil {
		return fmt.Errorf("dispose backend: %w", err)
	}
	s.logger.Debug("state system disposed")
	return nil
}

// IsCancelled reports whether the system was disposed while building.
func (s *StateSystem) IsCancelled() bool {
	return s.cancelled.Load()
}

// IsBuilding reports whether state changes are still accepted.
func (s *StateSystem) IsBuilding() bool {
	return s.transient.Active()
}

// Done is closed once the system is built, cancelled or disposed.
func (s *StateSystem) Done() <-chan struct{} {
	return s.done
}

// WaitUntilBuilt blocks until Done is closed or ctx ends. It reports false
// when the build was cancelled.
func (s *StateSystem) WaitUntilBuilt(ctx context.Context) (bool, error) {
	select {
	case <-s.done:
		return !s.cancelled.Load(), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// =============================================================================
// Accessors
// =============================================================================

// SSID returns the state system identifier.
func (s *StateSystem) SSID() string {
	return s.backend.SSID()
}

// Backend returns the storage backend.
func (s *StateSystem) Backend() backend.Backend {
	return s.backend
}

// StartTime returns the first valid timestamp.
func (s *StateSystem) StartTime() int64 {
	return s.backend.StartTime()
}

// CurrentEndTime returns the last queryable timestamp: the latest state
// change while building, the declared end time afterwards.
func (s *StateSystem) CurrentEndTime() int64 {
	end := s.backend.EndTime()
	if s.transient.Active() {
		if latest := s.transient.LatestTime(); latest > end {
			end = latest
		}
	}
	return end
}

// NumAttributes returns the number of attributes.
func (s *StateSystem) NumAttributes() int {
	return s.tree.Len()
}

// DumpOngoing writes the ongoing state table.
func (s *StateSystem) DumpOngoing(w io.Writer) error {
	return s.transient.Dump(w)
}

// =============================================================================
// Attributes
// =============================================================================

// GetQuarkAbsolute resolves a path from the root.
func (s *StateSystem) GetQuarkAbsolute(path ...string) (types.Quark, error) {
	return s.tree.GetQuarkAbsolute(path...)
}

// GetQuarkRelative resolves a path below q.
func (s *StateSystem) GetQuarkRelative(q types.Quark, path ...string) (types.Quark, error) {
	return s.tree.GetQuarkRelative(q, path...)
}

// GetQuarkAbsoluteAndAdd resolves a path from the root, creating missing
// attributes.
func (s *StateSystem) GetQuarkAbsoluteAndAdd(path ...string) (types.Quark, error) {
	return s.tree.GetQuarkAndAdd(types.RootQuark, path...)
}

// GetQuarkRelativeAndAdd resolves a path below q, creating missing attributes.
func (s *StateSystem) GetQuarkRelativeAndAdd(q types.Quark, path ...string) (types.Quark, error) {
	return s.tree.GetQuarkAndAdd(q, path...)
}

// OptQuarkAbsolute is GetQuarkAbsolute returning InvalidQuark when the path
// does not exist.
func (s *StateSystem) OptQuarkAbsolute(path ...string) types.Quark {
	return s.tree.OptQuark(types.RootQuark, path...)
}

// OptQuarkRelative is GetQuarkRelative returning InvalidQuark when the path
// does not exist.
func (s *StateSystem) OptQuarkRelative(q types.Quark, path ...string) types.Quark {
	return s.tree.OptQuark(q, path...)
}

// GetQuarks resolves a pattern from the root. "*" matches any attribute and
// ".." goes to the parent.
func (s *StateSystem) GetQuarks(pattern ...string) []types.Quark {
	return s.tree.Match(types.RootQuark, pattern...)
}

// GetQuarksRelative resolves a pattern below q.
func (s *StateSystem) GetQuarksRelative(q types.Quark, pattern ...string) []types.Quark {
	return s.tree.Match(q, pattern...)
}

// SubAttributes lists the children of q, or all descendants if recursive.
func (s *StateSystem) SubAttributes(q types.Quark, recursive bool) ([]types.Quark, error) {
	return s.tree.SubAttributes(q, recursive)
}

// SubAttributesMatching is SubAttributes keeping names that match expr.
func (s *StateSystem) SubAttributesMatching(q types.Quark, recursive bool, expr string) ([]types.Quark, error) {
	re, err := validation.CompileNameFilter(expr)
	if err != nil {
		return nil, err
	}
	return s.tree.SubAttributesMatching(q, recursive, re)
}

// ParentAttribute returns the parent of q.
func (s *StateSystem) ParentAttribute(q types.Quark) (types.Quark, error) {
	return s.tree.Parent(q)
}

// AttributeName returns the last path segment of q.
func (s *StateSystem) AttributeName(q types.Quark) (string, error) {
	return s.tree.Name(q)
}

// FullPath returns the "/"-joined path of q.
func (s *StateSystem) FullPath(q types.Quark) string {
	return s.tree.FullPathString(q)
}

// FullPathSegments returns the path of q.
func (s *StateSystem) FullPathSegments(q types.Quark) ([]string, error) {
	return s.tree.FullPath(q)
}
