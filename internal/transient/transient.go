// Package transient tracks the ongoing state of every attribute while a
// history is being built.
//
// For each quark it holds the value and start time of the interval that is
// still open. A state change closes that interval, hands it to the backend
// and opens a new one; CloseAll flushes everything at the end of the build.
package transient

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/logging"
	"github.com/xtxerr/statehist/internal/types"
)

// Sink receives the intervals closed by the tracker.
type Sink interface {
	InsertPastState(start, end int64, q types.Quark, v types.Value) error
	CheckValue(v types.Value) error
}

// State is the ongoing-state table. The producer is its only writer;
// readers may query it concurrently.
type State struct {
	sink      Sink
	startTime int64
	logger    *slog.Logger

	mu     sync.RWMutex
	values []types.Value
	starts []int64
	// kinds pins the value kind of each attribute; KindNull means not yet set.
	kinds []types.Kind

	active atomic.Bool
	latest atomic.Int64
}

// New creates an active tracker whose attributes start at startTime.
func New(sink Sink, startTime int64, logger *slog.Logger) *State {
	if logger == nil {
		logger = logging.Component("transient")
	}
	s := &State{
		sink:      sink,
		startTime: startTime,
		logger:    logger,
	}
	s.active.Store(true)
	s.latest.Store(startTime)
	return s
}

// NewInactive creates a tracker for a history that is already complete.
func NewInactive(startTime int64) *State {
	s := &State{startTime: startTime, logger: logging.Component("transient")}
	s.latest.Store(startTime)
	return s
}

// Active reports whether the tracker still accepts state changes.
func (s *State) Active() bool {
	return s.active.Load()
}

// SetInactive stops the tracker without flushing anything.
func (s *State) SetInactive() {
	s.mu.Lock()
	s.clearLocked()
	s.mu.Unlock()
}

// LatestTime returns the latest timestamp seen so far.
func (s *State) LatestTime() int64 {
	return s.latest.Load()
}

// Len returns the number of tracked attributes.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// AddEmptyEntry starts tracking one more attribute. A new attribute is Null
// since the start of the history.
func (s *State) AddEmptyEntry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active.Load() {
		return
	}
	s.values = append(s.values, types.NullValue())
	s.starts = append(s.starts, s.startTime)
	s.kinds = append(s.kinds, types.KindNull)
}

func (s *State) checkQuarkLocked(q types.Quark) error {
	if q < 0 || int(q) >= len(s.values) {
		return errors.NewQuarkNotFound(int32(q))
	}
	return nil
}

func (s *State) checkKindLocked(q types.Quark, v types.Value) error {
	want := s.kinds[q]
	if want == types.KindNull || v.IsNull() || v.Kind() == want {
		return nil
	}
	return fmt.Errorf("quark %d: got %s, attribute holds %s: %w", q, v.Kind(), want, errors.ErrStateValueType)
}

// ModifyAttribute records that q takes value v at time ts.
//
// A change at the start time of the ongoing interval overwrites it in place.
// A later change closes the ongoing interval at ts-1 and opens a new one. A
// change before the ongoing start fails with a TimeRangeError, and a value
// the sink cannot store is rejected. A failed call leaves the tracker
// unchanged.
func (s *State) ModifyAttribute(ts int64, v types.Value, q types.Quark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active.Load() {
		return fmt.Errorf("modify quark %d: %w", q, errors.ErrAlreadyBuilt)
	}
	if err := s.checkQuarkLocked(q); err != nil {
		return err
	}
	if err := s.checkKindLocked(q, v); err != nil {
		return err
	}
	if err := s.sink.CheckValue(v); err != nil {
		return fmt.Errorf("quark %d: %w", q, err)
	}

	start := s.starts[q]
	if ts < start {
		return errors.NewTimeRange(ts, start, s.latest.Load(),
			fmt.Sprintf("quark %d: state change before the ongoing interval start", q))
	}

	if ts > start {
		if err := s.sink.InsertPastState(start, ts-1, q, s.values[q]); err != nil {
			return err
		}
		s.starts[q] = ts
	}
	s.values[q] = v
	if s.kinds[q] == types.KindNull {
		s.kinds[q] = v.Kind()
	}

	if ts > s.latest.Load() {
		s.latest.Store(ts)
	}
	return nil
}

// CloseAll closes every ongoing interval at endTime and deactivates the
// tracker. It may be called once; endTime must not precede the latest
// timestamp seen.
//
// If the sink fails midway, the tracker is deactivated anyway: the intervals
// already handed over cannot be taken back.
func (s *State) CloseAll(endTime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active.Load() {
		return fmt.Errorf("close ongoing state: %w", errors.ErrAlreadyBuilt)
	}
	if latest := s.latest.Load(); endTime < latest {
		return errors.NewTimeRange(endTime, s.startTime, latest, "end time before the latest state change")
	}

	defer s.clearLocked()
	for i := range s.values {
		if err := s.sink.InsertPastState(s.starts[i], endTime, types.Quark(i), s.values[i]); err != nil {
			s.logger.Error("flushing ongoing state failed", "quark", i, "error", err)
			return err
		}
	}
	s.latest.Store(endTime)
	return nil
}

func (s *State) clearLocked() {
	s.values = nil
	s.starts = nil
	s.kinds = nil
	s.active.Store(false)
}

// =============================================================================
// Reads
// =============================================================================

// OngoingValue returns the value of the open interval of q.
func (s *State) OngoingValue(q types.Quark) (types.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkQuarkLocked(q); err != nil {
		return types.Value{}, err
	}
	return s.values[q], nil
}

// OngoingStart returns the start time of the open interval of q.
func (s *State) OngoingStart(q types.Quark) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkQuarkLocked(q); err != nil {
		return 0, err
	}
	return s.starts[q], nil
}

// UpdateOngoingValue replaces the value of the open interval of q without
// closing it. The start time is left alone.
func (s *State) UpdateOngoingValue(q types.Quark, v types.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active.Load() {
		return fmt.Errorf("update quark %d: %w", q, errors.ErrAlreadyBuilt)
	}
	if err := s.checkQuarkLocked(q); err != nil {
		return err
	}
	if err := s.checkKindLocked(q, v); err != nil {
		return err
	}
	if err := s.sink.CheckValue(v); err != nil {
		return fmt.Errorf("quark %d: %w", q, err)
	}
	s.values[q] = v
	if s.kinds[q] == types.KindNull {
		s.kinds[q] = v.Kind()
	}
	return nil
}

// OngoingInterval returns the open interval of q, ending at the latest time.
func (s *State) OngoingInterval(q types.Quark) (types.Interval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkQuarkLocked(q); err != nil {
		return types.Interval{}, err
	}
	return s.intervalLocked(q), nil
}

func (s *State) intervalLocked(q types.Quark) types.Interval {
	return types.Interval{Quark: q, Start: s.starts[q], End: s.latest.Load(), Value: s.values[q]}
}

// IntervalAt returns the open interval of q if it covers t.
func (s *State) IntervalAt(t int64, q types.Quark) (types.Interval, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.active.Load() || q < 0 || int(q) >= len(s.values) || t < s.starts[q] {
		return types.Interval{}, false
	}
	return s.intervalLocked(q), true
}

// FillQuery sets dst[q] for every attribute whose open interval covers t.
// Entries of other attributes are left untouched.
func (s *State) FillQuery(dst []*types.Interval, t int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.active.Load() {
		return
	}
	for i := range s.values {
		if i >= len(dst) {
			return
		}
		if t >= s.starts[i] {
			iv := s.intervalLocked(types.Quark(i))
			dst[i] = &iv
		}
	}
}

// Dump writes the ongoing state table in a human-readable form.
func (s *State) Dump(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.active.Load() {
		_, err := fmt.Fprintln(w, "ongoing state: inactive")
		return err
	}
	if _, err := fmt.Fprintf(w, "ongoing state: %d attributes, latest time %d\n", len(s.values), s.latest.Load()); err != nil {
		return err
	}
	for i, v := range s.values {
		if _, err := fmt.Fprintf(w, "%d\t%s\tsince %d\n", i, v.Tagged(), s.starts[i]); err != nil {
			return err
		}
	}
	return nil
}
