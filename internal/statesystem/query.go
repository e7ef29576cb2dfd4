package statesystem

import (
	"fmt"
	"iter"
	"time"

	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/metrics"
	"github.com/xtxerr/statehist/internal/types"
)

func (s *StateSystem) checkQueryTime(t int64) error {
	if s.disposed.Load() {
		return errors.ErrDisposed
	}
	start, end := s.StartTime(), s.CurrentEndTime()
	if t < start || t > end {
		return errors.NewTimeRange(t, start, end, "")
	}
	return nil
}

// QueryFullState returns the interval covering t of every attribute,
// indexed by quark.
func (s *StateSystem) QueryFullState(t int64) (out []types.Interval, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveQuery(metrics.QueryFull, start, err) }()

	if err = s.checkQueryTime(t); err != nil {
		return nil, err
	}

	dst := make([]*types.Interval, s.tree.Len())
	// Ongoing state first: an interval closed between the two reads is then
	// found in the backend.
	s.transient.FillQuery(dst, t)
	if s.backend.CheckValidTime(t) {
		if err = s.backend.FillQuery(dst, t); err != nil {
			return nil, err
		}
	}

	out = make([]types.Interval, len(dst))
	for q, iv := range dst {
		if iv == nil {
			err = fmt.Errorf("quark %d at t=%d: %w", q, t, errors.ErrIncoherentStorage)
			return nil, err
		}
		out[q] = *iv
	}
	return out, nil
}

// QuerySingleState returns the interval of q covering t.
func (s *StateSystem) QuerySingleState(t int64, q types.Quark) (iv types.Interval, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveQuery(metrics.QuerySingle, start, err) }()

	if err = s.checkQueryTime(t); err != nil {
		return types.Interval{}, err
	}
	if q < 0 || int(q) >= s.tree.Len() {
		err = errors.NewQuarkNotFound(int32(q))
		return types.Interval{}, err
	}

	if iv, ok := s.transient.IntervalAt(t, q); ok {
		return iv, nil
	}
	iv, err = s.backend.DoSingularQuery(t, q)
	if errors.IsNotFound(err) {
		err = fmt.Errorf("quark %d at t=%d: %w", q, t, errors.ErrIncoherentStorage)
	}
	return iv, err
}

// QueryHistoryRange yields the intervals of q covering [t0, t1] in time
// order. The sequence is lazy and can be ranged over again; it stops at the
// first error.
func (s *StateSystem) QueryHistoryRange(q types.Quark, t0, t1 int64) iter.Seq2[types.Interval, error] {
	return func(yield func(types.Interval, error) bool) {
		start := time.Now()
		var err error
		defer func() { s.metrics.ObserveQuery(metrics.QueryRange, start, err) }()

		if t0 > t1 {
			err = errors.NewTimeRange(t0, t0, t1, "range start after range end")
			yield(types.Interval{}, err)
			return
		}
		if err = s.checkQueryTime(t0); err == nil {
			err = s.checkQueryTime(t1)
		}
		if err != nil {
			yield(types.Interval{}, err)
			return
		}

		for t := t0; ; {
			var iv types.Interval
			iv, err = s.QuerySingleState(t, q)
			if err != nil {
				yield(types.Interval{}, err)
				return
			}
			if !yield(iv, nil) || iv.End >= t1 {
				return
			}
			t = iv.End + 1
		}
	}
}

// HistoryRange collects QueryHistoryRange.
func (s *StateSystem) HistoryRange(q types.Quark, t0, t1 int64) ([]types.Interval, error) {
	var out []types.Interval
	for iv, err := range s.QueryHistoryRange(q, t0, t1) {
		if err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, nil
}
