package statesystem

import (
	"fmt"
	"math"
	"strconv"

	"github.com/xtxerr/statehist/config"
	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/types"
)

// =============================================================================
// State changes
// =============================================================================

// ModifyAttribute sets q to v from ts on. Timestamps must not go backwards
// for an attribute.
func (s *StateSystem) ModifyAttribute(ts int64, v types.Value, q types.Quark) error {
	if s.disposed.Load() {
		return errors.ErrDisposed
	}
	if err := s.transient.ModifyAttribute(ts, v, q); err != nil {
		return err
	}
	s.metrics.StateChange()
	return nil
}

// RemoveAttribute sets q and all of its descendants to Null at ts.
func (s *StateSystem) RemoveAttribute(ts int64, q types.Quark) error {
	children, err := s.tree.SubAttributes(q, false)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := s.RemoveAttribute(ts, c); err != nil {
			return err
		}
	}
	return s.ModifyAttribute(ts, types.NullValue(), q)
}

// IncrementAttribute adds by to the ongoing value of q at ts. A Null
// attribute counts from zero and becomes an Int, or a Long if by does not
// fit an Int.
func (s *StateSystem) IncrementAttribute(ts int64, q types.Quark, by int64) error {
	cur, err := s.transient.OngoingValue(q)
	if err != nil {
		return err
	}

	var next types.Value
	switch cur.Kind() {
	case types.KindNull:
		if by >= math.MinInt32 && by <= math.MaxInt32 {
			next = types.IntValue(int32(by))
		} else {
			next = types.LongValue(by)
		}
	case types.KindInt:
		n, _ := cur.Int()
		sum := int64(n) + by
		if sum < math.MinInt32 || sum > math.MaxInt32 {
			return fmt.Errorf("increment quark %d: %d overflows an int: %w", q, sum, errors.ErrInvalidValue)
		}
		next = types.IntValue(int32(sum))
	case types.KindLong:
		n, _ := cur.Long()
		next = types.LongValue(n + by)
	case types.KindDouble:
		f, _ := cur.Double()
		next = types.DoubleValue(f + float64(by))
	default:
		return fmt.Errorf("increment quark %d holding %s: %w", q, cur.Kind(), errors.ErrStateValueType)
	}
	return s.ModifyAttribute(ts, next, q)
}

// =============================================================================
// Stack attributes
// =============================================================================

// A stack attribute holds its depth as an Int, Null when empty. The element
// at depth d is the child attribute named d.

func (s *StateSystem) stackDepth(q types.Quark) (int32, error) {
	cur, err := s.transient.OngoingValue(q)
	if err != nil {
		return 0, err
	}
	switch cur.Kind() {
	case types.KindNull:
		return 0, nil
	case types.KindInt:
		d, _ := cur.Int()
		return d, nil
	default:
		return 0, fmt.Errorf("stack quark %d holds %s: %w", q, cur.Kind(), errors.ErrStateValueType)
	}
}

// PushAttribute pushes v on the stack attribute q at ts.
func (s *StateSystem) PushAttribute(ts int64, v types.Value, q types.Quark) error {
	depth, err := s.stackDepth(q)
	if err != nil {
		return err
	}
	if depth >= config.MaxStackDepth {
		return fmt.Errorf("push on quark %d at depth %d: %w", q, depth, errors.ErrStackOverflow)
	}

	depth++
	sub, err := s.tree.GetQuarkAndAdd(q, strconv.Itoa(int(depth)))
	if err != nil {
		return err
	}
	if err := s.ModifyAttribute(ts, types.IntValue(depth), q); err != nil {
		return err
	}
	return s.ModifyAttribute(ts, v, sub)
}

// PopAttribute pops the top of the stack attribute q at ts and returns it.
// Popping an empty stack is a no-op returning Null; traces often start in
// the middle of a nesting.
func (s *StateSystem) PopAttribute(ts int64, q types.Quark) (types.Value, error) {
	depth, err := s.stackDepth(q)
	if err != nil || depth == 0 {
		return types.NullValue(), err
	}

	sub, err := s.tree.GetQuarkRelative(q, strconv.Itoa(int(depth)))
	if err != nil {
		return types.NullValue(), fmt.Errorf("stack quark %d has no element %d: %w", q, depth, errors.ErrIncoherentStorage)
	}
	popped, err := s.transient.OngoingValue(sub)
	if err != nil {
		return types.NullValue(), err
	}

	next := types.NullValue()
	if depth > 1 {
		next = types.IntValue(depth - 1)
	}
	if err := s.ModifyAttribute(ts, next, q); err != nil {
		return types.NullValue(), err
	}
	if err := s.RemoveAttribute(ts, sub); err != nil {
		return types.NullValue(), err
	}
	return popped, nil
}

// =============================================================================
// Ongoing state
// =============================================================================

func (s *StateSystem) checkBuilding(op string) error {
	if s.disposed.Load() {
		return errors.ErrDisposed
	}
	if !s.transient.Active() {
		return fmt.Errorf("%s: %w", op, errors.ErrAlreadyBuilt)
	}
	return nil
}

// QueryOngoing returns the current value of q while building.
func (s *StateSystem) QueryOngoing(q types.Quark) (types.Value, error) {
	if err := s.checkBuilding("query ongoing state"); err != nil {
		return types.Value{}, err
	}
	return s.transient.OngoingValue(q)
}

// OngoingStartTime returns when the current value of q was set.
func (s *StateSystem) OngoingStartTime(q types.Quark) (int64, error) {
	if err := s.checkBuilding("query ongoing start"); err != nil {
		return 0, err
	}
	return s.transient.OngoingStart(q)
}

// UpdateOngoingState replaces the current value of q without starting a new
// interval.
func (s *StateSystem) UpdateOngoingState(q types.Quark, v types.Value) error {
	if err := s.checkBuilding("update ongoing state"); err != nil {
		return err
	}
	return s.transient.UpdateOngoingValue(q, v)
}
