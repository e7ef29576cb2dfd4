package statesystem

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/statehist/internal/attribute"
	"github.com/xtxerr/statehist/internal/backend"
	"github.com/xtxerr/statehist/internal/backend/historytree"
	"github.com/xtxerr/statehist/internal/backend/memory"
	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/logging"
	"github.com/xtxerr/statehist/internal/metrics"
	"github.com/xtxerr/statehist/internal/types"
)

func historyOptions(t *testing.T, start int64) backend.Options {
	return backend.Options{
		File:        filepath.Join(t.TempDir(), "ss.ht"),
		StartTime:   start,
		BlockSize:   512,
		MaxChildren: 3,
		Logger:      logging.Discard(),
	}
}

// forEachBackend runs fn against a fresh state system on every backend.
func forEachBackend(t *testing.T, start int64, fn func(t *testing.T, ss *StateSystem)) {
	t.Run(memory.Name, func(t *testing.T) {
		b := memory.New(backend.Options{StartTime: start, Logger: logging.Discard()})
		ss := New(b, Options{Logger: logging.Discard()})
		defer ss.Dispose()
		fn(t, ss)
	})
	t.Run(historytree.Name, func(t *testing.T) {
		b, err := historytree.New(historyOptions(t, start))
		require.NoError(t, err)
		ss := New(b, Options{Logger: logging.Discard(), Metrics: metrics.New()})
		defer ss.Dispose()
		fn(t, ss)
	})
}

func TestScenario(t *testing.T) {
	forEachBackend(t, 1, func(t *testing.T, ss *StateSystem) {
		q, err := ss.GetQuarkAbsoluteAndAdd("cpu", "0", "status")
		require.NoError(t, err)

		require.NoError(t, ss.ModifyAttribute(1, types.IntValue(5), q))
		require.NoError(t, ss.ModifyAttribute(20, types.IntValue(0), q))
		require.NoError(t, ss.ModifyAttribute(25, types.NullValue(), q))
		require.NoError(t, ss.FinishedBuilding(30))

		iv, err := ss.QuerySingleState(10, q)
		require.NoError(t, err)
		assert.Equal(t, types.Interval{Quark: q, Start: 1, End: 19, Value: types.IntValue(5)}, iv)

		got, err := ss.HistoryRange(q, 1, 30)
		require.NoError(t, err)
		assert.Equal(t, []types.Interval{
			{Quark: q, Start: 1, End: 19, Value: types.IntValue(5)},
			{Quark: q, Start: 20, End: 24, Value: types.IntValue(0)},
			{Quark: q, Start: 25, End: 30, Value: types.NullValue()},
		}, got)

		full, err := ss.QueryFullState(22)
		require.NoError(t, err)
		require.Len(t, full, ss.NumAttributes())
		assert.Equal(t, types.IntValue(0), full[q].Value)

		report, err := CheckTiling(context.Background(), ss, 2)
		require.NoError(t, err)
		assert.Equal(t, 3, report.Quarks)
		assert.Equal(t, int64(5), report.Intervals, "two parents plus three status intervals")
	})
}

func TestMonotonicity(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, ss *StateSystem) {
		q, err := ss.GetQuarkAbsoluteAndAdd("a")
		require.NoError(t, err)

		require.NoError(t, ss.ModifyAttribute(10, types.IntValue(1), q))
		assert.True(t, errors.IsTimeRange(ss.ModifyAttribute(5, types.IntValue(2), q)))

		// Same start overwrites in place.
		require.NoError(t, ss.ModifyAttribute(10, types.IntValue(3), q))
		require.NoError(t, ss.FinishedBuilding(20))

		got, err := ss.HistoryRange(q, 0, 20)
		require.NoError(t, err)
		assert.Equal(t, []types.Interval{
			{Quark: q, Start: 0, End: 9, Value: types.NullValue()},
			{Quark: q, Start: 10, End: 20, Value: types.IntValue(3)},
		}, got)
	})
}

func TestBoundaries(t *testing.T) {
	forEachBackend(t, 100, func(t *testing.T, ss *StateSystem) {
		q, err := ss.GetQuarkAbsoluteAndAdd("a")
		require.NoError(t, err)
		require.NoError(t, ss.ModifyAttribute(150, types.LongValue(1), q))
		require.NoError(t, ss.FinishedBuilding(200))

		for _, ts := range []int64{100, 200} {
			_, err := ss.QueryFullState(ts)
			assert.NoError(t, err, "t=%d", ts)
			_, err = ss.QuerySingleState(ts, q)
			assert.NoError(t, err, "t=%d", ts)
		}
		for _, ts := range []int64{99, 201} {
			_, err := ss.QueryFullState(ts)
			assert.True(t, errors.IsTimeRange(err), "t=%d", ts)
			_, err = ss.QuerySingleState(ts, q)
			assert.True(t, errors.IsTimeRange(err), "t=%d", ts)
		}

		_, err = ss.QuerySingleState(150, 7)
		assert.True(t, errors.IsNotFound(err))
		_, err = ss.HistoryRange(q, 150, 120)
		assert.True(t, errors.IsTimeRange(err))
		_, err = ss.HistoryRange(q, 150, 250)
		assert.True(t, errors.IsTimeRange(err))
	})
}

func TestFinishedBuilding_Once(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, ss *StateSystem) {
		q, err := ss.GetQuarkAbsoluteAndAdd("a")
		require.NoError(t, err)
		require.NoError(t, ss.ModifyAttribute(5, types.IntValue(1), q))

		assert.True(t, errors.IsTimeRange(ss.FinishedBuilding(4)), "end before the latest change")
		assert.True(t, ss.IsBuilding())

		require.NoError(t, ss.FinishedBuilding(10))
		assert.True(t, errors.Is(ss.FinishedBuilding(10), errors.ErrAlreadyBuilt))
		assert.True(t, errors.Is(ss.FinishedBuilding(12), errors.ErrAlreadyBuilt))
		assert.False(t, ss.IsBuilding())
		assert.Equal(t, int64(10), ss.CurrentEndTime())

		got, err := ss.HistoryRange(q, 0, 10)
		require.NoError(t, err)
		assert.Len(t, got, 2)

		assert.True(t, errors.Is(ss.ModifyAttribute(11, types.IntValue(2), q), errors.ErrAlreadyBuilt))
		_, err = ss.GetQuarkAbsoluteAndAdd("b")
		assert.True(t, errors.Is(err, errors.ErrAttributeTreeFrozen))
		_, err = ss.QueryOngoing(q)
		assert.True(t, errors.Is(err, errors.ErrAlreadyBuilt))
	})
}

func TestLiveQueries(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, ss *StateSystem) {
		a, err := ss.GetQuarkAbsoluteAndAdd("a")
		require.NoError(t, err)
		require.NoError(t, ss.ModifyAttribute(10, types.IntValue(1), a))
		require.NoError(t, ss.ModifyAttribute(20, types.IntValue(2), a))

		assert.Equal(t, int64(20), ss.CurrentEndTime())

		iv, err := ss.QuerySingleState(20, a)
		require.NoError(t, err)
		assert.Equal(t, types.Interval{Quark: a, Start: 20, End: 20, Value: types.IntValue(2)}, iv)

		iv, err = ss.QuerySingleState(15, a)
		require.NoError(t, err)
		assert.Equal(t, types.Interval{Quark: a, Start: 10, End: 19, Value: types.IntValue(1)}, iv)

		// An attribute created late is Null since the start.
		b, err := ss.GetQuarkAbsoluteAndAdd("b")
		require.NoError(t, err)
		full, err := ss.QueryFullState(5)
		require.NoError(t, err)
		require.Len(t, full, 2)
		assert.Equal(t, types.Interval{Quark: b, Start: 0, End: 20, Value: types.NullValue()}, full[b])

		_, err = ss.QueryFullState(21)
		assert.True(t, errors.IsTimeRange(err))

		got, err := ss.HistoryRange(a, 0, 20)
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})
}

func TestTypePinning(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, ss *StateSystem) {
		q, err := ss.GetQuarkAbsoluteAndAdd("a")
		require.NoError(t, err)
		require.NoError(t, ss.ModifyAttribute(1, types.IntValue(1), q))
		require.NoError(t, ss.ModifyAttribute(2, types.NullValue(), q))

		err = ss.ModifyAttribute(3, types.StringValue("x"), q)
		assert.True(t, errors.Is(err, errors.ErrStateValueType))
		assert.NoError(t, ss.ModifyAttribute(3, types.IntValue(4), q))
	})
}

func TestStackAttributes(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, ss *StateSystem) {
		stack, err := ss.GetQuarkAbsoluteAndAdd("thread", "1", "callstack")
		require.NoError(t, err)

		v, err := ss.PopAttribute(1, stack)
		require.NoError(t, err)
		assert.True(t, v.IsNull(), "popping an empty stack")

		require.NoError(t, ss.PushAttribute(10, types.StringValue("main"), stack))
		require.NoError(t, ss.PushAttribute(20, types.StringValue("read"), stack))

		depth, err := ss.QueryOngoing(stack)
		require.NoError(t, err)
		assert.Equal(t, types.IntValue(2), depth)

		top, err := ss.GetQuarkRelative(stack, "2")
		require.NoError(t, err)
		assert.Equal(t, "thread/1/callstack/2", ss.FullPath(top))

		v, err = ss.PopAttribute(30, stack)
		require.NoError(t, err)
		assert.Equal(t, types.StringValue("read"), v)
		v, err = ss.PopAttribute(40, stack)
		require.NoError(t, err)
		assert.Equal(t, types.StringValue("main"), v)

		require.NoError(t, ss.FinishedBuilding(50))

		iv, err := ss.QuerySingleState(25, stack)
		require.NoError(t, err)
		assert.Equal(t, types.IntValue(2), iv.Value)
		iv, err = ss.QuerySingleState(35, stack)
		require.NoError(t, err)
		assert.Equal(t, types.IntValue(1), iv.Value)
		iv, err = ss.QuerySingleState(45, stack)
		require.NoError(t, err)
		assert.True(t, iv.Value.IsNull())

		iv, err = ss.QuerySingleState(25, top)
		require.NoError(t, err)
		assert.Equal(t, types.Interval{Quark: top, Start: 20, End: 29, Value: types.StringValue("read")}, iv)
	})
}

func TestPushOnNonStack(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, ss *StateSystem) {
		q, err := ss.GetQuarkAbsoluteAndAdd("a")
		require.NoError(t, err)
		require.NoError(t, ss.ModifyAttribute(1, types.StringValue("x"), q))

		assert.True(t, errors.Is(ss.PushAttribute(2, types.IntValue(1), q), errors.ErrStateValueType))
		_, err = ss.PopAttribute(2, q)
		assert.True(t, errors.Is(err, errors.ErrStateValueType))
	})
}

func TestRemoveAttribute(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, ss *StateSystem) {
		parent, err := ss.GetQuarkAbsoluteAndAdd("proc", "7")
		require.NoError(t, err)
		name, err := ss.GetQuarkRelativeAndAdd(parent, "name")
		require.NoError(t, err)
		state, err := ss.GetQuarkRelativeAndAdd(parent, "state", "cpu")
		require.NoError(t, err)

		require.NoError(t, ss.ModifyAttribute(1, types.IntValue(1), parent))
		require.NoError(t, ss.ModifyAttribute(1, types.StringValue("bash"), name))
		require.NoError(t, ss.ModifyAttribute(2, types.IntValue(3), state))
		require.NoError(t, ss.RemoveAttribute(10, parent))

		full, err := ss.QueryFullState(10)
		require.NoError(t, err)
		for _, iv := range full {
			assert.True(t, iv.Value.IsNull(), "%s after removal", ss.FullPath(iv.Quark))
		}
		v, err := ss.QueryOngoing(name)
		require.NoError(t, err)
		assert.True(t, v.IsNull())
	})
}

func TestIncrementAttribute(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, ss *StateSystem) {
		c, err := ss.GetQuarkAbsoluteAndAdd("count")
		require.NoError(t, err)

		require.NoError(t, ss.IncrementAttribute(1, c, 1))
		require.NoError(t, ss.IncrementAttribute(2, c, 1))
		require.NoError(t, ss.IncrementAttribute(3, c, 5))
		v, err := ss.QueryOngoing(c)
		require.NoError(t, err)
		assert.Equal(t, types.IntValue(7), v)

		l, err := ss.GetQuarkAbsoluteAndAdd("bytes")
		require.NoError(t, err)
		require.NoError(t, ss.IncrementAttribute(1, l, 1<<40))
		require.NoError(t, ss.IncrementAttribute(2, l, 1))
		v, err = ss.QueryOngoing(l)
		require.NoError(t, err)
		assert.Equal(t, types.LongValue(1<<40+1), v)

		s, err := ss.GetQuarkAbsoluteAndAdd("name")
		require.NoError(t, err)
		require.NoError(t, ss.ModifyAttribute(1, types.StringValue("x"), s))
		assert.True(t, errors.Is(ss.IncrementAttribute(2, s, 1), errors.ErrStateValueType))
	})
}

func TestOngoingState(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, ss *StateSystem) {
		q, err := ss.GetQuarkAbsoluteAndAdd("a")
		require.NoError(t, err)
		require.NoError(t, ss.ModifyAttribute(5, types.DoubleValue(1.5), q))

		start, err := ss.OngoingStartTime(q)
		require.NoError(t, err)
		assert.Equal(t, int64(5), start)

		require.NoError(t, ss.UpdateOngoingState(q, types.DoubleValue(2.5)))
		require.NoError(t, ss.FinishedBuilding(9))

		got, err := ss.HistoryRange(q, 0, 9)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, types.Interval{Quark: q, Start: 5, End: 9, Value: types.DoubleValue(2.5)}, got[1])
	})
}

func TestQueryHistoryRange_Lazy(t *testing.T) {
	b := memory.New(backend.Options{Logger: logging.Discard()})
	ss := New(b, Options{Logger: logging.Discard()})
	defer ss.Dispose()

	q, err := ss.GetQuarkAbsoluteAndAdd("a")
	require.NoError(t, err)
	for ts := int64(1); ts <= 100; ts++ {
		require.NoError(t, ss.ModifyAttribute(ts, types.LongValue(ts), q))
	}
	require.NoError(t, ss.FinishedBuilding(100))

	seq := ss.QueryHistoryRange(q, 10, 90)
	var first []int64
	for iv, err := range seq {
		require.NoError(t, err)
		first = append(first, iv.Start)
		if len(first) == 3 {
			break
		}
	}
	assert.Equal(t, []int64{10, 11, 12}, first)

	n := 0
	for iv, err := range seq {
		require.NoError(t, err)
		assert.True(t, iv.Contains(10+int64(n)))
		n++
	}
	assert.Equal(t, 81, n, "restarting yields the full range")
}

func TestAttributeQueries(t *testing.T) {
	b := memory.New(backend.Options{Logger: logging.Discard()})
	ss := New(b, Options{Logger: logging.Discard()})
	defer ss.Dispose()

	for _, path := range [][]string{
		{"cpu", "0", "status"}, {"cpu", "1", "status"}, {"cpu", "1", "freq"}, {"proc", "1", "status"},
	} {
		_, err := ss.GetQuarkAbsoluteAndAdd(path...)
		require.NoError(t, err)
	}

	a, err := ss.GetQuarkAbsoluteAndAdd("cpu", "1", "status")
	require.NoError(t, err)
	again, err := ss.GetQuarkAbsolute("cpu", "1", "status")
	require.NoError(t, err)
	assert.Equal(t, a, again, "quarks are stable")

	assert.Len(t, ss.GetQuarks("cpu", "*", "status"), 2)
	assert.Len(t, ss.GetQuarks("*", "*", "status"), 3)
	assert.Empty(t, ss.GetQuarks("net", "*"))

	cpu, err := ss.GetQuarkAbsolute("cpu")
	require.NoError(t, err)
	subs, err := ss.SubAttributes(cpu, true)
	require.NoError(t, err)
	assert.Len(t, subs, 5)
	matching, err := ss.SubAttributesMatching(cpu, true, "^stat")
	require.NoError(t, err)
	assert.Len(t, matching, 2)

	parent, err := ss.ParentAttribute(a)
	require.NoError(t, err)
	name, err := ss.AttributeName(parent)
	require.NoError(t, err)
	assert.Equal(t, "1", name)

	segs, err := ss.FullPathSegments(a)
	require.NoError(t, err)
	assert.Equal(t, []string{"cpu", "1", "status"}, segs)

	_, err = ss.GetQuarkAbsolute("cpu", "9")
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, types.InvalidQuark, ss.OptQuarkAbsolute("cpu", "9"))
	assert.Equal(t, a, ss.OptQuarkRelative(cpu, "1", "status"))
}

func TestDispose(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, ss *StateSystem) {
		q, err := ss.GetQuarkAbsoluteAndAdd("a")
		require.NoError(t, err)
		require.NoError(t, ss.ModifyAttribute(5, types.IntValue(1), q))

		require.NoError(t, ss.Dispose())
		require.NoError(t, ss.Dispose())
		assert.True(t, ss.IsCancelled())

		_, err = ss.QueryFullState(1)
		assert.True(t, errors.IsDisposed(err))
		_, err = ss.QuerySingleState(1, q)
		assert.True(t, errors.IsDisposed(err))
		_, err = ss.HistoryRange(q, 0, 1)
		assert.True(t, errors.IsDisposed(err))
		assert.True(t, errors.IsDisposed(ss.ModifyAttribute(6, types.IntValue(2), q)))
		assert.True(t, errors.IsDisposed(ss.FinishedBuilding(10)))

		built, err := ss.WaitUntilBuilt(context.Background())
		require.NoError(t, err)
		assert.False(t, built)
	})
}

func TestWaitUntilBuilt(t *testing.T) {
	b := memory.New(backend.Options{Logger: logging.Discard()})
	ss := New(b, Options{Logger: logging.Discard()})
	defer ss.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := ss.WaitUntilBuilt(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = ss.FinishedBuilding(0)
	}()

	built, err := ss.WaitUntilBuilt(context.Background())
	require.NoError(t, err)
	assert.True(t, built)

	select {
	case <-ss.Done():
	default:
		t.Fatal("Done not closed")
	}
}

// buildRandom drives ss with a deterministic mix of state changes and
// returns the end time.
func buildRandom(t *testing.T, ss *StateSystem, steps int) int64 {
	t.Helper()
	rng := rand.New(rand.NewSource(42))

	var quarks []types.Quark
	for i := 0; i < 8; i++ {
		q, err := ss.GetQuarkAbsoluteAndAdd("cpu", fmt.Sprint(i), "status")
		require.NoError(t, err)
		quarks = append(quarks, q)
	}
	stack, err := ss.GetQuarkAbsoluteAndAdd("thread", "1", "callstack")
	require.NoError(t, err)
	counter, err := ss.GetQuarkAbsoluteAndAdd("stats", "events")
	require.NoError(t, err)

	ts := ss.StartTime()
	depth := 0
	for i := 0; i < steps; i++ {
		ts += int64(rng.Intn(4))
		switch r := rng.Intn(10); {
		case r < 6:
			i := rng.Intn(len(quarks))
			var v types.Value
			switch i % 4 {
			case 0:
				v = types.IntValue(int32(rng.Intn(5)))
			case 1:
				v = types.LongValue(rng.Int63n(1 << 40))
			case 2:
				v = types.DoubleValue(float64(rng.Intn(100)) / 8)
			default:
				v = types.StringValue(fmt.Sprintf("s%d", rng.Intn(20)))
			}
			if rng.Intn(8) == 0 {
				v = types.NullValue()
			}
			require.NoError(t, ss.ModifyAttribute(ts, v, quarks[i]))
		case r < 8:
			if depth < 5 {
				require.NoError(t, ss.PushAttribute(ts, types.StringValue(fmt.Sprintf("f%d", i)), stack))
				depth++
			} else {
				_, err := ss.PopAttribute(ts, stack)
				require.NoError(t, err)
				depth--
			}
		case r < 9:
			if depth > 0 {
				_, err := ss.PopAttribute(ts, stack)
				require.NoError(t, err)
				depth--
			}
		default:
			require.NoError(t, ss.IncrementAttribute(ts, counter, 1))
		}
	}
	end := ts + 3
	require.NoError(t, ss.FinishedBuilding(end))
	return end
}

func TestUnstorableValueRejected(t *testing.T) {
	opts := historyOptions(t, 0)
	b, err := historytree.New(opts)
	require.NoError(t, err)
	ss := New(b, Options{Logger: logging.Discard()})

	name, err := ss.GetQuarkAbsoluteAndAdd("thread", "1", "name")
	require.NoError(t, err)
	other, err := ss.GetQuarkAbsoluteAndAdd("thread", "2", "name")
	require.NoError(t, err)

	require.NoError(t, ss.ModifyAttribute(1, types.StringValue("init"), name))
	huge := types.StringValue(strings.Repeat("x", 70000))
	assert.True(t, errors.Is(ss.ModifyAttribute(5, huge, name), errors.ErrInvalidValue))
	big := types.StringValue(strings.Repeat("x", 1000))
	assert.True(t, errors.Is(ss.ModifyAttribute(5, big, name), errors.ErrNodeFull), "larger than a 512 byte block")
	assert.True(t, errors.Is(ss.UpdateOngoingState(name, huge), errors.ErrInvalidValue))

	require.NoError(t, ss.ModifyAttribute(10, types.StringValue("ok"), name))
	require.NoError(t, ss.ModifyAttribute(15, types.StringValue("worker"), other))
	require.NoError(t, ss.FinishedBuilding(20))
	require.NoError(t, ss.Dispose())

	rb, err := historytree.Open(backend.Options{File: opts.File, Logger: logging.Discard()})
	require.NoError(t, err)
	reopened, err := Open(rb, Options{Logger: logging.Discard()})
	require.NoError(t, err)
	defer reopened.Dispose()

	got, err := reopened.HistoryRange(name, 0, 20)
	require.NoError(t, err)
	assert.Equal(t, []types.Interval{
		{Quark: name, Start: 0, End: 0, Value: types.NullValue()},
		{Quark: name, Start: 1, End: 9, Value: types.StringValue("init")},
		{Quark: name, Start: 10, End: 20, Value: types.StringValue("ok")},
	}, got)
	iv, err := reopened.QuerySingleState(20, other)
	require.NoError(t, err)
	assert.Equal(t, types.StringValue("worker"), iv.Value)
}

func TestRoundTrip_LiveVsReopened(t *testing.T) {
	opts := historyOptions(t, 1)
	b, err := historytree.New(opts)
	require.NoError(t, err)
	ss := New(b, Options{Logger: logging.Discard()})

	end := buildRandom(t, ss, 3000)

	live := make([][]types.Interval, 0, end)
	for ts := ss.StartTime(); ts <= end; ts++ {
		full, err := ss.QueryFullState(ts)
		require.NoError(t, err, "t=%d", ts)
		live = append(live, full)
	}
	_, err = CheckTiling(context.Background(), ss, 4)
	require.NoError(t, err)
	require.NoError(t, ss.Dispose())

	rb, err := historytree.Open(backend.Options{File: opts.File, Logger: logging.Discard()})
	require.NoError(t, err)
	reopened, err := Open(rb, Options{Logger: logging.Discard()})
	require.NoError(t, err)
	defer reopened.Dispose()

	assert.False(t, reopened.IsBuilding())
	assert.Equal(t, ss.NumAttributes(), reopened.NumAttributes())
	assert.Equal(t, ss.SSID(), reopened.SSID())
	assert.Equal(t, end, reopened.CurrentEndTime())

	for i, ts := 0, reopened.StartTime(); ts <= end; i, ts = i+1, ts+1 {
		full, err := reopened.QueryFullState(ts)
		require.NoError(t, err, "t=%d", ts)
		require.Equal(t, live[i], full, "t=%d", ts)

		q := types.Quark(i % reopened.NumAttributes())
		iv, err := reopened.QuerySingleState(ts, q)
		require.NoError(t, err)
		require.Equal(t, live[i][q], iv)
	}

	q, err := reopened.GetQuarkAbsolute("thread", "1", "callstack")
	require.NoError(t, err)
	assert.Equal(t, "thread/1/callstack", reopened.FullPath(q))

	_, err = reopened.GetQuarkAbsoluteAndAdd("new")
	assert.True(t, errors.Is(err, errors.ErrAttributeTreeFrozen))

	report, err := CheckTiling(context.Background(), reopened, 3)
	require.NoError(t, err)
	assert.Equal(t, reopened.NumAttributes(), report.Quarks)
}

func TestCheckTiling_ValidHistory(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, ss *StateSystem) {
		for i := 0; i < 20; i++ {
			q, err := ss.GetQuarkAbsoluteAndAdd("cpu", strconv.Itoa(i))
			require.NoError(t, err)
			require.NoError(t, ss.ModifyAttribute(int64(i), types.IntValue(int32(i)), q))
		}

		live, err := CheckTiling(context.Background(), ss, 4)
		require.NoError(t, err, "while building")
		assert.Equal(t, 21, live.Quarks)
		assert.Equal(t, int64(19), live.End)

		require.NoError(t, ss.FinishedBuilding(50))

		report, err := CheckTiling(context.Background(), ss, 4)
		require.NoError(t, err)
		assert.Equal(t, TilingReport{Quarks: 21, Intervals: 40, Start: 0, End: 50}, report,
			"cpu and cpu/0 hold one interval, cpu/1..cpu/19 two each")
	})
}

func TestCheckTiling_DetectsGap(t *testing.T) {
	tree := attribute.NewTree()
	_, err := tree.GetOrCreateQuark(-1, "a")
	require.NoError(t, err)
	data, err := tree.MarshalBinary()
	require.NoError(t, err)

	b := memory.New(backend.Options{Logger: logging.Discard()})
	require.NoError(t, b.InsertPastState(0, 4, 0, types.IntValue(1)))
	require.NoError(t, b.InsertPastState(7, 10, 0, types.IntValue(2)))
	require.NoError(t, b.WriteAttributeTree(data))
	require.NoError(t, b.FinishedBuilding(10))

	ss, err := Open(b, Options{Logger: logging.Discard()})
	require.NoError(t, err)
	defer ss.Dispose()

	_, err = CheckTiling(context.Background(), ss, 1)
	assert.True(t, errors.Is(err, errors.ErrIncoherentStorage), "got %v", err)

	_, err = ss.QueryFullState(5)
	assert.True(t, errors.Is(err, errors.ErrIncoherentStorage))
}

func TestCheckTiling_Cancelled(t *testing.T) {
	b := memory.New(backend.Options{Logger: logging.Discard()})
	ss := New(b, Options{Logger: logging.Discard()})
	defer ss.Dispose()
	_, err := ss.GetQuarkAbsoluteAndAdd("a")
	require.NoError(t, err)
	require.NoError(t, ss.FinishedBuilding(10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = CheckTiling(ctx, ss, 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpen_NoAttributeTree(t *testing.T) {
	b := memory.New(backend.Options{Logger: logging.Discard()})
	_, err := Open(b, Options{})
	assert.True(t, errors.Is(err, errors.ErrNotBuilt))
}
