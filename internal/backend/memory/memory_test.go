package memory

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/statehist/internal/backend"
	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/logging"
	"github.com/xtxerr/statehist/internal/metrics"
	"github.com/xtxerr/statehist/internal/types"
)

func newBackend(start int64) *Backend {
	return New(backend.Options{SSID: "test", StartTime: start, Logger: logging.Discard()})
}

func TestScenario(t *testing.T) {
	b := newBackend(1)
	require.NoError(t, b.InsertPastState(1, 19, 0, types.IntValue(5)))
	require.NoError(t, b.InsertPastState(20, 24, 0, types.IntValue(0)))
	require.NoError(t, b.InsertPastState(25, 30, 0, types.NullValue()))
	require.NoError(t, b.FinishedBuilding(30))

	iv, err := b.DoSingularQuery(10, 0)
	require.NoError(t, err)
	assert.Equal(t, types.Interval{Quark: 0, Start: 1, End: 19, Value: types.IntValue(5)}, iv)

	for _, tc := range []struct {
		t          int64
		start, end int64
	}{{1, 1, 19}, {19, 1, 19}, {20, 20, 24}, {24, 20, 24}, {25, 25, 30}, {30, 25, 30}} {
		iv, err := b.DoSingularQuery(tc.t, 0)
		require.NoError(t, err)
		assert.Equal(t, tc.start, iv.Start, "t=%d", tc.t)
		assert.Equal(t, tc.end, iv.End, "t=%d", tc.t)
	}
}

func TestBoundaries(t *testing.T) {
	b := newBackend(10)
	require.NoError(t, b.InsertPastState(10, 50, 0, types.IntValue(1)))
	require.NoError(t, b.FinishedBuilding(50))

	_, err := b.DoQuery(10)
	assert.NoError(t, err)
	_, err = b.DoQuery(50)
	assert.NoError(t, err)

	_, err = b.DoQuery(9)
	assert.True(t, errors.IsTimeRange(err))
	_, err = b.DoQuery(51)
	assert.True(t, errors.IsTimeRange(err))
	_, err = b.DoSingularQuery(51, 0)
	assert.True(t, errors.IsTimeRange(err))
	assert.False(t, b.CheckValidTime(51))
}

func TestInsertRejections(t *testing.T) {
	b := newBackend(10)

	assert.True(t, errors.IsTimeRange(b.InsertPastState(5, 12, 0, types.NullValue())), "before start")
	assert.True(t, errors.IsTimeRange(b.InsertPastState(15, 12, 0, types.NullValue())), "start after end")

	require.NoError(t, b.InsertPastState(10, 20, 0, types.NullValue()))
	assert.True(t, errors.IsTimeRange(b.InsertPastState(20, 25, 0, types.NullValue())), "overlap")
	assert.True(t, errors.IsNotFound(b.InsertPastState(21, 25, -1, types.NullValue())))
}

func TestDoQueryAndFill(t *testing.T) {
	b := newBackend(0)
	require.NoError(t, b.InsertPastState(0, 9, 0, types.IntValue(1)))
	require.NoError(t, b.InsertPastState(0, 4, 2, types.StringValue("a")))
	require.NoError(t, b.InsertPastState(5, 9, 2, types.StringValue("b")))

	got, err := b.DoQuery(6)
	require.NoError(t, err)
	assert.Equal(t, []types.Interval{
		{Quark: 0, Start: 0, End: 9, Value: types.IntValue(1)},
		{Quark: 2, Start: 5, End: 9, Value: types.StringValue("b")},
	}, got)

	dst := make([]*types.Interval, 2)
	require.NoError(t, b.FillQuery(dst, 3))
	require.NotNil(t, dst[0])
	assert.Nil(t, dst[1])

	_, err = b.DoSingularQuery(3, 1)
	assert.ErrorIs(t, err, errors.ErrIncoherentStorage)
	_, err = b.DoSingularQuery(3, 7)
	assert.True(t, errors.IsNotFound(err))

	// Quark 1 never got an interval, which is a gap once finished.
	require.NoError(t, b.FinishedBuilding(9))
	_, err = b.DoQuery(6)
	assert.ErrorIs(t, err, errors.ErrIncoherentStorage)
}

func TestCheckValue(t *testing.T) {
	b := newBackend(0)
	assert.NoError(t, b.CheckValue(types.StringValue(strings.Repeat("x", 1<<20))))
}

func TestAttributeTreeAndDispose(t *testing.T) {
	b := newBackend(0)

	_, err := b.ReadAttributeTree()
	assert.ErrorIs(t, err, errors.ErrNotBuilt)

	data := []byte{1, 2, 3}
	require.NoError(t, b.WriteAttributeTree(data))
	data[0] = 9
	got, err := b.ReadAttributeTree()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	require.NoError(t, b.FinishedBuilding(5))
	assert.ErrorIs(t, b.FinishedBuilding(6), errors.ErrAlreadyBuilt)
	assert.Equal(t, int64(5), b.EndTime())
	assert.False(t, b.IsPersistent())

	require.NoError(t, b.Dispose())
	require.NoError(t, b.Dispose())
	_, err = b.DoQuery(0)
	assert.True(t, errors.IsDisposed(err))
	assert.True(t, errors.IsDisposed(b.InsertPastState(0, 1, 0, types.NullValue())))
}

func TestConcurrentInsertAndQuery(t *testing.T) {
	m := metrics.New()
	b := New(backend.Options{StartTime: 0, Metrics: m, Logger: logging.Discard()})
	assert.NotEmpty(t, b.SSID())

	const n = 5000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(0); i < n; i++ {
			if err := b.InsertPastState(i*10, i*10+9, 0, types.LongValue(i)); err != nil {
				t.Errorf("insert %d: %v", i, err)
				return
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				end := b.EndTime()
				if end == 0 {
					continue
				}
				iv, err := b.DoSingularQuery(end, 0)
				if err != nil {
					t.Errorf("query %d: %v", end, err)
					return
				}
				if !iv.Contains(end) {
					t.Errorf("interval %v does not contain %d", iv, end)
					return
				}
			}
		}()
	}
	wg.Wait()

	registry := backend.NewRegistry()
	Register(registry)
	assert.Equal(t, []string{Name}, registry.Names())
}
