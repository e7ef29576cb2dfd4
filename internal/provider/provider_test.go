package provider_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/statehist/internal/backend"
	"github.com/xtxerr/statehist/internal/backend/memory"
	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/logging"
	"github.com/xtxerr/statehist/internal/provider"
	"github.com/xtxerr/statehist/internal/statesystem"
	"github.com/xtxerr/statehist/internal/types"
)

func newSystem(t *testing.T, start int64) *statesystem.StateSystem {
	t.Helper()
	b := memory.New(backend.Options{StartTime: start, Logger: logging.Discard()})
	ss := statesystem.New(b, statesystem.Options{Logger: logging.Discard()})
	t.Cleanup(func() { ss.Dispose() })
	return ss
}

func TestParseScriptLine(t *testing.T) {
	tests := []struct {
		line string
		want *provider.ScriptEvent
	}{
		{"", nil},
		{"   # comment", nil},
		{"10 set cpu/0/status int:5", &provider.ScriptEvent{Line: 1, Time: 10, Op: "set", Path: []string{"cpu", "0", "status"}, Value: types.IntValue(5)}},
		{"10 set a string:hello world", &provider.ScriptEvent{Line: 1, Time: 10, Op: "set", Path: []string{"a"}, Value: types.StringValue("hello world")}},
		{"10 set a", &provider.ScriptEvent{Line: 1, Time: 10, Op: "set", Path: []string{"a"}, Value: types.NullValue()}},
		{"-3\tpush  t/1/stack  main", &provider.ScriptEvent{Line: 1, Time: -3, Op: "push", Path: []string{"t", "1", "stack"}, Value: types.StringValue("main")}},
		{"12 pop t/1/stack", &provider.ScriptEvent{Line: 1, Time: 12, Op: "pop", Path: []string{"t", "1", "stack"}}},
		{"12 remove t", &provider.ScriptEvent{Line: 1, Time: 12, Op: "remove", Path: []string{"t"}}},
		{"12 incr n", &provider.ScriptEvent{Line: 1, Time: 12, Op: "incr", Path: []string{"n"}, Amount: 1}},
		{"12 incr n -4", &provider.ScriptEvent{Line: 1, Time: 12, Op: "incr", Path: []string{"n"}, Amount: -4}},
	}
	for _, tt := range tests {
		got, err := provider.ParseScriptLine(tt.line, 1)
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}

	bad := []string{
		"10",
		"10 set",
		"x set a 1",
		"10 fly a",
		"10 pop a 3",
		"10 incr a lots",
		"10 set a int:nope",
		"10 set a/*/b 1",
	}
	for _, line := range bad {
		_, err := provider.ParseScriptLine(line, 7)
		if assert.Error(t, err, line) {
			assert.True(t, errors.IsValidation(err), "%s: %v", line, err)
			assert.Contains(t, err.Error(), "line 7", line)
		}
	}
}

func TestScriptEvent_String(t *testing.T) {
	for _, line := range []string{
		"5 set a/b double:0.5",
		"5 set a/b null",
		"6 push s string:two words",
		"7 pop s",
		"8 remove a",
		"9 incr c 3",
	} {
		ev, err := provider.ParseScriptLine(line, 1)
		require.NoError(t, err)
		assert.Equal(t, line, ev.String())
	}
}

const script = `
# cpu 0 goes busy, then idle
1  set   cpu/0/status  string:idle
10 set   cpu/0/status  string:busy
10 push  thread/1/stack  main
15 push  thread/1/stack  read
18 incr  stats/events
19 incr  stats/events 2
20 pop   thread/1/stack
25 set   cpu/0/status  string:idle
30 remove thread
`

func TestRunner_Script(t *testing.T) {
	ss := newSystem(t, 0)
	r := provider.NewRunner(provider.NewScriptSource(strings.NewReader(script)), provider.NewScriptHandler(), ss, logging.Discard())

	require.NoError(t, r.Run(context.Background()))
	assert.False(t, ss.IsBuilding())
	assert.Equal(t, int64(30), ss.CurrentEndTime())

	stats := r.Stats()
	assert.False(t, stats.Running)
	assert.Equal(t, int64(9), stats.Events)
	assert.Equal(t, int64(30), stats.LastTimestamp)

	status, err := ss.GetQuarkAbsolute("cpu", "0", "status")
	require.NoError(t, err)
	got, err := ss.HistoryRange(status, 0, 30)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, types.Interval{Quark: status, Start: 10, End: 24, Value: types.StringValue("busy")}, got[2])

	stack, err := ss.GetQuarkAbsolute("thread", "1", "stack")
	require.NoError(t, err)
	iv, err := ss.QuerySingleState(16, stack)
	require.NoError(t, err)
	assert.Equal(t, types.IntValue(2), iv.Value)
	iv, err = ss.QuerySingleState(30, stack)
	require.NoError(t, err)
	assert.True(t, iv.Value.IsNull())

	events, err := ss.GetQuarkAbsolute("stats", "events")
	require.NoError(t, err)
	iv, err = ss.QuerySingleState(30, events)
	require.NoError(t, err)
	assert.Equal(t, types.IntValue(3), iv.Value)
}

func TestRunner_DecreasingTimestamps(t *testing.T) {
	ss := newSystem(t, 0)
	src := provider.NewScriptSource(strings.NewReader("5 set a 1\n9 set a 2\n7 set a 3\n"))
	r := provider.NewRunner(src, provider.NewScriptHandler(), ss, logging.Discard())

	err := r.Run(context.Background())
	assert.True(t, errors.IsTimeRange(err), "got %v", err)
	assert.False(t, ss.IsBuilding(), "finished anyway")
	assert.Equal(t, int64(9), ss.CurrentEndTime())
}

func TestRunner_BeforeStart(t *testing.T) {
	ss := newSystem(t, 100)
	src := provider.NewScriptSource(strings.NewReader("50 set a 1\n"))
	err := provider.NewRunner(src, provider.NewScriptHandler(), ss, logging.Discard()).Run(context.Background())
	assert.True(t, errors.IsTimeRange(err))
	assert.Equal(t, int64(100), ss.CurrentEndTime())
}

func TestRunner_HandlerError(t *testing.T) {
	ss := newSystem(t, 0)
	src := provider.NewScriptSource(strings.NewReader("5 set a int:1\n6 set a string:x\n"))
	r := provider.NewRunner(src, provider.NewScriptHandler(), ss, logging.Discard())

	err := r.Run(context.Background())
	assert.True(t, errors.Is(err, errors.ErrStateValueType), "got %v", err)
	assert.False(t, ss.IsBuilding())
	assert.Equal(t, int64(5), ss.CurrentEndTime())
}

func TestRunner_HandlerErrorMidEvent(t *testing.T) {
	ss := newSystem(t, 0)
	// The push at 10 raises the depth, then fails storing a string where
	// stack/1 already holds ints.
	src := provider.NewScriptSource(strings.NewReader("5 push s int:1\n6 pop s\n10 push s string:main\n"))
	r := provider.NewRunner(src, provider.NewScriptHandler(), ss, logging.Discard())

	err := r.Run(context.Background())
	assert.True(t, errors.Is(err, errors.ErrStateValueType), "got %v", err)
	assert.Equal(t, int64(6), r.Stats().LastTimestamp)

	assert.False(t, ss.IsBuilding())
	assert.Equal(t, int64(10), ss.CurrentEndTime())
	select {
	case <-ss.Done():
	default:
		t.Fatal("state system still building")
	}

	s, err := ss.GetQuarkAbsolute("s")
	require.NoError(t, err)
	iv, err := ss.QuerySingleState(10, s)
	require.NoError(t, err)
	assert.Equal(t, types.Interval{Quark: s, Start: 10, End: 10, Value: types.IntValue(1)}, iv)
}

func TestRunner_LogsContext(t *testing.T) {
	ss := newSystem(t, 0)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := logging.ContextWithFile(logging.ContextWithSSID(context.Background(), ss.SSID()), "trace.script")
	src := provider.NewScriptSource(strings.NewReader("4 set a 1\n"))
	require.NoError(t, provider.NewRunner(src, provider.NewScriptHandler(), ss, logger).Run(ctx))

	assert.Contains(t, buf.String(), `"msg":"provider finished"`)
	assert.Contains(t, buf.String(), `"ssid":"`+ss.SSID()+`"`)
	assert.Contains(t, buf.String(), `"file":"trace.script"`)
	assert.Contains(t, buf.String(), `"end":4`)
}

func TestRunner_ParseError(t *testing.T) {
	ss := newSystem(t, 0)
	src := provider.NewScriptSource(strings.NewReader("5 set a 1\nnonsense\n"))
	err := provider.NewRunner(src, provider.NewScriptHandler(), ss, logging.Discard()).Run(context.Background())
	assert.True(t, errors.IsValidation(err))
	assert.False(t, ss.IsBuilding())
}

// blockingSource yields its events, then waits for cancellation.
type blockingSource struct {
	events *provider.SliceSource
	served chan struct{}
}

func (s *blockingSource) Next(ctx context.Context) (provider.Event, error) {
	ev, err := s.events.Next(ctx)
	if err != io.EOF {
		return ev, err
	}
	close(s.served)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunner_Cancel(t *testing.T) {
	ss := newSystem(t, 0)
	a := []string{"a"}
	src := &blockingSource{
		events: provider.NewSliceSource(
			&provider.ScriptEvent{Time: 3, Op: provider.OpSet, Path: a, Value: types.IntValue(1)},
			&provider.ScriptEvent{Time: 8, Op: provider.OpSet, Path: a, Value: types.IntValue(2)},
		),
		served: make(chan struct{}),
	}
	r := provider.NewRunner(src, provider.NewScriptHandler(), ss, logging.Discard())

	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()), "second start")

	select {
	case <-src.served:
	case <-time.After(5 * time.Second):
		t.Fatal("source not drained")
	}
	assert.True(t, r.Stats().Running)

	err := r.Stop()
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ss.IsBuilding())
	assert.Equal(t, int64(8), ss.CurrentEndTime())

	built, err := ss.WaitUntilBuilt(context.Background())
	require.NoError(t, err)
	assert.True(t, built)
}

func TestRunner_FinishFailure(t *testing.T) {
	ss := newSystem(t, 0)
	require.NoError(t, ss.FinishedBuilding(0))

	err := provider.NewRunner(provider.NewSliceSource(), provider.NewScriptHandler(), ss, logging.Discard()).Run(context.Background())
	assert.True(t, errors.Is(err, errors.ErrAlreadyBuilt))
}

type otherEvent struct{}

func (otherEvent) Timestamp() int64 { return 1 }

func TestScriptHandler_RejectsForeignEvents(t *testing.T) {
	ss := newSystem(t, 0)
	h := provider.NewScriptHandler()
	assert.Equal(t, provider.ScriptVersion, h.Version())
	assert.True(t, errors.IsValidation(h.HandleEvent(ss, otherEvent{})))
}
