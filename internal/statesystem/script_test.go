package statesystem

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/statehist/internal/backend"
	"github.com/xtxerr/statehist/internal/backend/historytree"
	"github.com/xtxerr/statehist/internal/backend/memory"
	"github.com/xtxerr/statehist/internal/logging"
	"github.com/xtxerr/statehist/internal/provider"
	testutil "github.com/xtxerr/statehist/internal/testing"
	"github.com/xtxerr/statehist/internal/types"
)

func runScript(t *testing.T, ss *StateSystem, cfg testutil.ScriptConfig) int64 {
	t.Helper()
	events := testutil.GenerateScript(cfg)
	r := provider.NewRunner(testutil.ScriptSource(events), provider.NewScriptHandler(), ss, logging.Discard())
	require.NoError(t, r.Run(context.Background()))
	return testutil.ScriptEndTime(events, cfg.StartTime)
}

func TestGeneratedScript_BackendsAgree(t *testing.T) {
	cfg := testutil.DefaultScriptConfig()
	cfg.Steps = 2000
	cfg.StartTime = 10

	mem := New(memory.New(backend.Options{StartTime: cfg.StartTime, Logger: logging.Discard()}), Options{Logger: logging.Discard()})
	defer mem.Dispose()
	end := runScript(t, mem, cfg)

	opts := historyOptions(t, cfg.StartTime)
	hb, err := historytree.New(opts)
	require.NoError(t, err)
	tree := New(hb, Options{Logger: logging.Discard()})
	defer tree.Dispose()
	require.Equal(t, end, runScript(t, tree, cfg))

	for _, ss := range []*StateSystem{mem, tree} {
		rep, err := CheckTiling(context.Background(), ss, 4)
		require.NoError(t, err)
		assert.Equal(t, mem.NumAttributes(), rep.Quarks)
	}

	require.Equal(t, mem.NumAttributes(), tree.NumAttributes())
	for q := types.Quark(0); int(q) < mem.NumAttributes(); q++ {
		require.Equal(t, mem.FullPath(q), tree.FullPath(q))
	}
	for ts := cfg.StartTime; ts <= end; ts += 3 {
		want, err := mem.QueryFullState(ts)
		require.NoError(t, err)
		got, err := tree.QueryFullState(ts)
		require.NoError(t, err)
		require.Equal(t, want, got, "t=%d", ts)
	}
}

func TestGeneratedScript_QueriesWhileBuilding(t *testing.T) {
	cfg := testutil.DefaultScriptConfig()
	cfg.Steps = 3000
	cfg.Seed = 7

	hb, err := historytree.New(historyOptions(t, cfg.StartTime))
	require.NoError(t, err)
	ss := New(hb, Options{Logger: logging.Discard()})
	defer ss.Dispose()

	events := testutil.GenerateScript(cfg)
	r := provider.NewRunner(testutil.ScriptSource(events), provider.NewScriptHandler(), ss, logging.Discard())

	gt := testutil.NewGoroutineTestWithTimeout(t, 30*time.Second)
	for w := 0; w < 4; w++ {
		gt.GoWithContext(func(ctx context.Context) error {
			for ss.IsBuilding() {
				if err := ctx.Err(); err != nil {
					return err
				}
				end := ss.CurrentEndTime()
				full, err := ss.QueryFullState(end)
				if err != nil {
					return fmt.Errorf("worker %d: query at %d: %w", w, end, err)
				}
				for _, iv := range full {
					if !iv.Contains(end) {
						return fmt.Errorf("worker %d: %v does not cover %d", w, iv, end)
					}
				}
			}
			return nil
		})
	}

	require.NoError(t, r.Run(context.Background()))
	gt.Wait()

	require.NoError(t, testutil.Eventually(time.Second, time.Millisecond, func() bool { return !ss.IsBuilding() }))
	_, err = CheckTiling(context.Background(), ss, 2)
	require.NoError(t, err)
}
