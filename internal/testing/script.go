package testing

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"strconv"

	"github.com/xtxerr/statehist/internal/provider"
	"github.com/xtxerr/statehist/internal/types"
)

// ScriptConfig drives GenerateScript.
type ScriptConfig struct {
	// Seed makes the script reproducible.
	Seed int64

	// Steps is the number of events.
	Steps int

	// Processes is the number of proc/<n> subtrees touched.
	Processes int

	// StartTime is the timestamp the script starts from.
	StartTime int64

	// MaxGap bounds the time between two events. Zero keeps every event
	// at StartTime.
	MaxGap int64
}

// DefaultScriptConfig returns a small, dense script.
func DefaultScriptConfig() ScriptConfig {
	return ScriptConfig{
		Seed:      1,
		Steps:     1000,
		Processes: 8,
		MaxGap:    5,
	}
}

var runStates = []string{"running", "waiting", "blocked", "idle"}

// GenerateScript produces a pseudo-random but valid state script. Each
// process n owns:
//
//	proc/<n>/state    value kind fixed by n (int, long, double or string)
//	proc/<n>/counter  incremented
//	proc/<n>/stack    push/pop of function names
//
// and the whole proc/<n> subtree is removed now and then. Timestamps never
// decrease and no attribute ever changes value kind.
func GenerateScript(cfg ScriptConfig) []*provider.ScriptEvent {
	rng := rand.New(rand.NewSource(cfg.Seed))
	procs := max(cfg.Processes, 1)

	events := make([]*provider.ScriptEvent, 0, cfg.Steps)
	ts := cfg.StartTime
	for i := 0; i < cfg.Steps; i++ {
		if cfg.MaxGap > 0 {
			ts += rng.Int63n(cfg.MaxGap + 1)
		}
		p := rng.Intn(procs)
		path := func(leaf ...string) []string {
			return append([]string{"proc", strconv.Itoa(p)}, leaf...)
		}

		ev := &provider.ScriptEvent{Line: i + 1, Time: ts}
		switch r := rng.Intn(100); {
		case r < 45:
			ev.Op = provider.OpSet
			ev.Path = path("state")
			ev.Value = stateValue(rng, p)
		case r < 60:
			ev.Op = provider.OpIncr
			ev.Path = path("counter")
			ev.Amount = rng.Int63n(5) + 1
		case r < 77:
			ev.Op = provider.OpPush
			ev.Path = path("stack")
			ev.Value = types.StringValue("fn" + strconv.Itoa(rng.Intn(20)))
		case r < 95:
			ev.Op = provider.OpPop
			ev.Path = path("stack")
		default:
			ev.Op = provider.OpRemove
			ev.Path = path()
		}
		events = append(events, ev)
	}
	return events
}

func stateValue(rng *rand.Rand, proc int) types.Value {
	if rng.Intn(10) == 0 {
		return types.NullValue()
	}
	switch proc % 4 {
	case 0:
		return types.IntValue(rng.Int31n(10))
	case 1:
		return types.LongValue(1<<32 + rng.Int63n(100))
	case 2:
		return types.DoubleValue(float64(rng.Intn(100)) / 4)
	default:
		return types.StringValue(runStates[rng.Intn(len(runStates))])
	}
}

// ScriptEndTime returns the last timestamp of events, or start if there
// are none.
func ScriptEndTime(events []*provider.ScriptEvent, start int64) int64 {
	if len(events) == 0 {
		return start
	}
	return events[len(events)-1].Time
}

// ScriptSource returns a source replaying events.
func ScriptSource(events []*provider.ScriptEvent) *provider.SliceSource {
	evs := make([]provider.Event, len(events))
	for i, ev := range events {
		evs[i] = ev
	}
	return provider.NewSliceSource(evs...)
}

// WriteScript writes events in the text form read by provider.ScriptSource.
func WriteScript(w io.Writer, events []*provider.ScriptEvent) error {
	bw := bufio.NewWriter(w)
	for _, ev := range events {
		if _, err := fmt.Fprintln(bw, ev.String()); err != nil {
			return err
		}
	}
	return bw.Flush()
}
