package provider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/types"
	"github.com/xtxerr/statehist/internal/validation"
)

// Script operations.
const (
	OpSet    = "set"
	OpPush   = "push"
	OpPop    = "pop"
	OpRemove = "remove"
	OpIncr   = "incr"
)

// ScriptVersion is the Version of ScriptHandler.
const ScriptVersion = 1

// ScriptEvent is one line of a state script:
//
//	<ts> set    <path> <value>
//	<ts> push   <path> <value>
//	<ts> pop    <path>
//	<ts> remove <path>
//	<ts> incr   <path> [amount]
//
// Values use the form accepted by types.ParseValue and run to the end of
// the line. Blank lines and lines starting with '#' are ignored.
type ScriptEvent struct {
	Line   int
	Time   int64
	Op     string
	Path   []string
	Value  types.Value
	Amount int64
}

// Timestamp implements Event.
func (e *ScriptEvent) Timestamp() int64 { return e.Time }

// String formats e as a script line.
func (e *ScriptEvent) String() string {
	path := validation.JoinPath(e.Path)
	switch e.Op {
	case OpSet, OpPush:
		return fmt.Sprintf("%d %s %s %s", e.Time, e.Op, path, e.Value.Tagged())
	case OpIncr:
		return fmt.Sprintf("%d %s %s %d", e.Time, e.Op, path, e.Amount)
	default:
		return fmt.Sprintf("%d %s %s", e.Time, e.Op, path)
	}
}

// ParseScriptLine parses one script line. It returns nil for blank lines
// and comments.
func ParseScriptLine(line string, lineNo int) (*ScriptEvent, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, nil
	}
	fail := func(format string, args ...any) error {
		return fmt.Errorf("line %d: %s: %w", lineNo, fmt.Sprintf(format, args...), errors.ErrInvalidValue)
	}

	tsField, rest := cutField(line)
	op, rest := cutField(rest)
	pathField, rest := cutField(rest)
	if op == "" || pathField == "" {
		return nil, fail("want <ts> <op> <path> [value]")
	}

	ts, err := strconv.ParseInt(tsField, 10, 64)
	if err != nil {
		return nil, fail("timestamp %q", tsField)
	}
	path, err := validation.ParsePath(pathField)
	if err != nil {
		return nil, fmt.Errorf("line %d: %w", lineNo, err)
	}
	if len(path) == 0 {
		return nil, fail("empty path")
	}

	ev := &ScriptEvent{Line: lineNo, Time: ts, Op: op, Path: path}
	switch op {
	case OpSet, OpPush:
		v, err := types.ParseValue(rest)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		ev.Value = v
	case OpPop, OpRemove:
		if rest != "" {
			return nil, fail("%s takes no value", op)
		}
	case OpIncr:
		ev.Amount = 1
		if rest != "" {
			n, err := strconv.ParseInt(rest, 10, 64)
			if err != nil {
				return nil, fail("increment %q", rest)
			}
			ev.Amount = n
		}
	default:
		return nil, fail("unknown operation %q", op)
	}
	return ev, nil
}

// cutField splits off the first whitespace-separated field.
func cutField(s string) (field, rest string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}

// =============================================================================
// Source
// =============================================================================

// ScriptSource reads ScriptEvents from a reader.
type ScriptSource struct {
	scanner *bufio.Scanner
	line    int
}

// NewScriptSource creates a source reading r line by line.
func NewScriptSource(r io.Reader) *ScriptSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &ScriptSource{scanner: sc}
}

// Next returns the next event, or io.EOF.
func (s *ScriptSource) Next(ctx context.Context) (Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, errors.IO("read script", err)
			}
			return nil, io.EOF
		}
		s.line++
		ev, err := ParseScriptLine(s.scanner.Text(), s.line)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			return ev, nil
		}
	}
}

// SliceSource replays events from memory.
type SliceSource struct {
	events []Event
	next   int
}

// NewSliceSource creates a source over events.
func NewSliceSource(events ...Event) *SliceSource {
	return &SliceSource{events: events}
}

// Next returns the next event, or io.EOF.
func (s *SliceSource) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.next]
	s.next++
	return ev, nil
}

// =============================================================================
// Handler
// =============================================================================

// ScriptHandler applies ScriptEvents.
type ScriptHandler struct {
	quarks map[string]types.Quark
}

// NewScriptHandler creates a handler.
func NewScriptHandler() *ScriptHandler {
	return &ScriptHandler{quarks: make(map[string]types.Quark)}
}

// Version implements Handler.
func (h *ScriptHandler) Version() int { return ScriptVersion }

// HandleEvent implements Handler.
func (h *ScriptHandler) HandleEvent(b Builder, ev Event) error {
	se, ok := ev.(*ScriptEvent)
	if !ok {
		return fmt.Errorf("script handler got %T: %w", ev, errors.ErrInvalidValue)
	}

	q, err := h.quark(b, se.Path)
	if err != nil {
		return err
	}

	switch se.Op {
	case OpSet:
		return b.ModifyAttribute(se.Time, se.Value, q)
	case OpPush:
		return b.PushAttribute(se.Time, se.Value, q)
	case OpPop:
		_, err := b.PopAttribute(se.Time, q)
		return err
	case OpRemove:
		return b.RemoveAttribute(se.Time, q)
	case OpIncr:
		return b.IncrementAttribute(se.Time, q, se.Amount)
	default:
		return fmt.Errorf("line %d: unknown operation %q: %w", se.Line, se.Op, errors.ErrInvalidValue)
	}
}

func (h *ScriptHandler) quark(b Builder, path []string) (types.Quark, error) {
	key := validation.JoinPath(path)
	if q, ok := h.quarks[key]; ok {
		return q, nil
	}
	q, err := b.GetQuarkAbsoluteAndAdd(path...)
	if err != nil {
		return types.InvalidQuark, err
	}
	h.quarks[key] = q
	return q, nil
}
