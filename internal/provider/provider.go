// Package provider feeds a state system from an ordered event stream.
//
// A Source yields events in non-decreasing timestamp order, a Handler turns
// each event into state changes on a Builder, and a Runner drives both from
// a single goroutine. Whatever happens, the Runner finishes the history
// exactly once, so a state system is never left half built.
package provider

import (
	"context"

	"github.com/xtxerr/statehist/internal/types"
)

// Event is one input record.
type Event interface {
	Timestamp() int64
}

// Source yields events. Next returns io.EOF after the last event.
type Source interface {
	Next(ctx context.Context) (Event, error)
}

// Builder is the part of a state system a handler may use.
type Builder interface {
	StartTime() int64

	GetQuarkAbsoluteAndAdd(path ...string) (types.Quark, error)
	GetQuarkRelativeAndAdd(q types.Quark, path ...string) (types.Quark, error)

	ModifyAttribute(ts int64, v types.Value, q types.Quark) error
	PushAttribute(ts int64, v types.Value, q types.Quark) error
	PopAttribute(ts int64, q types.Quark) (types.Value, error)
	RemoveAttribute(ts int64, q types.Quark) error
	IncrementAttribute(ts int64, q types.Quark, by int64) error

	QueryOngoing(q types.Quark) (types.Value, error)
	UpdateOngoingState(q types.Quark, v types.Value) error
}

// Target is the Builder a Runner finishes when the stream ends.
type Target interface {
	Builder

	// CurrentEndTime returns the latest timestamp the target has seen.
	CurrentEndTime() int64

	FinishedBuilding(endTime int64) error
}

// Handler applies events to a Builder.
type Handler interface {
	// Version identifies the handler logic. It is stored in history files so
	// that files built by another version can be rejected.
	Version() int

	HandleEvent(b Builder, ev Event) error
}
