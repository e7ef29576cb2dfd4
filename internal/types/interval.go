package types

import "fmt"

// Interval is the storage unit of a history: the value an attribute held
// over the closed time range [Start, End].
type Interval struct {
	Quark Quark
	Start int64
	End   int64
	Value Value
}

// NewInterval creates an Interval, rejecting start > end.
func NewInterval(q Quark, start, end int64, v Value) (Interval, error) {
	if start > end {
		return Interval{}, fmt.Errorf("interval [%d,%d] for quark %d: start after end", start, end, q)
	}
	return Interval{Quark: q, Start: start, End: end, Value: v}, nil
}

// Contains reports whether t falls inside the interval, bounds included.
func (i Interval) Contains(t int64) bool {
	return i.Start <= t && t <= i.End
}

// Duration returns the number of time units covered, End-Start+1.
func (i Interval) Duration() int64 {
	return i.End - i.Start + 1
}

// Equal compares every field, using Value.Equal for the value.
func (i Interval) Equal(o Interval) bool {
	return i.Quark == o.Quark && i.Start == o.Start && i.End == o.End && i.Value.Equal(o.Value)
}

// String returns a compact representation, e.g. "3:[1,19]=int:5".
func (i Interval) String() string {
	return fmt.Sprintf("%d:[%d,%d]=%s", i.Quark, i.Start, i.End, i.Value.Tagged())
}
