// Package stats computes duration statistics over the intervals of a state
// history: how long attributes stay in each state, with DDSketch percentiles.
package stats

import (
	"math"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/statehist/internal/types"
)

// DefaultAccuracy is the relative accuracy of percentile estimates.
const DefaultAccuracy = 0.01

// Result holds the duration statistics of one attribute, or of several
// merged together.
type Result struct {
	// Identity
	Path  string
	Quark types.Quark

	// Basic statistics (always present)
	Count int64   // Number of intervals
	Total int64   // Time covered
	Min   int64   // Shortest interval
	Max   int64   // Longest interval
	Avg   float64 // Total / Count

	// Percentiles of interval durations (nil if disabled)
	P50 *float64
	P90 *float64
	P95 *float64
	P99 *float64

	// First start and last end seen
	First int64
	Last  int64

	// TimeByValue is the time spent in each value, keyed by Value.Tagged.
	TimeByValue map[string]int64
}

// IsEmpty returns true if no intervals were aggregated.
func (r *Result) IsEmpty() bool {
	return r.Count == 0
}

// HasPercentiles returns true if percentile data is available.
func (r *Result) HasPercentiles() bool {
	return r.P50 != nil
}

// SetPercentiles sets all percentile values.
func (r *Result) SetPercentiles(p50, p90, p95, p99 float64) {
	r.P50 = &p50
	r.P90 = &p90
	r.P95 = &p95
	r.P99 = &p99
}

// DurationAggregate maintains running statistics over interval durations.
// It supports optional percentile calculation using DDSketch.
type DurationAggregate struct {
	mu sync.Mutex

	path  string
	quark types.Quark

	// Clipping window; intervals are cut to [from, to]
	from int64
	to   int64

	// Running statistics
	count   int64
	total   int64
	min     int64
	max     int64
	first   int64
	last    int64
	byValue map[string]int64

	// DDSketch for percentiles (nil if disabled)
	sketch *ddsketch.DDSketch
}

// NewAggregate creates an aggregate for the window [from, to]. An accuracy
// of zero or less disables percentiles.
func NewAggregate(path string, q types.Quark, from, to int64, accuracy float64) *DurationAggregate {
	a := &DurationAggregate{
		path:    path,
		quark:   q,
		from:    from,
		to:      to,
		min:     math.MaxInt64,
		max:     math.MinInt64,
		first:   math.MaxInt64,
		last:    math.MinInt64,
		byValue: make(map[string]int64),
	}

	if accuracy > 0 {
		sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
		if err == nil {
			a.sketch = sketch
		}
	}

	return a
}

// Add adds an interval. Parts outside the window are not counted; an
// interval entirely outside it is ignored.
func (a *DurationAggregate) Add(iv types.Interval) {
	start := max(iv.Start, a.from)
	end := min(iv.End, a.to)
	if start > end {
		return
	}
	d := end - start + 1

	a.mu.Lock()
	defer a.mu.Unlock()

	a.count++
	a.total += d
	a.min = min(a.min, d)
	a.max = max(a.max, d)
	a.first = min(a.first, start)
	a.last = max(a.last, end)
	a.byValue[iv.Value.Tagged()] += d

	if a.sketch != nil {
		a.sketch.Add(float64(d))
	}
}

// Count returns the number of intervals added.
func (a *DurationAggregate) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Result returns the aggregation result.
func (a *DurationAggregate) Result() Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := Result{
		Path:        a.path,
		Quark:       a.quark,
		Count:       a.count,
		Total:       a.total,
		TimeByValue: make(map[string]int64, len(a.byValue)),
	}
	for k, v := range a.byValue {
		r.TimeByValue[k] = v
	}

	if a.count > 0 {
		r.Avg = float64(a.total) / float64(a.count)
		r.Min = a.min
		r.Max = a.max
		r.First = a.first
		r.Last = a.last
	}

	if a.sketch != nil && a.count > 0 {
		p50, _ := a.sketch.GetValueAtQuantile(0.50)
		p90, _ := a.sketch.GetValueAtQuantile(0.90)
		p95, _ := a.sketch.GetValueAtQuantile(0.95)
		p99, _ := a.sketch.GetValueAtQuantile(0.99)
		r.SetPercentiles(p50, p90, p95, p99)
	}

	return r
}

// Merge combines another aggregate into this one. Sketches merge only when
// both sides have one.
func (a *DurationAggregate) Merge(other *DurationAggregate) {
	if other == nil || other == a {
		return
	}

	other.mu.Lock()
	defer other.mu.Unlock()
	if other.count == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.count += other.count
	a.total += other.total
	a.min = min(a.min, other.min)
	a.max = max(a.max, other.max)
	a.first = min(a.first, other.first)
	a.last = max(a.last, other.last)
	for k, v := range other.byValue {
		a.byValue[k] += v
	}

	if a.sketch != nil && other.sketch != nil {
		a.sketch.MergeWith(other.sketch)
	}
}
