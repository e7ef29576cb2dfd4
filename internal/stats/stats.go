package stats

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/statesystem"
	"github.com/xtxerr/statehist/internal/types"
)

// Options tunes Compute.
type Options struct {
	// Accuracy of percentile estimates; zero or less disables them.
	Accuracy float64

	// SkipNull ignores intervals during which the attribute had no value.
	SkipNull bool

	// Workers bounds the number of quarks read in parallel.
	Workers int
}

// DefaultOptions returns the options used by `statehist stats`.
func DefaultOptions() Options {
	return Options{Accuracy: DefaultAccuracy, SkipNull: true, Workers: 4}
}

// Report is the outcome of Compute.
type Report struct {
	From, To int64

	// Attributes holds one result per requested quark, in request order.
	Attributes []Result

	// Total merges every attribute.
	Total Result
}

// Compute aggregates the intervals of each quark over [from, to].
func Compute(ctx context.Context, ss *statesystem.StateSystem, quarks []types.Quark, from, to int64, opts Options) (Report, error) {
	if from > to {
		return Report{}, errors.NewTimeRange(from, from, to, "stats window start after end")
	}

	aggs := make([]*DurationAggregate, len(quarks))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Workers, 1))

	for i, q := range quarks {
		aggs[i] = NewAggregate(ss.FullPath(q), q, from, to, opts.Accuracy)
		agg := aggs[i]
		g.Go(func() error {
			for iv, err := range ss.QueryHistoryRange(q, from, to) {
				if err != nil {
					return fmt.Errorf("stats for quark %d: %w", q, err)
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				if opts.SkipNull && iv.Value.IsNull() {
					continue
				}
				agg.Add(iv)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	total := NewAggregate("", types.InvalidQuark, from, to, opts.Accuracy)
	rep := Report{From: from, To: to, Attributes: make([]Result, len(aggs))}
	for i, agg := range aggs {
		rep.Attributes[i] = agg.Result()
		total.Merge(agg)
	}
	rep.Total = total.Result()
	return rep, nil
}
