package statesystem

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/types"
)

// TilingReport summarizes a CheckTiling run.
type TilingReport struct {
	Quarks    int
	Intervals int64
	Start     int64
	End       int64
}

// CheckTiling verifies that the intervals of every attribute cover
// [StartTime, CurrentEndTime] without gaps or overlaps. While building, the
// ongoing intervals may grow past the checked end. Attributes are
// checked by up to workers goroutines. The first violation is returned
// wrapped in ErrIncoherentStorage.
func CheckTiling(ctx context.Context, s *StateSystem, workers int) (TilingReport, error) {
	if workers < 1 {
		workers = 1
	}
	report := TilingReport{
		Quarks: s.NumAttributes(),
		Start:  s.StartTime(),
		End:    s.CurrentEndTime(),
	}

	var intervals atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for q := 0; q < report.Quarks; q++ {
		if gctx.Err() != nil {
			break
		}
		quark := types.Quark(q)
		g.Go(func() error {
			n, err := checkQuark(gctx, s, quark, report.Start, report.End)
			intervals.Add(n)
			return err
		})
	}

	err := g.Wait()
	report.Intervals = intervals.Load()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return report, err
	}
	s.logger.Debug("tiling verified", "quarks", report.Quarks, "intervals", report.Intervals)
	return report, nil
}

func checkQuark(ctx context.Context, s *StateSystem, q types.Quark, start, end int64) (int64, error) {
	var (
		n    int64
		prev *types.Interval
	)
	for iv, err := range s.QueryHistoryRange(q, start, end) {
		if err != nil {
			return n, fmt.Errorf("quark %d (%s): %w", q, s.FullPath(q), err)
		}
		if n%1024 == 0 && ctx.Err() != nil {
			return n, ctx.Err()
		}
		if iv.Quark != q {
			return n, fmt.Errorf("quark %d: got interval %s: %w", q, iv, errors.ErrIncoherentStorage)
		}
		switch {
		case prev == nil && iv.Start != start:
			return n, fmt.Errorf("quark %d: first interval %s does not start at %d: %w", q, iv, start, errors.ErrIncoherentStorage)
		case prev != nil && iv.Start != prev.End+1:
			return n, fmt.Errorf("quark %d: %s does not follow %s: %w", q, iv, prev, errors.ErrIncoherentStorage)
		}
		n++
		prev = &iv
	}
	if prev == nil || prev.End < end {
		return n, fmt.Errorf("quark %d: intervals stop before %d: %w", q, end, errors.ErrIncoherentStorage)
	}
	return n, nil
}
