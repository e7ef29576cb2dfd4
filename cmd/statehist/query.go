package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/xtxerr/statehist/internal/stats"
	"github.com/xtxerr/statehist/internal/statesystem"
	"github.com/xtxerr/statehist/internal/types"
	"github.com/xtxerr/statehist/internal/validation"
)

// window holds an optional [from, to] time window. Unset bounds default to
// the time range of the history.
type window struct {
	From, To       int64
	HasFrom, HasTo bool
}

func (w window) resolve(ss *statesystem.StateSystem) (int64, int64) {
	from, to := ss.StartTime(), ss.CurrentEndTime()
	if w.HasFrom {
		from = w.From
	}
	if w.HasTo {
		to = w.To
	}
	return from, to
}

func (w *window) bind(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&w.From, "from", 0, "window start (default: history start)")
	cmd.Flags().Int64Var(&w.To, "to", 0, "window end (default: history end)")
}

func (w *window) load(cmd *cobra.Command) {
	w.HasFrom = cmd.Flags().Changed("from")
	w.HasTo = cmd.Flags().Changed("to")
}

// =============================================================================
// query
// =============================================================================

// queryState prints the state at t of the attributes matching pattern, or
// of every attribute.
func queryState(w io.Writer, ss *statesystem.StateSystem, t int64, pattern string, asJSON bool) error {
	if pattern == "" {
		ivs, err := ss.QueryFullState(t)
		if err != nil {
			return err
		}
		return printIntervals(w, ss, ivs, asJSON)
	}

	quarks, err := selectQuarks(ss, pattern)
	if err != nil {
		return err
	}
	ivs := make([]types.Interval, 0, len(quarks))
	for _, q := range quarks {
		iv, err := ss.QuerySingleState(t, q)
		if err != nil {
			return err
		}
		ivs = append(ivs, iv)
	}
	return printIntervals(w, ss, ivs, asJSON)
}

func newQueryCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "query <history-file> <time> [pattern]",
		Short: "Print the state of attributes at a point in time",
		Args:  rangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTime("time", args[1])
			if err != nil {
				return err
			}
			ss, err := root.openHistory(args[0])
			if err != nil {
				return err
			}
			defer ss.Dispose()

			pattern := ""
			if len(args) > 2 {
				pattern = args[2]
			}
			return queryState(cmd.OutOrStdout(), ss, t, pattern, root.JSON)
		},
	}
}

// =============================================================================
// range
// =============================================================================

// queryRange prints the intervals of one attribute intersecting [from, to].
func queryRange(w io.Writer, ss *statesystem.StateSystem, path string, win window, asJSON bool) error {
	segments, err := validation.ParsePath(path)
	if err != nil {
		return err
	}
	q, err := ss.GetQuarkAbsolute(segments...)
	if err != nil {
		return err
	}
	from, to := win.resolve(ss)
	ivs, err := ss.HistoryRange(q, from, to)
	if err != nil {
		return err
	}
	return printRange(w, ivs, asJSON)
}

func newRangeCommand(root *rootOptions) *cobra.Command {
	win := &window{}

	cmd := &cobra.Command{
		Use:   "range <history-file> <path>",
		Short: "Print the history of one attribute",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			win.load(cmd)
			ss, err := root.openHistory(args[0])
			if err != nil {
				return err
			}
			defer ss.Dispose()
			return queryRange(cmd.OutOrStdout(), ss, args[1], *win, root.JSON)
		},
	}

	win.bind(cmd)
	return cmd
}

// =============================================================================
// stats
// =============================================================================

func newStatsCommand(root *rootOptions) *cobra.Command {
	win := &window{}
	var (
		includeNull bool
		accuracy    float64
	)

	cmd := &cobra.Command{
		Use:   "stats <history-file> [pattern]",
		Short: "Compute duration statistics over a time window",
		Long: `Stats aggregates the intervals of the selected attributes clipped to a
window: interval count, covered time, shortest and longest interval,
duration percentiles and the time spent in each value.`,
		Args: rangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			win.load(cmd)
			opts := root.cfg.StatsOptions()
			if cmd.Flags().Changed("include-null") {
				opts.SkipNull = !includeNull
			}
			if cmd.Flags().Changed("accuracy") {
				opts.Accuracy = accuracy
			}

			ss, err := root.openHistory(args[0])
			if err != nil {
				return err
			}
			defer ss.Dispose()

			pattern := ""
			if len(args) > 1 {
				pattern = args[1]
			}
			quarks, err := selectQuarks(ss, pattern)
			if err != nil {
				return err
			}
			from, to := win.resolve(ss)
			report, err := stats.Compute(cmd.Context(), ss, quarks, from, to, opts)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report, root.JSON)
		},
	}

	win.bind(cmd)
	cmd.Flags().BoolVar(&includeNull, "include-null", false, "count time spent in the null state")
	cmd.Flags().Float64Var(&accuracy, "accuracy", stats.DefaultAccuracy, "relative accuracy of percentiles, 0 disables them")
	return cmd
}
