package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/xtxerr/statehist/internal/export"
	"github.com/xtxerr/statehist/internal/stats"
	"github.com/xtxerr/statehist/internal/statesystem"
	"github.com/xtxerr/statehist/internal/types"
)

// intervalView is the printed form of one interval.
type intervalView struct {
	Quark int32  `json:"quark"`
	Path  string `json:"path"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
	Value string `json:"value"`
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printIntervals prints intervals sorted by attribute path.
func printIntervals(w io.Writer, ss *statesystem.StateSystem, ivs []types.Interval, asJSON bool) error {
	views := make([]intervalView, 0, len(ivs))
	for _, iv := range ivs {
		views = append(views, intervalView{
			Quark: int32(iv.Quark),
			Path:  ss.FullPath(iv.Quark),
			Start: iv.Start,
			End:   iv.End,
			Value: iv.Value.Tagged(),
		})
	}
	sort.SliceStable(views, func(i, j int) bool { return views[i].Path < views[j].Path })

	if asJSON {
		return writeJSON(w, views)
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "PATH\tSTART\tEND\tVALUE")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", v.Path, v.Start, v.End, v.Value)
	}
	return tw.Flush()
}

// printRange prints the history of one attribute in time order.
func printRange(w io.Writer, ivs []types.Interval, asJSON bool) error {
	if asJSON {
		views := make([]intervalView, 0, len(ivs))
		for _, iv := range ivs {
			views = append(views, intervalView{Quark: int32(iv.Quark), Start: iv.Start, End: iv.End, Value: iv.Value.Tagged()})
		}
		return writeJSON(w, views)
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "START\tEND\tVALUE")
	for _, iv := range ivs {
		fmt.Fprintf(tw, "%d\t%d\t%s\n", iv.Start, iv.End, iv.Value.Tagged())
	}
	return tw.Flush()
}

type pathView struct {
	Quark int32  `json:"quark"`
	Path  string `json:"path"`
}

func printPaths(w io.Writer, ss *statesystem.StateSystem, quarks []types.Quark, asJSON bool) error {
	views := make([]pathView, 0, len(quarks))
	for _, q := range quarks {
		views = append(views, pathView{Quark: int32(q), Path: ss.FullPath(q)})
	}
	if asJSON {
		return writeJSON(w, views)
	}
	for _, v := range views {
		fmt.Fprintf(w, "%d\t%s\n", v.Quark, v.Path)
	}
	return nil
}

// =============================================================================
// Statistics
// =============================================================================

type resultView struct {
	Path        string           `json:"path"`
	Count       int64            `json:"count"`
	Total       int64            `json:"total"`
	Min         int64            `json:"min"`
	Max         int64            `json:"max"`
	Avg         float64          `json:"avg"`
	P50         *float64         `json:"p50,omitempty"`
	P90         *float64         `json:"p90,omitempty"`
	P95         *float64         `json:"p95,omitempty"`
	P99         *float64         `json:"p99,omitempty"`
	TimeByValue map[string]int64 `json:"time_by_value,omitempty"`
}

type reportView struct {
	From       int64        `json:"from"`
	To         int64        `json:"to"`
	Attributes []resultView `json:"attributes"`
	Total      resultView   `json:"total"`
}

func toResultView(r stats.Result) resultView {
	return resultView{
		Path:        r.Path,
		Count:       r.Count,
		Total:       r.Total,
		Min:         r.Min,
		Max:         r.Max,
		Avg:         r.Avg,
		P50:         r.P50,
		P90:         r.P90,
		P95:         r.P95,
		P99:         r.P99,
		TimeByValue: r.TimeByValue,
	}
}

func printReport(w io.Writer, rep stats.Report, asJSON bool) error {
	if asJSON {
		view := reportView{From: rep.From, To: rep.To, Total: toResultView(rep.Total)}
		for _, r := range rep.Attributes {
			view.Attributes = append(view.Attributes, toResultView(r))
		}
		return writeJSON(w, view)
	}

	tw := newTable(w)
	fmt.Fprintf(tw, "window [%d,%d]\n", rep.From, rep.To)
	fmt.Fprintln(tw, "PATH\tCOUNT\tTOTAL\tMIN\tMAX\tAVG\tP50\tP99")
	rows := append(append([]stats.Result(nil), rep.Attributes...), rep.Total)
	for i, r := range rows {
		path := r.Path
		if i == len(rows)-1 {
			path = "(total)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.2f\t%s\t%s\n",
			path, r.Count, r.Total, r.Min, r.Max, r.Avg, optFloat(r.P50), optFloat(r.P99))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	values := make([]string, 0, len(rep.Total.TimeByValue))
	for v := range rep.Total.TimeByValue {
		values = append(values, v)
	}
	sort.Strings(values)
	for _, v := range values {
		fmt.Fprintf(w, "  %s\t%d\n", v, rep.Total.TimeByValue[v])
	}
	return nil
}

func optFloat(f *float64) string {
	if f == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *f)
}

// =============================================================================
// SQL
// =============================================================================

func printQueryResult(w io.Writer, res export.QueryResult, asJSON bool) error {
	if asJSON {
		rows := make([]map[string]any, 0, len(res.Rows))
		for _, r := range res.Rows {
			row := make(map[string]any, len(res.Columns))
			for i, c := range res.Columns {
				row[c] = r[i]
			}
			rows = append(rows, row)
		}
		return writeJSON(w, rows)
	}

	tw := newTable(w)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(res.Columns, "\t")))
	for _, r := range res.Rows {
		cells := make([]string, len(r))
		for i, v := range r {
			if v == nil {
				cells[i] = "NULL"
			} else {
				cells[i] = fmt.Sprint(v)
			}
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	return tw.Flush()
}
