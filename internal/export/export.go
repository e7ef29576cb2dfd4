package export

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/xtxerr/statehist/internal/attribute"
	"github.com/xtxerr/statehist/internal/backend"
	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/statesystem"
	"github.com/xtxerr/statehist/internal/types"
)

// Summary reports what Export wrote.
type Summary struct {
	Path      string
	Rows      int64
	Quarks    int
	StartTime int64
	EndTime   int64
}

// Export writes every interval of ss to a Parquet file at path. A history
// still being built is exported up to its current end time. The file is
// removed when the export fails.
func Export(ctx context.Context, ss *statesystem.StateSystem, path string, opts Options) (sum Summary, err error) {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultOptions().BatchSize
	}

	meta := Metadata{SSID: ss.SSID(), StartTime: ss.StartTime(), EndTime: ss.CurrentEndTime()}
	w, err := NewWriter(path, opts, meta)
	if err != nil {
		return sum, err
	}
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	quarks := ss.NumAttributes()
	rows := make([]IntervalRow, 0, batch)
	for q := types.Quark(0); int(q) < quarks; q++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		parent, err := ss.ParentAttribute(q)
		if err != nil {
			return sum, err
		}
		name, err := ss.AttributeName(q)
		if err != nil {
			return sum, err
		}
		full := ss.FullPath(q)

		for iv, err := range ss.QueryHistoryRange(q, meta.StartTime, meta.EndTime) {
			if err != nil {
				return sum, fmt.Errorf("export quark %d: %w", q, err)
			}
			row := IntervalToRow(iv)
			row.Parent = int32(parent)
			row.Name = name
			row.Path = full
			rows = append(rows, row)

			if len(rows) == batch {
				if err := w.Write(rows); err != nil {
					return sum, err
				}
				rows = rows[:0]
			}
		}
	}
	if err := w.Write(rows); err != nil {
		return sum, err
	}

	return Summary{
		Path:      w.Path(),
		Rows:      w.RowCount(),
		Quarks:    quarks,
		StartTime: meta.StartTime,
		EndTime:   meta.EndTime,
	}, nil
}

// BackendFunc creates the backend an import is loaded into. It receives the
// metadata of the file so the backend can start at the right time.
type BackendFunc func(meta Metadata) (backend.Backend, error)

// Import loads a file written by Export into a new backend and returns the
// finished state system over it. Quarks keep the numbers they had when
// exported.
func Import(path string, newBackend BackendFunc, opts statesystem.Options) (*statesystem.StateSystem, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	rows, err := r.ReadAll()
	r.Close()
	if err != nil {
		return nil, err
	}
	meta := r.Metadata()

	tree, err := rebuildTree(rows)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", path, err)
	}
	data, err := tree.MarshalBinary()
	if err != nil {
		return nil, err
	}

	intervals := make([]types.Interval, len(rows))
	for i := range rows {
		if intervals[i], err = RowToInterval(&rows[i]); err != nil {
			return nil, fmt.Errorf("import %s: %w", path, err)
		}
	}
	slices.SortFunc(intervals, func(a, b types.Interval) int {
		return cmp.Or(cmp.Compare(a.End, b.End), cmp.Compare(a.Quark, b.Quark))
	})

	b, err := newBackend(meta)
	if err != nil {
		return nil, err
	}
	if err := load(b, intervals, data, meta.EndTime); err != nil {
		b.Dispose()
		return nil, fmt.Errorf("import %s: %w", path, err)
	}

	ss, err := statesystem.Open(b, opts)
	if err != nil {
		b.Dispose()
		return nil, err
	}
	return ss, nil
}

func load(b backend.Backend, intervals []types.Interval, tree []byte, end int64) error {
	for _, iv := range intervals {
		if err := b.InsertPastState(iv.Start, iv.End, iv.Quark, iv.Value); err != nil {
			return err
		}
	}
	if err := b.WriteAttributeTree(tree); err != nil {
		return err
	}
	return b.FinishedBuilding(end)
}

// rebuildTree recreates attributes in quark order. Parents always have
// smaller quarks than their children, so every parent exists by the time
// its children are added.
func rebuildTree(rows []IntervalRow) (*attribute.Tree, error) {
	type attr struct {
		parent types.Quark
		name   string
	}
	attrs := make(map[types.Quark]attr)
	for i := range rows {
		q := types.Quark(rows[i].Quark)
		if q < 0 {
			return nil, errors.NewCorrupt("row %d: negative quark %d", i, q)
		}
		a := attr{parent: types.Quark(rows[i].Parent), name: rows[i].Name}
		if prev, ok := attrs[q]; ok && prev != a {
			return nil, errors.NewCorrupt("quark %d has two names: %q and %q", q, prev.name, a.name)
		}
		attrs[q] = a
	}

	tree := attribute.NewTree()
	for q := types.Quark(0); int(q) < len(attrs); q++ {
		a, ok := attrs[q]
		if !ok {
			return nil, errors.NewCorrupt("quark %d has no intervals", q)
		}
		got, err := tree.GetOrCreateQuark(a.parent, a.name)
		if err != nil {
			return nil, errors.NewCorrupt("quark %d: %v", q, err)
		}
		if got != q {
			return nil, errors.NewCorrupt("quark %d %q recreated as %d", q, a.name, got)
		}
	}
	tree.Freeze()
	return tree, nil
}
