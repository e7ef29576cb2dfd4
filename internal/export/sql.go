package export

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/statehist/internal/errors"
)

// IntervalsView is the view every SQL session exposes over its files.
const IntervalsView = "intervals"

// SQL runs DuckDB queries over exported files. The files are visible as
// the view "intervals", with one column per IntervalRow field.
type SQL struct {
	mu    sync.RWMutex
	db    *sql.DB
	files []string

	queries int64
	rows    int64
}

// QueryResult holds the rows of an ad-hoc query in column order.
type QueryResult struct {
	Columns []string
	Rows    [][]any
}

// OpenSQL starts an in-memory DuckDB session over the given export files.
func OpenSQL(ctx context.Context, files ...string) (*SQL, error) {
	if len(files) == 0 {
		return nil, errors.NewMissingField("export file")
	}
	quoted := make([]string, len(files))
	for i, f := range files {
		if _, err := os.Stat(f); err != nil {
			return nil, errors.IO("open export", err)
		}
		quoted[i] = "'" + strings.ReplaceAll(f, "'", "''") + "'"
	}

	// One connector so that every pooled connection sees the same database.
	connector, err := duckdb.NewConnector("", nil)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	db := sql.OpenDB(connector)

	view := fmt.Sprintf("CREATE VIEW %s AS SELECT * FROM read_parquet([%s])", IntervalsView, strings.Join(quoted, ", "))
	if _, err := db.ExecContext(ctx, view); err != nil {
		db.Close()
		return nil, errors.NewCorrupt("read export %s: %v", strings.Join(files, ", "), err)
	}

	return &SQL{db: db, files: files}, nil
}

// Close ends the session.
func (s *SQL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Files returns the files behind the intervals view.
func (s *SQL) Files() []string { return s.files }

// Stats returns the number of queries run and rows returned.
func (s *SQL) Stats() (queries, rows int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries, s.rows
}

// Query executes a raw SQL query.
func (s *SQL) Query(ctx context.Context, query string, args ...any) (QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return QueryResult{}, errors.ErrDisposed
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("query: %v: %w", err, errors.ErrInvalidValue)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return QueryResult{}, err
	}

	res := QueryResult{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return QueryResult{}, err
		}
		res.Rows = append(res.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, err
	}

	s.queries++
	s.rows += int64(len(res.Rows))
	return res, nil
}

// StateAt returns the rows of the intervals containing t, ordered by
// quark. Over a single export this is the full state at t.
func (s *SQL) StateAt(ctx context.Context, t int64) ([]IntervalRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.ErrDisposed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT quark, parent, name, path, start, "end", kind,
		       int_value, double_value, string_value
		FROM intervals
		WHERE start <= ? AND "end" >= ?
		ORDER BY quark`, t, t)
	if err != nil {
		return nil, fmt.Errorf("state at %d: %w", t, err)
	}
	defer rows.Close()

	var out []IntervalRow
	for rows.Next() {
		var (
			row IntervalRow
			iv  sql.NullInt64
			dv  sql.NullFloat64
			sv  sql.NullString
		)
		if err := rows.Scan(&row.Quark, &row.Parent, &row.Name, &row.Path,
			&row.Start, &row.End, &row.Kind, &iv, &dv, &sv); err != nil {
			return nil, err
		}
		row.IntValue = iv.Int64
		row.DoubleValue = dv.Float64
		row.StringValue = sv.String
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.queries++
	s.rows += int64(len(out))
	return out, nil
}
