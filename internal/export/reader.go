package export

import (
	"io"
	"os"
	"strconv"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/statehist/internal/errors"
)

// Reader reads interval rows from a Parquet file.
type Reader struct {
	file   *os.File
	reader *parquet.GenericReader[IntervalRow]
	path   string
	meta   Metadata
}

// NewReader opens a file written by Writer.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.IO("open file", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.IO("stat file", err)
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		f.Close()
		return nil, errors.NewCorrupt("%s: %v", path, err)
	}
	meta, err := readMetadata(pf)
	if err != nil {
		f.Close()
		return nil, err
	}

	reader := parquet.NewGenericReader[IntervalRow](f, parquet.ReadBufferSize(1024*1024))

	return &Reader{
		file:   f,
		reader: reader,
		path:   path,
		meta:   meta,
	}, nil
}

func readMetadata(pf *parquet.File) (Metadata, error) {
	var m Metadata
	m.SSID, _ = pf.Lookup(metaSSID)

	parse := func(key string) (int64, error) {
		s, ok := pf.Lookup(key)
		if !ok {
			return 0, errors.NewCorrupt("missing footer key %s", key)
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, errors.NewCorrupt("footer key %s=%q", key, s)
		}
		return n, nil
	}

	var err error
	if m.StartTime, err = parse(metaStartTime); err != nil {
		return m, err
	}
	if m.EndTime, err = parse(metaEndTime); err != nil {
		return m, err
	}
	if m.EndTime < m.StartTime {
		return m, errors.NewCorrupt("end time %d before start time %d", m.EndTime, m.StartTime)
	}
	return m, nil
}

// Metadata returns the footer metadata.
func (r *Reader) Metadata() Metadata {
	return r.meta
}

// Read reads up to n rows. It returns io.EOF once the file is exhausted.
func (r *Reader) Read(n int) ([]IntervalRow, error) {
	rows := make([]IntervalRow, n)
	count, err := r.reader.Read(rows)
	if err != nil && !(err == io.EOF && count > 0) {
		return nil, err
	}
	return rows[:count], nil
}

// ReadAll reads all rows from the file.
func (r *Reader) ReadAll() ([]IntervalRow, error) {
	numRows := r.reader.NumRows()
	rows := make([]IntervalRow, numRows)

	n, err := r.reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, errors.IO("read rows", err)
	}

	return rows[:n], nil
}

// NumRows returns the total number of rows in the file.
func (r *Reader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *Reader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *Reader) Path() string {
	return r.path
}
