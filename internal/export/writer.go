package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/types"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// PageSize is the target page size in bytes
	PageSize int

	// BatchSize is the number of rows Export buffers between writes
	BatchSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression: CompressionZstd,
		PageSize:    1024 * 1024, // 1MB
		BatchSize:   4096,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) (CompressionType, error) {
	switch s {
	case "snappy":
		return CompressionSnappy, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	case "gzip":
		return CompressionGzip, nil
	case "none", "":
		return CompressionNone, nil
	default:
		return CompressionNone, errors.NewInvalidValue("compression", s, "want none, snappy, zstd, lz4 or gzip")
	}
}

// String returns the name accepted by ParseCompressionType.
func (c CompressionType) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionGzip:
		return "gzip"
	default:
		return "none"
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// IntervalRow represents an interval in Parquet format.
//
// Only the payload column matching Kind is meaningful.
type IntervalRow struct {
	Quark       int32   `parquet:"quark"`
	Parent      int32   `parquet:"parent"`
	Name        string  `parquet:"name,dict"`
	Path        string  `parquet:"path,dict,zstd"`
	Start       int64   `parquet:"start"`
	End         int64   `parquet:"end"`
	Kind        string  `parquet:"kind,dict"`
	IntValue    int64   `parquet:"int_value,optional"`
	DoubleValue float64 `parquet:"double_value,optional"`
	StringValue string  `parquet:"string_value,optional,zstd"`
}

// IntervalToRow converts an Interval to an IntervalRow. The attribute
// columns are left to the caller.
func IntervalToRow(iv types.Interval) IntervalRow {
	row := IntervalRow{
		Quark: int32(iv.Quark),
		Start: iv.Start,
		End:   iv.End,
		Kind:  iv.Value.Kind().String(),
	}

	switch iv.Value.Kind() {
	case types.KindInt:
		n, _ := iv.Value.Int()
		row.IntValue = int64(n)
	case types.KindLong:
		row.IntValue, _ = iv.Value.Long()
	case types.KindDouble:
		row.DoubleValue, _ = iv.Value.Double()
	case types.KindString:
		row.StringValue, _ = iv.Value.Str()
	}

	return row
}

// RowToInterval converts an IntervalRow to an Interval.
func RowToInterval(r *IntervalRow) (types.Interval, error) {
	kind, ok := types.ParseKind(r.Kind)
	if !ok {
		return types.Interval{}, errors.NewCorrupt("row for quark %d: unknown kind %q", r.Quark, r.Kind)
	}

	var v types.Value
	switch kind {
	case types.KindInt:
		v = types.IntValue(int32(r.IntValue))
	case types.KindLong:
		v = types.LongValue(r.IntValue)
	case types.KindDouble:
		v = types.DoubleValue(r.DoubleValue)
	case types.KindString:
		v = types.StringValue(r.StringValue)
	default:
		v = types.NullValue()
	}

	iv, err := types.NewInterval(types.Quark(r.Quark), r.Start, r.End, v)
	if err != nil {
		return types.Interval{}, errors.NewCorrupt("%v", err)
	}
	return iv, nil
}

// =============================================================================
// File Metadata
// =============================================================================

const (
	metaSSID      = "statehist.ssid"
	metaStartTime = "statehist.start_time"
	metaEndTime   = "statehist.end_time"
)

// Metadata describes the history a file was exported from.
type Metadata struct {
	SSID      string
	StartTime int64
	EndTime   int64
}

func (m Metadata) options() []parquet.WriterOption {
	return []parquet.WriterOption{
		parquet.KeyValueMetadata(metaSSID, m.SSID),
		parquet.KeyValueMetadata(metaStartTime, strconv.FormatInt(m.StartTime, 10)),
		parquet.KeyValueMetadata(metaEndTime, strconv.FormatInt(m.EndTime, 10)),
	}
}

// =============================================================================
// Writer
// =============================================================================

// Writer writes interval rows to a Parquet file.
type Writer struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[IntervalRow]
	rowCount int64
	closed   bool
}

// NewWriter creates a new Parquet writer. meta is stored in the file footer.
func NewWriter(path string, opts Options, meta Metadata) (*Writer, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.IO("create directory", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, errors.IO("create file", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}
	if opts.PageSize > 0 {
		writerOpts = append(writerOpts, parquet.PageBufferSize(opts.PageSize))
	}
	writerOpts = append(writerOpts, meta.options()...)

	writer := parquet.NewGenericWriter[IntervalRow](f, writerOpts...)

	return &Writer{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write writes rows to the Parquet file.
func (w *Writer) Write(rows []IntervalRow) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return errors.IO("write rows", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close flushes the footer and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return errors.IO("close writer", err)
	}

	return errors.IO("close file", w.file.Close())
}

// RowCount returns the number of rows written.
func (w *Writer) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")
