// Package export writes state histories to Parquet files and reads them back.
//
// The package provides:
//   - Writer/Reader for IntervalRow files
//   - Export, which streams every interval of a state system into a file
//   - Import, which rebuilds a finished state system from such a file
//   - SQL, ad-hoc DuckDB queries over one or more exported files
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
//
// A file holds one row per interval. Rows carry the parent quark and name of
// their attribute, so Import recreates the attribute tree with the same quarks.
package export
