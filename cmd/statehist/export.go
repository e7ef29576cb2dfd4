package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xtxerr/statehist/internal/backend"
	"github.com/xtxerr/statehist/internal/backend/historytree"
	"github.com/xtxerr/statehist/internal/export"
	"github.com/xtxerr/statehist/internal/statesystem"
)

func newExportCommand(root *rootOptions) *cobra.Command {
	var compression string

	cmd := &cobra.Command{
		Use:   "export <history-file> <parquet-file>",
		Short: "Export every interval of a history to Parquet",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := root.cfg.ExportOptions()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("compression") {
				ct, err := export.ParseCompressionType(compression)
				if err != nil {
					return err
				}
				opts.Compression = ct
			}

			ss, err := root.openHistory(args[0])
			if err != nil {
				return err
			}
			defer ss.Dispose()

			sum, err := export.Export(cmd.Context(), ss, args[1], opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if root.JSON {
				return writeJSON(out, sum)
			}
			fmt.Fprintf(out, "exported %d intervals of %d attributes to %s (%s, range [%d,%d])\n",
				sum.Rows, sum.Quarks, sum.Path, opts.Compression, sum.StartTime, sum.EndTime)
			return nil
		},
	}

	cmd.Flags().StringVar(&compression, "compression", "", "none, snappy, zstd, lz4 or gzip (default export.compression)")
	return cmd
}

func newImportCommand(root *rootOptions) *cobra.Command {
	var verify bool

	cmd := &cobra.Command{
		Use:   "import <parquet-file> [history-file]",
		Short: "Rebuild a history from a Parquet export",
		Long: `Import reads a Parquet export and rebuilds the history on the configured
backend, keeping its SSID, time range and attribute quarks.`,
		Args: rangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			file := ""
			if len(args) > 1 {
				file = args[1]
			}
			name := root.cfg.Backend
			if name == historytree.Name && root.backendOptions(file).File == "" {
				return usagef("the %s backend needs a history file", name)
			}

			newBackend := func(meta export.Metadata) (backend.Backend, error) {
				bo := root.backendOptions(file)
				bo.SSID = meta.SSID
				bo.StartTime = meta.StartTime
				return root.registry.New(name, bo)
			}
			ss, err := export.Import(args[0], newBackend, root.stateSystemOptions())
			if err != nil {
				return err
			}
			defer ss.Dispose()

			if verify {
				if _, err := statesystem.CheckTiling(cmd.Context(), ss, root.cfg.Verify.Workers); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "imported %d attributes into %s history, range [%d,%d], ssid %s\n",
				ss.NumAttributes(), name, ss.StartTime(), ss.CurrentEndTime(), ss.SSID())
			return nil
		},
	}

	cmd.Flags().BoolVar(&verify, "verify", false, "check interval tiling after importing")
	return cmd
}

func newSQLCommand(root *rootOptions) *cobra.Command {
	var (
		query string
		at    int64
	)

	cmd := &cobra.Command{
		Use:   "sql <parquet-file>... [--query <sql> | --at <time>]",
		Short: "Run DuckDB SQL over Parquet exports",
		Long: `SQL opens Parquet exports in an in-memory DuckDB database, where they are
visible as the view "intervals" with the columns quark, parent, name, path,
start, end, kind, int_value, double_value and string_value.

With --at, the intervals containing that time are printed instead.`,
		Args: minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hasAt := cmd.Flags().Changed("at")
			if (query == "") == !hasAt {
				return usagef("give exactly one of --query and --at")
			}

			db, err := export.OpenSQL(cmd.Context(), args...)
			if err != nil {
				return err
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			if hasAt {
				rows, err := db.StateAt(cmd.Context(), at)
				if err != nil {
					return err
				}
				if root.JSON {
					return writeJSON(out, rows)
				}
				tw := newTable(out)
				fmt.Fprintln(tw, "PATH\tSTART\tEND\tVALUE")
				for i := range rows {
					iv, err := export.RowToInterval(&rows[i])
					if err != nil {
						return err
					}
					fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", rows[i].Path, iv.Start, iv.End, iv.Value.Tagged())
				}
				return tw.Flush()
			}

			res, err := db.Query(cmd.Context(), query)
			if err != nil {
				return err
			}
			return printQueryResult(out, res, root.JSON)
		},
	}

	cmd.Flags().StringVar(&query, "query", "", "SQL query to run")
	cmd.Flags().Int64Var(&at, "at", 0, "print the intervals containing this time")
	return cmd
}
