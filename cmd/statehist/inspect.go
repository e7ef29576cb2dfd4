package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xtxerr/statehist/internal/backend/historytree"
	"github.com/xtxerr/statehist/internal/statesystem"
	"github.com/xtxerr/statehist/internal/types"
	"github.com/xtxerr/statehist/internal/validation"
)

// selectQuarks resolves a path pattern. An empty pattern selects every
// attribute.
func selectQuarks(ss *statesystem.StateSystem, pattern string) ([]types.Quark, error) {
	if pattern == "" {
		all := make([]types.Quark, ss.NumAttributes())
		for i := range all {
			all[i] = types.Quark(i)
		}
		return all, nil
	}

	segments, err := validation.ParsePattern(pattern)
	if err != nil {
		return nil, err
	}
	var out []types.Quark
	for _, q := range ss.GetQuarks(segments...) {
		if q != types.RootQuark {
			out = append(out, q)
		}
	}
	return out, nil
}

func historyBackend(ss *statesystem.StateSystem) (*historytree.Backend, error) {
	b, ok := ss.Backend().(*historytree.Backend)
	if !ok {
		return nil, fmt.Errorf("backend %T is not a history file", ss.Backend())
	}
	return b, nil
}

// =============================================================================
// info
// =============================================================================

func newInfoCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info [history-file]",
		Short: "Show history file metadata",
		Args:  rangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ss, err := root.openHistory(firstArg(args))
			if err != nil {
				return err
			}
			defer ss.Dispose()

			b, err := historyBackend(ss)
			if err != nil {
				return err
			}
			info, err := b.Info()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if root.JSON {
				return writeJSON(out, info)
			}
			tw := newTable(out)
			fmt.Fprintf(tw, "File:\t%s\n", info.File)
			fmt.Fprintf(tw, "SSID:\t%s\n", info.SSID)
			fmt.Fprintf(tw, "Provider version:\t%d\n", info.ProviderVersion)
			fmt.Fprintf(tw, "Time range:\t[%d,%d]\n", info.StartTime, info.EndTime)
			fmt.Fprintf(tw, "Finished:\t%t\n", info.Finished)
			fmt.Fprintf(tw, "Attributes:\t%d\n", info.QuarkCount)
			fmt.Fprintf(tw, "Nodes:\t%d\n", info.NodeCount)
			fmt.Fprintf(tw, "Depth:\t%d\n", info.Depth)
			fmt.Fprintf(tw, "Block size:\t%d\n", info.BlockSize)
			fmt.Fprintf(tw, "Max children:\t%d\n", info.MaxChildren)
			return tw.Flush()
		},
	}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// =============================================================================
// paths
// =============================================================================

func newPathsCommand(root *rootOptions) *cobra.Command {
	var match string

	cmd := &cobra.Command{
		Use:   "paths <history-file> [pattern]",
		Short: "List attributes",
		Long: `List the attributes of a history with their quarks.

A pattern selects attributes by path: "*" matches any attribute at its level
and ".." steps to the parent, as in "threads/*/status". --match further keeps
paths matching a regular expression.`,
		Args: rangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			re, err := validation.CompileNameFilter(match)
			if err != nil {
				return err
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
			if re != nil {
				kept := quarks[:0]
				for _, q := range quarks {
					if re.MatchString(ss.FullPath(q)) {
						kept = append(kept, q)
					}
				}
				quarks = kept
			}
			return printPaths(cmd.OutOrStdout(), ss, quarks, root.JSON)
		},
	}

	cmd.Flags().StringVar(&match, "match", "", "regular expression on the full path")
	return cmd
}

// =============================================================================
// dump
// =============================================================================

func newDumpCommand(root *rootOptions) *cobra.Command {
	var intervals bool

	cmd := &cobra.Command{
		Use:   "dump <history-file>",
		Short: "Dump the node structure of a history file",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ss, err := root.openHistory(args[0])
			if err != nil {
				return err
			}
			defer ss.Dispose()

			b, err := historyBackend(ss)
			if err != nil {
				return err
			}
			return b.Dump(cmd.OutOrStdout(), intervals)
		},
	}

	cmd.Flags().BoolVar(&intervals, "intervals", false, "also print every interval of every node")
	return cmd
}

// =============================================================================
// verify
// =============================================================================

func newVerifyCommand(root *rootOptions) *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "verify <history-file>",
		Short: "Check that the intervals of every attribute tile the time range",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ss, err := root.openHistory(args[0])
			if err != nil {
				return err
			}
			defer ss.Dispose()

			if !cmd.Flags().Changed("workers") {
				workers = root.cfg.Verify.Workers
			}
			report, err := statesystem.CheckTiling(cmd.Context(), ss, workers)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if root.JSON {
				return writeJSON(out, report)
			}
			fmt.Fprintf(out, "ok: %d attributes, %d intervals, range [%d,%d]\n",
				report.Quarks, report.Intervals, report.Start, report.End)
			return nil
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "attributes checked in parallel (default verify.workers)")
	return cmd
}
