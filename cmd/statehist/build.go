package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xtxerr/statehist/internal/backend/historytree"
	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/export"
	"github.com/xtxerr/statehist/internal/logging"
	"github.com/xtxerr/statehist/internal/provider"
	"github.com/xtxerr/statehist/internal/statesystem"
)

type buildOptions struct {
	Start  int64
	SSID   string
	Verify bool
	Export string
}

type buildView struct {
	Backend    string `json:"backend"`
	File       string `json:"file,omitempty"`
	SSID       string `json:"ssid"`
	Events     int64  `json:"events"`
	Attributes int    `json:"attributes"`
	Start      int64  `json:"start"`
	End        int64  `json:"end"`
	Verified   bool   `json:"verified,omitempty"`
	Exported   int64  `json:"exported_rows,omitempty"`
}

func newBuildCommand(root *rootOptions) *cobra.Command {
	opts := &buildOptions{}

	cmd := &cobra.Command{
		Use:   "build <script> [history-file]",
		Short: "Build a state history from an event script",
		Long: `Build reads an event script ("-" for stdin) and builds a state history.

Each script line is "<time> <op> <path> [value]" with op one of set, push,
pop, remove and incr. Timestamps must not decrease. The history is finished
at the last event time, also when the input fails or the build is
interrupted.`,
		Args: rangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			file := ""
			if len(args) > 1 {
				file = args[1]
			}
			return runBuild(cmd, root, opts, args[0], file)
		},
	}

	cmd.Flags().Int64Var(&opts.Start, "start", 0, "start time of the history")
	cmd.Flags().StringVar(&opts.SSID, "ssid", "", "state system id (default: random UUID)")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "check interval tiling after building")
	cmd.Flags().StringVar(&opts.Export, "export", "", "also export the history to this Parquet file")

	return cmd
}

func runBuild(cmd *cobra.Command, root *rootOptions, opts *buildOptions, script, file string) error {
	var in io.Reader = cmd.InOrStdin()
	if script != "-" {
		f, err := os.Open(script)
		if err != nil {
			return errors.IO("open script", err)
		}
		defer f.Close()
		in = f
	}

	name := root.cfg.Backend
	bo := root.backendOptions(file)
	bo.StartTime = opts.Start
	bo.SSID = opts.SSID
	if bo.ProviderVersion == 0 {
		bo.ProviderVersion = provider.ScriptVersion
	}
	if name == historytree.Name && bo.File == "" {
		return usagef("the %s backend needs a history file", name)
	}

	b, err := root.registry.New(name, bo)
	if err != nil {
		return err
	}
	ss := statesystem.New(b, root.stateSystemOptions())
	defer ss.Dispose()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if bo.File != "" {
		ctx = logging.ContextWithFile(ctx, bo.File)
	}
	ctx = logging.ContextWithSSID(ctx, ss.SSID())
	log := logging.FromContext(ctx, logging.Component("cli")).With("backend", name)
	log.Info("building history", "script", script, "start", opts.Start)

	runner := provider.NewRunner(provider.NewScriptSource(in), provider.NewScriptHandler(), ss, logging.Component("provider"))
	if err := runner.Run(ctx); err != nil {
		return fmt.Errorf("build from %s: %w", script, err)
	}
	st := runner.Stats()

	view := buildView{
		Backend:    name,
		File:       bo.File,
		SSID:       ss.SSID(),
		Events:     st.Events,
		Attributes: ss.NumAttributes(),
		Start:      ss.StartTime(),
		End:        ss.CurrentEndTime(),
	}

	if opts.Verify {
		if _, err := statesystem.CheckTiling(ctx, ss, root.cfg.Verify.Workers); err != nil {
			return err
		}
		view.Verified = true
	}

	if opts.Export != "" {
		eo, err := root.cfg.ExportOptions()
		if err != nil {
			return err
		}
		sum, err := export.Export(ctx, ss, opts.Export, eo)
		if err != nil {
			return err
		}
		view.Exported = sum.Rows
	}

	log.Info("history built", "events", view.Events, "attributes", view.Attributes, "end", view.End)

	out := cmd.OutOrStdout()
	if root.JSON {
		return writeJSON(out, view)
	}
	fmt.Fprintf(out, "built %s history: %d events, %d attributes, range [%d,%d], ssid %s\n",
		view.Backend, view.Events, view.Attributes, view.Start, view.End, view.SSID)
	if view.Verified {
		fmt.Fprintln(out, "tiling verified")
	}
	if opts.Export != "" {
		fmt.Fprintf(out, "exported %d intervals to %s\n", view.Exported, opts.Export)
	}
	return nil
}
