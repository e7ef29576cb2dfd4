package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/xtxerr/statehist/internal/backend"
	"github.com/xtxerr/statehist/internal/backend/historytree"
	"github.com/xtxerr/statehist/internal/backend/memory"
	"github.com/xtxerr/statehist/internal/config"
	"github.com/xtxerr/statehist/internal/logging"
	"github.com/xtxerr/statehist/internal/metrics"
	"github.com/xtxerr/statehist/internal/statesystem"
)

// rootOptions holds the global flags and everything the persistent pre-run
// sets up for subcommands.
type rootOptions struct {
	ConfigPath string
	LogLevel   string
	LogJSON    bool
	Backend    string
	JSON       bool

	cfg      *config.Config
	registry *backend.Registry
	metrics  *metrics.Metrics
}

// NewRootCommand creates the statehist command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "statehist",
		Short: "Build and query state history files",
		Long: `statehist builds state histories from event scripts and answers
queries against them: the full state at a time, the history of one
attribute, duration statistics, tiling checks and Parquet export.`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: opts.setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return opts.writeMetrics()
		},
	}

	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return &usageError{msg: err.Error()}
	})

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.ConfigPath, "config", "c", "", "configuration file (YAML)")
	pf.StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&opts.LogJSON, "log-json", false, "log in JSON format")
	pf.StringVar(&opts.Backend, "backend", "", "backend used by build and import (memory, historytree)")
	pf.BoolVar(&opts.JSON, "json", false, "print results as JSON")

	cmd.AddCommand(
		newBuildCommand(opts),
		newInfoCommand(opts),
		newQueryCommand(opts),
		newRangeCommand(opts),
		newPathsCommand(opts),
		newDumpCommand(opts),
		newStatsCommand(opts),
		newExportCommand(opts),
		newImportCommand(opts),
		newSQLCommand(opts),
		newVerifyCommand(opts),
		newShellCommand(opts),
	)

	return cmd
}

// setup loads the configuration, applies flag overrides and initializes
// logging, metrics and the backend registry.
func (o *rootOptions) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadOrDefault(o.ConfigPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = o.LogLevel
	}
	if flags.Changed("log-json") {
		cfg.Logging.JSON = o.LogJSON
	}
	if flags.Changed("backend") {
		cfg.Backend = o.Backend
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logging.InitWriter(cmd.ErrOrStderr(), level, cfg.Logging.JSON)

	if cfg.Metrics.Enabled {
		o.metrics = metrics.New()
	}

	o.registry = backend.NewRegistry()
	memory.Register(o.registry)
	historytree.Register(o.registry)

	o.cfg = cfg
	logging.Component("cli").Debug("configuration loaded",
		"config", o.ConfigPath, "backend", cfg.Backend, "metrics", cfg.Metrics.Enabled)
	return nil
}

func (o *rootOptions) writeMetrics() error {
	if o.cfg == nil || o.cfg.Metrics.Textfile == "" {
		return nil
	}
	if err := o.metrics.WriteTextfile(o.cfg.Metrics.Textfile); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// backendOptions returns the configured backend options for file.
func (o *rootOptions) backendOptions(file string) backend.Options {
	opts := o.cfg.BackendOptions(file)
	opts.Metrics = o.metrics
	return opts
}

func (o *rootOptions) stateSystemOptions() statesystem.Options {
	return statesystem.Options{Metrics: o.metrics}
}

// openHistory opens a finished history file. An empty file means
// history.file from the configuration.
func (o *rootOptions) openHistory(file string) (*statesystem.StateSystem, error) {
	opts := o.backendOptions(file)
	if opts.File == "" {
		return nil, usagef("no history file given and history.file is not configured")
	}

	b, err := o.registry.Open(historytree.Name, opts)
	if err != nil {
		return nil, err
	}
	ss, err := statesystem.Open(b, o.stateSystemOptions())
	if err != nil {
		b.Dispose()
		return nil, err
	}
	return ss, nil
}

// =============================================================================
// Arguments
// =============================================================================

// usageError reports bad command line input.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func rangeArgs(lo, hi int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.RangeArgs(lo, hi)(cmd, args); err != nil {
			return &usageError{msg: err.Error()}
		}
		return nil
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MinimumNArgs(n)(cmd, args); err != nil {
			return &usageError{msg: err.Error()}
		}
		return nil
	}
}

func exactArgs(n int) cobra.PositionalArgs {
	return rangeArgs(n, n)
}

func parseTime(name, s string) (int64, error) {
	t, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, usagef("invalid %s %q: want an integer timestamp", name, s)
	}
	return t, nil
}
