package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/stats"
	"github.com/xtxerr/statehist/internal/statesystem"
	"github.com/xtxerr/statehist/internal/types"
)

var errShellExit = errors.New("exit")

var shellCommands = []prompt.Suggest{
	{Text: "query", Description: "query <time> [pattern]: state at a point in time"},
	{Text: "range", Description: "range <path> [from] [to]: history of one attribute"},
	{Text: "paths", Description: "paths [pattern]: list attributes"},
	{Text: "stats", Description: "stats [pattern] [from] [to]: duration statistics"},
	{Text: "info", Description: "time range and attribute count"},
	{Text: "json", Description: "json on|off: switch output format"},
	{Text: "help", Description: "list commands"},
	{Text: "exit", Description: "leave the shell"},
}

// shell runs query commands against one open history.
type shell struct {
	ss    *statesystem.StateSystem
	out   io.Writer
	json  bool
	stats stats.Options
	ctx   context.Context

	paths []prompt.Suggest
}

func newShellCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell <history-file>",
		Short: "Query a history interactively",
		Long: `Shell opens a history and reads query commands. On a terminal it offers
completion of commands and attribute paths; otherwise commands are read one
per line from stdin.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ss, err := root.openHistory(args[0])
			if err != nil {
				return err
			}
			defer ss.Dispose()

			sh := &shell{
				ss:    ss,
				out:   cmd.OutOrStdout(),
				json:  root.JSON,
				stats: root.cfg.StatsOptions(),
				ctx:   cmd.Context(),
			}

			in := cmd.InOrStdin()
			if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
				sh.interactive(args[0])
				return nil
			}
			return sh.script(in)
		},
	}
}

// script executes one command per line until EOF or exit. Failed commands
// are reported and do not stop the shell.
func (s *shell) script(r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := s.run(sc.Text()); errors.Is(err, errShellExit) {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return errors.IO("read shell input", err)
	}
	return nil
}

func (s *shell) interactive(file string) {
	for q := 0; q < s.ss.NumAttributes(); q++ {
		s.paths = append(s.paths, prompt.Suggest{Text: s.ss.FullPath(types.Quark(q))})
	}

	fmt.Fprintf(s.out, "%s: %d attributes, range [%d,%d]. Type help for commands.\n",
		file, s.ss.NumAttributes(), s.ss.StartTime(), s.ss.CurrentEndTime())

	p := prompt.New(
		func(line string) { s.run(line) },
		s.complete,
		prompt.OptionPrefix("statehist> "),
		prompt.OptionTitle("statehist "+file),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			cmd := strings.TrimSpace(in)
			return breakline && (cmd == "exit" || cmd == "quit")
		}),
	)
	p.Run()
}

func (s *shell) complete(d prompt.Document) []prompt.Suggest {
	word := d.GetWordBeforeCursor()
	fields := strings.Fields(d.TextBeforeCursor())
	if len(fields) == 0 || (len(fields) == 1 && word != "") {
		return prompt.FilterHasPrefix(shellCommands, word, true)
	}

	switch fields[0] {
	case "range", "paths", "stats":
		return prompt.FilterHasPrefix(s.paths, word, false)
	case "query":
		if len(fields) >= 2 && (len(fields) > 2 || word == "") {
			return prompt.FilterHasPrefix(s.paths, word, false)
		}
	}
	return nil
}

// run executes one command line and prints errors.
func (s *shell) run(line string) error {
	err := s.execute(strings.Fields(line))
	if err != nil && !errors.Is(err, errShellExit) {
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
	return err
}

func (s *shell) execute(fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "exit", "quit":
		return errShellExit

	case "help":
		for _, c := range shellCommands {
			fmt.Fprintf(s.out, "  %-6s %s\n", c.Text, c.Description)
		}
		return nil

	case "info":
		fmt.Fprintf(s.out, "ssid %s, %d attributes, range [%d,%d]\n",
			s.ss.SSID(), s.ss.NumAttributes(), s.ss.StartTime(), s.ss.CurrentEndTime())
		return nil

	case "json":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return usagef("usage: json on|off")
		}
		s.json = args[0] == "on"
		return nil

	case "query":
		if len(args) < 1 || len(args) > 2 {
			return usagef("usage: query <time> [pattern]")
		}
		t, err := parseTime("time", args[0])
		if err != nil {
			return err
		}
		return queryState(s.out, s.ss, t, optArg(args, 1), s.json)

	case "range":
		if len(args) < 1 || len(args) > 3 {
			return usagef("usage: range <path> [from] [to]")
		}
		win, err := parseWindow(args[1:])
		if err != nil {
			return err
		}
		return queryRange(s.out, s.ss, args[0], win, s.json)

	case "paths":
		if len(args) > 1 {
			return usagef("usage: paths [pattern]")
		}
		quarks, err := selectQuarks(s.ss, optArg(args, 0))
		if err != nil {
			return err
		}
		return printPaths(s.out, s.ss, quarks, s.json)

	case "stats":
		if len(args) > 3 {
			return usagef("usage: stats [pattern] [from] [to]")
		}
		win, err := parseWindow(args[min(len(args), 1):])
		if err != nil {
			return err
		}
		quarks, err := selectQuarks(s.ss, optArg(args, 0))
		if err != nil {
			return err
		}
		from, to := win.resolve(s.ss)
		report, err := stats.Compute(s.ctx, s.ss, quarks, from, to, s.stats)
		if err != nil {
			return err
		}
		return printReport(s.out, report, s.json)

	default:
		return usagef("unknown command %q, type help", cmd)
	}
}

func optArg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

// parseWindow reads optional from and to timestamps.
func parseWindow(args []string) (window, error) {
	var w window
	var err error
	if len(args) > 0 {
		if w.From, err = parseTime("from", args[0]); err != nil {
			return w, err
		}
		w.HasFrom = true
	}
	if len(args) > 1 {
		if w.To, err = parseTime("to", args[1]); err != nil {
			return w, err
		}
		w.HasTo = true
	}
	return w, nil
}
