// statehist builds, inspects and queries state history files.
package main

import (
	"fmt"
	"os"

	"github.com/xtxerr/statehist/internal/errors"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "statehist: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode extends errors.ExitCode with command line usage errors.
func exitCode(err error) int {
	var ue *usageError
	if errors.As(err, &ue) {
		return errors.ExitUsage
	}
	return errors.ExitCode(err)
}
