// Command evalgrid is the single binary that can run any of the three
// roles described in spec §4.7: server (Executor + Scheduler +
// WorkerManager), worker, and a thin client for operational use. Each
// role is a cobra subcommand registered via init(), the way rclone's
// backend-specific commands attach themselves to a shared Root (see
// backend/torrent/cmd/backend.go for the pattern this mirrors).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/evalgrid/evalgrid/internal/log"
)

// root is the top-level command; subcommands add themselves in their own
// init() functions.
var root = &cobra.Command{
	Use:   "evalgrid",
	Short: "Distributed build-and-evaluate engine for competitive-programming tasks",
	SilenceUsage: true,
}

var verbose bool

func init() {
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cobra.OnInitialize(func() {
		if verbose {
			log.SetLevel(log.DEBUG)
		}
	})
}

func main() {
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "evalgrid:", err)
		os.Exit(1)
	}
}

func errRequiredFlag(name string) error {
	return fmt.Errorf("--%s is required", name)
}
