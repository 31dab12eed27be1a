package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/devflowhq/devflow/internal/config"
	"github.com/devflowhq/devflow/internal/queue"
)

var rootCmd = &cobra.Command{
	Use:   "devflow",
	Short: "Autonomous task orchestration and CI recovery",
	Long: `Devflow turns open work items into an autonomous development loop.

It classifies items into specialist worker pools, works each pool's
priority queue through an external coding agent, deploys once when
every queue drains, and watches CI to repair failing builds within a
bounded fix budget.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(resubmitCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(versionCmd)
}

// openStore opens the task store at the configured path, defaulting to
// the per-workspace location under the current directory.
func openStore(cfg *config.Config) (*queue.Store, error) {
	path := cfg.Store.Path
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		path = queue.DefaultDBPath(cwd)
	}
	return queue.OpenStore(path)
}
