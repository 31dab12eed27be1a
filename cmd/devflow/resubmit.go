package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devflowhq/devflow/internal/config"
)

var resubmitCmd = &cobra.Command{
	Use:   "resubmit <item-id>",
	Short: "Return a failed task to its queue",
	Long: `Re-queue a failed task for the active project. Failed tasks are
never retried automatically; this is the explicit operator decision to
spend another execution on them.`,
	Args: cobra.ExactArgs(1),
	RunE: runResubmit,
}

func runResubmit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	project, err := store.ActiveProject()
	if err != nil {
		return fmt.Errorf("active project: %w", err)
	}

	if err := store.Resubmit(project.ID, args[0]); err != nil {
		return err
	}
	fmt.Printf("Task %s re-queued\n", args[0])
	return nil
}
