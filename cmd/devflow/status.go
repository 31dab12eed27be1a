package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/devflowhq/devflow/internal/config"
	"github.com/devflowhq/devflow/internal/queue"
	"github.com/devflowhq/devflow/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depths, failures, and CI fix budgets",
	Long: `Display the state of the active project.

Shows:
  - Queue depth per worker pool
  - Failed tasks awaiting operator attention
  - CI fix-attempt counts per failing lineage
  - Last deploy, if any`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
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
	if err == queue.ErrNoActiveProject {
		fmt.Println("No active project. Add one with 'devflow project add'.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("active project: %w", err)
	}

	bold := color.New(color.Bold)
	bold.Printf("Project: %s (%s)\n", project.Name, project.RepoName)
	fmt.Printf("  Workspace: %s\n", project.Workspace)
	if project.DeployedAt != nil {
		fmt.Printf("  Last deploy: %s (%s ago)\n",
			project.DeployURL, formatDuration(time.Since(*project.DeployedAt)))
	} else {
		fmt.Println("  Last deploy: never")
	}
	if project.LastCIRunID != "" {
		fmt.Printf("  Last CI run: %s\n", project.LastCIRunID)
	}

	depths, err := store.Depths(project.ID)
	if err != nil {
		return fmt.Errorf("queue depths: %w", err)
	}

	fmt.Println()
	bold.Println("Queues:")
	total := 0
	for _, pool := range models.AllPools() {
		fmt.Printf("  %-18s %d queued\n", pool, depths[pool])
		total += depths[pool]
	}
	if total == 0 {
		fmt.Println("  (all drained)")
	}

	failed, err := store.FailedTasks(project.ID)
	if err != nil {
		return fmt.Errorf("failed tasks: %w", err)
	}
	if len(failed) > 0 {
		fmt.Println()
		color.New(color.FgYellow, color.Bold).Printf("Failed tasks (%d):\n", len(failed))
		for _, t := range failed {
			fmt.Printf("  %s [%s/%s, %d attempt(s)]: %s\n",
				t.SourceItemID, t.Pool, t.Kind, t.AttemptCount, t.LastError)
		}
	}

	lineages, err := store.LineageCounts(project.ID)
	if err != nil {
		return fmt.Errorf("lineage counts: %w", err)
	}
	if len(lineages) > 0 {
		fmt.Println()
		bold.Println("CI fix budgets:")
		for lineage, attempts := range lineages {
			exhausted, _ := store.LineageExhausted(project.ID, lineage)
			suffix := ""
			if exhausted {
				suffix = color.RedString(" (exhausted, manual fix required)")
			}
			fmt.Printf("  run %s: %d/%d attempts%s\n",
				lineage, attempts, cfg.Monitor.MaxFixAttempts, suffix)
		}
	}

	return nil
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}
