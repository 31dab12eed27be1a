package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/devflowhq/devflow/internal/classify"
	"github.com/devflowhq/devflow/internal/collab"
	"github.com/devflowhq/devflow/internal/config"
	"github.com/devflowhq/devflow/internal/ingest"
	"github.com/devflowhq/devflow/internal/notify"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Pull open work items and enqueue them as tasks",
	Long: `List the active project's open work items, classify each into a
worker pool, and enqueue the new ones. Items already queued or claimed
are skipped, so ingestion can run repeatedly.`,
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
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
		return fmt.Errorf("no active project; add one with 'devflow project add' first: %w", err)
	}

	rules := classify.DefaultRules()
	if cfg.Classify.RulesPath != "" {
		rules, err = classify.LoadRules(cfg.Classify.RulesPath)
		if err != nil {
			return fmt.Errorf("load classification rules: %w", err)
		}
	}

	notifier, err := notify.NewConsoleNotifier(os.Stdout, cfg.Notify.LogPath)
	if err != nil {
		return fmt.Errorf("set up notifications: %w", err)
	}
	defer notifier.Close()

	ing := ingest.New(store, collab.NewGitHub(), classify.New(rules), notifier)
	result, err := ing.Run(cmd.Context(), project)
	if err != nil {
		return err
	}

	fmt.Printf("Ingested %s: %d item(s) seen, %d enqueued, %d already tracked\n",
		project.RepoName, result.Seen, result.Enqueued, result.Skipped)
	return nil
}
