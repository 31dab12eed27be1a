package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devflowhq/devflow/internal/config"
	devsignal "github.com/devflowhq/devflow/internal/signal"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask a running devflow process to stop after its current tasks",
	RunE:  runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
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

	signals, err := devsignal.NewManager(project.Workspace)
	if err != nil {
		return fmt.Errorf("set up signal writer: %w", err)
	}
	defer signals.Close()

	if err := signals.SendStop(); err != nil {
		return fmt.Errorf("send stop signal: %w", err)
	}
	fmt.Println("Stop signal sent; workers finish their current tasks and exit.")
	return nil
}
