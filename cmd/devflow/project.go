package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/devflowhq/devflow/internal/config"
	"github.com/devflowhq/devflow/pkg/models"
)

var (
	projectWorkspace string
	projectRepo      string
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage registered projects",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Register a project and make it active",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectAdd,
}

var projectUseCmd = &cobra.Command{
	Use:   "use <id>",
	Short: "Switch the active project",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectUse,
}

func init() {
	projectAddCmd.Flags().StringVar(&projectWorkspace, "workspace", "", "Local working copy path (default: current directory)")
	projectAddCmd.Flags().StringVar(&projectRepo, "repo", "", "Remote repository (owner/name)")
	projectAddCmd.MarkFlagRequired("repo")

	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectUseCmd)
}

func runProjectAdd(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	workspace := projectWorkspace
	if workspace == "" {
		workspace, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
	}
	workspace, err = filepath.Abs(workspace)
	if err != nil {
		return fmt.Errorf("resolve workspace path: %w", err)
	}

	id := args[0]
	project := &models.Project{
		ID:        id,
		Name:      id,
		Workspace: workspace,
		RepoName:  projectRepo,
	}
	if err := store.SaveProject(project); err != nil {
		return err
	}
	if err := store.SetActiveProject(id); err != nil {
		return err
	}

	fmt.Printf("Registered %s (%s) and made it active\n", id, projectRepo)
	return nil
}

func runProjectUse(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if err := store.SetActiveProject(args[0]); err != nil {
		return err
	}
	fmt.Printf("Active project is now %s\n", args[0])
	return nil
}
