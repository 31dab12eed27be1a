package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/devflowhq/devflow/internal/cimonitor"
	"github.com/devflowhq/devflow/internal/collab"
	"github.com/devflowhq/devflow/internal/config"
	"github.com/devflowhq/devflow/internal/notify"
	"github.com/devflowhq/devflow/internal/runtime"
	devsignal "github.com/devflowhq/devflow/internal/signal"
	"github.com/devflowhq/devflow/pkg/models"
)

var (
	runNoMonitor bool
	runNoDeploy  bool
	runPools     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker pools and CI monitor for the active project",
	Long: `Run the orchestration loop for the active project.

One worker loop runs per configured pool, claiming tasks in priority
order and handing them to the configured executor. When every pool is
idle and every queue is empty the deploy command fires once. The CI
monitor polls the latest run and pushes bounded automatic fixes for
failures.

Stop with Ctrl-C (finishes the current tasks first) or by dropping a
"stop" file in the workspace's .devflow/signals directory.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runNoMonitor, "no-monitor", false, "Disable the CI recovery monitor")
	runCmd.Flags().BoolVar(&runNoDeploy, "no-deploy", false, "Disable the drain-triggered deploy")
	runCmd.Flags().StringVar(&runPools, "pools", "all", "Comma-separated pools to run, or \"all\"")
}

func runRun(cmd *cobra.Command, args []string) error {
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

	notifier, err := notify.NewConsoleNotifier(os.Stdout, cfg.Notify.LogPath)
	if err != nil {
		return fmt.Errorf("set up notifications: %w", err)
	}
	defer notifier.Close()

	// Claims left behind by a crashed run surface as failures, not
	// silent re-runs.
	recovered, err := store.RecoverOrphans(cfg.Workers.OrphanClaimAge)
	if err != nil {
		return fmt.Errorf("recover orphaned claims: %w", err)
	}
	if recovered > 0 {
		notifier.Notify(notify.SeverityWarning,
			"marked %d orphaned claim(s) as failed; inspect with 'devflow status'", recovered)
	}

	debugLogger := runtime.NewDebugLoggerForWorkspace(project.Workspace)
	defer debugLogger.Close()
	runtime.SetDebugLogger(debugLogger)

	executor := &collab.CommandExecutor{
		Command: cfg.Executor.Command,
		Args:    cfg.Executor.Args,
	}
	github := collab.NewGitHub()

	var deployer collab.Deployer
	if !runNoDeploy && cfg.Deploy.Command != "" {
		deployer = &collab.CommandDeployer{
			Command: cfg.Deploy.Command,
			Args:    cfg.Deploy.Args,
		}
	}

	rt, err := runtime.New(runtime.Options{
		Store:           store,
		Executor:        executor,
		VCS:             github,
		Deployer:        deployer,
		Notifier:        notifier,
		PollInterval:    cfg.Workers.PollInterval,
		ExecutorTimeout: cfg.Executor.Timeout,
	})
	if err != nil {
		return err
	}

	signals, err := devsignal.NewManager(project.Workspace)
	if err != nil {
		return fmt.Errorf("set up signal watcher: %w", err)
	}
	defer signals.Close()
	signals.ClearSignals()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(ctx)

	pools, err := selectPools(cfg)
	if err != nil {
		return err
	}

	g.Go(func() error {
		notifier.Notify(notify.SeverityInfo,
			"starting %d worker pool(s) for %s", len(pools), project.ID)
		err := rt.Run(gctx, project, pools)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	if !runNoMonitor {
		monitor, err := cimonitor.New(cimonitor.Options{
			Store:          store,
			CI:             github,
			VCS:            github,
			Executor:       executor,
			Notifier:       notifier,
			Pools:          rt,
			PollInterval:   cfg.Monitor.PollInterval,
			MaxFixAttempts: cfg.Monitor.MaxFixAttempts,
			StallCeiling:   cfg.Monitor.StallCeiling,
			FixTimeout:     cfg.Executor.Timeout,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			err := monitor.Run(gctx, project)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	// Watch for operator stop/pause requests. The first stop is advisory
	// (loops finish their current task); a second Ctrl-C cancels hard.
	g.Go(func() error {
		stopping := false
		paused := false
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-sigCh:
				if stopping {
					notifier.Notify(notify.SeverityWarning, "second interrupt, stopping now")
					cancel()
					return nil
				}
				stopping = true
				notifier.Notify(notify.SeverityInfo,
					"stop requested, finishing current tasks (Ctrl-C again to force)")
				rt.Stop()
			case <-ticker.C:
				if signals.ShouldStop() && !stopping {
					stopping = true
					notifier.Notify(notify.SeverityInfo,
						"stop signal received, finishing current tasks")
					rt.Stop()
				}
				if p := signals.ShouldPause(); p != paused {
					paused = p
					if paused {
						notifier.Notify(notify.SeverityInfo,
							"pause signal received, not claiming new tasks")
						rt.Pause()
					} else {
						notifier.Notify(notify.SeverityInfo, "resuming")
						rt.Resume()
					}
				}
				if stopping && allStopped(rt) {
					cancel()
					return nil
				}
			}
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	notifier.Notify(notify.SeverityInfo, "stopped")
	return nil
}

// selectPools resolves the --pools flag against the configured pools.
func selectPools(cfg *config.Config) ([]models.Pool, error) {
	if runPools == "" || runPools == "all" {
		return cfg.Pools(), nil
	}
	var pools []models.Pool
	for _, name := range strings.Split(runPools, ",") {
		p := models.Pool(strings.TrimSpace(name))
		if !p.Valid() {
			return nil, fmt.Errorf("unknown pool %q", name)
		}
		pools = append(pools, p)
	}
	return pools, nil
}

func allStopped(rt *runtime.Runtime) bool {
	for _, st := range rt.Status() {
		if st.State != runtime.PoolStateStopped {
			return false
		}
	}
	return true
}
