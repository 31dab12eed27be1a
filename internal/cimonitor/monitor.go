// Package cimonitor watches the active project's CI and repairs failing
// builds within a bounded budget. Each failing lineage gets at most a
// fixed number of automatic fix attempts; past the ceiling the lineage
// is frozen and escalated to the operator. The monitor also watches the
// worker pools for stalls.
package cimonitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devflowhq/devflow/internal/collab"
	"github.com/devflowhq/devflow/internal/notify"
	"github.com/devflowhq/devflow/internal/queue"
	"github.com/devflowhq/devflow/internal/runtime"
	"github.com/devflowhq/devflow/pkg/models"
)

// logExcerptLimit bounds the CI log excerpt handed to the executor.
const logExcerptLimit = 4000

// StatusSource exposes pool loop snapshots for stall detection. The
// worker runtime satisfies it.
type StatusSource interface {
	Status() map[models.Pool]runtime.PoolStatus
}

// Options configures a Monitor.
type Options struct {
	Store    *queue.Store
	CI       collab.CI
	VCS      collab.VCS
	Executor collab.Executor
	Notifier notify.Notifier
	Pools    StatusSource

	// PollInterval is the CI poll cadence.
	PollInterval time.Duration
	// MaxFixAttempts caps automatic fixes per failing lineage.
	MaxFixAttempts int
	// StallCeiling is how long a pool may work one task before a stall
	// notification is raised.
	StallCeiling time.Duration
	// FixTimeout bounds one fix execution.
	FixTimeout time.Duration
}

// Monitor polls CI for the active project and dispatches bounded
// automatic fixes for failing runs.
type Monitor struct {
	store    *queue.Store
	ci       collab.CI
	vcs      collab.VCS
	executor collab.Executor
	notifier notify.Notifier
	pools    StatusSource

	pollInterval   time.Duration
	maxFixAttempts int
	stallCeiling   time.Duration
	fixTimeout     time.Duration

	mu sync.Mutex
	// seeded is set once the episode state has been loaded from the
	// store, so a restart picks up an open lineage instead of granting
	// the next failure a fresh budget.
	seeded bool
	// handled records run IDs already acted on, so one failure is never
	// fixed twice.
	handled map[string]bool
	// lineageID identifies the failing lineage currently under repair,
	// empty when CI is green.
	lineageID string
	// lastFixRunID is the failing run the latest fix attempt answered.
	lastFixRunID string
	// fixCommits records commit refs this monitor pushed. A failing run
	// on any other commit starts a fresh lineage.
	fixCommits map[string]bool
	// stallNotified records pool/task pairs already flagged as stalled,
	// so each stall episode notifies exactly once.
	stallNotified map[string]bool
}

// New creates a Monitor.
func New(opts Options) (*Monitor, error) {
	if opts.Store == nil || opts.CI == nil || opts.Executor == nil {
		return nil, fmt.Errorf("cimonitor: store, CI, and executor are required")
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.MaxFixAttempts <= 0 {
		opts.MaxFixAttempts = 3
	}
	if opts.StallCeiling <= 0 {
		opts.StallCeiling = 10 * time.Minute
	}
	if opts.FixTimeout <= 0 {
		opts.FixTimeout = 45 * time.Minute
	}

	return &Monitor{
		store:          opts.Store,
		ci:             opts.CI,
		vcs:            opts.VCS,
		executor:       opts.Executor,
		notifier:       opts.Notifier,
		pools:          opts.Pools,
		pollInterval:   opts.PollInterval,
		maxFixAttempts: opts.MaxFixAttempts,
		stallCeiling:   opts.StallCeiling,
		fixTimeout:     opts.FixTimeout,
		handled:        make(map[string]bool),
		fixCommits:     make(map[string]bool),
		stallNotified:  make(map[string]bool),
	}, nil
}

// Run polls until the context ends. Individual poll errors are absorbed
// and retried on the next cycle; only context cancellation stops the
// monitor.
func (m *Monitor) Run(ctx context.Context, project *models.Project) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Poll(ctx, project)
		}
	}
}

// Poll runs one monitoring cycle: a CI check and a stall sweep.
// Exported so the command surface and tests can drive cycles directly.
func (m *Monitor) Poll(ctx context.Context, project *models.Project) {
	if err := m.ensureSeeded(project); err != nil {
		m.notifier.Notify(notify.SeverityWarning, "loading repair state failed: %v", err)
	} else if err := m.checkCI(ctx, project); err != nil {
		m.notifier.Notify(notify.SeverityWarning, "CI check failed: %v", err)
	}
	m.checkStalls()
}

// ensureSeeded loads the persisted repair episode on the first poll.
// Attempt counts and the exhausted flag live in the store; the lineage
// key, its pushed commits, and the pending fix run are restored here so
// they survive a restart.
func (m *Monitor) ensureSeeded(project *models.Project) error {
	m.mu.Lock()
	done := m.seeded
	m.mu.Unlock()
	if done {
		return nil
	}

	state, err := m.store.OpenLineage(project.ID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seeded {
		return nil
	}
	m.seeded = true
	if state == nil {
		return nil
	}
	m.lineageID = state.LineageID
	m.lastFixRunID = state.LastFixRunID
	for _, ref := range state.FixCommits {
		m.fixCommits[ref] = true
	}
	return nil
}

func (m *Monitor) checkCI(ctx context.Context, project *models.Project) error {
	run, err := m.ci.LatestRun(ctx, project.RepoName)
	if err != nil {
		return err
	}
	if run == nil {
		return nil
	}

	m.mu.Lock()
	seen := m.handled[run.RunID]
	m.mu.Unlock()
	if seen {
		return nil
	}

	switch run.Status {
	case models.CIRunPending:
		// Leave pending runs unhandled; the next poll re-checks them.
		return nil
	case models.CIRunSuccess:
		m.handleSuccess(project, run)
	case models.CIRunFailure:
		if !m.handleFailure(ctx, project, run) {
			// Nothing was recorded against this run (a transient read
			// failed); leave it unhandled so the next poll retries.
			return nil
		}
	}

	m.markHandled(run.RunID)
	if err := m.store.RecordCIRun(project.ID, run.RunID); err != nil {
		return err
	}
	return nil
}

func (m *Monitor) markHandled(runID string) {
	m.mu.Lock()
	m.handled[runID] = true
	m.mu.Unlock()
}

// handleSuccess closes any open repair episode.
func (m *Monitor) handleSuccess(project *models.Project, run *models.CIRun) {
	m.mu.Lock()
	lineage := m.lineageID
	lastFixRun := m.lastFixRunID
	m.lineageID = ""
	m.lastFixRunID = ""
	m.fixCommits = make(map[string]bool)
	m.mu.Unlock()

	if lineage == "" {
		return
	}

	if lastFixRun != "" {
		if err := m.store.SetFixOutcome(project.ID, lastFixRun, models.FixSucceeded); err != nil {
			m.notifier.Notify(notify.SeverityWarning,
				"recording fix outcome failed: %v", err)
		}
	}

	attempts, err := m.store.LineageAttempts(project.ID, lineage)
	if err != nil {
		attempts = 0
	}
	if err := m.store.ResetLineage(project.ID, lineage); err != nil {
		m.notifier.Notify(notify.SeverityWarning,
			"resetting lineage %s failed: %v", lineage, err)
	}

	m.notifier.Notify(notify.SeverityInfo,
		"CI recovered for %s after %d fix attempt(s), run %s", project.ID, attempts, run.RunID)
}

// handleFailure dispatches one bounded fix attempt, or escalates when
// the lineage's budget is spent. It reports whether the run was fully
// dealt with; false means a transient error prevented any attempt and
// the run must stay unhandled.
func (m *Monitor) handleFailure(ctx context.Context, project *models.Project, run *models.CIRun) bool {
	m.mu.Lock()
	if m.lineageID == "" {
		m.lineageID = run.RunID
	} else if !m.fixCommits[run.CommitRef] {
		// A commit this monitor did not push is failing: someone else
		// changed the code. The old episode is obsolete.
		staleLineage := m.lineageID
		m.lineageID = run.RunID
		m.lastFixRunID = ""
		m.fixCommits = make(map[string]bool)
		m.mu.Unlock()

		if err := m.store.ResetLineage(project.ID, staleLineage); err != nil {
			m.notifier.Notify(notify.SeverityWarning,
				"resetting lineage %s failed: %v", staleLineage, err)
		}
		m.mu.Lock()
	}
	lineage := m.lineageID
	lastFixRun := m.lastFixRunID
	m.mu.Unlock()

	if lastFixRun != "" {
		if err := m.store.SetFixOutcome(project.ID, lastFixRun, models.FixFailed); err != nil {
			m.notifier.Notify(notify.SeverityWarning,
				"recording fix outcome failed: %v", err)
		}
	}

	exhausted, err := m.store.LineageExhausted(project.ID, lineage)
	if err != nil {
		m.notifier.Notify(notify.SeverityWarning,
			"reading lineage %s failed: %v", lineage, err)
		return false
	}
	if exhausted {
		// Already escalated; stay quiet until a foreign commit resets.
		return true
	}

	attempts, err := m.store.LineageAttempts(project.ID, lineage)
	if err != nil {
		m.notifier.Notify(notify.SeverityWarning,
			"reading lineage %s failed: %v", lineage, err)
		return false
	}
	if attempts >= m.maxFixAttempts {
		if err := m.store.MarkLineageExhausted(project.ID, lineage); err != nil {
			m.notifier.Notify(notify.SeverityWarning,
				"freezing lineage %s failed: %v", lineage, err)
		}
		m.notifier.Notify(notify.SeverityCritical,
			"CI for %s still failing after %d automatic fix attempts (run %s); manual intervention required",
			project.ID, attempts, run.RunID)
		return true
	}

	return m.attemptFix(ctx, project, lineage, run)
}

// attemptFix runs the executor against the failure logs and pushes the
// resulting patch. The attempt is recorded before its outcome is known;
// the next observed run settles it. Returns false when a transient
// error prevented the attempt from being recorded at all.
func (m *Monitor) attemptFix(ctx context.Context, project *models.Project, lineage string, run *models.CIRun) bool {
	logs, err := m.ci.RunLogs(ctx, project.RepoName, run.RunID)
	if err != nil {
		m.notifier.Notify(notify.SeverityWarning,
			"fetching logs for run %s failed: %v", run.RunID, err)
		return false
	}

	attempt, err := m.store.RecordFixAttempt(project.ID, lineage, run.RunID)
	if err != nil {
		m.notifier.Notify(notify.SeverityWarning,
			"recording fix attempt failed: %v", err)
		return false
	}

	fctx, cancel := context.WithTimeout(ctx, m.fixTimeout)
	defer cancel()

	res, err := m.executor.Execute(fctx, collab.ExecuteRequest{
		Kind:             models.KindFixDefect,
		Payload:          fixPayload(run, logs),
		ProjectWorkspace: project.Workspace,
		SourceItemID:     "ci-run-" + run.RunID,
	})
	if err != nil || !res.Success {
		reason := ""
		if err != nil {
			reason = err.Error()
		} else {
			reason = notify.Excerpt(res.DiagnosticOutput, logExcerptLimit/4)
		}
		if serr := m.store.SetFixOutcome(project.ID, run.RunID, models.FixFailed); serr != nil {
			m.notifier.Notify(notify.SeverityWarning,
				"recording fix outcome failed: %v", serr)
		}
		m.notifier.Notify(notify.SeverityWarning,
			"fix attempt %d for run %s produced no patch: %s", attempt, run.RunID, reason)
		return true
	}

	commitRef := ""
	if m.vcs != nil {
		commitRef, err = m.vcs.PushFix(ctx, project.Workspace, project.RepoName,
			fmt.Sprintf("Fix CI failure from run %s (attempt %d)", run.RunID, attempt))
		if err != nil {
			if serr := m.store.SetFixOutcome(project.ID, run.RunID, models.FixFailed); serr != nil {
				m.notifier.Notify(notify.SeverityWarning,
					"recording fix outcome failed: %v", serr)
			}
			m.notifier.Notify(notify.SeverityWarning,
				"pushing fix for run %s failed: %v", run.RunID, err)
			return true
		}
		if err := m.store.SetFixCommit(project.ID, run.RunID, commitRef); err != nil {
			m.notifier.Notify(notify.SeverityWarning,
				"recording fix commit failed: %v", err)
		}
	}

	m.mu.Lock()
	m.lastFixRunID = run.RunID
	if commitRef != "" {
		m.fixCommits[commitRef] = true
	}
	m.mu.Unlock()

	m.notifier.Notify(notify.SeverityInfo,
		"pushed fix attempt %d/%d for run %s (%s)", attempt, m.maxFixAttempts, run.RunID, commitRef)
	return true
}

func fixPayload(run *models.CIRun, logs string) string {
	return fmt.Sprintf("CI run %s (%s) failed on commit %s.\n\nDiagnose the failure from the log excerpt below and patch the code.\n\n%s",
		run.RunID, run.Name, run.CommitRef, notify.Excerpt(logs, logExcerptLimit))
}
