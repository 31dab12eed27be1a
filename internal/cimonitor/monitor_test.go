package cimonitor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devflowhq/devflow/internal/collab"
	"github.com/devflowhq/devflow/internal/notify"
	"github.com/devflowhq/devflow/internal/queue"
	"github.com/devflowhq/devflow/internal/runtime"
	"github.com/devflowhq/devflow/pkg/models"
)

type fakeCI struct {
	mu  sync.Mutex
	run *models.CIRun
	// logErrs is how many RunLogs calls fail before they recover.
	logErrs int
}

func (c *fakeCI) set(run *models.CIRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.run = run
}

func (c *fakeCI) LatestRun(ctx context.Context, repoName string) (*models.CIRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run, nil
}

func (c *fakeCI) RunLogs(ctx context.Context, repoName, runID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logErrs > 0 {
		c.logErrs--
		return "", fmt.Errorf("api: 502 bad gateway")
	}
	return "FAIL: TestSomething", nil
}

type fakeExecutor struct {
	mu      sync.Mutex
	success bool
	calls   int
}

func (e *fakeExecutor) Execute(ctx context.Context, req collab.ExecuteRequest) (collab.ExecuteResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return collab.ExecuteResult{Success: e.success, DiagnosticOutput: "patched"}, nil
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fakePusher struct {
	mu     sync.Mutex
	pushes int
}

func (v *fakePusher) ListOpenItems(ctx context.Context, repoName string) ([]collab.WorkItem, error) {
	return nil, nil
}
func (v *fakePusher) AddComment(ctx context.Context, repoName, itemID, comment string) error {
	return nil
}
func (v *fakePusher) SetLabels(ctx context.Context, repoName, itemID string, labels []string) error {
	return nil
}
func (v *fakePusher) MergeChangeRequest(ctx context.Context, repoName, ref string) error { return nil }
func (v *fakePusher) CloseItem(ctx context.Context, repoName, itemID string) error       { return nil }

func (v *fakePusher) PushFix(ctx context.Context, workspace, repoName, message string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pushes++
	return fmt.Sprintf("fix-commit-%d", v.pushes), nil
}

type recorder struct {
	mu   sync.Mutex
	msgs []string
	sevs []notify.Severity
}

func (r *recorder) Notify(severity notify.Severity, format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, fmt.Sprintf(format, args...))
	r.sevs = append(r.sevs, severity)
}

func (r *recorder) count(severity notify.Severity, substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i, msg := range r.msgs {
		if r.sevs[i] == severity && strings.Contains(msg, substr) {
			n++
		}
	}
	return n
}

type fakeStatus struct {
	mu     sync.Mutex
	status map[models.Pool]runtime.PoolStatus
}

func (s *fakeStatus) set(status map[models.Pool]runtime.PoolStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *fakeStatus) Status() map[models.Pool]runtime.PoolStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func setupMonitor(t *testing.T, ci *fakeCI, exec *fakeExecutor, pusher *fakePusher, rec *recorder, status StatusSource) (*Monitor, *queue.Store) {
	t.Helper()

	store, err := queue.OpenStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	err = store.SaveProject(&models.Project{
		ID: "proj", Name: "proj", Workspace: "/tmp/proj", RepoName: "org/proj",
	})
	if err != nil {
		t.Fatalf("save project: %v", err)
	}

	m, err := New(Options{
		Store:          store,
		CI:             ci,
		VCS:            pusher,
		Executor:       exec,
		Notifier:       rec,
		Pools:          status,
		PollInterval:   time.Millisecond,
		MaxFixAttempts: 3,
		StallCeiling:   time.Minute,
		FixTimeout:     time.Second,
	})
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	return m, store
}

func monitorProject() *models.Project {
	return &models.Project{ID: "proj", Name: "proj", Workspace: "/tmp/proj", RepoName: "org/proj"}
}

func TestFixAttemptCeiling(t *testing.T) {
	ci := &fakeCI{}
	exec := &fakeExecutor{success: true}
	pusher := &fakePusher{}
	rec := &recorder{}
	m, store := setupMonitor(t, ci, exec, pusher, rec, nil)
	project := monitorProject()
	ctx := context.Background()

	// Each failure is a new run on the previous fix commit: the same
	// lineage keeps failing.
	commit := "original-commit"
	for i := 1; i <= 4; i++ {
		ci.set(&models.CIRun{
			RunID:     fmt.Sprintf("run-%d", i),
			Status:    models.CIRunFailure,
			CommitRef: commit,
		})
		m.Poll(ctx, project)
		commit = fmt.Sprintf("fix-commit-%d", i)
	}

	if exec.callCount() != 3 {
		t.Errorf("executor invoked %d times, want exactly 3", exec.callCount())
	}
	if pusher.pushes != 3 {
		t.Errorf("pushed %d fixes, want exactly 3", pusher.pushes)
	}

	attempts, err := store.LineageAttempts("proj", "run-1")
	if err != nil {
		t.Fatalf("lineage attempts: %v", err)
	}
	if attempts != 3 {
		t.Errorf("recorded attempts = %d, want 3", attempts)
	}
	exhausted, err := store.LineageExhausted("proj", "run-1")
	if err != nil {
		t.Fatalf("lineage exhausted: %v", err)
	}
	if !exhausted {
		t.Error("lineage not frozen after exceeding the ceiling")
	}
	if got := rec.count(notify.SeverityCritical, "manual intervention"); got != 1 {
		t.Errorf("critical escalations = %d, want 1", got)
	}

	// Further failures on the frozen lineage stay quiet.
	ci.set(&models.CIRun{RunID: "run-5", Status: models.CIRunFailure, CommitRef: "fix-commit-3"})
	m.Poll(ctx, project)
	if exec.callCount() != 3 {
		t.Errorf("executor invoked on frozen lineage, calls = %d", exec.callCount())
	}
	if got := rec.count(notify.SeverityCritical, "manual intervention"); got != 1 {
		t.Errorf("escalated again on frozen lineage, criticals = %d", got)
	}
}

func TestForeignCommitResetsLineage(t *testing.T) {
	ci := &fakeCI{}
	exec := &fakeExecutor{success: true}
	pusher := &fakePusher{}
	rec := &recorder{}
	m, store := setupMonitor(t, ci, exec, pusher, rec, nil)
	project := monitorProject()
	ctx := context.Background()

	// Exhaust the first lineage.
	commit := "original-commit"
	for i := 1; i <= 4; i++ {
		ci.set(&models.CIRun{RunID: fmt.Sprintf("run-%d", i), Status: models.CIRunFailure, CommitRef: commit})
		m.Poll(ctx, project)
		commit = fmt.Sprintf("fix-commit-%d", i)
	}

	// A human pushes a new commit that still fails: fresh lineage,
	// fresh budget.
	ci.set(&models.CIRun{RunID: "run-10", Status: models.CIRunFailure, CommitRef: "human-commit"})
	m.Poll(ctx, project)

	if exec.callCount() != 4 {
		t.Errorf("executor calls = %d, want 4 (budget reset by foreign commit)", exec.callCount())
	}
	attempts, err := store.LineageAttempts("proj", "run-10")
	if err != nil {
		t.Fatalf("lineage attempts: %v", err)
	}
	if attempts != 1 {
		t.Errorf("new lineage attempts = %d, want 1", attempts)
	}
}

func TestSuccessClosesEpisode(t *testing.T) {
	ci := &fakeCI{}
	exec := &fakeExecutor{success: true}
	pusher := &fakePusher{}
	rec := &recorder{}
	m, store := setupMonitor(t, ci, exec, pusher, rec, nil)
	project := monitorProject()
	ctx := context.Background()

	ci.set(&models.CIRun{RunID: "run-1", Status: models.CIRunFailure, CommitRef: "c0"})
	m.Poll(ctx, project)

	ci.set(&models.CIRun{RunID: "run-2", Status: models.CIRunSuccess, CommitRef: "fix-commit-1"})
	m.Poll(ctx, project)

	if got := rec.count(notify.SeverityInfo, "CI recovered"); got != 1 {
		t.Errorf("recovery notifications = %d, want 1", got)
	}
	attempts, err := store.LineageAttempts("proj", "run-1")
	if err != nil {
		t.Fatalf("lineage attempts: %v", err)
	}
	if attempts != 0 {
		t.Errorf("attempts after recovery = %d, want lineage cleared", attempts)
	}

	// A later independent failure starts a fresh budget.
	ci.set(&models.CIRun{RunID: "run-3", Status: models.CIRunFailure, CommitRef: "c1"})
	m.Poll(ctx, project)
	if exec.callCount() != 2 {
		t.Errorf("executor calls = %d, want 2", exec.callCount())
	}
}

func TestPendingRunRecheckedNextPoll(t *testing.T) {
	ci := &fakeCI{}
	exec := &fakeExecutor{success: true}
	m, _ := setupMonitor(t, ci, exec, &fakePusher{}, &recorder{}, nil)
	project := monitorProject()
	ctx := context.Background()

	ci.set(&models.CIRun{RunID: "run-1", Status: models.CIRunPending, CommitRef: "c0"})
	m.Poll(ctx, project)
	if exec.callCount() != 0 {
		t.Fatalf("acted on a pending run")
	}

	// The same run completing later must still be handled.
	ci.set(&models.CIRun{RunID: "run-1", Status: models.CIRunFailure, CommitRef: "c0"})
	m.Poll(ctx, project)
	if exec.callCount() != 1 {
		t.Errorf("executor calls = %d, want 1 after run completed", exec.callCount())
	}
}

func TestHandledRunNotFixedTwice(t *testing.T) {
	ci := &fakeCI{}
	exec := &fakeExecutor{success: true}
	m, _ := setupMonitor(t, ci, exec, &fakePusher{}, &recorder{}, nil)
	project := monitorProject()
	ctx := context.Background()

	ci.set(&models.CIRun{RunID: "run-1", Status: models.CIRunFailure, CommitRef: "c0"})
	m.Poll(ctx, project)
	m.Poll(ctx, project)
	m.Poll(ctx, project)

	if exec.callCount() != 1 {
		t.Errorf("executor calls = %d for one failing run, want 1", exec.callCount())
	}
}

func TestStallNotifiesOncePerEpisode(t *testing.T) {
	status := &fakeStatus{}
	rec := &recorder{}
	ci := &fakeCI{}
	m, _ := setupMonitor(t, ci, &fakeExecutor{}, &fakePusher{}, rec, status)
	project := monitorProject()
	ctx := context.Background()

	stalled := map[models.Pool]runtime.PoolStatus{
		models.PoolServerLogic: {
			Pool:        models.PoolServerLogic,
			State:       runtime.PoolStateBusy,
			CurrentTask: "proj/5",
			BusySince:   time.Now().Add(-time.Hour),
		},
	}
	status.set(stalled)

	m.Poll(ctx, project)
	m.Poll(ctx, project)
	m.Poll(ctx, project)
	if got := rec.count(notify.SeverityWarning, "stalled"); got != 1 {
		t.Fatalf("stall warnings = %d across repeated polls, want 1", got)
	}

	// The pool finishing the task ends the episode.
	status.set(map[models.Pool]runtime.PoolStatus{
		models.PoolServerLogic: {Pool: models.PoolServerLogic, State: runtime.PoolStateIdle},
	})
	m.Poll(ctx, project)

	// A later stall on new work is a new episode.
	status.set(map[models.Pool]runtime.PoolStatus{
		models.PoolServerLogic: {
			Pool:        models.PoolServerLogic,
			State:       runtime.PoolStateBusy,
			CurrentTask: "proj/6",
			BusySince:   time.Now().Add(-time.Hour),
		},
	})
	m.Poll(ctx, project)
	if got := rec.count(notify.SeverityWarning, "stalled"); got != 2 {
		t.Errorf("stall warnings = %d after a second episode, want 2", got)
	}
}

func TestFreshBusyPoolNotStalled(t *testing.T) {
	status := &fakeStatus{}
	rec := &recorder{}
	m, _ := setupMonitor(t, &fakeCI{}, &fakeExecutor{}, &fakePusher{}, rec, status)

	status.set(map[models.Pool]runtime.PoolStatus{
		models.PoolClientUI: {
			Pool:        models.PoolClientUI,
			State:       runtime.PoolStateBusy,
			CurrentTask: "proj/9",
			BusySince:   time.Now(),
		},
	})
	m.Poll(context.Background(), monitorProject())

	if got := rec.count(notify.SeverityWarning, "stalled"); got != 0 {
		t.Errorf("stall warnings = %d for fresh work, want 0", got)
	}
}

func TestTransientLogErrorRetriedNextPoll(t *testing.T) {
	ci := &fakeCI{logErrs: 1}
	exec := &fakeExecutor{success: true}
	m, store := setupMonitor(t, ci, exec, &fakePusher{}, &recorder{}, nil)
	project := monitorProject()
	ctx := context.Background()

	ci.set(&models.CIRun{RunID: "run-1", Status: models.CIRunFailure, CommitRef: "c0"})

	// The first poll cannot fetch logs; no attempt is recorded and the
	// run must stay open for the next cycle.
	m.Poll(ctx, project)
	if exec.callCount() != 0 {
		t.Fatalf("fix attempted without logs, calls = %d", exec.callCount())
	}

	m.Poll(ctx, project)
	if exec.callCount() != 1 {
		t.Errorf("executor calls = %d, want 1 fix attempt once logs are readable", exec.callCount())
	}
	attempts, err := store.LineageAttempts("proj", "run-1")
	if err != nil {
		t.Fatalf("lineage attempts: %v", err)
	}
	if attempts != 1 {
		t.Errorf("recorded attempts = %d, want 1", attempts)
	}
}

func TestRestartKeepsExhaustedLineage(t *testing.T) {
	ci := &fakeCI{}
	exec := &fakeExecutor{success: true}
	pusher := &fakePusher{}
	rec := &recorder{}
	m, store := setupMonitor(t, ci, exec, pusher, rec, nil)
	project := monitorProject()
	ctx := context.Background()

	// Exhaust the lineage.
	commit := "original-commit"
	for i := 1; i <= 4; i++ {
		ci.set(&models.CIRun{RunID: fmt.Sprintf("run-%d", i), Status: models.CIRunFailure, CommitRef: commit})
		m.Poll(ctx, project)
		commit = fmt.Sprintf("fix-commit-%d", i)
	}

	// A new process over the same store picks up the frozen episode
	// instead of granting the same failure a fresh budget.
	exec2 := &fakeExecutor{success: true}
	rec2 := &recorder{}
	m2, err := New(Options{
		Store:          store,
		CI:             ci,
		VCS:            &fakePusher{},
		Executor:       exec2,
		Notifier:       rec2,
		PollInterval:   time.Millisecond,
		MaxFixAttempts: 3,
		StallCeiling:   time.Minute,
		FixTimeout:     time.Second,
	})
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	ci.set(&models.CIRun{RunID: "run-4", Status: models.CIRunFailure, CommitRef: "fix-commit-3"})
	m2.Poll(ctx, project)

	if exec2.callCount() != 0 {
		t.Errorf("restarted monitor made a fix attempt on an exhausted lineage, calls = %d", exec2.callCount())
	}
	attempts, err := store.LineageAttempts("proj", "run-1")
	if err != nil {
		t.Fatalf("lineage attempts: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts after restart = %d, want 3", attempts)
	}
	if got := rec2.count(notify.SeverityCritical, "manual intervention"); got != 0 {
		t.Errorf("re-escalated after restart, criticals = %d", got)
	}

	// A foreign commit still unfreezes the budget across the restart.
	ci.set(&models.CIRun{RunID: "run-20", Status: models.CIRunFailure, CommitRef: "human-commit"})
	m2.Poll(ctx, project)
	if exec2.callCount() != 1 {
		t.Errorf("foreign commit after restart did not reset the lineage, calls = %d", exec2.callCount())
	}
	attempts, err = store.LineageAttempts("proj", "run-20")
	if err != nil {
		t.Fatalf("lineage attempts: %v", err)
	}
	if attempts != 1 {
		t.Errorf("fresh lineage attempts = %d, want 1", attempts)
	}
}
