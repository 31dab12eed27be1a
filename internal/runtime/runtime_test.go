package runtime

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devflowhq/devflow/internal/collab"
	"github.com/devflowhq/devflow/internal/notify"
	"github.com/devflowhq/devflow/internal/queue"
	"github.com/devflowhq/devflow/pkg/models"
)

type fakeExecutor struct {
	mu     sync.Mutex
	result collab.ExecuteResult
	err    error
	calls  int
}

func (e *fakeExecutor) Execute(ctx context.Context, req collab.ExecuteRequest) (collab.ExecuteResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return e.result, e.err
}

type fakeVCS struct {
	mu       sync.Mutex
	labels   map[string][]string
	comments map[string][]string
	merged   []string
	closed   []string
}

func newFakeVCS() *fakeVCS {
	return &fakeVCS{
		labels:   make(map[string][]string),
		comments: make(map[string][]string),
	}
}

func (v *fakeVCS) ListOpenItems(ctx context.Context, repoName string) ([]collab.WorkItem, error) {
	return nil, nil
}

func (v *fakeVCS) AddComment(ctx context.Context, repoName, itemID, comment string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.comments[itemID] = append(v.comments[itemID], comment)
	return nil
}

func (v *fakeVCS) SetLabels(ctx context.Context, repoName, itemID string, labels []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.labels[itemID] = labels
	return nil
}

func (v *fakeVCS) MergeChangeRequest(ctx context.Context, repoName, ref string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.merged = append(v.merged, ref)
	return nil
}

func (v *fakeVCS) CloseItem(ctx context.Context, repoName, itemID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = append(v.closed, itemID)
	return nil
}

func (v *fakeVCS) PushFix(ctx context.Context, workspace, repoName, message string) (string, error) {
	return "commit-1", nil
}

func (v *fakeVCS) labelsFor(itemID string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.labels[itemID]
}

type fakeDeployer struct {
	deploys atomic.Int64
}

func (d *fakeDeployer) Deploy(ctx context.Context, project *models.Project) (collab.DeployResult, error) {
	d.deploys.Add(1)
	return collab.DeployResult{Success: true, URL: "https://app.example.com"}, nil
}

func setupRuntime(t *testing.T, exec *fakeExecutor, vcs *fakeVCS, dep *fakeDeployer) (*Runtime, *queue.Store) {
	t.Helper()

	store, err := queue.OpenStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	opts := Options{
		Store:           store,
		Executor:        exec,
		Notifier:        notify.Nop{},
		PollInterval:    10 * time.Millisecond,
		ExecutorTimeout: time.Second,
	}
	if vcs != nil {
		opts.VCS = vcs
	}
	if dep != nil {
		opts.Deployer = dep
	}

	rt, err := New(opts)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	return rt, store
}

func testProject() *models.Project {
	return &models.Project{
		ID:        "proj",
		Name:      "proj",
		Workspace: "/tmp/proj",
		RepoName:  "org/proj",
		Active:    true,
	}
}

func claimFor(t *testing.T, store *queue.Store, pool models.Pool) *models.Task {
	t.Helper()
	task, err := store.ClaimNext("proj", pool)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task == nil {
		t.Fatal("claim returned nil")
	}
	return task
}

func TestProcessSuccessSpawnsOneReview(t *testing.T) {
	exec := &fakeExecutor{result: collab.ExecuteResult{
		Success:          true,
		ChangeRequestRef: "pr-1",
	}}
	vcs := newFakeVCS()
	rt, store := setupRuntime(t, exec, vcs, nil)

	task := &models.Task{
		ProjectID:    "proj",
		SourceItemID: "42",
		Pool:         models.PoolServerLogic,
		Kind:         models.KindImplementFeature,
		Priority:     3,
		Payload:      "build it",
	}
	if err := store.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed := claimFor(t, store, models.PoolServerLogic)

	rt.process(context.Background(), testProject(), models.PoolServerLogic, claimed)

	got, err := store.Get("proj", "42")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.TaskStatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}

	depth, err := store.Depth("proj", models.PoolQualityReview)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("review queue depth = %d, want 1", depth)
	}

	review := claimFor(t, store, models.PoolQualityReview)
	if review.Kind != models.KindReviewChange {
		t.Errorf("review kind = %q", review.Kind)
	}
	ref, origin := parseReviewPayload(review.Payload)
	if ref != "pr-1" || origin != "42" {
		t.Errorf("review payload parsed to (%q, %q), want (pr-1, 42)", ref, origin)
	}

	if labels := vcs.labelsFor("42"); len(labels) != 1 || labels[0] != "in-review" {
		t.Errorf("item labels = %v, want [in-review]", labels)
	}
}

func TestRepeatedSuccessDoesNotDuplicateReview(t *testing.T) {
	exec := &fakeExecutor{result: collab.ExecuteResult{
		Success:          true,
		ChangeRequestRef: "pr-1",
	}}
	rt, store := setupRuntime(t, exec, newFakeVCS(), nil)

	task := &models.Task{
		ProjectID:    "proj",
		SourceItemID: "42",
		Pool:         models.PoolServerLogic,
		Kind:         models.KindFixDefect,
		Priority:     1,
	}
	if err := store.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed := claimFor(t, store, models.PoolServerLogic)

	// A redelivered result settles the same task again.
	rt.settleSuccess(context.Background(), "org/proj", claimed, exec.result)
	rt.settleSuccess(context.Background(), "org/proj", claimed, exec.result)

	depth, err := store.Depth("proj", models.PoolQualityReview)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("review queue depth = %d, want exactly 1", depth)
	}
}

func TestProcessFailureFlagsItem(t *testing.T) {
	exec := &fakeExecutor{result: collab.ExecuteResult{
		Success:          false,
		DiagnosticOutput: "tests exploded",
	}}
	vcs := newFakeVCS()
	rt, store := setupRuntime(t, exec, vcs, nil)

	task := &models.Task{
		ProjectID:    "proj",
		SourceItemID: "7",
		Pool:         models.PoolClientUI,
		Kind:         models.KindImplementFeature,
		Priority:     3,
	}
	if err := store.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed := claimFor(t, store, models.PoolClientUI)

	rt.process(context.Background(), testProject(), models.PoolClientUI, claimed)

	got, err := store.Get("proj", "7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.TaskStatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.LastError != "tests exploded" {
		t.Errorf("last error = %q", got.LastError)
	}
	if labels := vcs.labelsFor("7"); len(labels) != 1 || labels[0] != "needs-attention" {
		t.Errorf("item labels = %v, want [needs-attention]", labels)
	}

	// Failed work stays out of the queue.
	depth, err := store.Depth("proj", models.PoolClientUI)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Errorf("pool depth = %d after failure, want 0", depth)
	}
}

func TestReviewApprovedMergesAndCloses(t *testing.T) {
	exec := &fakeExecutor{result: collab.ExecuteResult{
		Success:  true,
		Approved: true,
	}}
	vcs := newFakeVCS()
	rt, store := setupRuntime(t, exec, vcs, nil)

	origin := &models.Task{
		ProjectID:    "proj",
		SourceItemID: "42",
		Kind:         models.KindImplementFeature,
	}
	review := FollowUpReview(origin, collab.ExecuteResult{Success: true, ChangeRequestRef: "pr-9"})
	if review == nil {
		t.Fatal("no follow-up review produced")
	}
	if err := store.Enqueue(review); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed := claimFor(t, store, models.PoolQualityReview)

	rt.process(context.Background(), testProject(), models.PoolQualityReview, claimed)

	if len(vcs.merged) != 1 || vcs.merged[0] != "pr-9" {
		t.Errorf("merged = %v, want [pr-9]", vcs.merged)
	}
	if len(vcs.closed) != 1 || vcs.closed[0] != "42" {
		t.Errorf("closed = %v, want [42]", vcs.closed)
	}

	got, err := store.Get("proj", review.SourceItemID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.TaskStatusCompleted {
		t.Errorf("review status = %q, want completed", got.Status)
	}
}

func TestReviewRejectedFlagsRevision(t *testing.T) {
	exec := &fakeExecutor{result: collab.ExecuteResult{
		Success:      true,
		Approved:     false,
		ReviewIssues: []string{"missing tests", "dead code"},
	}}
	vcs := newFakeVCS()
	rt, store := setupRuntime(t, exec, vcs, nil)

	origin := &models.Task{
		ProjectID:    "proj",
		SourceItemID: "42",
		Kind:         models.KindImplementFeature,
	}
	review := FollowUpReview(origin, collab.ExecuteResult{Success: true, ChangeRequestRef: "pr-9"})
	if err := store.Enqueue(review); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed := claimFor(t, store, models.PoolQualityReview)

	rt.process(context.Background(), testProject(), models.PoolQualityReview, claimed)

	if len(vcs.merged) != 0 {
		t.Errorf("rejected review merged %v", vcs.merged)
	}
	if labels := vcs.labelsFor("42"); len(labels) != 1 || labels[0] != "needs-revision" {
		t.Errorf("origin labels = %v, want [needs-revision]", labels)
	}

	got, err := store.Get("proj", review.SourceItemID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.TaskStatusFailed {
		t.Errorf("review status = %q, want failed", got.Status)
	}
}

func TestDrainDeploysExactlyOnce(t *testing.T) {
	dep := &fakeDeployer{}
	rt, store := setupRuntime(t, &fakeExecutor{}, nil, dep)
	project := testProject()

	rt.setState(models.PoolServerLogic, PoolStateIdle, "")
	rt.setState(models.PoolClientUI, PoolStateIdle, "")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.checkDrain(context.Background(), project)
		}()
	}
	wg.Wait()

	if n := dep.deploys.Load(); n != 1 {
		t.Fatalf("deploys = %d, want exactly 1", n)
	}

	// New work re-arms the drain trigger.
	task := &models.Task{
		ProjectID:    "proj",
		SourceItemID: "99",
		Pool:         models.PoolServerLogic,
		Kind:         models.KindImplementFeature,
		Priority:     3,
	}
	if err := store.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	rt.checkDrain(context.Background(), project)
	if n := dep.deploys.Load(); n != 1 {
		t.Fatalf("deploy fired with work still queued, deploys = %d", n)
	}

	if _, err := store.ClaimNext("proj", models.PoolServerLogic); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Complete("proj", "99"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	rt.checkDrain(context.Background(), project)
	if n := dep.deploys.Load(); n != 2 {
		t.Errorf("deploys after second drain = %d, want 2", n)
	}
}

func TestNoDeployWhilePoolBusy(t *testing.T) {
	dep := &fakeDeployer{}
	rt, _ := setupRuntime(t, &fakeExecutor{}, nil, dep)

	rt.setState(models.PoolServerLogic, PoolStateBusy, "proj/1")
	rt.checkDrain(context.Background(), testProject())

	if n := dep.deploys.Load(); n != 0 {
		t.Errorf("deploys = %d with a busy pool, want 0", n)
	}
}

func TestStatusSnapshot(t *testing.T) {
	rt, _ := setupRuntime(t, &fakeExecutor{}, nil, nil)

	rt.setState(models.PoolServerLogic, PoolStateBusy, "proj/5")
	status := rt.Status()

	st, ok := status[models.PoolServerLogic]
	if !ok {
		t.Fatal("busy pool missing from status")
	}
	if st.State != PoolStateBusy || st.CurrentTask != "proj/5" {
		t.Errorf("status = %+v", st)
	}
	if st.BusySince.IsZero() {
		t.Error("busy pool has zero BusySince")
	}
}

func TestPausePreventsClaiming(t *testing.T) {
	exec := &fakeExecutor{result: collab.ExecuteResult{Success: true}}
	rt, store := setupRuntime(t, exec, nil, nil)

	task := &models.Task{
		ProjectID:    "proj",
		SourceItemID: "50",
		Pool:         models.PoolServerLogic,
		Kind:         models.KindWriteTests,
		Priority:     5,
	}
	if err := store.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rt.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	_ = rt.Run(ctx, testProject(), []models.Pool{models.PoolServerLogic})
	cancel()

	if exec.calls != 0 {
		t.Fatalf("paused runtime executed %d task(s)", exec.calls)
	}
	got, err := store.Get("proj", "50")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.TaskStatusQueued {
		t.Errorf("status = %q while paused, want queued", got.Status)
	}

	rt.Resume()
	ctx, cancel = context.WithTimeout(context.Background(), 200*time.Millisecond)
	_ = rt.Run(ctx, testProject(), []models.Pool{models.PoolServerLogic})
	cancel()

	got, err = store.Get("proj", "50")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.TaskStatusCompleted {
		t.Errorf("status = %q after resume, want completed", got.Status)
	}
}

func TestNoDeployWhileClaimInFlight(t *testing.T) {
	dep := &fakeDeployer{}
	rt, store := setupRuntime(t, &fakeExecutor{result: collab.ExecuteResult{Success: true}}, nil, dep)
	project := testProject()
	ctx := context.Background()

	rt.setState(models.PoolServerLogic, PoolStateIdle, "")
	rt.setState(models.PoolClientUI, PoolStateIdle, "")

	task := &models.Task{
		ProjectID:    "proj",
		SourceItemID: "60",
		Pool:         models.PoolServerLogic,
		Kind:         models.KindImplementFeature,
		Priority:     3,
	}
	if err := store.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// The runtime's claim empties the queue and marks the pool busy in
	// one step, so a concurrent drain check must not fire.
	claimed, err := rt.claimNext(project, models.PoolServerLogic)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v (%+v)", err, claimed)
	}
	rt.checkDrain(ctx, project)
	if n := dep.deploys.Load(); n != 0 {
		t.Fatalf("deploy fired %d time(s) while a claimed task was in flight", n)
	}

	if err := store.Complete("proj", "60"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	rt.setState(models.PoolServerLogic, PoolStateIdle, "")

	// Mid-claim, after the queue pop but before the pool is marked
	// busy, the in-flight count alone blocks the check.
	rt.mu.Lock()
	rt.claiming++
	rt.mu.Unlock()
	rt.checkDrain(ctx, project)
	if n := dep.deploys.Load(); n != 0 {
		t.Fatalf("deploy fired %d time(s) during a claim in flight", n)
	}
	rt.mu.Lock()
	rt.claiming--
	rt.mu.Unlock()

	rt.checkDrain(ctx, project)
	if n := dep.deploys.Load(); n != 1 {
		t.Errorf("deploys = %d once fully settled, want 1", n)
	}
}

func TestDrainIgnoresOtherProjectBacklog(t *testing.T) {
	dep := &fakeDeployer{}
	rt, store := setupRuntime(t, &fakeExecutor{}, nil, dep)

	rt.setState(models.PoolServerLogic, PoolStateIdle, "")

	other := &models.Task{
		ProjectID:    "other",
		SourceItemID: "x-1",
		Pool:         models.PoolServerLogic,
		Kind:         models.KindImplementFeature,
		Priority:     3,
	}
	if err := store.Enqueue(other); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rt.checkDrain(context.Background(), testProject())
	if n := dep.deploys.Load(); n != 1 {
		t.Errorf("deploys = %d, want 1; another project's backlog must not suppress the deploy", n)
	}
}

func TestRunDeploysAfterLastTask(t *testing.T) {
	dep := &fakeDeployer{}
	exec := &fakeExecutor{result: collab.ExecuteResult{Success: true}}
	rt, store := setupRuntime(t, exec, nil, dep)

	for _, id := range []string{"70", "71"} {
		task := &models.Task{
			ProjectID:    "proj",
			SourceItemID: id,
			Pool:         models.PoolServerLogic,
			Kind:         models.KindWriteTests,
			Priority:     5,
		}
		if err := store.Enqueue(task); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = rt.Run(ctx, testProject(), []models.Pool{models.PoolServerLogic})

	if exec.calls != 2 {
		t.Fatalf("executed %d task(s), want 2", exec.calls)
	}
	if n := dep.deploys.Load(); n != 1 {
		t.Errorf("deploys = %d after the queue drained, want exactly 1", n)
	}
}
