// Package runtime drives the worker pools: per-pool loops claiming
// tasks from the queue, delegating execution to the external executor,
// recording outcomes, and detecting the all-pools-drained condition
// that triggers the one-shot deploy.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devflowhq/devflow/internal/collab"
	"github.com/devflowhq/devflow/internal/notify"
	"github.com/devflowhq/devflow/internal/queue"
	"github.com/devflowhq/devflow/pkg/models"
)

// PoolState names what a pool loop is doing right now.
type PoolState string

const (
	// PoolStateIdle means the loop found nothing to claim last poll.
	PoolStateIdle PoolState = "idle"
	// PoolStateBusy means the loop is executing a claimed task.
	PoolStateBusy PoolState = "busy"
	// PoolStateStopped means the loop has exited.
	PoolStateStopped PoolState = "stopped"
)

// PoolStatus is a snapshot of one pool loop for the status surface and
// the stall detector.
type PoolStatus struct {
	Pool         models.Pool
	State        PoolState
	WorkerID     string
	CurrentTask  string
	BusySince    time.Time
	LastActivity time.Time
}

// Options configures a Runtime.
type Options struct {
	Store    *queue.Store
	Executor collab.Executor
	VCS      collab.VCS
	Deployer collab.Deployer
	Notifier notify.Notifier

	// PollInterval is the sleep between empty queue polls.
	PollInterval time.Duration
	// ExecutorTimeout bounds one executor invocation.
	ExecutorTimeout time.Duration
}

// Runtime runs one claiming loop per configured pool against a single
// active project.
type Runtime struct {
	store    *queue.Store
	latch    *queue.DrainLatch
	executor collab.Executor
	vcs      collab.VCS
	deployer collab.Deployer
	notifier notify.Notifier

	pollInterval    time.Duration
	executorTimeout time.Duration

	mu      sync.Mutex
	states  map[models.Pool]*PoolStatus
	stopped bool
	paused  bool
	// claiming counts claims in flight between the queue pop and the
	// pool being marked busy, so the drain check never mistakes that
	// window for idleness.
	claiming int
	// drainDeferred remembers a drain check suppressed by an in-flight
	// claim. If that claim comes up empty its loop re-runs the check;
	// otherwise the claimed task's settle covers it.
	drainDeferred bool
}

// New creates a Runtime. Store, Executor, and Notifier are required;
// VCS and Deployer may be nil, disabling label sync and deploys.
func New(opts Options) (*Runtime, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("runtime: store is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("runtime: executor is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.ExecutorTimeout <= 0 {
		opts.ExecutorTimeout = 45 * time.Minute
	}

	return &Runtime{
		store:           opts.Store,
		latch:           queue.NewDrainLatch(),
		executor:        opts.Executor,
		vcs:             opts.VCS,
		deployer:        opts.Deployer,
		notifier:        opts.Notifier,
		pollInterval:    opts.PollInterval,
		executorTimeout: opts.ExecutorTimeout,
		states:          make(map[models.Pool]*PoolStatus),
	}, nil
}

// Run starts one loop per pool and blocks until the context is
// cancelled, Stop is called, or a loop fails unrecoverably.
func (r *Runtime) Run(ctx context.Context, project *models.Project, pools []models.Pool) error {
	r.mu.Lock()
	r.stopped = false
	for _, pool := range pools {
		r.states[pool] = &PoolStatus{
			Pool:         pool,
			State:        PoolStateIdle,
			WorkerID:     newWorkerID(),
			LastActivity: time.Now(),
		}
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, pool := range pools {
		pool := pool
		g.Go(func() error {
			defer r.setState(pool, PoolStateStopped, "")
			return r.runPool(gctx, project, pool)
		})
	}
	return g.Wait()
}

// Stop asks all loops to exit after their current task. Advisory: a
// task already handed to the executor runs to completion.
func (r *Runtime) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

// Pause stops the loops from claiming new tasks. Tasks already running
// finish normally. Paused loops do not trigger drain deploys.
func (r *Runtime) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Resume lets paused loops claim tasks again.
func (r *Runtime) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
}

func (r *Runtime) pausedNow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Status returns a snapshot of every pool loop.
func (r *Runtime) Status() map[models.Pool]PoolStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[models.Pool]PoolStatus, len(r.states))
	for pool, st := range r.states {
		out[pool] = *st
	}
	return out
}

func (r *Runtime) stopRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *Runtime) setState(pool models.Pool, state PoolState, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[pool]
	if !ok {
		st = &PoolStatus{Pool: pool}
		r.states[pool] = st
	}
	st.State = state
	st.CurrentTask = taskID
	st.LastActivity = time.Now()
	if state == PoolStateBusy {
		st.BusySince = st.LastActivity
	} else {
		st.BusySince = time.Time{}
	}
}

// claimNext pops the pool's next task and marks the pool busy under
// the same lock release, so a claimed task is never invisible to the
// drain check: from the moment the row leaves the queue until the task
// settles, either claiming > 0 or the pool state is busy.
func (r *Runtime) claimNext(project *models.Project, pool models.Pool) (*models.Task, error) {
	r.mu.Lock()
	r.claiming++
	r.mu.Unlock()

	task, err := r.store.ClaimNext(project.ID, pool)

	r.mu.Lock()
	if err == nil && task != nil {
		st, ok := r.states[pool]
		if !ok {
			st = &PoolStatus{Pool: pool}
			r.states[pool] = st
		}
		st.State = PoolStateBusy
		st.CurrentTask = task.ID()
		st.LastActivity = time.Now()
		st.BusySince = st.LastActivity
	}
	r.claiming--
	r.mu.Unlock()
	return task, err
}

// drainBlocked reports whether a busy pool or an in-flight claim
// forbids deploying. A block caused only by an in-flight claim is
// remembered in drainDeferred.
func (r *Runtime) drainBlocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, st := range r.states {
		if st.State == PoolStateBusy {
			return true
		}
	}
	if r.claiming > 0 {
		r.drainDeferred = true
		return true
	}
	return false
}

// takeDeferredDrain consumes a pending deferred drain check.
func (r *Runtime) takeDeferredDrain() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	deferred := r.drainDeferred
	r.drainDeferred = false
	return deferred
}

// checkDrain fires the one-shot deploy when every pool is idle and
// every queue of the project is empty. The latch keyed by the enqueue
// sequence guarantees at most one deploy per drain event even when
// several loops observe the drain concurrently.
func (r *Runtime) checkDrain(ctx context.Context, project *models.Project) {
	if r.deployer == nil || project == nil {
		return
	}
	if r.drainBlocked() {
		return
	}

	// Read the sequence before the depth check. Work enqueued after
	// this point advances the sequence and re-arms the latch, so a
	// deploy is never suppressed for genuinely new work.
	seq := r.store.EnqueueSeq()

	depths, err := r.store.Depths(project.ID)
	if err != nil {
		r.notifier.Notify(notify.SeverityWarning, "drain check failed: %v", err)
		return
	}
	for _, n := range depths {
		if n > 0 {
			return
		}
	}

	// Re-verify after the depth read: a task claimed between the two
	// reads leaves the queue empty while its work is still in flight.
	if r.drainBlocked() {
		return
	}

	if !r.latch.TryAcquire(seq) {
		return
	}

	debugLog("drain detected at seq %d, deploying", seq)
	r.deploy(ctx, project)
}

func (r *Runtime) deploy(ctx context.Context, project *models.Project) {
	r.notifier.Notify(notify.SeverityInfo,
		"all queues drained for %s, triggering deploy", project.ID)

	res, err := r.deployer.Deploy(ctx, project)
	if err != nil {
		r.notifier.Notify(notify.SeverityCritical,
			"deploy failed for %s: %v", project.ID, err)
		return
	}
	if !res.Success {
		r.notifier.Notify(notify.SeverityCritical,
			"deploy failed for %s: %s", project.ID, res.Error)
		return
	}

	if err := r.store.RecordDeploy(project.ID, res.URL); err != nil {
		r.notifier.Notify(notify.SeverityWarning,
			"deploy succeeded but recording it failed: %v", err)
	}
	r.notifier.Notify(notify.SeverityInfo,
		"deployed %s at %s", project.ID, res.URL)
}
