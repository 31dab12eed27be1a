package runtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devflowhq/devflow/internal/collab"
	"github.com/devflowhq/devflow/internal/notify"
	"github.com/devflowhq/devflow/internal/queue"
	"github.com/devflowhq/devflow/pkg/models"
)

// diagnosticLimit bounds executor output quoted in notifications and
// item comments.
const diagnosticLimit = 500

func newWorkerID() string {
	return uuid.NewString()[:8]
}

// runPool is one pool's claiming loop. It claims the highest-priority
// queued task, executes it, records the outcome, and repeats. An empty
// queue parks the loop until the poll interval elapses, an enqueue
// wakes it, or the context ends.
func (r *Runtime) runPool(ctx context.Context, project *models.Project, pool models.Pool) error {
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.stopRequested() {
			return nil
		}

		if !r.pausedNow() {
			task, err := r.claimNext(project, pool)
			if err != nil {
				r.notifier.Notify(notify.SeverityWarning,
					"[%s] claim failed: %v", pool, err)
			} else if task != nil {
				r.process(ctx, project, pool, task)
				// Drain is checked after each settled task, not on
				// every empty poll.
				r.checkDrain(ctx, project)
				continue
			}

			r.setState(pool, PoolStateIdle, "")
			if r.takeDeferredDrain() {
				r.checkDrain(ctx, project)
			}
		} else {
			r.setState(pool, PoolStateIdle, "")
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(r.pollInterval)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.store.Wake(pool):
		case <-timer.C:
		}
	}
}

// process executes one claimed task end to end. The claim is already
// ours; every exit path below settles it as completed or failed.
func (r *Runtime) process(ctx context.Context, project *models.Project, pool models.Pool, task *models.Task) {
	r.setState(pool, PoolStateBusy, task.ID())
	defer r.setState(pool, PoolStateIdle, "")

	debugLog("[%s] claimed %s (%s, priority %d)", pool, task.ID(), task.Kind, task.Priority)

	ectx, cancel := context.WithTimeout(ctx, r.executorTimeout)
	defer cancel()

	workspace := ""
	repoName := ""
	if project != nil {
		workspace = project.Workspace
		repoName = project.RepoName
	}

	res, err := r.executor.Execute(ectx, collab.ExecuteRequest{
		Kind:             task.Kind,
		Payload:          task.Payload,
		ProjectWorkspace: workspace,
		SourceItemID:     task.SourceItemID,
	})
	if err != nil {
		r.settleFailure(ctx, repoName, task, err.Error())
		return
	}
	if !res.Success {
		reason := res.DiagnosticOutput
		if reason == "" {
			reason = "executor reported failure without diagnostics"
		}
		r.settleFailure(ctx, repoName, task, reason)
		return
	}

	if task.Kind == models.KindReviewChange {
		r.settleReview(ctx, repoName, task, res)
		return
	}

	r.settleSuccess(ctx, repoName, task, res)
}

// settleSuccess completes a non-review task, spawns the follow-up
// review when a change request was opened, and syncs item labels.
func (r *Runtime) settleSuccess(ctx context.Context, repoName string, task *models.Task, res collab.ExecuteResult) {
	if err := r.store.Complete(task.ProjectID, task.SourceItemID); err != nil {
		r.notifier.Notify(notify.SeverityWarning,
			"completing %s failed: %v", task.ID(), err)
		return
	}

	follow := FollowUpReview(task, res)
	if follow != nil {
		err := r.store.Enqueue(follow)
		if err != nil && !errors.Is(err, queue.ErrDuplicateTask) {
			r.notifier.Notify(notify.SeverityWarning,
				"enqueueing review for %s failed: %v", task.ID(), err)
		}
	}

	if r.vcs != nil && res.ChangeRequestRef != "" {
		if err := r.vcs.SetLabels(ctx, repoName, task.SourceItemID, []string{"in-review"}); err != nil {
			r.notifier.Notify(notify.SeverityWarning,
				"labeling %s failed: %v", task.ID(), err)
		}
		// Best effort; the comment is a courtesy, not state.
		_ = r.vcs.AddComment(ctx, repoName, task.SourceItemID,
			"Change request "+res.ChangeRequestRef+" opened and queued for review.")
	}
}

// settleFailure fails the task, flags the originating item, and raises
// an operator warning carrying a bounded diagnostic excerpt.
func (r *Runtime) settleFailure(ctx context.Context, repoName string, task *models.Task, reason string) {
	if err := r.store.Fail(task.ProjectID, task.SourceItemID, reason); err != nil {
		r.notifier.Notify(notify.SeverityWarning,
			"failing %s failed: %v", task.ID(), err)
	}

	if r.vcs != nil && !isReviewItem(task.SourceItemID) {
		if err := r.vcs.SetLabels(ctx, repoName, task.SourceItemID, []string{"needs-attention"}); err != nil {
			r.notifier.Notify(notify.SeverityWarning,
				"labeling %s failed: %v", task.ID(), err)
		}
	}

	r.notifier.Notify(notify.SeverityWarning,
		"task %s (%s) failed: %s", task.ID(), task.Kind, notify.Excerpt(reason, diagnosticLimit))
}

// settleReview applies a review verdict. Approval merges the change
// request and closes the originating item; rejection fails the review
// task and flags the item for revision. The review task itself never
// spawns another review.
func (r *Runtime) settleReview(ctx context.Context, repoName string, task *models.Task, res collab.ExecuteResult) {
	ref, origin := parseReviewPayload(task.Payload)
	if res.ChangeRequestRef != "" {
		ref = res.ChangeRequestRef
	}

	if !res.Approved {
		issues := strings.Join(res.ReviewIssues, "; ")
		if issues == "" {
			issues = "review rejected the change request"
		}
		if err := r.store.Fail(task.ProjectID, task.SourceItemID, issues); err != nil {
			r.notifier.Notify(notify.SeverityWarning,
				"failing review %s failed: %v", task.ID(), err)
		}
		if r.vcs != nil && origin != "" {
			if err := r.vcs.SetLabels(ctx, repoName, origin, []string{"needs-revision"}); err != nil {
				r.notifier.Notify(notify.SeverityWarning,
					"labeling %s failed: %v", origin, err)
			}
			_ = r.vcs.AddComment(ctx, repoName, origin,
				"Review rejected change request "+ref+": "+notify.Excerpt(issues, diagnosticLimit))
		}
		r.notifier.Notify(notify.SeverityWarning,
			"review %s rejected %s: %s", task.ID(), ref, notify.Excerpt(issues, diagnosticLimit))
		return
	}

	if r.vcs != nil && ref != "" {
		if err := r.vcs.MergeChangeRequest(ctx, repoName, ref); err != nil {
			r.settleFailure(ctx, repoName, task, "merge of "+ref+" failed: "+err.Error())
			return
		}
		if origin != "" {
			if err := r.vcs.CloseItem(ctx, repoName, origin); err != nil {
				r.notifier.Notify(notify.SeverityWarning,
					"closing %s failed: %v", origin, err)
			}
		}
	}

	if err := r.store.Complete(task.ProjectID, task.SourceItemID); err != nil {
		r.notifier.Notify(notify.SeverityWarning,
			"completing review %s failed: %v", task.ID(), err)
		return
	}
	r.notifier.Notify(notify.SeverityInfo,
		"review %s approved and merged %s", task.ID(), ref)
}
