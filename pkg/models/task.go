package models

import (
	"fmt"
	"time"
)

// Pool identifies a worker pool: a named category of work with its own
// queue and claim loop.
type Pool string

const (
	// PoolServerLogic handles APIs, services, and business logic.
	PoolServerLogic Pool = "server-logic"
	// PoolClientUI handles user-facing components and pages.
	PoolClientUI Pool = "client-ui"
	// PoolDataModel handles schemas, migrations, and queries.
	PoolDataModel Pool = "data-model"
	// PoolDeployConfig handles CI/CD, containers, and infrastructure.
	PoolDeployConfig Pool = "deployment-config"
	// PoolQualityReview handles change-request review and test validation.
	PoolQualityReview Pool = "quality-review"
)

// AllPools lists every pool in a fixed, deterministic order.
func AllPools() []Pool {
	return []Pool{PoolServerLogic, PoolClientUI, PoolDataModel, PoolDeployConfig, PoolQualityReview}
}

// Valid returns true if the pool is a known value.
func (p Pool) Valid() bool {
	switch p {
	case PoolServerLogic, PoolClientUI, PoolDataModel, PoolDeployConfig, PoolQualityReview:
		return true
	default:
		return false
	}
}

// TaskKind categorizes what a task asks the executor to do.
type TaskKind string

const (
	// KindImplementFeature builds new functionality.
	KindImplementFeature TaskKind = "implement-feature"
	// KindFixDefect repairs broken behavior.
	KindFixDefect TaskKind = "fix-defect"
	// KindWriteTests adds test coverage.
	KindWriteTests TaskKind = "write-tests"
	// KindRefactor restructures code without behavior change.
	KindRefactor TaskKind = "refactor"
	// KindImproveInterface reworks an API or UI surface.
	KindImproveInterface TaskKind = "improve-interface"
	// KindReviewChange reviews a pending change-request.
	KindReviewChange TaskKind = "review-change"
)

// Valid returns true if the kind is a known value.
func (k TaskKind) Valid() bool {
	switch k {
	case KindImplementFeature, KindFixDefect, KindWriteTests, KindRefactor, KindImproveInterface, KindReviewChange:
		return true
	default:
		return false
	}
}

// CodeProducing reports whether executing this kind can open a
// change-request that needs a quality-review follow-up.
func (k TaskKind) CodeProducing() bool {
	switch k {
	case KindImplementFeature, KindFixDefect, KindRefactor, KindImproveInterface:
		return true
	default:
		return false
	}
}

// DefaultPriority returns the default queue priority for a kind.
// Lower values are served first: defect fixes outrank new features,
// which outrank interface work, tests, and refactors.
func (k TaskKind) DefaultPriority() int {
	switch k {
	case KindFixDefect:
		return 1
	case KindReviewChange:
		return 2
	case KindImplementFeature:
		return 3
	case KindImproveInterface:
		return 4
	case KindWriteTests:
		return 5
	case KindRefactor:
		return 6
	default:
		return 5
	}
}

// TaskStatus represents the lifecycle state of a task.
// Transitions: queued -> claimed -> {completed, failed}.
type TaskStatus string

const (
	// TaskStatusQueued indicates the task is waiting in its pool queue.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusClaimed indicates exactly one worker holds the task.
	TaskStatusClaimed TaskStatus = "claimed"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed execution.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusClaimed, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true for states that never transition again.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task is one unit of work routed to exactly one pool.
// Its identity is (ProjectID, SourceItemID), unique per project.
type Task struct {
	// ProjectID identifies the project this task belongs to.
	ProjectID string `json:"project_id"`
	// SourceItemID is the external work-item identifier (issue number,
	// change-request ref) the task was created from.
	SourceItemID string `json:"source_item_id"`
	// Pool is the worker pool that will execute this task.
	Pool Pool `json:"pool"`
	// Kind categorizes the work.
	Kind TaskKind `json:"kind"`
	// Priority orders the queue; lower is served first, ties FIFO.
	Priority int `json:"priority"`
	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`
	// Payload is opaque context passed unmodified to the executor.
	Payload string `json:"payload,omitempty"`
	// AttemptCount is incremented each time the task fails.
	AttemptCount int `json:"attempt_count,omitempty"`
	// LastError holds the most recent failure message.
	LastError string `json:"last_error,omitempty"`
	// EnqueuedAt is when the task entered its queue.
	EnqueuedAt time.Time `json:"enqueued_at"`
	// ClaimedAt is when a worker claimed the task, if it has been.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	// FinishedAt is when the task reached a terminal state.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ID returns the task's composite identity as a single string.
func (t *Task) ID() string {
	return fmt.Sprintf("%s/%s", t.ProjectID, t.SourceItemID)
}
