// Package collab defines the interfaces for external collaborators the
// orchestration core consumes: the task executor, the VCS/issue system,
// the CI system, and the deploy trigger. Implementations live outside
// this core; tests use fakes.
package collab

import (
	"context"

	"github.com/devflowhq/devflow/pkg/models"
)

// ExecuteRequest carries one task to the external executor.
type ExecuteRequest struct {
	// Kind is the task kind being executed.
	Kind models.TaskKind
	// Payload is the task's opaque context, passed unmodified.
	Payload string
	// ProjectWorkspace is the local path the executor works in.
	ProjectWorkspace string
	// SourceItemID is the originating work item, for traceability.
	SourceItemID string
}

// ExecuteResult is the executor's report for one task.
type ExecuteResult struct {
	// Success indicates the executor finished the work.
	Success bool
	// ArtifactRefs lists produced artifacts (branches, files, reports).
	ArtifactRefs []string
	// ChangeRequestRef references a pending change-request the work
	// opened, empty if none was opened.
	ChangeRequestRef string
	// Approved is set by review-change executions: true when the
	// reviewed change-request should be merged.
	Approved bool
	// ReviewIssues lists problems found by a review-change execution.
	ReviewIssues []string
	// DiagnosticOutput is the executor's raw output, used in bounded
	// excerpts for operator notifications.
	DiagnosticOutput string
}

// Executor is the external code-generation engine invoked per task.
// Calls are long-running and potentially costly; callers bound them
// with a context deadline and must tolerate at-least-once delivery.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
}

// WorkItem is a unit of work published by the external VCS/issue system.
type WorkItem struct {
	// ID is the item's identifier within the repository (issue number).
	ID string
	// Title is the item's short free-text summary.
	Title string
	// Body is the item's free-text description.
	Body string
	// Labels are the item's string labels.
	Labels []string
}

// VCS is the external version-control and issue system: the source of
// work items and change-request state, and the sink for status labels
// and comments.
type VCS interface {
	// ListOpenItems returns the repository's open work items.
	ListOpenItems(ctx context.Context, repoName string) ([]WorkItem, error)
	// AddComment posts a comment on a work item.
	AddComment(ctx context.Context, repoName, itemID, comment string) error
	// SetLabels replaces the labels on a work item.
	SetLabels(ctx context.Context, repoName, itemID string, labels []string) error
	// MergeChangeRequest merges an approved change-request.
	MergeChangeRequest(ctx context.Context, repoName, changeRequestRef string) error
	// CloseItem closes a work item.
	CloseItem(ctx context.Context, repoName, itemID string) error
	// PushFix commits and pushes local changes with the given message,
	// returning the pushed commit ref.
	PushFix(ctx context.Context, workspace, repoName, message string) (string, error)
}

// CI is the external continuous-integration system, polled read-only.
type CI interface {
	// LatestRun returns the most recent run on the main lineage, or
	// nil when no runs exist yet.
	LatestRun(ctx context.Context, repoName string) (*models.CIRun, error)
	// RunLogs fetches the failure logs for a run.
	RunLogs(ctx context.Context, repoName, runID string) (string, error)
}

// DeployResult is the outcome of the single deploy trigger call.
type DeployResult struct {
	// Success indicates the deploy completed.
	Success bool
	// URL is where the deployed project is reachable.
	URL string
	// Error describes the failure when Success is false.
	Error string
}

// Deployer triggers deployment of a drained project, invoked exactly
// once per drain event.
type Deployer interface {
	Deploy(ctx context.Context, project *models.Project) (DeployResult, error)
}
