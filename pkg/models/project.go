package models

import "time"

// Project is the unit of deployment. Exactly one project is active for
// an operator session at a time; queues are global across projects, with
// each task tagged by project ID.
type Project struct {
	// ID is the unique project identifier.
	ID string `json:"id"`
	// Name is the human-readable project name.
	Name string `json:"name"`
	// Workspace is the local path to the project's working copy.
	Workspace string `json:"workspace"`
	// RepoName is the remote repository reference (owner/name).
	RepoName string `json:"repo_name"`
	// Active marks the project the monitor and drain detector observe.
	Active bool `json:"active"`
	// LastCIRunID is the most recently observed CI run, if any.
	LastCIRunID string `json:"last_ci_run_id,omitempty"`
	// DeployURL is set after the first successful deploy.
	DeployURL string `json:"deploy_url,omitempty"`
	// DeployedAt is when the last deploy succeeded.
	DeployedAt *time.Time `json:"deployed_at,omitempty"`
}

// CIRunStatus is the state of an external CI run.
type CIRunStatus string

const (
	// CIRunPending indicates the run is queued or in progress.
	CIRunPending CIRunStatus = "pending"
	// CIRunSuccess indicates all checks passed.
	CIRunSuccess CIRunStatus = "success"
	// CIRunFailure indicates at least one check failed.
	CIRunFailure CIRunStatus = "failure"
)

// CIRun is a read-only record polled from the external CI system.
type CIRun struct {
	// RunID uniquely identifies the run.
	RunID string `json:"run_id"`
	// Name is the workflow or pipeline name.
	Name string `json:"name,omitempty"`
	// Status is the run's terminal or pending state.
	Status CIRunStatus `json:"status"`
	// CommitRef is the commit the run was triggered for.
	CommitRef string `json:"commit_ref"`
	// LogLocation points at the run's failure logs.
	LogLocation string `json:"log_location,omitempty"`
}

// FixAttemptOutcome is the recorded result of one automatic CI fix.
type FixAttemptOutcome string

const (
	// FixPending means the fix was pushed and a new run is awaited.
	FixPending FixAttemptOutcome = "pending"
	// FixSucceeded means the run following the fix went green.
	FixSucceeded FixAttemptOutcome = "succeeded"
	// FixFailed means the run following the fix failed again.
	FixFailed FixAttemptOutcome = "failed"
)

// FixAttempt records one bounded automatic remediation of a failing
// CI lineage. Attempts are capped per lineage, not per run.
type FixAttempt struct {
	// ProjectID is the project the failing lineage belongs to.
	ProjectID string `json:"project_id"`
	// LineageID is the run ID of the first failure in the lineage.
	LineageID string `json:"lineage_id"`
	// RunID is the failing run this attempt responded to.
	RunID string `json:"run_id"`
	// Attempt is the 1-based attempt number within the lineage.
	Attempt int `json:"attempt"`
	// Outcome is the recorded result of the attempt.
	Outcome FixAttemptOutcome `json:"outcome"`
	// CreatedAt is when the attempt was made.
	CreatedAt time.Time `json:"created_at"`
}
