package collab

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/devflowhq/devflow/pkg/models"
)

// CommandExecutor invokes an external agent binary per task. The task
// payload is written to the agent's stdin; the agent's exit code is the
// success signal. Structured results come back on marker lines in the
// agent's output:
//
//	devflow-change-request: <ref>
//	devflow-approved: true|false
//	devflow-issue: <text>      (repeatable)
//	devflow-artifact: <ref>    (repeatable)
type CommandExecutor struct {
	// Command is the agent binary.
	Command string
	// Args are fixed arguments placed before the task kind.
	Args []string
}

// Execute runs the agent for one task. The context deadline kills the
// process; a killed or failing process is a failed execution, not an
// error, so the caller settles the task instead of retrying.
func (e *CommandExecutor) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if e.Command == "" {
		return ExecuteResult{}, fmt.Errorf("executor command not configured")
	}

	args := append(append([]string{}, e.Args...), string(req.Kind), req.SourceItemID)
	cmd := exec.CommandContext(ctx, e.Command, args...)
	cmd.Dir = req.ProjectWorkspace
	cmd.Stdin = strings.NewReader(req.Payload)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	runErr := cmd.Run()

	result := parseExecutorOutput(output.String())
	result.Success = runErr == nil
	if runErr != nil && result.DiagnosticOutput == "" {
		result.DiagnosticOutput = runErr.Error()
	}
	return result, nil
}

// parseExecutorOutput scans agent output for marker lines and keeps the
// full text as diagnostics.
func parseExecutorOutput(out string) ExecuteResult {
	result := ExecuteResult{DiagnosticOutput: out}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "devflow-change-request: "); ok {
			result.ChangeRequestRef = strings.TrimSpace(rest)
		} else if rest, ok := strings.CutPrefix(line, "devflow-approved: "); ok {
			result.Approved = strings.TrimSpace(rest) == "true"
		} else if rest, ok := strings.CutPrefix(line, "devflow-issue: "); ok {
			result.ReviewIssues = append(result.ReviewIssues, strings.TrimSpace(rest))
		} else if rest, ok := strings.CutPrefix(line, "devflow-artifact: "); ok {
			result.ArtifactRefs = append(result.ArtifactRefs, strings.TrimSpace(rest))
		}
	}
	return result
}

// CommandDeployer triggers a deploy by running a configured command in
// the project workspace. The first "devflow-url:" marker line in its
// output becomes the deploy URL.
type CommandDeployer struct {
	Command string
	Args    []string
}

// Deploy runs the deploy command once.
func (d *CommandDeployer) Deploy(ctx context.Context, project *models.Project) (DeployResult, error) {
	if d.Command == "" {
		return DeployResult{}, fmt.Errorf("deploy command not configured")
	}

	cmd := exec.CommandContext(ctx, d.Command, d.Args...)
	cmd.Dir = project.Workspace

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(output.String())
		if msg == "" {
			msg = err.Error()
		}
		return DeployResult{Success: false, Error: msg}, nil
	}

	url := ""
	for _, line := range strings.Split(output.String(), "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "devflow-url: "); ok {
			url = strings.TrimSpace(rest)
			break
		}
	}
	return DeployResult{Success: true, URL: url}, nil
}
