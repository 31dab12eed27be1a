package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/devflowhq/devflow/pkg/models"
)

// GitHub implements VCS and CI over the gh CLI. It shells out rather
// than speaking the REST API directly so the operator's existing gh
// authentication is reused.
type GitHub struct {
	// Bin is the gh binary, "gh" by default.
	Bin string
}

// NewGitHub returns a gh-backed VCS/CI client.
func NewGitHub() *GitHub {
	return &GitHub{Bin: "gh"}
}

func (g *GitHub) run(ctx context.Context, dir string, args ...string) (string, error) {
	bin := g.Bin
	if bin == "" {
		bin = "gh"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("gh %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// ListOpenItems lists the repository's open issues as work items.
func (g *GitHub) ListOpenItems(ctx context.Context, repoName string) ([]WorkItem, error) {
	out, err := g.run(ctx, "", "issue", "list", "--repo", repoName,
		"--state", "open", "--json", "number,title,body,labels", "--limit", "200")
	if err != nil {
		return nil, err
	}

	var issues []ghIssue
	if err := json.Unmarshal([]byte(out), &issues); err != nil {
		return nil, fmt.Errorf("parse issue list: %w", err)
	}

	items := make([]WorkItem, 0, len(issues))
	for _, is := range issues {
		item := WorkItem{
			ID:    fmt.Sprintf("%d", is.Number),
			Title: is.Title,
			Body:  is.Body,
		}
		for _, l := range is.Labels {
			item.Labels = append(item.Labels, l.Name)
		}
		items = append(items, item)
	}
	return items, nil
}

// AddComment posts a comment on an issue.
func (g *GitHub) AddComment(ctx context.Context, repoName, itemID, comment string) error {
	_, err := g.run(ctx, "", "issue", "comment", itemID, "--repo", repoName, "--body", comment)
	return err
}

// statusLabels are the workflow labels this system manages. SetLabels
// clears them before applying the new set so stale states do not pile
// up on an item.
var statusLabels = []string{"in-review", "needs-attention", "needs-revision"}

// SetLabels replaces the managed workflow labels on an issue.
func (g *GitHub) SetLabels(ctx context.Context, repoName, itemID string, labels []string) error {
	args := []string{"issue", "edit", itemID, "--repo", repoName}
	for _, l := range statusLabels {
		args = append(args, "--remove-label", l)
	}
	for _, l := range labels {
		args = append(args, "--add-label", l)
	}
	_, err := g.run(ctx, "", args...)
	return err
}

// MergeChangeRequest merges a pull request.
func (g *GitHub) MergeChangeRequest(ctx context.Context, repoName, changeRequestRef string) error {
	_, err := g.run(ctx, "", "pr", "merge", changeRequestRef, "--repo", repoName, "--squash", "--delete-branch")
	return err
}

// CloseItem closes an issue.
func (g *GitHub) CloseItem(ctx context.Context, repoName, itemID string) error {
	_, err := g.run(ctx, "", "issue", "close", itemID, "--repo", repoName)
	return err
}

// PushFix commits and pushes everything in the workspace, returning the
// pushed commit ref.
func (g *GitHub) PushFix(ctx context.Context, workspace, repoName, message string) (string, error) {
	steps := [][]string{
		{"git", "add", "-A"},
		{"git", "commit", "-m", message},
		{"git", "push"},
	}
	for _, step := range steps {
		cmd := exec.CommandContext(ctx, step[0], step[1:]...)
		cmd.Dir = workspace
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("%s: %s", strings.Join(step, " "), strings.TrimSpace(out.String()))
		}
	}

	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = workspace
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return strings.TrimSpace(out.String()), nil
}

type ghRun struct {
	DatabaseID int64  `json:"databaseId"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	HeadSha    string `json:"headSha"`
	URL        string `json:"url"`
}

// LatestRun returns the most recent workflow run on the default branch.
func (g *GitHub) LatestRun(ctx context.Context, repoName string) (*models.CIRun, error) {
	out, err := g.run(ctx, "", "run", "list", "--repo", repoName, "--limit", "1",
		"--json", "databaseId,name,status,conclusion,headSha,url")
	if err != nil {
		return nil, err
	}

	var runs []ghRun
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		return nil, fmt.Errorf("parse run list: %w", err)
	}
	if len(runs) == 0 {
		return nil, nil
	}

	r := runs[0]
	run := &models.CIRun{
		RunID:       fmt.Sprintf("%d", r.DatabaseID),
		Name:        r.Name,
		CommitRef:   r.HeadSha,
		LogLocation: r.URL,
	}
	switch {
	case r.Status != "completed":
		run.Status = models.CIRunPending
	case r.Conclusion == "success":
		run.Status = models.CIRunSuccess
	default:
		run.Status = models.CIRunFailure
	}
	return run, nil
}

// RunLogs fetches the failed-step logs for a run.
func (g *GitHub) RunLogs(ctx context.Context, repoName, runID string) (string, error) {
	return g.run(ctx, "", "run", "view", runID, "--repo", repoName, "--log-failed")
}
