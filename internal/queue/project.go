package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/devflowhq/devflow/pkg/models"
)

// ErrNoActiveProject is returned when no project is marked active.
var ErrNoActiveProject = errors.New("no active project")

// SaveProject inserts or updates a project record.
func (s *Store) SaveProject(p *models.Project) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var deployedAt interface{}
	if p.DeployedAt != nil {
		deployedAt = formatTime(*p.DeployedAt)
	}

	_, err := s.db.conn.Exec(`
		INSERT INTO projects (id, name, workspace, repo_name, active, last_ci_run_id, deploy_url, deployed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			workspace = excluded.workspace,
			repo_name = excluded.repo_name,
			active = excluded.active,
			last_ci_run_id = excluded.last_ci_run_id,
			deploy_url = excluded.deploy_url,
			deployed_at = excluded.deployed_at
	`, p.ID, p.Name, p.Workspace, p.RepoName, boolToInt(p.Active),
		p.LastCIRunID, p.DeployURL, deployedAt)
	if err != nil {
		return fmt.Errorf("save project %s: %w", p.ID, err)
	}
	return nil
}

// SetActiveProject marks one project active and deactivates the rest.
// Switching the active project swaps what the CI monitor and drain
// detector observe without touching other projects' queues.
func (s *Store) SetActiveProject(projectID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	tx, err := s.db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin set active: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE projects SET active = 0 WHERE active = 1"); err != nil {
		return fmt.Errorf("deactivate projects: %w", err)
	}

	res, err := tx.Exec("UPDATE projects SET active = 1 WHERE id = ?", projectID)
	if err != nil {
		return fmt.Errorf("activate project %s: %w", projectID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("activate project %s: %w", projectID, err)
	}
	if affected == 0 {
		return fmt.Errorf("activate project %s: %w", projectID, ErrNotFound)
	}

	return tx.Commit()
}

// ActiveProject returns the currently active project.
func (s *Store) ActiveProject() (*models.Project, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	p, err := scanProject(s.db.conn.QueryRow(
		"SELECT id, name, workspace, repo_name, active, last_ci_run_id, deploy_url, deployed_at FROM projects WHERE active = 1"))
	if err == sql.ErrNoRows {
		return nil, ErrNoActiveProject
	}
	if err != nil {
		return nil, fmt.Errorf("active project: %w", err)
	}
	return p, nil
}

// GetProject returns a project by ID.
func (s *Store) GetProject(projectID string) (*models.Project, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	p, err := scanProject(s.db.conn.QueryRow(
		"SELECT id, name, workspace, repo_name, active, last_ci_run_id, deploy_url, deployed_at FROM projects WHERE id = ?",
		projectID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, err)
	}
	return p, nil
}

// RecordDeploy stores a successful deploy's URL and time on the project.
func (s *Store) RecordDeploy(projectID, url string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	_, err := s.db.conn.Exec(
		"UPDATE projects SET deploy_url = ?, deployed_at = ? WHERE id = ?",
		url, formatTime(time.Now()), projectID)
	if err != nil {
		return fmt.Errorf("record deploy for %s: %w", projectID, err)
	}
	return nil
}

// RecordCIRun stores the most recently observed CI run on the project.
func (s *Store) RecordCIRun(projectID, runID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	_, err := s.db.conn.Exec(
		"UPDATE projects SET last_ci_run_id = ? WHERE id = ?", runID, projectID)
	if err != nil {
		return fmt.Errorf("record CI run for %s: %w", projectID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	p := &models.Project{}
	var active int
	var lastRun, deployURL, deployedAt sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.Workspace, &p.RepoName, &active,
		&lastRun, &deployURL, &deployedAt)
	if err != nil {
		return nil, err
	}
	p.Active = active == 1
	p.LastCIRunID = lastRun.String
	p.DeployURL = deployURL.String
	p.DeployedAt = parseNullableTime(deployedAt)
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
