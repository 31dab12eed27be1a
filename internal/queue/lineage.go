package queue

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/devflowhq/devflow/pkg/models"
)

// Lineage counters are persisted so a restart does not forget an
// exhausted lineage and retry past the ceiling.

// RecordFixAttempt registers one automatic fix attempt against a failing
// lineage and returns the new attempt count for the lineage.
func (s *Store) RecordFixAttempt(projectID, lineageID, runID string) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	tx, err := s.db.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin fix attempt: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	_, err = tx.Exec(`
		INSERT INTO lineages (project_id, lineage_id, attempts, exhausted, updated_at)
		VALUES (?, ?, 1, 0, ?)
		ON CONFLICT(project_id, lineage_id)
		DO UPDATE SET attempts = attempts + 1, updated_at = excluded.updated_at
	`, projectID, lineageID, now)
	if err != nil {
		return 0, fmt.Errorf("bump lineage %s: %w", lineageID, err)
	}

	var attempts int
	row := tx.QueryRow(
		"SELECT attempts FROM lineages WHERE project_id = ? AND lineage_id = ?",
		projectID, lineageID)
	if err := row.Scan(&attempts); err != nil {
		return 0, fmt.Errorf("read lineage %s: %w", lineageID, err)
	}

	_, err = tx.Exec(`
		INSERT INTO fix_attempts (project_id, lineage_id, run_id, attempt, outcome, created_at)
		VALUES (?, ?, ?, ?, 'pending', ?)
	`, projectID, lineageID, runID, attempts, now)
	if err != nil {
		return 0, fmt.Errorf("record fix attempt for run %s: %w", runID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit fix attempt: %w", err)
	}
	return attempts, nil
}

// SetFixCommit records the commit ref a fix attempt pushed, so a
// restarted monitor can still tell its own commits from foreign ones.
func (s *Store) SetFixCommit(projectID, runID, commitRef string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	_, err := s.db.conn.Exec(`
		UPDATE fix_attempts SET commit_ref = ?
		WHERE id = (
			SELECT id FROM fix_attempts
			WHERE project_id = ? AND run_id = ?
			ORDER BY id DESC LIMIT 1
		)
	`, commitRef, projectID, runID)
	if err != nil {
		return fmt.Errorf("set fix commit for run %s: %w", runID, err)
	}
	return nil
}

// LineageState is a persisted repair episode, used to re-seed the CI
// monitor after a restart.
type LineageState struct {
	LineageID string
	// LastFixRunID is the failing run whose fix attempt is still
	// pending an observed outcome.
	LastFixRunID string
	// FixCommits are the commit refs pushed for this lineage.
	FixCommits []string
}

// OpenLineage returns the project's current repair episode, or nil when
// no lineage row is open. Lineage rows are deleted on reset and on CI
// recovery, so the most recently updated row is the live episode.
func (s *Store) OpenLineage(projectID string) (*LineageState, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	st := &LineageState{}
	row := s.db.conn.QueryRow(`
		SELECT lineage_id FROM lineages
		WHERE project_id = ?
		ORDER BY updated_at DESC LIMIT 1
	`, projectID)
	err := row.Scan(&st.LineageID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open lineage: %w", err)
	}

	rows, err := s.db.conn.Query(`
		SELECT commit_ref FROM fix_attempts
		WHERE project_id = ? AND lineage_id = ? AND commit_ref IS NOT NULL AND commit_ref != ''
	`, projectID, st.LineageID)
	if err != nil {
		return nil, fmt.Errorf("open lineage commits: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("open lineage commits: %w", err)
		}
		st.FixCommits = append(st.FixCommits, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("open lineage commits: %w", err)
	}

	var lastRun sql.NullString
	row = s.db.conn.QueryRow(`
		SELECT run_id FROM fix_attempts
		WHERE project_id = ? AND lineage_id = ? AND outcome = 'pending'
		ORDER BY id DESC LIMIT 1
	`, projectID, st.LineageID)
	if err := row.Scan(&lastRun); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("open lineage last run: %w", err)
	}
	st.LastFixRunID = lastRun.String

	return st, nil
}

// SetFixOutcome records the result of the latest fix attempt for a run.
func (s *Store) SetFixOutcome(projectID, runID string, outcome models.FixAttemptOutcome) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	_, err := s.db.conn.Exec(`
		UPDATE fix_attempts SET outcome = ?
		WHERE id = (
			SELECT id FROM fix_attempts
			WHERE project_id = ? AND run_id = ?
			ORDER BY id DESC LIMIT 1
		)
	`, string(outcome), projectID, runID)
	if err != nil {
		return fmt.Errorf("set fix outcome for run %s: %w", runID, err)
	}
	return nil
}

// LineageAttempts returns the accumulated fix-attempt count for a lineage.
func (s *Store) LineageAttempts(projectID, lineageID string) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var attempts int
	row := s.db.conn.QueryRow(
		"SELECT attempts FROM lineages WHERE project_id = ? AND lineage_id = ?",
		projectID, lineageID)
	err := row.Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lineage attempts %s: %w", lineageID, err)
	}
	return attempts, nil
}

// MarkLineageExhausted freezes a lineage: no further automatic fixes
// until a human-initiated change resets it.
func (s *Store) MarkLineageExhausted(projectID, lineageID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	_, err := s.db.conn.Exec(`
		INSERT INTO lineages (project_id, lineage_id, attempts, exhausted, updated_at)
		VALUES (?, ?, 0, 1, ?)
		ON CONFLICT(project_id, lineage_id)
		DO UPDATE SET exhausted = 1, updated_at = excluded.updated_at
	`, projectID, lineageID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("mark lineage %s exhausted: %w", lineageID, err)
	}
	return nil
}

// LineageExhausted reports whether a lineage has been frozen.
func (s *Store) LineageExhausted(projectID, lineageID string) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var exhausted int
	row := s.db.conn.QueryRow(
		"SELECT exhausted FROM lineages WHERE project_id = ? AND lineage_id = ?",
		projectID, lineageID)
	err := row.Scan(&exhausted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lineage exhausted %s: %w", lineageID, err)
	}
	return exhausted == 1, nil
}

// ResetLineage clears a lineage's counters after a human-initiated
// change supersedes the automatic fixes.
func (s *Store) ResetLineage(projectID, lineageID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	_, err := s.db.conn.Exec(
		"DELETE FROM lineages WHERE project_id = ? AND lineage_id = ?",
		projectID, lineageID)
	if err != nil {
		return fmt.Errorf("reset lineage %s: %w", lineageID, err)
	}
	return nil
}

// LineageCounts returns fix-attempt counts per lineage for a project,
// for the operator status surface.
func (s *Store) LineageCounts(projectID string) (map[string]int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	rows, err := s.db.conn.Query(
		"SELECT lineage_id, attempts FROM lineages WHERE project_id = ?", projectID)
	if err != nil {
		return nil, fmt.Errorf("lineage counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var lineageID string
		var attempts int
		if err := rows.Scan(&lineageID, &attempts); err != nil {
			return nil, fmt.Errorf("lineage counts: %w", err)
		}
		counts[lineageID] = attempts
	}
	return counts, rows.Err()
}
