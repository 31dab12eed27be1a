package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devflowhq/devflow/pkg/models"
)

var (
	// ErrDuplicateTask is returned by Enqueue when a non-terminal record
	// already exists for the task's identity.
	ErrDuplicateTask = errors.New("task already enqueued or claimed")
	// ErrNotFound is returned when no record exists for a task identity.
	ErrNotFound = errors.New("task not found")
	// ErrBadTransition is returned for a disallowed status transition.
	ErrBadTransition = errors.New("invalid task status transition")
)

// Store is the durable task queue: one priority queue per project and
// pool, all in one database. Every operation is individually atomic;
// no multi-operation transaction spans two tasks.
type Store struct {
	db *DB

	mu sync.Mutex
	// enqueues counts Enqueue/Resubmit calls monotonically. The drain
	// latch keys off it so a deploy fires at most once per drain episode.
	enqueues uint64
	// wake holds one buffered channel per pool, poked on enqueue so an
	// idle worker loop wakes promptly instead of waiting a full poll.
	wake map[models.Pool]chan struct{}
}

// NewStore creates a Store over an opened, migrated DB.
func NewStore(db *DB) (*Store, error) {
	s := &Store{
		db:   db,
		wake: make(map[models.Pool]chan struct{}),
	}
	for _, pool := range models.AllPools() {
		s.wake[pool] = make(chan struct{}, 1)
	}

	// Seed the enqueue counter from the persisted sequence so the drain
	// latch stays monotonic across restarts.
	var maxSeq sql.NullInt64
	row := db.conn.QueryRow("SELECT MAX(seq) FROM tasks")
	if err := row.Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("seed enqueue counter: %w", err)
	}
	if maxSeq.Valid {
		s.enqueues = uint64(maxSeq.Int64)
	}

	return s, nil
}

// OpenStore opens, migrates, and wraps the store at path.
func OpenStore(path string) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return NewStore(db)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue inserts the task into its pool's queue at (priority, now).
// Returns ErrDuplicateTask when a non-terminal record already exists for
// (project_id, source_item_id) — the idempotent re-submission guard.
func (s *Store) Enqueue(task *models.Task) error {
	if !task.Pool.Valid() {
		return fmt.Errorf("enqueue %s: unknown pool %q", task.ID(), task.Pool)
	}
	if !task.Kind.Valid() {
		return fmt.Errorf("enqueue %s: unknown kind %q", task.ID(), task.Kind)
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	tx, err := s.db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	var live int
	row := tx.QueryRow(`
		SELECT COUNT(*) FROM tasks
		WHERE project_id = ? AND source_item_id = ? AND status IN ('queued', 'claimed')
	`, task.ProjectID, task.SourceItemID)
	if err := row.Scan(&live); err != nil {
		return fmt.Errorf("check duplicate for %s: %w", task.ID(), err)
	}
	if live > 0 {
		return fmt.Errorf("enqueue %s: %w", task.ID(), ErrDuplicateTask)
	}

	now := time.Now()
	_, err = tx.Exec(`
		INSERT INTO tasks (project_id, source_item_id, pool, kind, priority, status, payload, enqueued_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)
	`, task.ProjectID, task.SourceItemID, string(task.Pool), string(task.Kind),
		task.Priority, task.Payload, formatTime(now))
	if err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID(), err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue %s: %w", task.ID(), err)
	}

	task.Status = models.TaskStatusQueued
	task.EnqueuedAt = now

	s.noteEnqueue(task.Pool)
	return nil
}

// ClaimNext atomically pops the lowest-(priority, seq) queued task of
// the project's pool queue and transitions it to claimed. Returns nil
// when the queue is empty — a normal, frequent condition, not an error.
// Claims are scoped to one project so a worker bound to the active
// project never executes another project's task in the wrong workspace.
func (s *Store) ClaimNext(projectID string, pool models.Pool) (*models.Task, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	tx, err := s.db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	task := &models.Task{}
	var seq int64
	var enqueuedAt string
	row := tx.QueryRow(`
		SELECT seq, project_id, source_item_id, pool, kind, priority, payload, attempt_count, enqueued_at
		FROM tasks
		WHERE project_id = ? AND pool = ? AND status = 'queued'
		ORDER BY priority ASC, seq ASC
		LIMIT 1
	`, projectID, string(pool))
	var payload sql.NullString
	err = row.Scan(&seq, &task.ProjectID, &task.SourceItemID, &task.Pool, &task.Kind,
		&task.Priority, &payload, &task.AttemptCount, &enqueuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next task for %s: %w", pool, err)
	}
	task.Payload = payload.String

	now := time.Now()
	res, err := tx.Exec(`
		UPDATE tasks SET status = 'claimed', claimed_at = ?
		WHERE seq = ? AND status = 'queued'
	`, formatTime(now), seq)
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", task.ID(), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", task.ID(), err)
	}
	if affected != 1 {
		// Lost the row between select and update within our own
		// transaction — cannot happen under SQLite's locking, but a
		// claim must never be assumed.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim %s: %w", task.ID(), err)
	}

	if t, perr := parseTime(enqueuedAt); perr == nil {
		task.EnqueuedAt = t
	}
	task.Status = models.TaskStatusClaimed
	task.ClaimedAt = &now
	return task, nil
}

// Complete transitions the task's claimed record to completed.
// Idempotent: completing an already-completed task is a no-op, to
// tolerate at-least-once delivery from the executor boundary.
func (s *Store) Complete(projectID, sourceItemID string) error {
	return s.finish(projectID, sourceItemID, models.TaskStatusCompleted, "")
}

// Fail transitions the task's claimed record to failed, increments its
// attempt count, and records the error. Failed tasks are not re-enqueued
// automatically; re-submission is an explicit, separate decision.
func (s *Store) Fail(projectID, sourceItemID, taskErr string) error {
	return s.finish(projectID, sourceItemID, models.TaskStatusFailed, taskErr)
}

func (s *Store) finish(projectID, sourceItemID string, target models.TaskStatus, taskErr string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	tx, err := s.db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin finish: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	var status string
	row := tx.QueryRow(`
		SELECT seq, status FROM tasks
		WHERE project_id = ? AND source_item_id = ?
		ORDER BY seq DESC LIMIT 1
	`, projectID, sourceItemID)
	if err := row.Scan(&seq, &status); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("finish %s/%s: %w", projectID, sourceItemID, ErrNotFound)
		}
		return fmt.Errorf("finish %s/%s: %w", projectID, sourceItemID, err)
	}

	switch models.TaskStatus(status) {
	case target:
		// Repeated completion/failure of the same task is a no-op.
		return nil
	case models.TaskStatusClaimed:
		// The only legal source state.
	default:
		return fmt.Errorf("finish %s/%s: %s -> %s: %w",
			projectID, sourceItemID, status, target, ErrBadTransition)
	}

	now := formatTime(time.Now())
	if target == models.TaskStatusFailed {
		_, err = tx.Exec(`
			UPDATE tasks SET status = 'failed', attempt_count = attempt_count + 1,
				last_error = ?, finished_at = ?
			WHERE seq = ?
		`, truncateError(taskErr), now, seq)
	} else {
		_, err = tx.Exec(`
			UPDATE tasks SET status = 'completed', finished_at = ?
			WHERE seq = ?
		`, now, seq)
	}
	if err != nil {
		return fmt.Errorf("finish %s/%s: %w", projectID, sourceItemID, err)
	}

	return tx.Commit()
}

// Resubmit returns a failed task to its queue. This is never automatic:
// only an operator or the bounded CI recovery path calls it.
func (s *Store) Resubmit(projectID, sourceItemID string) error {
	s.db.mu.Lock()

	tx, err := s.db.conn.Begin()
	if err != nil {
		s.db.mu.Unlock()
		return fmt.Errorf("begin resubmit: %w", err)
	}

	var seq int64
	var status, pool string
	row := tx.QueryRow(`
		SELECT seq, status, pool FROM tasks
		WHERE project_id = ? AND source_item_id = ?
		ORDER BY seq DESC LIMIT 1
	`, projectID, sourceItemID)
	if err := row.Scan(&seq, &status, &pool); err != nil {
		tx.Rollback()
		s.db.mu.Unlock()
		if err == sql.ErrNoRows {
			return fmt.Errorf("resubmit %s/%s: %w", projectID, sourceItemID, ErrNotFound)
		}
		return fmt.Errorf("resubmit %s/%s: %w", projectID, sourceItemID, err)
	}

	if models.TaskStatus(status) != models.TaskStatusFailed {
		tx.Rollback()
		s.db.mu.Unlock()
		return fmt.Errorf("resubmit %s/%s: %s -> queued: %w",
			projectID, sourceItemID, status, ErrBadTransition)
	}

	_, err = tx.Exec(`
		UPDATE tasks SET status = 'queued', claimed_at = NULL, finished_at = NULL, enqueued_at = ?
		WHERE seq = ?
	`, formatTime(time.Now()), seq)
	if err != nil {
		tx.Rollback()
		s.db.mu.Unlock()
		return fmt.Errorf("resubmit %s/%s: %w", projectID, sourceItemID, err)
	}

	if err := tx.Commit(); err != nil {
		s.db.mu.Unlock()
		return fmt.Errorf("commit resubmit %s/%s: %w", projectID, sourceItemID, err)
	}
	s.db.mu.Unlock()

	s.noteEnqueue(models.Pool(pool))
	return nil
}

// Get returns the latest record for a task identity.
func (s *Store) Get(projectID, sourceItemID string) (*models.Task, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	task := &models.Task{}
	var payload, lastError, enqueuedAt sql.NullString
	var claimedAt, finishedAt sql.NullString
	row := s.db.conn.QueryRow(`
		SELECT project_id, source_item_id, pool, kind, priority, status, payload,
			attempt_count, last_error, enqueued_at, claimed_at, finished_at
		FROM tasks
		WHERE project_id = ? AND source_item_id = ?
		ORDER BY seq DESC LIMIT 1
	`, projectID, sourceItemID)
	err := row.Scan(&task.ProjectID, &task.SourceItemID, &task.Pool, &task.Kind,
		&task.Priority, &task.Status, &payload, &task.AttemptCount, &lastError,
		&enqueuedAt, &claimedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get %s/%s: %w", projectID, sourceItemID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", projectID, sourceItemID, err)
	}

	task.Payload = payload.String
	task.LastError = lastError.String
	if enqueuedAt.Valid {
		if t, perr := parseTime(enqueuedAt.String); perr == nil {
			task.EnqueuedAt = t
		}
	}
	task.ClaimedAt = parseNullableTime(claimedAt)
	task.FinishedAt = parseNullableTime(finishedAt)
	return task, nil
}

// Depth returns the number of queued tasks in a project's pool queue.
func (s *Store) Depth(projectID string, pool models.Pool) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var n int
	row := s.db.conn.QueryRow(
		"SELECT COUNT(*) FROM tasks WHERE project_id = ? AND pool = ? AND status = 'queued'",
		projectID, string(pool))
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("depth %s: %w", pool, err)
	}
	return n, nil
}

// Depths returns a project's queued counts for every pool, including
// empty ones. Scoped per project so one project's backlog never
// suppresses another's drain detection.
func (s *Store) Depths(projectID string) (map[models.Pool]int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	depths := make(map[models.Pool]int, len(models.AllPools()))
	for _, pool := range models.AllPools() {
		depths[pool] = 0
	}

	rows, err := s.db.conn.Query(
		"SELECT pool, COUNT(*) FROM tasks WHERE project_id = ? AND status = 'queued' GROUP BY pool",
		projectID)
	if err != nil {
		return nil, fmt.Errorf("depths: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pool string
		var n int
		if err := rows.Scan(&pool, &n); err != nil {
			return nil, fmt.Errorf("depths: %w", err)
		}
		depths[models.Pool(pool)] = n
	}
	return depths, rows.Err()
}

// FailedTasks returns the failed records for a project, newest first,
// for operator attention.
func (s *Store) FailedTasks(projectID string) ([]*models.Task, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	rows, err := s.db.conn.Query(`
		SELECT project_id, source_item_id, pool, kind, priority, status,
			attempt_count, last_error, enqueued_at
		FROM tasks
		WHERE project_id = ? AND status = 'failed'
		ORDER BY seq DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task := &models.Task{}
		var lastError, enqueuedAt sql.NullString
		err := rows.Scan(&task.ProjectID, &task.SourceItemID, &task.Pool, &task.Kind,
			&task.Priority, &task.Status, &task.AttemptCount, &lastError, &enqueuedAt)
		if err != nil {
			return nil, fmt.Errorf("failed tasks: %w", err)
		}
		task.LastError = lastError.String
		if enqueuedAt.Valid {
			if t, perr := parseTime(enqueuedAt.String); perr == nil {
				task.EnqueuedAt = t
			}
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// RecoverOrphans marks tasks stuck in claimed for longer than maxAge as
// failed. Run at startup: a crashed worker leaves its claim behind, and
// failing the record surfaces it to the operator instead of silently
// re-running it against the cost-incurring executor.
func (s *Store) RecoverOrphans(maxAge time.Duration) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	cutoff := formatTime(time.Now().Add(-maxAge))
	now := formatTime(time.Now())
	res, err := s.db.conn.Exec(`
		UPDATE tasks SET status = 'failed', attempt_count = attempt_count + 1,
			last_error = 'orphaned claim: worker did not finish', finished_at = ?
		WHERE status = 'claimed' AND claimed_at < ?
	`, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	return int(n), nil
}

// EnqueueSeq returns the monotonic enqueue counter. The drain latch
// compares it across observations to detect new work.
func (s *Store) EnqueueSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueues
}

// Wake returns the pool's wake channel. A buffered token arrives on
// enqueue so an idle loop can re-poll without waiting the full interval.
func (s *Store) Wake(pool models.Pool) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.wake[pool]
	if !ok {
		ch = make(chan struct{}, 1)
		s.wake[pool] = ch
	}
	return ch
}

func (s *Store) noteEnqueue(pool models.Pool) {
	s.mu.Lock()
	s.enqueues++
	ch, ok := s.wake[pool]
	s.mu.Unlock()

	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// truncateError bounds stored error text.
func truncateError(s string) string {
	const limit = 500
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
