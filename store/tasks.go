package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Task is one durable scheduler task row. TriggerConfig and ActionConfig hold
// JSON the scheduler package interprets.
type Task struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	TriggerType   string     `json:"trigger_type"`
	TriggerConfig string     `json:"trigger_config"`
	ActionType    string     `json:"action_type"`
	ActionConfig  string     `json:"action_config"`
	Enabled       bool       `json:"enabled"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	NextRun       *time.Time `json:"next_run,omitempty"`
	Metadata      string     `json:"metadata,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

// TaskExecution is one row of the scheduler's execution history.
type TaskExecution struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	Status      string     `json:"status"` // running, success, failed
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Duration    *int64     `json:"duration,omitempty"`
}

// CreateTask inserts a task row.
func (s *Store) CreateTask(t Task) error {
	if t.ID == "" {
		return fmt.Errorf("task id required")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
INSERT INTO tasks (
    id, name, description, trigger_type, trigger_config,
    action_type, action_config, enabled, last_run, next_run, metadata,
    created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, NULL)`,
		t.ID, t.Name, nullIfEmpty(t.Description), t.TriggerType, t.TriggerConfig,
		t.ActionType, t.ActionConfig, boolToInt(t.Enabled), timeToMilli(t.NextRun),
		nullIfEmpty(t.Metadata), t.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(id string) (Task, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns all tasks newest first.
func (s *Store) ListTasks() ([]Task, error) {
	rows, err := s.db.Query(taskSelect + ` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListDueTasks returns enabled tasks whose next_run has passed, earliest
// first, capped at limit.
func (s *Store) ListDueTasks(now time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(taskSelect+`
WHERE enabled = 1 AND next_run IS NOT NULL AND next_run <= ?
ORDER BY next_run ASC
LIMIT ?`, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskRunInfo records a completed run and the recomputed next_run.
func (s *Store) UpdateTaskRunInfo(id string, lastRun time.Time, nextRun *time.Time) error {
	_, err := s.db.Exec(`
UPDATE tasks SET last_run = ?, next_run = ?, updated_at = ? WHERE id = ?`,
		lastRun.UnixMilli(), timeToMilli(nextRun), lastRun.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update task run info: %w", err)
	}
	return nil
}

// SetTaskEnabled toggles a task and stores the recomputed next_run (nil when
// disabling).
func (s *Store) SetTaskEnabled(id string, enabled bool, nextRun *time.Time) error {
	_, err := s.db.Exec(`
UPDATE tasks SET enabled = ?, next_run = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), timeToMilli(nextRun), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to enable task: %w", err)
	}
	return nil
}

// DeleteTask removes a task and (via cascade) its executions.
func (s *Store) DeleteTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// InsertExecution records a started execution.
func (s *Store) InsertExecution(e TaskExecution) error {
	_, err := s.db.Exec(`
INSERT INTO task_executions (id, task_id, status, started_at)
VALUES (?, ?, ?, ?)`,
		e.ID, e.TaskID, e.Status, e.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// FinalizeExecution writes the terminal fields of an execution row.
func (s *Store) FinalizeExecution(id, status string, completedAt time.Time, result, errMsg string, duration int64) error {
	_, err := s.db.Exec(`
UPDATE task_executions
SET status = ?, completed_at = ?, result = ?, error = ?, duration = ?
WHERE id = ?`,
		status, completedAt.UnixMilli(), nullIfEmpty(result), nullIfEmpty(errMsg), duration, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	return nil
}

// ListExecutions returns the most recent executions for a task.
func (s *Store) ListExecutions(taskID string, limit int) ([]TaskExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := s.db.Query(`
SELECT id, task_id, status, started_at, completed_at, result, error, duration
FROM task_executions
WHERE task_id = ?
ORDER BY started_at DESC
LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []TaskExecution
	for rows.Next() {
		var (
			e           TaskExecution
			startedAt   int64
			completedAt sql.NullInt64
			result      sql.NullString
			errMsg      sql.NullString
			duration    sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Status, &startedAt, &completedAt, &result, &errMsg, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.StartedAt = time.UnixMilli(startedAt)
		if completedAt.Valid {
			t := time.UnixMilli(completedAt.Int64)
			e.CompletedAt = &t
		}
		e.Result = result.String
		e.Error = errMsg.String
		if duration.Valid {
			d := duration.Int64
			e.Duration = &d
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const taskSelect = `
SELECT
  id, name, description,
  trigger_type, trigger_config,
  action_type, action_config,
  enabled, last_run, next_run, metadata,
  created_at, updated_at
FROM tasks`

func scanTask(r rowScanner) (Task, error) {
	var (
		t           Task
		description sql.NullString
		enabled     int
		lastRun     sql.NullInt64
		nextRun     sql.NullInt64
		metadata    sql.NullString
		createdAt   int64
		updatedAt   sql.NullInt64
	)
	if err := r.Scan(
		&t.ID, &t.Name, &description,
		&t.TriggerType, &t.TriggerConfig,
		&t.ActionType, &t.ActionConfig,
		&enabled, &lastRun, &nextRun, &metadata,
		&createdAt, &updatedAt,
	); err != nil {
		return Task{}, fmt.Errorf("failed to scan task: %w", err)
	}
	t.Description = description.String
	t.Enabled = enabled == 1
	if lastRun.Valid {
		v := time.UnixMilli(lastRun.Int64)
		t.LastRun = &v
	}
	if nextRun.Valid {
		v := time.UnixMilli(nextRun.Int64)
		t.NextRun = &v
	}
	t.Metadata = metadata.String
	t.CreatedAt = time.UnixMilli(createdAt)
	if updatedAt.Valid {
		v := time.UnixMilli(updatedAt.Int64)
		t.UpdatedAt = &v
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeToMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
