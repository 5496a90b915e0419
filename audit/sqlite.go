package audit

import (
	"database/sql"
	"fmt"
	"time"
)

// SQLiteRecorder persists the audit trail in the agent_tool_audit_log table of
// the companion's SQLite database. The table is append-only: Begin inserts a
// row, Finalize updates the terminal columns of that row exactly once
// (guarded by status IS NULL), and nothing ever deletes from it.
type SQLiteRecorder struct {
	db *sql.DB
}

// NewSQLiteRecorder wires the recorder to an open database handle and ensures
// the audit table exists.
func NewSQLiteRecorder(db *sql.DB) (*SQLiteRecorder, error) {
	r := &SQLiteRecorder{db: db}
	if err := r.ensureTable(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRecorder) ensureTable() error {
	_, err := r.db.Exec(`
CREATE TABLE IF NOT EXISTS agent_tool_audit_log (
    tool_call_id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    tool_name TEXT NOT NULL,
    source TEXT NOT NULL,
    args_json TEXT NOT NULL,
    result_json TEXT,
    requires_confirmation INTEGER NOT NULL,
    started_at INTEGER NOT NULL,
    completed_at INTEGER,
    duration_ms INTEGER,
    status TEXT,
    error TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_run ON agent_tool_audit_log(run_id);
CREATE INDEX IF NOT EXISTS idx_audit_started ON agent_tool_audit_log(started_at);
`)
	if err != nil {
		return fmt.Errorf("failed to ensure audit table: %w", err)
	}
	return nil
}

// Begin inserts the start record for a tool call.
func (r *SQLiteRecorder) Begin(e Entry) error {
	_, err := r.db.Exec(`
INSERT INTO agent_tool_audit_log (
    tool_call_id, run_id, tool_name, source, args_json,
    requires_confirmation, started_at
) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ToolCallID, e.RunID, e.ToolName, string(e.Source), e.ArgsJSON,
		boolToInt(e.RequiresConfirmation), e.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Finalize writes the terminal fields. Refuses to touch a row that already
// carries a status.
func (r *SQLiteRecorder) Finalize(e Entry) error {
	var completed int64
	if e.CompletedAt != nil {
		completed = e.CompletedAt.UnixMilli()
	} else {
		completed = time.Now().UnixMilli()
	}

	res, err := r.db.Exec(`
UPDATE agent_tool_audit_log
SET result_json = ?, completed_at = ?, duration_ms = ?, status = ?, error = ?
WHERE tool_call_id = ? AND status IS NULL`,
		e.ResultJSON, completed, e.DurationMS, string(e.Status), nullIfEmpty(e.Error),
		e.ToolCallID,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize audit entry: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrFinalized
	}
	return nil
}

// ListByRun returns all entries for a run ordered by start time.
func (r *SQLiteRecorder) ListByRun(runID string) ([]Entry, error) {
	rows, err := r.db.Query(`
SELECT tool_call_id, run_id, tool_name, source, args_json, result_json,
       requires_confirmation, started_at, completed_at, duration_ms, status, error
FROM agent_tool_audit_log
WHERE run_id = ?
ORDER BY started_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e            Entry
			source       string
			resultJSON   sql.NullString
			requiresConf int
			startedAt    int64
			completedAt  sql.NullInt64
			durationMS   sql.NullInt64
			status       sql.NullString
			errMsg       sql.NullString
		)
		if err := rows.Scan(
			&e.ToolCallID, &e.RunID, &e.ToolName, &source, &e.ArgsJSON, &resultJSON,
			&requiresConf, &startedAt, &completedAt, &durationMS, &status, &errMsg,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		e.Source = Source(source)
		e.ResultJSON = resultJSON.String
		e.RequiresConfirmation = requiresConf == 1
		e.StartedAt = time.UnixMilli(startedAt)
		if completedAt.Valid {
			t := time.UnixMilli(completedAt.Int64)
			e.CompletedAt = &t
		}
		e.DurationMS = durationMS.Int64
		e.Status = Status(status.String)
		e.Error = errMsg.String

		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
