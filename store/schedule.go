package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Schedule is one calendar row: agents remind users about these.
type Schedule struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Datetime     time.Time     `json:"datetime"`
	RemindBefore time.Duration `json:"remind_before"`
	Recurring    string        `json:"recurring,omitempty"` // daily, weekly, monthly or empty
	Category     string        `json:"category,omitempty"`
	Completed    bool          `json:"completed"`
	CreatedAt    time.Time     `json:"created_at"`
}

// AddSchedule inserts a schedule row.
func (s *Store) AddSchedule(sch Schedule) error {
	if sch.ID == "" {
		return fmt.Errorf("schedule id required")
	}
	if sch.Title == "" {
		return fmt.Errorf("schedule title required")
	}
	if sch.CreatedAt.IsZero() {
		sch.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
INSERT INTO schedules (id, title, datetime, remind_before, recurring, category, completed, created_at)
VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		sch.ID, sch.Title, sch.Datetime.UnixMilli(), sch.RemindBefore.Milliseconds(),
		nullIfEmpty(sch.Recurring), nullIfEmpty(sch.Category), sch.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

// UpcomingSchedules returns incomplete schedules whose reminder window
// (datetime - remindBefore) has opened by now, soonest first.
func (s *Store) UpcomingSchedules(now time.Time, limit int) ([]Schedule, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
SELECT id, title, datetime, remind_before, recurring, category, completed, created_at
FROM schedules
WHERE completed = 0 AND (datetime - remind_before) <= ?
ORDER BY datetime ASC
LIMIT ?`, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

// GetSchedule returns a schedule by id.
func (s *Store) GetSchedule(id string) (Schedule, error) {
	row := s.db.QueryRow(`
SELECT id, title, datetime, remind_before, recurring, category, completed, created_at
FROM schedules WHERE id = ?`, id)
	return scanSchedule(row)
}

// CompleteSchedule marks a schedule done. Recurring schedules roll forward to
// their next occurrence instead, as one serialized read-modify-write.
func (s *Store) CompleteSchedule(id string, now time.Time) error {
	return s.Update(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT datetime, recurring FROM schedules WHERE id = ?`, id)

		var (
			datetime  int64
			recurring sql.NullString
		)
		if err := row.Scan(&datetime, &recurring); err != nil {
			return fmt.Errorf("schedule not found: %w", err)
		}

		if !recurring.Valid || recurring.String == "" {
			_, err := tx.Exec(`UPDATE schedules SET completed = 1 WHERE id = ?`, id)
			return err
		}

		next := nextOccurrence(time.UnixMilli(datetime), recurring.String, now)
		_, err := tx.Exec(`UPDATE schedules SET datetime = ? WHERE id = ?`, next.UnixMilli(), id)
		return err
	})
}

// nextOccurrence advances t by at least one recurrence unit, and further
// until it passes now for schedules completed long after their time.
func nextOccurrence(t time.Time, recurring string, now time.Time) time.Time {
	for {
		switch recurring {
		case "daily":
			t = t.AddDate(0, 0, 1)
		case "weekly":
			t = t.AddDate(0, 0, 7)
		case "monthly":
			t = t.AddDate(0, 1, 0)
		default:
			return t
		}
		if t.After(now) {
			return t
		}
	}
}

func scanSchedule(r rowScanner) (Schedule, error) {
	var (
		sch          Schedule
		datetime     int64
		remindBefore int64
		recurring    sql.NullString
		category     sql.NullString
		completed    int
		createdAt    int64
	)
	if err := r.Scan(&sch.ID, &sch.Title, &datetime, &remindBefore, &recurring, &category, &completed, &createdAt); err != nil {
		return Schedule{}, fmt.Errorf("failed to scan schedule: %w", err)
	}
	sch.Datetime = time.UnixMilli(datetime)
	sch.RemindBefore = time.Duration(remindBefore) * time.Millisecond
	sch.Recurring = recurring.String
	sch.Category = category.String
	sch.Completed = completed == 1
	sch.CreatedAt = time.UnixMilli(createdAt)
	return sch, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
