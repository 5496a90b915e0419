package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Memory is one long-term memory row agents read and write through tools.
// Importance is a 1-10 scale; AccessCount and LastAccessed track recall.
type Memory struct {
	ID           string     `json:"id"`
	Category     string     `json:"category"`
	Content      string     `json:"content"`
	Importance   int        `json:"importance"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
	AccessCount  int        `json:"access_count"`
	CreatedAt    time.Time  `json:"created_at"`
}

// SaveMemory inserts a memory row. Importance is clamped to 1-10.
func (s *Store) SaveMemory(m Memory) error {
	if m.ID == "" {
		return fmt.Errorf("memory id required")
	}
	if m.Importance < 1 {
		m.Importance = 1
	}
	if m.Importance > 10 {
		m.Importance = 10
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
INSERT INTO memories (id, category, content, importance, access_count, created_at)
VALUES (?, ?, ?, ?, 0, ?)`,
		m.ID, m.Category, m.Content, m.Importance, m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

// SearchMemories returns memories whose content contains the query substring
// (case-insensitive), optionally restricted to a category, ordered by
// importance then recency. Each returned row's access bookkeeping is bumped
// under the writer lock so concurrent searches never lose an increment.
func (s *Store) SearchMemories(query, category string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 10
	}

	clauses := []string{"1=1"}
	args := []any{}
	if query != "" {
		clauses = append(clauses, "lower(content) LIKE ?")
		args = append(args, "%"+strings.ToLower(query)+"%")
	}
	if category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, category)
	}
	args = append(args, limit)

	rows, err := s.db.Query(`
SELECT id, category, content, importance, last_accessed, access_count, created_at
FROM memories
WHERE `+strings.Join(clauses, " AND ")+`
ORDER BY importance DESC, created_at DESC
LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(out) > 0 {
		ids := make([]string, len(out))
		for i, m := range out {
			ids[i] = m.ID
		}
		if err := s.touchMemories(ids); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// touchMemories bumps access_count/last_accessed for the given rows as one
// serialized read-modify-write.
func (s *Store) touchMemories(ids []string) error {
	now := time.Now().UnixMilli()
	return s.Update(func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.Exec(`
UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`,
				now, id); err != nil {
				return fmt.Errorf("failed to touch memory %s: %w", id, err)
			}
		}
		return nil
	})
}

// GetMemory returns a single memory row without touching access bookkeeping.
func (s *Store) GetMemory(id string) (Memory, error) {
	row := s.db.QueryRow(`
SELECT id, category, content, importance, last_accessed, access_count, created_at
FROM memories WHERE id = ?`, id)
	return scanMemory(row)
}

// DeleteMemory removes a memory row.
func (s *Store) DeleteMemory(id string) error {
	_, err := s.db.Exec(`DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(r rowScanner) (Memory, error) {
	var (
		m            Memory
		lastAccessed sql.NullInt64
		createdAt    int64
	)
	if err := r.Scan(&m.ID, &m.Category, &m.Content, &m.Importance, &lastAccessed, &m.AccessCount, &createdAt); err != nil {
		return Memory{}, fmt.Errorf("failed to scan memory: %w", err)
	}
	if lastAccessed.Valid {
		t := time.UnixMilli(lastAccessed.Int64)
		m.LastAccessed = &t
	}
	m.CreatedAt = time.UnixMilli(createdAt)
	return m, nil
}
