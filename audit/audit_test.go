package audit

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedEntry(callID string) Entry {
	return Entry{
		RunID:      "run-1",
		ToolCallID: callID,
		ToolName:   "get_weather",
		Source:     SourceChat,
		ArgsJSON:   `{"city":"Berlin"}`,
		StartedAt:  time.Now(),
	}
}

func finalize(e Entry, status Status) Entry {
	completed := e.StartedAt.Add(50 * time.Millisecond)
	e.CompletedAt = &completed
	e.DurationMS = 50
	e.Status = status
	e.ResultJSON = `{"temp":21}`
	return e
}

// -------------------- MemoryRecorder Tests --------------------

func TestMemoryRecorder_Lifecycle(t *testing.T) {
	r := NewMemoryRecorder()

	e := startedEntry("c1")
	require.NoError(t, r.Begin(e))

	// Duplicate begin refused.
	assert.Error(t, r.Begin(e))

	require.NoError(t, r.Finalize(finalize(e, StatusSucceeded)))

	got, ok := r.Find("c1")
	require.True(t, ok)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.NotNil(t, got.CompletedAt)

	// Finalize is once-only.
	assert.ErrorIs(t, r.Finalize(finalize(e, StatusFailed)), ErrFinalized)

	// Finalizing an unknown entry fails.
	assert.Error(t, r.Finalize(finalize(startedEntry("nope"), StatusFailed)))
}

func TestMemoryRecorder_Entries(t *testing.T) {
	r := NewMemoryRecorder()
	require.NoError(t, r.Begin(startedEntry("c1")))
	require.NoError(t, r.Begin(startedEntry("c2")))

	entries := r.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "c1", entries[0].ToolCallID)
	assert.Equal(t, "c2", entries[1].ToolCallID)
}

// -------------------- SQLiteRecorder Tests --------------------

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteRecorder_Lifecycle(t *testing.T) {
	r, err := NewSQLiteRecorder(openTestDB(t))
	require.NoError(t, err)

	e := startedEntry("c1")
	require.NoError(t, r.Begin(e))
	require.NoError(t, r.Finalize(finalize(e, StatusRejected)))

	entries, err := r.ListByRun("run-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusRejected, entries[0].Status)
	assert.Equal(t, "get_weather", entries[0].ToolName)
	assert.Equal(t, `{"city":"Berlin"}`, entries[0].ArgsJSON)

	// Finalize is once-only at the database level too.
	assert.ErrorIs(t, r.Finalize(finalize(e, StatusSucceeded)), ErrFinalized)
}

func TestSQLiteRecorder_ListByRunOrder(t *testing.T) {
	r, err := NewSQLiteRecorder(openTestDB(t))
	require.NoError(t, err)

	first := startedEntry("c1")
	second := startedEntry("c2")
	second.StartedAt = first.StartedAt.Add(time.Second)

	require.NoError(t, r.Begin(second))
	require.NoError(t, r.Begin(first))

	entries, err := r.ListByRun("run-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c1", entries[0].ToolCallID)
	assert.Equal(t, "c2", entries[1].ToolCallID)
}
