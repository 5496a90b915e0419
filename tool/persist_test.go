package tool

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hupe1980/companionkit/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "companion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRegisterStoreTools(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterStoreTools(reg, testStore(t)))

	for _, name := range []string{"save_memory", "search_memories", "add_schedule", "list_schedules", "complete_schedule"} {
		_, ok := reg.Get(name)
		assert.True(t, ok, name)
	}
}

func TestMemoryTools_SaveAndSearch(t *testing.T) {
	st := testStore(t)
	reg := NewRegistry()
	require.NoError(t, RegisterStoreTools(reg, st))
	ctx := context.Background()

	save, _ := reg.Get("save_memory")
	out, err := save.Call(ctx, map[string]any{
		"content":    "likes green tea",
		"category":   "preference",
		"importance": float64(7),
	})
	require.NoError(t, err)
	id := out.(map[string]any)["id"].(string)
	assert.NotEmpty(t, id)

	search, _ := reg.Get("search_memories")
	res, err := search.Call(ctx, map[string]any{"query": "green tea"})
	require.NoError(t, err)

	memories := res.([]store.Memory)
	require.Len(t, memories, 1)
	assert.Equal(t, id, memories[0].ID)
	assert.Equal(t, "preference", memories[0].Category)
	assert.Equal(t, 7, memories[0].Importance)
}

func TestScheduleTools_AddListComplete(t *testing.T) {
	st := testStore(t)
	reg := NewRegistry()
	require.NoError(t, RegisterStoreTools(reg, st))
	ctx := context.Background()

	add, _ := reg.Get("add_schedule")
	out, err := add.Call(ctx, map[string]any{
		"title":                 "dentist",
		"datetime":              time.Now().Add(30 * time.Minute).Format(time.RFC3339),
		"remind_before_minutes": float64(60),
	})
	require.NoError(t, err)
	id := out.(map[string]any)["id"].(string)

	// Reminder window (60 minutes before a +30m appointment) is already open.
	list, _ := reg.Get("list_schedules")
	res, err := list.Call(ctx, nil)
	require.NoError(t, err)
	schedules := res.([]store.Schedule)
	require.Len(t, schedules, 1)
	assert.Equal(t, "dentist", schedules[0].Title)

	complete, _ := reg.Get("complete_schedule")
	_, err = complete.Call(ctx, map[string]any{"id": id})
	require.NoError(t, err)

	sch, err := st.GetSchedule(id)
	require.NoError(t, err)
	assert.True(t, sch.Completed)
}

func TestAddScheduleTool_RejectsBadDatetime(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterStoreTools(reg, testStore(t)))

	add, _ := reg.Get("add_schedule")
	_, err := add.Call(context.Background(), map[string]any{
		"title":    "x",
		"datetime": "tomorrow-ish",
	})
	require.Error(t, err)

	terr, ok := err.(*ToolError)
	require.True(t, ok)
	assert.Equal(t, "VALIDATION_ERROR", terr.Code)
}
