package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/companionkit/core"
	"github.com/hupe1980/companionkit/store"
)

// RegisterStoreTools registers the memory and schedule tools backed by st.
// These are the only built-ins that touch persisted state; they run through
// the gateway like everything else, so every read and write is audited.
func RegisterStoreTools(reg *Registry, st *store.Store) error {
	tools := []Tool{
		newSaveMemoryTool(st),
		newSearchMemoriesTool(st),
		newAddScheduleTool(st),
		newListSchedulesTool(st),
		newCompleteScheduleTool(st),
	}

	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func newSaveMemoryTool(st *store.Store) *FunctionTool {
	return NewFunctionTool(
		"save_memory",
		"Save a long-term memory about the user.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content":  map[string]any{"type": "string", "description": "What to remember"},
				"category": map[string]any{"type": "string", "description": "Memory category, e.g. preference, fact, habit"},
				"importance": map[string]any{
					"type":        "integer",
					"description": "Importance from 1 (trivial) to 10 (critical)",
				},
			},
			"required": []string{"content"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			content, _ := args["content"].(string)
			category, _ := args["category"].(string)
			importance := intArg(args, "importance", 5)

			m := store.Memory{
				ID:         core.NewID(),
				Category:   category,
				Content:    content,
				Importance: importance,
			}
			if err := st.SaveMemory(m); err != nil {
				return nil, err
			}
			return map[string]any{"id": m.ID}, nil
		},
	)
}

func newSearchMemoriesTool(st *store.Store) *FunctionTool {
	return NewFunctionTool(
		"search_memories",
		"Search saved memories by content and category.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":    map[string]any{"type": "string", "description": "Substring to look for"},
				"category": map[string]any{"type": "string", "description": "Restrict to one category"},
				"limit":    map[string]any{"type": "integer", "description": "Maximum results, default 10"},
			},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			query, _ := args["query"].(string)
			category, _ := args["category"].(string)

			memories, err := st.SearchMemories(query, category, intArg(args, "limit", 10))
			if err != nil {
				return nil, err
			}
			return memories, nil
		},
	)
}

func newAddScheduleTool(st *store.Store) *FunctionTool {
	return NewFunctionTool(
		"add_schedule",
		"Add a schedule entry the companion will remind the user about.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":    map[string]any{"type": "string", "description": "What the reminder is for"},
				"datetime": map[string]any{"type": "string", "description": "When it happens, RFC 3339"},
				"remind_before_minutes": map[string]any{
					"type":        "integer",
					"description": "How many minutes before datetime to remind",
				},
				"recurring": map[string]any{
					"type":        "string",
					"description": "Repeat cadence",
					"enum":        []string{"daily", "weekly", "monthly"},
				},
				"category": map[string]any{"type": "string", "description": "Schedule category"},
			},
			"required": []string{"title", "datetime"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			title, _ := args["title"].(string)
			raw, _ := args["datetime"].(string)
			recurring, _ := args["recurring"].(string)
			category, _ := args["category"].(string)

			when, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return nil, NewToolError("add_schedule",
					fmt.Sprintf("datetime must be RFC 3339: %v", err), "VALIDATION_ERROR")
			}

			sch := store.Schedule{
				ID:           core.NewID(),
				Title:        title,
				Datetime:     when,
				RemindBefore: time.Duration(intArg(args, "remind_before_minutes", 0)) * time.Minute,
				Recurring:    recurring,
				Category:     category,
			}
			if err := st.AddSchedule(sch); err != nil {
				return nil, err
			}
			return map[string]any{"id": sch.ID}, nil
		},
	)
}

func newListSchedulesTool(st *store.Store) *FunctionTool {
	return NewFunctionTool(
		"list_schedules",
		"List upcoming schedule entries whose reminder window has opened.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{"type": "integer", "description": "Maximum results, default 20"},
			},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			schedules, err := st.UpcomingSchedules(time.Now(), intArg(args, "limit", 20))
			if err != nil {
				return nil, err
			}
			return schedules, nil
		},
	)
}

func newCompleteScheduleTool(st *store.Store) *FunctionTool {
	return NewFunctionTool(
		"complete_schedule",
		"Mark a schedule entry as done. Recurring entries roll forward instead.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{"type": "string", "description": "Schedule entry id"},
			},
			"required": []string{"id"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			id, _ := args["id"].(string)

			if err := st.CompleteSchedule(id, time.Now()); err != nil {
				return nil, err
			}
			return "completed " + id, nil
		},
	)
}

// intArg reads an integer argument, tolerating the float64 values JSON
// decoding produces.
func intArg(args map[string]any, name string, def int) int {
	switch v := args[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}
