package audit

import (
	"fmt"
	"sync"
)

// MemoryRecorder is a volatile Recorder storing entries in a process-local
// slice. Safe for concurrent use; best suited for tests and demos.
type MemoryRecorder struct {
	mu      sync.RWMutex
	entries []Entry
	index   map[string]int // tool_call_id -> position in entries
}

// NewMemoryRecorder constructs an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{index: make(map[string]int)}
}

// Begin appends a started entry.
func (r *MemoryRecorder) Begin(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[e.ToolCallID]; exists {
		return fmt.Errorf("audit entry %s already started", e.ToolCallID)
	}

	r.index[e.ToolCallID] = len(r.entries)
	r.entries = append(r.entries, e)
	return nil
}

// Finalize fills in the terminal fields of a previously started entry.
func (r *MemoryRecorder) Finalize(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[e.ToolCallID]
	if !ok {
		return fmt.Errorf("audit entry %s was never started", e.ToolCallID)
	}
	if r.entries[i].Status != "" {
		return ErrFinalized
	}

	r.entries[i] = e
	return nil
}

// Entries returns a copy of all recorded entries in insertion order.
func (r *MemoryRecorder) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Entry(nil), r.entries...)
}

// Find returns the entry for a tool call id, if present.
func (r *MemoryRecorder) Find(toolCallID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[toolCallID]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}
