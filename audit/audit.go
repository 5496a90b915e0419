// Package audit records every tool invocation in an append-only trail: one
// entry is created when a call starts and finalized exactly once when it
// ends. Argument and result payloads arrive already redacted by the gateway;
// recorders never see raw secrets.
package audit

import (
	"errors"
	"time"
)

// Status classifies the terminal outcome of an audited tool call.
type Status string

// Terminal audit statuses. A rejected entry means the user declined the
// confirmation prompt and the tool body was never invoked.
const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
)

// Source identifies which subsystem initiated a tool call.
type Source string

// Tool call sources.
const (
	SourceChat      Source = "chat"
	SourceScheduler Source = "scheduler"
	SourceWorkflow  Source = "workflow"
	SourceOther     Source = "other"
)

// ErrFinalized is returned when finalizing an entry a second time.
var ErrFinalized = errors.New("audit entry already finalized")

// Entry is one tool invocation record. ArgsJSON/ResultJSON hold redacted,
// possibly truncated JSON. Entries are immutable after finalization.
type Entry struct {
	RunID                string     `json:"run_id"`
	ToolCallID           string     `json:"tool_call_id"`
	ToolName             string     `json:"tool_name"`
	Source               Source     `json:"source"`
	ArgsJSON             string     `json:"args_json"`
	ResultJSON           string     `json:"result_json,omitempty"`
	RequiresConfirmation bool       `json:"requires_confirmation"`
	StartedAt            time.Time  `json:"started_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	DurationMS           int64      `json:"duration_ms"`
	Status               Status     `json:"status,omitempty"`
	Error                string     `json:"error,omitempty"`
}

// Recorder persists audit entries. Begin is called before confirmation or
// execution; Finalize is called exactly once per ToolCallID with the terminal
// status, result payload and timing filled in.
type Recorder interface {
	Begin(e Entry) error
	Finalize(e Entry) error
}

// NopRecorder discards all entries. Useful when a host disables auditing.
type NopRecorder struct{}

// Begin implements Recorder.
func (NopRecorder) Begin(Entry) error { return nil }

// Finalize implements Recorder.
func (NopRecorder) Finalize(Entry) error { return nil }
