// Package gateway routes every tool invocation through a single choke point
// that applies confirmation gating, records an audit trail, and contains
// panics so a misbehaving tool cannot take the process down.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/companionkit/audit"
	"github.com/hupe1980/companionkit/internal/util"
	"github.com/hupe1980/companionkit/logging"
	"github.com/hupe1980/companionkit/tool"
)

// Tools that mutate the user's machine always require confirmation, no matter
// how they were registered.
var highRiskTools = map[string]bool{
	"write_file":      true,
	"open_url":        true,
	"open_app":        true,
	"write_clipboard": true,
}

// Status is the terminal outcome of one gateway invocation.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
)

// Call identifies one tool invocation.
type Call struct {
	// RunID groups calls belonging to one agent run or chat turn.
	RunID string
	// ToolCallID is unique per invocation. Generated when empty.
	ToolCallID string
	// Source names the origin of the call: chat, scheduler, workflow.
	Source audit.Source
	// Args are the raw tool arguments.
	Args map[string]any
}

// Result is the outcome of one invocation.
type Result struct {
	ToolCallID string
	Status     Status
	Value      any
	Err        error
	// Cancelled is set when the invocation ended because the context was
	// cancelled. The audit row records it as failed.
	Cancelled bool
	Duration  time.Duration
}

// ConfirmationPrompt is shown to the user before a gated tool runs.
type ConfirmationPrompt struct {
	ToolName    string
	Description string
	Args        map[string]any
}

// Confirmer decides whether a gated tool call may proceed. Implementations
// typically surface a dialog to the user.
type Confirmer interface {
	Confirm(ctx context.Context, prompt ConfirmationPrompt) (bool, error)
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(ctx context.Context, prompt ConfirmationPrompt) (bool, error)

func (f ConfirmerFunc) Confirm(ctx context.Context, prompt ConfirmationPrompt) (bool, error) {
	return f(ctx, prompt)
}

// AutoApprove approves every prompt. Useful for tests and headless runs.
var AutoApprove = ConfirmerFunc(func(context.Context, ConfirmationPrompt) (bool, error) {
	return true, nil
})

// AutoReject rejects every prompt.
var AutoReject = ConfirmerFunc(func(context.Context, ConfirmationPrompt) (bool, error) {
	return false, nil
})

// Options configure a Gateway.
type Options struct {
	Confirmer Confirmer
	Recorder  audit.Recorder
	Logger    logging.Logger
	// MaxPayloadBytes caps the serialized size of audited args and results.
	MaxPayloadBytes int
	// RedactKeys extends the built-in secret key denylist.
	RedactKeys []string
}

// Gateway executes tools with confirmation gating and auditing.
type Gateway struct {
	confirmer       Confirmer
	recorder        audit.Recorder
	logger          logging.Logger
	maxPayloadBytes int
	redactKeys      map[string]bool

	// confirmMu serializes confirmation prompts so concurrent tool calls
	// cannot stack dialogs on the user.
	confirmMu sync.Mutex
}

// New creates a Gateway. Without a confirmer, gated tools are rejected.
func New(optFns ...func(o *Options)) *Gateway {
	opts := Options{
		Confirmer:       AutoReject,
		Recorder:        audit.NopRecorder{},
		Logger:          logging.NoOpLogger{},
		MaxPayloadBytes: defaultMaxPayloadBytes,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	keys := make(map[string]bool, len(opts.RedactKeys))
	for _, k := range opts.RedactKeys {
		keys[normalizeKey(k)] = true
	}

	return &Gateway{
		confirmer:       opts.Confirmer,
		recorder:        opts.Recorder,
		logger:          opts.Logger,
		maxPayloadBytes: opts.MaxPayloadBytes,
		redactKeys:      keys,
	}
}

// WithConfirmer sets the confirmation handler.
func WithConfirmer(c Confirmer) func(o *Options) {
	return func(o *Options) { o.Confirmer = c }
}

// WithRecorder sets the audit recorder.
func WithRecorder(r audit.Recorder) func(o *Options) {
	return func(o *Options) { o.Recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithMaxPayloadBytes caps audited payload sizes.
func WithMaxPayloadBytes(n int) func(o *Options) {
	return func(o *Options) { o.MaxPayloadBytes = n }
}

// WithRedactKeys adds keys to the redaction denylist.
func WithRedactKeys(keys ...string) func(o *Options) {
	return func(o *Options) { o.RedactKeys = append(o.RedactKeys, keys...) }
}

// RequiresConfirmation reports whether t is gated, honoring both the tool's
// own flag and the high-risk list.
func RequiresConfirmation(t tool.Tool) bool {
	return t.RequiresConfirmation() || highRiskTools[t.Name()]
}

// Execute runs one tool call through the gate. It never panics and always
// returns a Result with a terminal status. Every call produces exactly one
// audit entry, finalized exactly once.
func (g *Gateway) Execute(ctx context.Context, t tool.Tool, call Call) Result {
	if call.ToolCallID == "" {
		call.ToolCallID = newCallID()
	}
	if call.Source == "" {
		call.Source = audit.SourceOther
	}

	gated := RequiresConfirmation(t)
	started := time.Now()

	entry := audit.Entry{
		RunID:                call.RunID,
		ToolCallID:           call.ToolCallID,
		ToolName:             t.Name(),
		Source:               call.Source,
		ArgsJSON:             g.marshalPayload(call.Args),
		RequiresConfirmation: gated,
		StartedAt:            started,
	}
	if err := g.recorder.Begin(entry); err != nil {
		g.logger.Error("audit begin failed", "tool", t.Name(), "error", err)
	}

	res := g.execute(ctx, t, call, gated)
	res.ToolCallID = call.ToolCallID
	res.Duration = time.Since(started)

	completed := started.Add(res.Duration)
	entry.CompletedAt = &completed
	entry.DurationMS = res.Duration.Milliseconds()

	switch res.Status {
	case StatusSucceeded:
		entry.Status = audit.StatusSucceeded
		entry.ResultJSON = g.marshalPayload(res.Value)
	case StatusRejected:
		entry.Status = audit.StatusRejected
		entry.Error = "rejected by user"
	default:
		entry.Status = audit.StatusFailed
		if res.Err != nil {
			entry.Error = res.Err.Error()
		}
	}
	if err := g.recorder.Finalize(entry); err != nil && !errors.Is(err, audit.ErrFinalized) {
		g.logger.Error("audit finalize failed", "tool", t.Name(), "error", err)
	}

	g.logger.Debug("tool call completed",
		"tool", t.Name(),
		"status", string(res.Status),
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res
}

func (g *Gateway) execute(ctx context.Context, t tool.Tool, call Call, gated bool) Result {
	if err := ctx.Err(); err != nil {
		return Result{Status: StatusFailed, Err: err, Cancelled: true}
	}

	// Invalid arguments never reach the confirmation prompt or the tool body.
	if err := util.ValidateParameters(call.Args, t.Parameters()); err != nil {
		return Result{Status: StatusFailed, Err: &tool.ToolError{
			Tool:    t.Name(),
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    "VALIDATION_ERROR",
			Details: err,
		}}
	}

	if gated {
		approved, err := g.confirm(ctx, t, call)
		if err != nil {
			cancelled := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
			return Result{Status: StatusFailed, Err: fmt.Errorf("confirmation failed: %w", err), Cancelled: cancelled}
		}
		if !approved {
			return Result{Status: StatusRejected, Err: errors.New("rejected by user")}
		}
	}

	value, err := g.callSafely(ctx, t, call.Args)
	if err != nil {
		cancelled := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		return Result{Status: StatusFailed, Err: err, Cancelled: cancelled}
	}
	return Result{Status: StatusSucceeded, Value: value}
}

func (g *Gateway) confirm(ctx context.Context, t tool.Tool, call Call) (bool, error) {
	g.confirmMu.Lock()
	defer g.confirmMu.Unlock()

	// Another call may have been cancelled while this one waited its turn.
	if err := ctx.Err(); err != nil {
		return false, err
	}

	return g.confirmer.Confirm(ctx, ConfirmationPrompt{
		ToolName:    t.Name(),
		Description: t.Description(),
		Args:        Redact(call.Args, g.redactKeys),
	})
}

func (g *Gateway) callSafely(ctx context.Context, t tool.Tool, args map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %q panicked: %v", t.Name(), r)
		}
	}()
	return t.Call(ctx, args)
}

// marshalPayload redacts, truncates, and serializes a payload for the audit
// trail. It never fails; unserializable payloads are recorded as a marker.
func (g *Gateway) marshalPayload(v any) string {
	if v == nil {
		return ""
	}
	redacted := redactValue(v, g.redactKeys, 0)
	data, err := json.Marshal(redacted)
	if err != nil {
		return `"[unserializable]"`
	}
	if len(data) > g.maxPayloadBytes {
		return fmt.Sprintf(`"[truncated %d bytes]"`, len(data))
	}
	return string(data)
}
