// Package runtime drives the model turn loop: send conversation, execute
// requested tool calls through the gateway, feed results back, repeat until
// the model stops or the step bound is reached.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/companionkit/audit"
	"github.com/hupe1980/companionkit/core"
	"github.com/hupe1980/companionkit/gateway"
	"github.com/hupe1980/companionkit/logging"
	"github.com/hupe1980/companionkit/model"
	"github.com/hupe1980/companionkit/tool"
)

// EventKind discriminates runner events.
type EventKind string

const (
	EventStatus     EventKind = "status"
	EventText       EventKind = "text"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
)

// Run statuses emitted as status events.
const (
	StatusRunning   = "running"
	StatusDone      = "done"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Event is one observable occurrence during a run.
type Event struct {
	Kind   EventKind
	RunID  string
	Step   int
	Status string
	// Text carries partial or final assistant text for text events.
	Text    string
	Partial bool
	// ToolCall/ToolResult are set for their respective kinds.
	ToolCall   *model.ToolCall
	ToolResult *model.ToolResult
	Err        error
	Time       time.Time
}

// Options configure a Runner.
type Options struct {
	Logger   logging.Logger
	MaxSteps int
	System   string
	// AllowedTools restricts which registry tools the model may call.
	// Nil means all.
	AllowedTools []string
	Stream       bool
}

// RunOptions adjust one run.
type RunOptions struct {
	System       string
	MaxSteps     int
	AllowedTools []string
	RunID        string
}

// Runner executes tool-calling conversations against a model.
type Runner struct {
	model    model.Model
	gateway  *gateway.Gateway
	registry *tool.Registry
	logger   logging.Logger
	opts     Options

	mu         sync.Mutex
	activeRuns map[string]context.CancelFunc
}

// NewRunner creates a Runner.
func NewRunner(m model.Model, gw *gateway.Gateway, registry *tool.Registry, optFns ...func(o *Options)) *Runner {
	opts := Options{
		Logger:   logging.NoOpLogger{},
		MaxSteps: 10,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Runner{
		model:      m,
		gateway:    gw,
		registry:   registry,
		logger:     opts.Logger,
		opts:       opts,
		activeRuns: make(map[string]context.CancelFunc),
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithMaxSteps bounds model turns per run.
func WithMaxSteps(n int) func(o *Options) {
	return func(o *Options) { o.MaxSteps = n }
}

// WithSystem sets the default system prompt.
func WithSystem(s string) func(o *Options) {
	return func(o *Options) { o.System = s }
}

// WithAllowedTools restricts the tool surface exposed to the model.
func WithAllowedTools(names ...string) func(o *Options) {
	return func(o *Options) { o.AllowedTools = names }
}

// WithStream enables streaming model responses.
func WithStream(stream bool) func(o *Options) {
	return func(o *Options) { o.Stream = stream }
}

// Run starts a conversation loop over history and returns the run ID and an
// event channel that closes when the run reaches a terminal status. Callers
// must drain the channel until it closes, including after Cancel.
func (r *Runner) Run(ctx context.Context, history []model.Message, optFns ...func(o *RunOptions)) (string, <-chan Event, error) {
	ropts := RunOptions{
		System:       r.opts.System,
		MaxSteps:     r.opts.MaxSteps,
		AllowedTools: r.opts.AllowedTools,
	}
	for _, fn := range optFns {
		fn(&ropts)
	}
	if ropts.MaxSteps <= 0 {
		ropts.MaxSteps = r.opts.MaxSteps
	}
	if ropts.RunID == "" {
		ropts.RunID = core.NewID()
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if _, exists := r.activeRuns[ropts.RunID]; exists {
		r.mu.Unlock()
		cancel()
		return "", nil, fmt.Errorf("run %q already active", ropts.RunID)
	}
	r.activeRuns[ropts.RunID] = cancel
	r.mu.Unlock()

	events := make(chan Event, 64)
	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.activeRuns, ropts.RunID)
			r.mu.Unlock()
			cancel()
			close(events)
		}()
		r.loop(runCtx, ropts, history, events)
	}()

	return ropts.RunID, events, nil
}

// Cancel aborts an active run. Returns false when the run is unknown or
// already finished.
func (r *Runner) Cancel(runID string) bool {
	r.mu.Lock()
	cancel, ok := r.activeRuns[runID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ActiveRuns returns the IDs of runs still in flight.
func (r *Runner) ActiveRuns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.activeRuns))
	for id := range r.activeRuns {
		ids = append(ids, id)
	}
	return ids
}

func (r *Runner) loop(ctx context.Context, ropts RunOptions, history []model.Message, events chan<- Event) {
	// Events are delivered even after cancellation so the terminal status is
	// never lost; callers must drain the channel until it closes.
	emit := func(e Event) {
		e.RunID = ropts.RunID
		e.Time = time.Now()
		events <- e
	}

	emit(Event{Kind: EventStatus, Status: StatusRunning})

	messages := make([]model.Message, len(history))
	copy(messages, history)
	defs := r.registry.Definitions(ropts.AllowedTools)

	for step := 1; step <= ropts.MaxSteps; step++ {
		resp, err := r.generate(ctx, model.Request{
			System:   ropts.System,
			Messages: messages,
			Tools:    defs,
			Stream:   r.opts.Stream,
		}, step, emit)
		if err != nil {
			r.logger.Error("model call failed", "run", ropts.RunID, "step", step, "error", err)
			emit(Event{Kind: EventStatus, Status: abortStatus(err), Step: step, Err: err})
			return
		}

		if resp.Text != "" {
			emit(Event{Kind: EventText, Step: step, Text: resp.Text})
		}

		messages = append(messages, model.Message{
			Role:      model.RoleAssistant,
			Text:      resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			emit(Event{Kind: EventStatus, Status: StatusDone, Step: step})
			return
		}

		results := r.executeToolCalls(ctx, ropts, resp.ToolCalls, step, emit)
		messages = append(messages, model.Message{
			Role:        model.RoleTool,
			ToolResults: results,
		})
		if ctx.Err() != nil {
			emit(Event{Kind: EventStatus, Status: abortStatus(ctx.Err()), Step: step, Err: ctx.Err()})
			return
		}
	}

	// Step bound reached: the run terminates cleanly rather than erroring.
	r.logger.Warn("run hit step bound", "run", ropts.RunID, "max_steps", ropts.MaxSteps)
	emit(Event{Kind: EventStatus, Status: StatusDone, Step: ropts.MaxSteps})
}

// generate drains one model turn, forwarding partial text and returning the
// final response.
func (r *Runner) generate(ctx context.Context, req model.Request, step int, emit func(Event)) (model.Response, error) {
	out, errCh := r.model.Generate(ctx, req)

	var final model.Response
	for resp := range out {
		if resp.Partial {
			if resp.Text != "" {
				emit(Event{Kind: EventText, Step: step, Text: resp.Text, Partial: true})
			}
			continue
		}
		final = resp
	}
	if err := <-errCh; err != nil {
		return model.Response{}, err
	}
	return final, nil
}

// executeToolCalls runs one step's tool calls concurrently through the
// gateway, which serializes any confirmations. Results preserve call order.
func (r *Runner) executeToolCalls(ctx context.Context, ropts RunOptions, calls []model.ToolCall, step int, emit func(Event)) []model.ToolResult {
	results := make([]model.ToolResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		emit(Event{Kind: EventToolCall, Step: step, ToolCall: &calls[i]})
		g.Go(func() error {
			results[i] = r.executeToolCall(gctx, ropts, call)
			return nil
		})
	}
	_ = g.Wait()

	for i := range results {
		emit(Event{Kind: EventToolResult, Step: step, ToolResult: &results[i]})
	}
	return results
}

func (r *Runner) executeToolCall(ctx context.Context, ropts RunOptions, call model.ToolCall) model.ToolResult {
	fail := func(msg string) model.ToolResult {
		return model.ToolResult{CallID: call.ID, Name: call.Name, Content: msg, IsError: true}
	}

	if !toolAllowed(call.Name, ropts.AllowedTools) {
		return fail(fmt.Sprintf("tool %q is not available", call.Name))
	}
	t, ok := r.registry.Get(call.Name)
	if !ok {
		return fail(fmt.Sprintf("tool %q is not available", call.Name))
	}

	var args map[string]any
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return fail(fmt.Sprintf("invalid arguments: %v", err))
		}
	}

	res := r.gateway.Execute(ctx, t, gateway.Call{
		RunID:      ropts.RunID,
		ToolCallID: call.ID,
		Source:     audit.SourceChat,
		Args:       args,
	})
	switch res.Status {
	case gateway.StatusSucceeded:
		return model.ToolResult{CallID: call.ID, Name: call.Name, Content: stringifyValue(res.Value)}
	case gateway.StatusRejected:
		return fail("the user declined this action")
	default:
		if res.Err != nil {
			return fail(res.Err.Error())
		}
		return fail("tool execution failed")
	}
}

// abortStatus classifies a loop abort: an explicit cancellation ends the run
// as cancelled, any other failure (provider, deadline) as error.
func abortStatus(err error) string {
	if errors.Is(err, context.Canceled) {
		return StatusCancelled
	}
	return StatusError
}

func toolAllowed(name string, allowed []string) bool {
	if allowed == nil {
		return true
	}
	for _, n := range allowed {
		if n == name {
			return true
		}
	}
	return false
}

func stringifyValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
