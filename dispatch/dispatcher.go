// Package dispatch routes stimuli (ticks, user messages, events, manual
// invocations) to registered agents, one at a time, in priority order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/companionkit/agent"
	"github.com/hupe1980/companionkit/bus"
	"github.com/hupe1980/companionkit/core"
	"github.com/hupe1980/companionkit/gateway"
	"github.com/hupe1980/companionkit/logging"
	"github.com/hupe1980/companionkit/notify"
	"github.com/hupe1980/companionkit/tool"
	"github.com/hupe1980/companionkit/trigger"
)

var (
	// ErrDuplicateAgent is returned when an agent ID is registered twice.
	ErrDuplicateAgent = errors.New("agent already registered")
	// ErrUnknownAgent is returned for operations on unregistered agents.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrNotRunning is returned when a stimulus arrives before Start.
	ErrNotRunning = errors.New("dispatcher is not running")
)

// Topics published on the bus for each executed agent.
const (
	TopicAgentStarted   = "agent_started"
	TopicAgentCompleted = "agent_completed"
	TopicAgentFailed    = "agent_failed"
)

// entry is one registered agent with dispatcher-side state.
type entry struct {
	agent   agent.Agent
	meta    agent.Metadata
	state   agent.State
	enabled bool
	order   int
}

// stimulus is one unit of dispatch work.
type stimulus struct {
	source  core.TriggerSource
	matches []trigger.Match // for tick/message/event stimuli
	actx    core.AgentContext
	agentID string // for manual stimuli
}

// Options configure a Dispatcher.
type Options struct {
	Logger         logging.Logger
	Notifier       notify.Sink
	Bus            *bus.Bus
	DefaultTimeout time.Duration
	QueueSize      int
	// StatusFn supplies the companion's current state snapshot for agent
	// contexts. Optional.
	StatusFn func() *core.PetStatus
}

// Dispatcher owns the agent registry and the single execution queue.
type Dispatcher struct {
	mu      sync.Mutex
	entries map[string]*entry
	next    int

	triggers *trigger.Manager
	registry *tool.Registry
	gateway  *gateway.Gateway
	logger   logging.Logger
	notifier notify.Sink
	bus      *bus.Bus
	timeout  time.Duration
	statusFn func() *core.PetStatus

	queue  chan stimulus
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Dispatcher wired to the trigger manager, shared tool
// registry, and gateway.
func New(tm *trigger.Manager, registry *tool.Registry, gw *gateway.Gateway, optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		Logger:         logging.NoOpLogger{},
		Bus:            bus.New(),
		DefaultTimeout: 60 * time.Second,
		QueueSize:      128,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.LogSink{Logger: opts.Logger}
	}

	return &Dispatcher{
		entries:  make(map[string]*entry),
		triggers: tm,
		registry: registry,
		gateway:  gw,
		logger:   opts.Logger,
		notifier: opts.Notifier,
		bus:      opts.Bus,
		timeout:  opts.DefaultTimeout,
		statusFn: opts.StatusFn,
		queue:    make(chan stimulus, opts.QueueSize),
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithNotifier sets the notification sink.
func WithNotifier(s notify.Sink) func(o *Options) {
	return func(o *Options) { o.Notifier = s }
}

// WithBus sets the event bus.
func WithBus(b *bus.Bus) func(o *Options) {
	return func(o *Options) { o.Bus = b }
}

// WithDefaultTimeout sets the per-agent execution timeout used when an
// agent's metadata does not set one.
func WithDefaultTimeout(d time.Duration) func(o *Options) {
	return func(o *Options) { o.DefaultTimeout = d }
}

// WithStatusFn supplies the companion state snapshot function.
func WithStatusFn(fn func() *core.PetStatus) func(o *Options) {
	return func(o *Options) { o.StatusFn = fn }
}

// Register initializes an agent and records its triggers. Initialization
// runs exactly once; a failing OnInitialize leaves the agent unregistered.
func (d *Dispatcher) Register(ctx context.Context, a agent.Agent) error {
	meta := a.Metadata()
	if meta.ID == "" {
		return errors.New("agent id is required")
	}

	d.mu.Lock()
	if _, exists := d.entries[meta.ID]; exists {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, meta.ID)
	}
	// Reserve the slot so concurrent registration of the same ID fails fast.
	e := &entry{agent: a, meta: meta, state: agent.StateInitializing, enabled: true, order: d.next}
	d.next++
	d.entries[meta.ID] = e
	d.mu.Unlock()

	if b, ok := a.(interface {
		Bind(*tool.Registry, *gateway.Gateway, logging.Logger)
	}); ok {
		b.Bind(d.registry, d.gateway, d.logger)
	}

	if err := a.OnInitialize(ctx); err != nil {
		d.mu.Lock()
		delete(d.entries, meta.ID)
		d.mu.Unlock()
		return fmt.Errorf("agent %q initialization failed: %w", meta.ID, err)
	}

	var eval trigger.ConditionEvaluator
	if ce, ok := a.(agent.ConditionEvaluator); ok {
		eval = ce.EvaluateCondition
	}
	d.triggers.Register(meta.ID, a.Triggers(), eval)

	d.mu.Lock()
	e.state = agent.StateIdle
	d.mu.Unlock()

	d.logger.Info("agent registered", "agent", meta.ID, "priority", string(meta.Priority))
	return nil
}

// Unregister removes an agent and its triggers.
func (d *Dispatcher) Unregister(agentID string) error {
	d.mu.Lock()
	_, ok := d.entries[agentID]
	if ok {
		delete(d.entries, agentID)
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	d.triggers.Unregister(agentID)
	return nil
}

// SetEnabled toggles an agent. System agents cannot be disabled.
func (d *Dispatcher) SetEnabled(agentID string, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if !enabled && e.meta.IsSystem {
		return fmt.Errorf("agent %q is a system agent and cannot be disabled", agentID)
	}
	e.enabled = enabled
	if enabled {
		e.state = agent.StateIdle
	} else {
		e.state = agent.StateDisabled
	}
	return nil
}

// AgentState returns the dispatcher's view of an agent's lifecycle state.
func (d *Dispatcher) AgentState(agentID string) (agent.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[agentID]
	if !ok {
		return agent.StateUnregistered, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return e.state, nil
}

// AgentMetadata returns the registration metadata for agentID.
func (d *Dispatcher) AgentMetadata(agentID string) (agent.Metadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[agentID]
	if !ok {
		return agent.Metadata{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return e.meta, nil
}

// Agents lists registered agent metadata in registration order.
func (d *Dispatcher) Agents() []agent.Metadata {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := d.sortedByOrder()
	out := make([]agent.Metadata, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.meta)
	}
	return out
}

// Start launches the worker goroutine and the trigger manager tick loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	done := d.done
	d.mu.Unlock()

	d.triggers.Start(ctx, func(matches []trigger.Match) {
		d.enqueue(stimulus{
			source:  core.SourceSchedule,
			matches: matches,
			actx:    core.AgentContext{Timestamp: time.Now()},
		})
	})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case st := <-d.queue:
				d.process(ctx, st)
			}
		}
	}()
}

// Stop halts the tick loop and worker.
func (d *Dispatcher) Stop() {
	d.triggers.Stop()

	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// HandleUserMessage matches a user message against user message triggers and
// queues the resulting candidates.
func (d *Dispatcher) HandleUserMessage(message string) error {
	matches := d.triggers.MatchUserMessage(message)
	if len(matches) == 0 {
		return nil
	}
	return d.enqueue(stimulus{
		source:  core.SourceUserMessage,
		matches: matches,
		actx: core.AgentContext{
			UserMessage: message,
			Timestamp:   time.Now(),
		},
	})
}

// EmitEvent matches a named event against event triggers and queues the
// resulting candidates.
func (d *Dispatcher) EmitEvent(name string, payload map[string]any) error {
	matches := d.triggers.MatchEvent(name, payload)
	if len(matches) == 0 {
		return nil
	}
	return d.enqueue(stimulus{
		source:  core.SourceEvent,
		matches: matches,
		actx: core.AgentContext{
			EventName:    name,
			EventPayload: payload,
			Timestamp:    time.Now(),
		},
	})
}

// Invoke queues a manual run of one agent, bypassing trigger matching but
// not the enabled filter or ShouldTrigger gate.
func (d *Dispatcher) Invoke(agentID string, actx core.AgentContext) error {
	d.mu.Lock()
	_, ok := d.entries[agentID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if actx.Timestamp.IsZero() {
		actx.Timestamp = time.Now()
	}
	return d.enqueue(stimulus{source: core.SourceManual, agentID: agentID, actx: actx})
}

func (d *Dispatcher) enqueue(st stimulus) error {
	d.mu.Lock()
	running := d.cancel != nil
	d.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	select {
	case d.queue <- st:
		return nil
	default:
		d.logger.Warn("stimulus queue full, dropping", "source", string(st.source))
		return errors.New("stimulus queue full")
	}
}

// process runs one stimulus: collect candidates, filter, sort, execute
// sequentially.
func (d *Dispatcher) process(ctx context.Context, st stimulus) {
	candidates := d.candidates(st)
	for _, c := range candidates {
		actx := st.actx.Clone()
		actx.TriggerID = c.triggerID
		actx.TriggerSource = c.source
		if d.statusFn != nil && actx.Status == nil {
			actx.Status = d.statusFn()
		}

		if !d.shouldRun(ctx, c.entry, actx) {
			continue
		}
		d.run(ctx, c.entry, actx)
	}
}

type candidate struct {
	entry     *entry
	triggerID string
	source    core.TriggerSource
}

// candidates resolves a stimulus into enabled agents sorted by priority,
// ties broken by registration order.
func (d *Dispatcher) candidates(st stimulus) []candidate {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []candidate
	if st.agentID != "" {
		if e, ok := d.entries[st.agentID]; ok && e.enabled {
			out = append(out, candidate{entry: e, source: st.source})
		}
		return out
	}

	for _, m := range st.matches {
		e, ok := d.entries[m.AgentID]
		if !ok || !e.enabled {
			continue
		}
		src := st.source
		if m.Type == trigger.TypeCondition {
			src = core.SourceCondition
		}
		out = append(out, candidate{entry: e, triggerID: m.TriggerID, source: src})
	}

	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].entry.meta.Priority.Rank(), out[j].entry.meta.Priority.Rank()
		if pi != pj {
			return pi < pj
		}
		return out[i].entry.order < out[j].entry.order
	})
	return out
}

// shouldRun applies the agent's ShouldTrigger veto, containing panics.
func (d *Dispatcher) shouldRun(ctx context.Context, e *entry, actx core.AgentContext) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("agent panicked in ShouldTrigger", "agent", e.meta.ID, "panic", r)
			ok = false
		}
	}()
	return e.agent.ShouldTrigger(ctx, actx)
}

// run executes one agent with its timeout, isolating failures so remaining
// candidates still run.
func (d *Dispatcher) run(ctx context.Context, e *entry, actx core.AgentContext) {
	timeout := e.meta.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.setState(e, agent.StateExecuting)
	defer d.setState(e, agent.StateIdle)

	d.bus.Publish(bus.Event{Topic: TopicAgentStarted, Payload: map[string]any{
		"agent_id": e.meta.ID,
		"trigger":  actx.TriggerID,
		"source":   string(actx.TriggerSource),
	}})

	started := time.Now()
	result, err := d.execute(runCtx, e, actx)
	elapsed := time.Since(started)

	if err != nil {
		d.logger.Error("agent execution failed",
			"agent", e.meta.ID,
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		d.bus.Publish(bus.Event{Topic: TopicAgentFailed, Payload: map[string]any{
			"agent_id": e.meta.ID,
			"error":    err.Error(),
		}})
		return
	}

	d.logger.Info("agent executed",
		"agent", e.meta.ID,
		"success", result.Success,
		"duration_ms", elapsed.Milliseconds(),
	)
	d.bus.Publish(bus.Event{Topic: TopicAgentCompleted, Payload: map[string]any{
		"agent_id": e.meta.ID,
		"success":  result.Success,
		"message":  result.Message,
	}})

	if result.Message != "" {
		if nerr := d.notifier.Deliver(core.Notification{
			Type:  core.NotifyBubble,
			Title: e.meta.Name,
			Body:  result.Message,
		}); nerr != nil {
			d.logger.Warn("notification delivery failed", "agent", e.meta.ID, "error", nerr)
		}
	}

	for _, fu := range result.FollowUps {
		fctx := core.AgentContext{
			Timestamp: time.Now(),
			Metadata:  fu.Payload,
		}
		if err := d.Invoke(fu.AgentID, fctx); err != nil {
			d.logger.Warn("follow-up dispatch failed", "agent", fu.AgentID, "error", err)
		}
	}
}

// execute calls OnExecute on its own goroutine, containing panics and
// enforcing the deadline. An agent that ignores ctx is abandoned at the
// deadline so the next candidate proceeds; its goroutine exits on its own.
func (d *Dispatcher) execute(ctx context.Context, e *entry, actx core.AgentContext) (core.AgentResult, error) {
	type outcome struct {
		result core.AgentResult
		err    error
	}

	out := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- outcome{err: fmt.Errorf("agent %q panicked: %v", e.meta.ID, r)}
			}
		}()
		result, err := e.agent.OnExecute(ctx, actx)
		out <- outcome{result: result, err: err}
	}()

	select {
	case o := <-out:
		if o.err == nil && ctx.Err() != nil {
			o.err = fmt.Errorf("agent %q: %w", e.meta.ID, ctx.Err())
		}
		return o.result, o.err
	case <-ctx.Done():
		return core.AgentResult{}, fmt.Errorf("agent %q: %w", e.meta.ID, ctx.Err())
	}
}

func (d *Dispatcher) setState(e *entry, s agent.State) {
	d.mu.Lock()
	if e.enabled {
		e.state = s
	}
	d.mu.Unlock()
}

func (d *Dispatcher) sortedByOrder() []*entry {
	entries := make([]*entry, 0, len(d.entries))
	for _, e := range d.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	return entries
}
