// Package scheduler runs persistent background tasks: rows in the store with
// an interval or cron trigger and an action to perform when due.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/companionkit/bus"
	"github.com/hupe1980/companionkit/core"
	"github.com/hupe1980/companionkit/logging"
	"github.com/hupe1980/companionkit/notify"
	"github.com/hupe1980/companionkit/store"
)

// Action types a task row may carry.
const (
	ActionNotification = "notification"
	ActionAgentTask    = "agent_task"
	ActionWorkflow     = "workflow"
)

// Bus topics published around task execution.
const (
	TopicTaskStarted   = "task_started"
	TopicTaskCompleted = "task_completed"
	TopicTaskFailed    = "task_failed"
)

// Execution statuses stored in the history.
const (
	execRunning = "running"
	execSuccess = "success"
	execFailed  = "failed"
)

const dueBatchSize = 20

// AgentInvoker dispatches an agent run on behalf of a task. Implemented by
// the dispatcher.
type AgentInvoker interface {
	Invoke(agentID string, actx core.AgentContext) error
}

type notificationAction struct {
	Type  string `json:"type,omitempty"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Sound string `json:"sound,omitempty"`
}

type agentTaskAction struct {
	AgentID string         `json:"agent_id"`
	Payload map[string]any `json:"payload,omitempty"`
}

type workflowAction struct {
	Steps []workflowStep `json:"steps"`
}

type workflowStep struct {
	ActionType   string          `json:"action_type"`
	ActionConfig json.RawMessage `json:"action_config"`
}

// Options configure a Runner.
type Options struct {
	Logger       logging.Logger
	Notifier     notify.Sink
	Bus          *bus.Bus
	Invoker      AgentInvoker
	TickInterval time.Duration
	Now          func() time.Time
}

// Runner polls the store for due tasks and executes their actions.
type Runner struct {
	store    *store.Store
	logger   logging.Logger
	notifier notify.Sink
	bus      *bus.Bus
	invoker  AgentInvoker
	tick     time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a scheduler Runner over the store.
func NewRunner(st *store.Store, optFns ...func(o *Options)) *Runner {
	opts := Options{
		Logger:       logging.NoOpLogger{},
		Bus:          bus.New(),
		TickInterval: time.Second,
		Now:          time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.LogSink{Logger: opts.Logger}
	}

	return &Runner{
		store:    st,
		logger:   opts.Logger,
		notifier: opts.Notifier,
		bus:      opts.Bus,
		invoker:  opts.Invoker,
		tick:     opts.TickInterval,
		now:      opts.Now,
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

// WithInvoker wires agent task dispatch.
func WithInvoker(inv AgentInvoker) func(o *Options) {
	return func(o *Options) { o.Invoker = inv }
}

// WithTickInterval sets the poll cadence.
func WithTickInterval(d time.Duration) func(o *Options) {
	return func(o *Options) { o.TickInterval = d }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) func(o *Options) {
	return func(o *Options) { o.Now = now }
}

// CreateTask validates and persists a new task, computing its first run.
func (r *Runner) CreateTask(t store.Task) (store.Task, error) {
	if t.ID == "" {
		t.ID = core.NewID()
	}
	if t.Name == "" {
		return store.Task{}, errors.New("task name is required")
	}
	if t.ActionType == ActionWorkflow {
		var wf workflowAction
		if err := json.Unmarshal([]byte(t.ActionConfig), &wf); err != nil {
			return store.Task{}, fmt.Errorf("invalid workflow config: %w", err)
		}
	}

	now := r.now()
	if t.Enabled {
		next, err := ComputeNextRun(t.TriggerType, t.TriggerConfig, now)
		if err != nil {
			return store.Task{}, err
		}
		t.NextRun = next
	}
	t.CreatedAt = now

	if err := r.store.CreateTask(t); err != nil {
		return store.Task{}, err
	}
	return t, nil
}

// SetEnabled toggles a task, recomputing next_run when enabling.
func (r *Runner) SetEnabled(taskID string, enabled bool) error {
	var next *time.Time
	if enabled {
		t, err := r.store.GetTask(taskID)
		if err != nil {
			return err
		}
		next, err = ComputeNextRun(t.TriggerType, t.TriggerConfig, r.now())
		if err != nil {
			return err
		}
	}
	return r.store.SetTaskEnabled(taskID, enabled, next)
}

// ExecuteNow runs a task immediately, outside its schedule. The run is
// recorded in the execution history but next_run is left untouched.
func (r *Runner) ExecuteNow(taskID string) error {
	t, err := r.store.GetTask(taskID)
	if err != nil {
		return err
	}
	r.executeTask(context.Background(), t, false)
	return nil
}

// Start launches the poll loop.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.runDue(ctx)
			}
		}
	}()
}

// Stop halts the poll loop and waits for it to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (r *Runner) runDue(ctx context.Context) {
	tasks, err := r.store.ListDueTasks(r.now(), dueBatchSize)
	if err != nil {
		r.logger.Error("failed to list due tasks", "error", err)
		return
	}
	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		r.executeTask(ctx, t, true)
	}
}

// executeTask records an execution, performs the action, and (for scheduled
// runs) rolls last_run and next_run forward.
func (r *Runner) executeTask(ctx context.Context, t store.Task, scheduled bool) {
	started := r.now()
	exec := store.TaskExecution{
		ID:        core.NewID(),
		TaskID:    t.ID,
		Status:    execRunning,
		StartedAt: started,
	}
	if err := r.store.InsertExecution(exec); err != nil {
		r.logger.Error("failed to record task execution", "task", t.ID, "error", err)
	}

	r.bus.Publish(bus.Event{Topic: TopicTaskStarted, Payload: map[string]any{
		"task_id": t.ID,
		"name":    t.Name,
	}})

	result, err := r.performAction(ctx, t, t.ActionType, t.ActionConfig)
	completed := r.now()
	duration := completed.Sub(started).Milliseconds()

	if err != nil {
		r.logger.Error("task failed", "task", t.ID, "name", t.Name, "error", err)
		if ferr := r.store.FinalizeExecution(exec.ID, execFailed, completed, "", err.Error(), duration); ferr != nil {
			r.logger.Error("failed to finalize execution", "task", t.ID, "error", ferr)
		}
		r.bus.Publish(bus.Event{Topic: TopicTaskFailed, Payload: map[string]any{
			"task_id": t.ID,
			"error":   err.Error(),
		}})
	} else {
		if ferr := r.store.FinalizeExecution(exec.ID, execSuccess, completed, result, "", duration); ferr != nil {
			r.logger.Error("failed to finalize execution", "task", t.ID, "error", ferr)
		}
		r.bus.Publish(bus.Event{Topic: TopicTaskCompleted, Payload: map[string]any{
			"task_id": t.ID,
		}})
	}

	if !scheduled {
		return
	}

	next, nerr := ComputeNextRun(t.TriggerType, t.TriggerConfig, completed)
	if nerr != nil {
		// Unusable trigger config: leave next_run empty so the task stops
		// firing instead of hot-looping.
		r.logger.Warn("could not compute next run", "task", t.ID, "error", nerr)
		next = nil
	}
	if uerr := r.store.UpdateTaskRunInfo(t.ID, completed, next); uerr != nil {
		r.logger.Error("failed to update task run info", "task", t.ID, "error", uerr)
	}
}

func (r *Runner) performAction(ctx context.Context, t store.Task, actionType, actionConfig string) (string, error) {
	switch actionType {
	case ActionNotification:
		var cfg notificationAction
		if err := json.Unmarshal([]byte(actionConfig), &cfg); err != nil {
			return "", fmt.Errorf("invalid notification config: %w", err)
		}
		ntype := core.NotificationType(cfg.Type)
		if cfg.Type == "" {
			ntype = core.NotifySystem
		}
		if err := r.notifier.Deliver(core.Notification{
			Type:  ntype,
			Title: cfg.Title,
			Body:  cfg.Body,
			Sound: cfg.Sound,
		}); err != nil {
			return "", fmt.Errorf("notification delivery failed: %w", err)
		}
		return "notification delivered", nil

	case ActionAgentTask:
		if r.invoker == nil {
			return "", errors.New("no agent invoker configured")
		}
		var cfg agentTaskAction
		if err := json.Unmarshal([]byte(actionConfig), &cfg); err != nil {
			return "", fmt.Errorf("invalid agent task config: %w", err)
		}
		if cfg.AgentID == "" {
			return "", errors.New("agent task requires agent_id")
		}
		actx := core.AgentContext{
			TriggerSource: core.SourceSchedule,
			Timestamp:     r.now(),
			Metadata:      cfg.Payload,
		}
		if err := r.invoker.Invoke(cfg.AgentID, actx); err != nil {
			return "", fmt.Errorf("agent dispatch failed: %w", err)
		}
		return fmt.Sprintf("agent %s dispatched", cfg.AgentID), nil

	case ActionWorkflow:
		var cfg workflowAction
		if err := json.Unmarshal([]byte(actionConfig), &cfg); err != nil {
			return "", fmt.Errorf("invalid workflow config: %w", err)
		}
		for i, step := range cfg.Steps {
			if step.ActionType == ActionWorkflow {
				return "", fmt.Errorf("workflow step %d: nested workflows are not supported", i)
			}
			if _, err := r.performAction(ctx, t, step.ActionType, string(step.ActionConfig)); err != nil {
				return "", fmt.Errorf("workflow step %d: %w", i, err)
			}
		}
		return fmt.Sprintf("workflow completed, %d steps", len(cfg.Steps)), nil

	default:
		return "", fmt.Errorf("unsupported action type %q", actionType)
	}
}
