// Package companionkit provides a high-level façade over the companion's
// orchestration core: the agent dispatcher, trigger manager, tool gateway,
// persistent scheduler, and LLM chat runtime. Most applications interact
// with this package by:
//  1. Creating a Companion via New() (optionally supplying a store path,
//     model, confirmer, and notification sink)
//  2. Registering agents and tools
//  3. Feeding it stimuli: HandleUserMessage, EmitEvent, Chat
//
// All defaults are safe for local development; production embedders supply
// a durable store path, a real confirmer, and a structured logger.
package companionkit

import (
	"context"
	"fmt"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/hupe1980/companionkit/agent"
	"github.com/hupe1980/companionkit/audit"
	"github.com/hupe1980/companionkit/bus"
	"github.com/hupe1980/companionkit/config"
	"github.com/hupe1980/companionkit/core"
	"github.com/hupe1980/companionkit/dispatch"
	"github.com/hupe1980/companionkit/gateway"
	"github.com/hupe1980/companionkit/logging"
	"github.com/hupe1980/companionkit/model"
	anthropicmodel "github.com/hupe1980/companionkit/model/anthropic"
	openaimodel "github.com/hupe1980/companionkit/model/openai"
	"github.com/hupe1980/companionkit/notify"
	"github.com/hupe1980/companionkit/runtime"
	"github.com/hupe1980/companionkit/scheduler"
	"github.com/hupe1980/companionkit/store"
	"github.com/hupe1980/companionkit/tool"
	"github.com/hupe1980/companionkit/trigger"
)

// Version of the companionkit module.
const Version = "0.1.0"

// Options configure a Companion instance.
type Options struct {
	// StorePath is the SQLite file backing memories, schedules, tasks, and
	// the audit trail. Empty uses an in-memory database.
	StorePath string

	// Model drives the chat runtime. Defaults to a MockModel.
	Model model.Model

	// Confirmer approves gated tool calls. Defaults to rejecting them.
	Confirmer gateway.Confirmer

	// Notifier receives agent and task notifications.
	Notifier notify.Sink

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger

	// System is the chat runtime's system prompt.
	System string

	// MaxSteps bounds model turns per chat run.
	MaxSteps int

	// AgentTimeout bounds one agent execution.
	AgentTimeout time.Duration

	// TriggerTick and SchedulerTick set the evaluation cadences.
	TriggerTick   time.Duration
	SchedulerTick time.Duration

	// AuditMaxPayloadBytes caps audited tool payload sizes. Zero keeps the
	// gateway default.
	AuditMaxPayloadBytes int

	// AuditRedactKeys extends the gateway's secret key denylist.
	AuditRedactKeys []string

	// RegisterBuiltins adds the built-in tool set to the shared registry.
	RegisterBuiltins bool
}

// Companion aggregates the orchestration core behind a small surface.
type Companion struct {
	opts Options

	store      *store.Store
	registry   *tool.Registry
	gateway    *gateway.Gateway
	triggers   *trigger.Manager
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Runner
	runner     *runtime.Runner
	bus        *bus.Bus
	logger     logging.Logger
}

// New creates a Companion with optional overrides.
func New(optFns ...func(o *Options)) (*Companion, error) {
	opts := Options{
		Model:            model.NewMockModel(),
		Confirmer:        gateway.AutoReject,
		Logger:           logging.NoOpLogger{},
		MaxSteps:         10,
		AgentTimeout:     60 * time.Second,
		TriggerTick:      time.Second,
		SchedulerTick:    time.Second,
		RegisterBuiltins: true,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.LogSink{Logger: opts.Logger}
	}

	var st *store.Store
	var err error
	if opts.StorePath == "" {
		st, err = store.OpenInMemory()
	} else {
		st, err = store.Open(opts.StorePath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	recorder, err := audit.NewSQLiteRecorder(st.DB())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to init audit trail: %w", err)
	}

	registry := tool.NewRegistry(tool.WithRegistryLogger(opts.Logger))
	if opts.RegisterBuiltins {
		if err := tool.RegisterBuiltins(registry); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to register builtin tools: %w", err)
		}
		if err := tool.RegisterStoreTools(registry, st); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to register store tools: %w", err)
		}
	}

	gwOpts := []func(o *gateway.Options){
		gateway.WithConfirmer(opts.Confirmer),
		gateway.WithRecorder(recorder),
		gateway.WithLogger(opts.Logger),
		gateway.WithRedactKeys(opts.AuditRedactKeys...),
	}
	if opts.AuditMaxPayloadBytes > 0 {
		gwOpts = append(gwOpts, gateway.WithMaxPayloadBytes(opts.AuditMaxPayloadBytes))
	}
	gw := gateway.New(gwOpts...)

	b := bus.New()
	tm := trigger.NewManager(
		trigger.WithManagerLogger(opts.Logger),
		trigger.WithTickInterval(opts.TriggerTick),
	)

	disp := dispatch.New(tm, registry, gw,
		dispatch.WithLogger(opts.Logger),
		dispatch.WithNotifier(opts.Notifier),
		dispatch.WithBus(b),
		dispatch.WithDefaultTimeout(opts.AgentTimeout),
	)

	sched := scheduler.NewRunner(st,
		scheduler.WithLogger(opts.Logger),
		scheduler.WithNotifier(opts.Notifier),
		scheduler.WithBus(b),
		scheduler.WithInvoker(disp),
		scheduler.WithTickInterval(opts.SchedulerTick),
	)

	runner := runtime.NewRunner(opts.Model, gw, registry,
		runtime.WithLogger(opts.Logger),
		runtime.WithMaxSteps(opts.MaxSteps),
		runtime.WithSystem(opts.System),
	)

	return &Companion{
		opts:       opts,
		store:      st,
		registry:   registry,
		gateway:    gw,
		triggers:   tm,
		dispatcher: disp,
		scheduler:  sched,
		runner:     runner,
		bus:        b,
		logger:     opts.Logger,
	}, nil
}

// NewFromConfig builds a Companion from a loaded configuration, constructing
// the logger and the configured model provider.
func NewFromConfig(cfg config.Config, optFns ...func(o *Options)) (*Companion, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.NewSlogLogger(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
		false,
	)

	var m model.Model
	switch cfg.Runtime.Provider {
	case "anthropic":
		m = anthropicmodel.NewModel(func(o *anthropicmodel.Options) {
			if cfg.Runtime.Model != "" {
				o.Model = anthropicsdk.Model(cfg.Runtime.Model)
			}
			o.APIKey = cfg.Runtime.APIKey()
		})
	case "openai":
		m = openaimodel.NewModel(func(o *openaimodel.Options) {
			if cfg.Runtime.Model != "" {
				o.Model = cfg.Runtime.Model
			}
			o.APIKey = cfg.Runtime.APIKey()
		})
	default:
		m = model.NewMockModel()
	}

	base := []func(o *Options){
		WithStorePath(cfg.StorePath),
		WithLogger(logger),
		WithModel(m),
		WithSystem(cfg.Runtime.System),
		WithMaxSteps(cfg.Runtime.MaxSteps),
		func(o *Options) {
			o.AgentTimeout = cfg.AgentTimeout
			o.TriggerTick = cfg.TriggerTick
			o.SchedulerTick = cfg.SchedulerTick
			o.AuditMaxPayloadBytes = cfg.Audit.MaxPayloadBytes
			o.AuditRedactKeys = cfg.Audit.RedactKeys
		},
	}
	return New(append(base, optFns...)...)
}

// WithStorePath sets the SQLite file path.
func WithStorePath(path string) func(o *Options) {
	return func(o *Options) { o.StorePath = path }
}

// WithModel sets the chat model.
func WithModel(m model.Model) func(o *Options) {
	return func(o *Options) { o.Model = m }
}

// WithConfirmer sets the tool confirmation handler.
func WithConfirmer(c gateway.Confirmer) func(o *Options) {
	return func(o *Options) { o.Confirmer = c }
}

// WithNotifier sets the notification sink.
func WithNotifier(s notify.Sink) func(o *Options) {
	return func(o *Options) { o.Notifier = s }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithSystem sets the chat system prompt.
func WithSystem(s string) func(o *Options) {
	return func(o *Options) { o.System = s }
}

// WithMaxSteps bounds model turns per chat run.
func WithMaxSteps(n int) func(o *Options) {
	return func(o *Options) { o.MaxSteps = n }
}

// Start launches the trigger tick loop, dispatcher worker, and scheduler.
func (c *Companion) Start(ctx context.Context) {
	c.dispatcher.Start(ctx)
	c.scheduler.Start(ctx)
}

// Stop halts background loops and closes the store.
func (c *Companion) Stop() error {
	c.scheduler.Stop()
	c.dispatcher.Stop()
	return c.store.Close()
}

// RegisterAgent initializes and registers an agent.
func (c *Companion) RegisterAgent(ctx context.Context, a agent.Agent) error {
	return c.dispatcher.Register(ctx, a)
}

// RegisterTool adds a tool to the shared registry.
func (c *Companion) RegisterTool(t tool.Tool) error {
	return c.registry.Register(t)
}

// HandleUserMessage routes a user message to matching agents.
func (c *Companion) HandleUserMessage(message string) error {
	return c.dispatcher.HandleUserMessage(message)
}

// EmitEvent routes a named event to matching agents.
func (c *Companion) EmitEvent(name string, payload map[string]any) error {
	return c.dispatcher.EmitEvent(name, payload)
}

// InvokeAgent runs one agent manually.
func (c *Companion) InvokeAgent(agentID string, actx core.AgentContext) error {
	return c.dispatcher.Invoke(agentID, actx)
}

// Chat starts an asynchronous model run over history, returning the run ID
// and event stream.
func (c *Companion) Chat(ctx context.Context, history []model.Message) (string, <-chan runtime.Event, error) {
	return c.runner.Run(ctx, history)
}

// ChatAsAgent starts a model run under an agent's declared limits: its tool
// allow-list and MaxSteps bound the run.
func (c *Companion) ChatAsAgent(ctx context.Context, agentID string, history []model.Message) (string, <-chan runtime.Event, error) {
	meta, err := c.dispatcher.AgentMetadata(agentID)
	if err != nil {
		return "", nil, err
	}
	return c.runner.Run(ctx, history, func(o *runtime.RunOptions) {
		if meta.MaxSteps > 0 {
			o.MaxSteps = meta.MaxSteps
		}
		if meta.AllowedTools != nil {
			o.AllowedTools = meta.AllowedTools
		}
	})
}

// ChatSync drains a chat run and returns the final assistant text.
func (c *Companion) ChatSync(ctx context.Context, history []model.Message) (string, error) {
	_, events, err := c.runner.Run(ctx, history)
	if err != nil {
		return "", err
	}

	var text string
	for ev := range events {
		switch ev.Kind {
		case runtime.EventText:
			if !ev.Partial {
				text = ev.Text
			}
		case runtime.EventStatus:
			if ev.Status == runtime.StatusError || ev.Status == runtime.StatusCancelled {
				return text, ev.Err
			}
		}
	}
	return text, nil
}

// CancelChat aborts an active chat run.
func (c *Companion) CancelChat(runID string) bool {
	return c.runner.Cancel(runID)
}

// CreateTask persists a scheduler task.
func (c *Companion) CreateTask(t store.Task) (store.Task, error) {
	return c.scheduler.CreateTask(t)
}

// ExecuteTaskNow runs a scheduler task immediately.
func (c *Companion) ExecuteTaskNow(taskID string) error {
	return c.scheduler.ExecuteNow(taskID)
}

// Store exposes the persistence layer.
func (c *Companion) Store() *store.Store { return c.store }

// Bus exposes the event bus for embedders that want lifecycle events.
func (c *Companion) Bus() *bus.Bus { return c.bus }

// Tools exposes the shared tool registry.
func (c *Companion) Tools() *tool.Registry { return c.registry }
