package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/companionkit/audit"
	"github.com/hupe1980/companionkit/core"
	"github.com/hupe1980/companionkit/gateway"
	"github.com/hupe1980/companionkit/logging"
	"github.com/hupe1980/companionkit/tool"
	"github.com/hupe1980/companionkit/trigger"
)

// Base supplies metadata, trigger storage, and gated tool access. Embed it
// and implement OnExecute; override ShouldTrigger and OnInitialize as needed.
type Base struct {
	meta     Metadata
	triggers []trigger.Trigger

	scope   *tool.Registry // agent-private tools, consulted first
	global  *tool.Registry // shared registry, bound by the dispatcher
	gateway *gateway.Gateway
	logger  logging.Logger
}

// NewBase creates a Base with the given metadata and triggers.
func NewBase(meta Metadata, triggers ...trigger.Trigger) *Base {
	if meta.Priority == "" {
		meta.Priority = PriorityNormal
	}
	return &Base{
		meta:     meta,
		triggers: triggers,
		scope:    tool.NewRegistry(),
		logger:   logging.NoOpLogger{},
	}
}

// Metadata implements Agent.
func (b *Base) Metadata() Metadata { return b.meta }

// Triggers implements Agent.
func (b *Base) Triggers() []trigger.Trigger { return b.triggers }

// OnInitialize implements Agent with a no-op.
func (b *Base) OnInitialize(ctx context.Context) error { return nil }

// ShouldTrigger implements Agent, accepting every fired trigger.
func (b *Base) ShouldTrigger(ctx context.Context, actx core.AgentContext) bool { return true }

// Bind wires the shared registry, gateway, and logger. Called by the
// dispatcher during registration.
func (b *Base) Bind(global *tool.Registry, gw *gateway.Gateway, logger logging.Logger) {
	b.global = global
	b.gateway = gw
	if logger != nil {
		b.logger = logger
	}
}

// RegisterTool adds a tool visible only to this agent. It shadows a global
// tool of the same name.
func (b *Base) RegisterTool(t tool.Tool) error {
	return b.scope.Register(t)
}

// Logger returns the bound logger.
func (b *Base) Logger() logging.Logger { return b.logger }

// CallTool resolves name against the agent's scope first, then the shared
// registry, and executes it through the gateway.
func (b *Base) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	t, err := b.resolveTool(name)
	if err != nil {
		return nil, err
	}
	if b.gateway == nil {
		return nil, errors.New("agent is not bound to a gateway")
	}

	res := b.gateway.Execute(ctx, t, gateway.Call{
		RunID:  core.NewID(),
		Source: audit.SourceWorkflow,
		Args:   args,
	})
	switch res.Status {
	case gateway.StatusSucceeded:
		return res.Value, nil
	case gateway.StatusRejected:
		return nil, fmt.Errorf("tool %q: %w", name, res.Err)
	default:
		return nil, res.Err
	}
}

func (b *Base) resolveTool(name string) (tool.Tool, error) {
	if !b.allowed(name) {
		return nil, fmt.Errorf("tool %q: %w", name, tool.ErrNotFound)
	}
	if t, ok := b.scope.Get(name); ok {
		return t, nil
	}
	if b.global != nil {
		if t, ok := b.global.Get(name); ok {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tool %q: %w", name, tool.ErrNotFound)
}

func (b *Base) allowed(name string) bool {
	if b.meta.AllowedTools == nil {
		return true
	}
	for _, n := range b.meta.AllowedTools {
		if n == name {
			return true
		}
	}
	// Private tools are always reachable by their owner.
	return b.scope.Has(name)
}
