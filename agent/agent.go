// Package agent defines the contract companion agents implement and a base
// type that handles tool scoping and gateway routing for them.
package agent

import (
	"context"
	"time"

	"github.com/hupe1980/companionkit/core"
	"github.com/hupe1980/companionkit/trigger"
)

// Priority orders candidate agents when several trigger on one stimulus.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns a sortable weight, lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// State is an agent's lifecycle position as seen by the dispatcher.
type State string

const (
	StateUnregistered State = "unregistered"
	StateInitializing State = "initializing"
	StateIdle         State = "idle"
	StateExecuting    State = "executing"
	StateDisabled     State = "disabled"
)

// Metadata describes an agent to the registry and dispatcher.
type Metadata struct {
	ID          string
	Name        string
	Description string
	Version     string
	Category    string
	Priority    Priority
	// IsSystem marks agents that cannot be disabled by the user.
	IsSystem bool
	// MaxSteps bounds the agent's model turns when it drives the LLM
	// runtime. Zero means the runtime default.
	MaxSteps int
	// Timeout bounds one execution. Zero means the dispatcher default.
	Timeout time.Duration
	// AllowedTools restricts which registry tools the agent may call.
	// Nil means all tools.
	AllowedTools []string
}

// Agent is one autonomous companion behavior.
type Agent interface {
	// Metadata returns the agent's static description.
	Metadata() Metadata

	// Triggers returns the activation conditions the agent declares.
	Triggers() []trigger.Trigger

	// OnInitialize is called exactly once, when the agent is registered.
	OnInitialize(ctx context.Context) error

	// ShouldTrigger gives the agent a final veto after its trigger fired.
	ShouldTrigger(ctx context.Context, actx core.AgentContext) bool

	// OnExecute runs the agent's behavior.
	OnExecute(ctx context.Context, actx core.AgentContext) (core.AgentResult, error)
}

// ConditionEvaluator is implemented by agents with condition triggers.
// The dispatcher wires it into the trigger manager.
type ConditionEvaluator interface {
	EvaluateCondition(expression string) bool
}
