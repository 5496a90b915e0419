// Package tool implements the tool calling subsystem that lets agents and the
// LLM runtime invoke structured external capabilities (network lookups,
// filesystem access, clipboard, shell-open) with schema validated arguments,
// consistent error handling and rich metadata for confirmation prompts and
// model guidance.
package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/companionkit/internal/util"
)

// ErrNotFound is returned when a tool name resolves neither in an agent's
// private scope nor in the global registry.
var ErrNotFound = errors.New("tool not found")

// ErrAlreadyRegistered is returned when registering a duplicate tool name.
var ErrAlreadyRegistered = errors.New("tool already registered")

// Tool defines the interface for external capabilities invocable by agents
// or the LLM runtime. All invocations go through the gateway, which owns
// validation, confirmation gating and the audit trail.
//
// Tool implementations should:
//   - Provide clear, descriptive names (snake_case) and descriptions
//   - Define a minimal JSON-schema-like parameter map (type, properties,
//     required, enum)
//   - Check ctx promptly in long-running bodies (network calls)
//   - Be safe for concurrent use
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description returns a human-readable description shown to models and
	// in confirmation prompts.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	Parameters() map[string]any

	// RequiresConfirmation reports whether the tool declared itself as
	// needing an interactive confirmation before execution. The gateway
	// additionally forces confirmation for a hard-coded high-risk name list
	// regardless of this flag.
	RequiresConfirmation() bool

	// Call executes the tool with already structured arguments. The context
	// carries the caller's cancellation signal.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// Definition is the provider-facing schema shape consumed by model adapters
// and by confirmation prompt rendering.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Define builds a Definition from any Tool.
func Define(t Tool) Definition {
	return Definition{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()}
}
