// Package model defines the provider-neutral LLM interface the runtime drives
// and a scriptable mock for tests.
package model

import (
	"context"
	"sync"

	"github.com/hupe1980/companionkit/tool"
)

// Role of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one function invocation requested by the model. Arguments is
// the raw JSON argument object.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult carries one executed tool call's outcome back to the model.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// Message is one conversation entry. Assistant messages may carry ToolCalls;
// tool messages carry ToolResults.
type Message struct {
	Role        Role         `json:"role"`
	Text        string       `json:"text,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// Request is one generation call.
type Request struct {
	System   string
	Messages []Message
	Tools    []tool.Definition
	Stream   bool
}

// Usage reports token accounting when the provider supplies it.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is one generation event. Streaming providers emit partial events
// followed by a final one with Partial false.
type Response struct {
	Partial      bool
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// Info describes a model implementation.
type Info struct {
	Name          string
	Provider      string
	SupportsTools bool
}

// Model is the generation interface. Generate returns a response channel
// that closes when generation ends and an error channel that carries at most
// one error.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)
	Info() Info
}

// MockModel replays a scripted queue of responses. Each Generate call
// consumes one script entry; an exhausted queue yields an empty final
// response.
type MockModel struct {
	mu       sync.Mutex
	script   []mockTurn
	requests []Request
}

type mockTurn struct {
	responses []Response
	err       error
}

// NewMockModel creates a MockModel.
func NewMockModel() *MockModel {
	return &MockModel{}
}

// Enqueue appends one Generate call's worth of responses to the script.
func (m *MockModel) Enqueue(responses ...Response) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockTurn{responses: responses})
	return m
}

// EnqueueText scripts a plain final text response.
func (m *MockModel) EnqueueText(text string) *MockModel {
	return m.Enqueue(Response{Text: text, FinishReason: "stop"})
}

// EnqueueToolCalls scripts a final response requesting the given tool calls.
func (m *MockModel) EnqueueToolCalls(calls ...ToolCall) *MockModel {
	return m.Enqueue(Response{ToolCalls: calls, FinishReason: "tool_use"})
}

// EnqueueError scripts a failed Generate call.
func (m *MockModel) EnqueueError(err error) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockTurn{err: err})
	return m
}

// Requests returns the requests seen so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Generate implements Model.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	out := make(chan Response, 8)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.requests = append(m.requests, req)
	var turn mockTurn
	if len(m.script) > 0 {
		turn = m.script[0]
		m.script = m.script[1:]
	} else {
		turn = mockTurn{responses: []Response{{FinishReason: "stop"}}}
	}
	m.mu.Unlock()

	go func() {
		defer close(out)
		defer close(errCh)
		if turn.err != nil {
			errCh <- turn.err
			return
		}
		for _, r := range turn.responses {
			select {
			case out <- r:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return out, errCh
}

// Info implements Model.
func (m *MockModel) Info() Info {
	return Info{Name: "mock", Provider: "mock", SupportsTools: true}
}
