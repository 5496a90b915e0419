package core

// FollowUp is a side-channel directive in an AgentResult asking the
// dispatcher to trigger another agent after the current one finishes.
type FollowUp struct {
	AgentID string         `json:"agent_id"`
	Payload map[string]any `json:"payload,omitempty"`
}

// AgentResult is the structured outcome of one agent execution. It is never
// mutated after creation and is consumed exactly once by the dispatcher.
type AgentResult struct {
	Success bool `json:"success"`
	// Message is optional user-facing text shown as a bubble/notification.
	Message string `json:"message,omitempty"`
	// Error carries a short failure description when Success is false.
	Error string `json:"error,omitempty"`
	// Emotion asks the presentation layer to display an emotion.
	Emotion string `json:"emotion,omitempty"`
	// Speak requests text-to-speech playback of Message.
	Speak bool `json:"speak,omitempty"`
	// FollowUps are dispatched as manual stimuli after this result is consumed.
	FollowUps []FollowUp `json:"follow_ups,omitempty"`
	// Data carries arbitrary structured output for the host.
	Data map[string]any `json:"data,omitempty"`
}

// OK builds a successful result with a user-facing message.
func OK(message string) AgentResult {
	return AgentResult{Success: true, Message: message}
}

// Fail builds a failed result with an error description.
func Fail(err string) AgentResult {
	return AgentResult{Success: false, Error: err}
}
