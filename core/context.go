package core

import (
	"maps"
	"time"
)

// TriggerSource identifies which trigger kind produced a dispatch.
type TriggerSource string

// Trigger sources attached to AgentContext.
const (
	SourceSchedule    TriggerSource = "schedule"
	SourceCondition   TriggerSource = "condition"
	SourceUserMessage TriggerSource = "user_message"
	SourceEvent       TriggerSource = "event"
	SourceManual      TriggerSource = "manual"
)

// PetStatus is the live companion state snapshot agents gate on: hunger,
// mood and energy are 0-100 scales maintained by the presentation layer.
type PetStatus struct {
	Hunger    int       `json:"hunger"`
	Mood      int       `json:"mood"`
	Energy    int       `json:"energy"`
	Asleep    bool      `json:"asleep"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EmotionSample is one recent emotion observation extracted from user input.
type EmotionSample struct {
	Emotion   string    `json:"emotion"`
	Intensity float64   `json:"intensity"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatMessage is a single recent conversation entry included in the dispatch
// snapshot so agents can gate on conversational context.
type ChatMessage struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentContext is the immutable per-dispatch snapshot passed by value to an
// agent's ShouldTrigger gate and OnExecute function. It is built once per
// dispatch; Clone is used when the same stimulus fans out to several agents
// so one agent's view can never alias another's.
type AgentContext struct {
	// UserMessage carries the raw user text for user_message dispatches.
	UserMessage string
	// TriggerID / TriggerSource identify the trigger that fired.
	TriggerID     string
	TriggerSource TriggerSource
	// EventName / EventPayload are set for event dispatches.
	EventName    string
	EventPayload map[string]any
	// Status is the current pet/user status snapshot, if available.
	Status *PetStatus
	// RecentEmotions holds the most recent emotion samples, newest last.
	RecentEmotions []EmotionSample
	// RecentMessages holds the most recent chat messages, newest last.
	RecentMessages []ChatMessage
	// Timestamp is the dispatch time.
	Timestamp time.Time
	// Metadata carries free-form dispatcher-supplied values.
	Metadata map[string]any
}

// Clone returns a deep enough copy for safe fan-out: slices and maps are
// copied, element values are plain data.
func (c AgentContext) Clone() AgentContext {
	out := c
	if c.EventPayload != nil {
		out.EventPayload = maps.Clone(c.EventPayload)
	}
	if c.Metadata != nil {
		out.Metadata = maps.Clone(c.Metadata)
	}
	if c.RecentEmotions != nil {
		out.RecentEmotions = append([]EmotionSample(nil), c.RecentEmotions...)
	}
	if c.RecentMessages != nil {
		out.RecentMessages = append([]ChatMessage(nil), c.RecentMessages...)
	}
	if c.Status != nil {
		s := *c.Status
		out.Status = &s
	}
	return out
}
