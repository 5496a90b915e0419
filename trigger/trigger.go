// Package trigger defines the activation conditions agents declare and the
// manager that evaluates them against time, user messages, and events.
package trigger

import (
	"errors"
	"fmt"
	"time"
)

// Type discriminates trigger configurations.
type Type string

const (
	TypeSchedule    Type = "schedule"
	TypeCondition   Type = "condition"
	TypeUserMessage Type = "user_message"
	TypeEvent       Type = "event"
)

// ErrInvalid marks a trigger whose configuration cannot fire.
var ErrInvalid = errors.New("invalid trigger")

// ScheduleConfig fires at a fixed interval.
type ScheduleConfig struct {
	Interval time.Duration `json:"interval"`
}

// ConditionConfig fires when a predicate over the companion's state becomes
// true. CheckInterval bounds how often the predicate is polled; Cooldown
// bounds how often the trigger may actually fire.
type ConditionConfig struct {
	Expression    string        `json:"expression"`
	CheckInterval time.Duration `json:"check_interval"`
	Cooldown      time.Duration `json:"cooldown"`
}

// UserMessageConfig fires when an incoming user message contains any keyword.
// Matching is case-insensitive substring. Empty keywords match every message.
type UserMessageConfig struct {
	Keywords []string `json:"keywords"`
}

// EventConfig fires on a named event whose payload contains every key/value
// pair in Filter.
type EventConfig struct {
	EventName string         `json:"event_name"`
	Filter    map[string]any `json:"filter,omitempty"`
}

// Trigger is one activation condition. Exactly one config field matching
// Type must be set.
type Trigger struct {
	ID          string             `json:"id"`
	Type        Type               `json:"type"`
	Schedule    *ScheduleConfig    `json:"schedule,omitempty"`
	Condition   *ConditionConfig   `json:"condition,omitempty"`
	UserMessage *UserMessageConfig `json:"user_message,omitempty"`
	Event       *EventConfig       `json:"event,omitempty"`
}

// NewSchedule returns an interval trigger.
func NewSchedule(id string, interval time.Duration) Trigger {
	return Trigger{ID: id, Type: TypeSchedule, Schedule: &ScheduleConfig{Interval: interval}}
}

// NewCondition returns a condition trigger.
func NewCondition(id, expression string, checkInterval, cooldown time.Duration) Trigger {
	return Trigger{ID: id, Type: TypeCondition, Condition: &ConditionConfig{
		Expression:    expression,
		CheckInterval: checkInterval,
		Cooldown:      cooldown,
	}}
}

// NewUserMessage returns a keyword trigger.
func NewUserMessage(id string, keywords ...string) Trigger {
	return Trigger{ID: id, Type: TypeUserMessage, UserMessage: &UserMessageConfig{Keywords: keywords}}
}

// NewEvent returns an event trigger.
func NewEvent(id, eventName string, filter map[string]any) Trigger {
	return Trigger{ID: id, Type: TypeEvent, Event: &EventConfig{EventName: eventName, Filter: filter}}
}

// Validate checks that the trigger can ever fire.
func (t Trigger) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	switch t.Type {
	case TypeSchedule:
		if t.Schedule == nil {
			return fmt.Errorf("%w %q: missing schedule config", ErrInvalid, t.ID)
		}
		if t.Schedule.Interval <= 0 {
			return fmt.Errorf("%w %q: interval must be positive", ErrInvalid, t.ID)
		}
	case TypeCondition:
		if t.Condition == nil {
			return fmt.Errorf("%w %q: missing condition config", ErrInvalid, t.ID)
		}
		if t.Condition.Expression == "" {
			return fmt.Errorf("%w %q: empty expression", ErrInvalid, t.ID)
		}
		if t.Condition.CheckInterval <= 0 {
			return fmt.Errorf("%w %q: check interval must be positive", ErrInvalid, t.ID)
		}
		if t.Condition.Cooldown < 0 {
			return fmt.Errorf("%w %q: negative cooldown", ErrInvalid, t.ID)
		}
	case TypeUserMessage:
		if t.UserMessage == nil {
			return fmt.Errorf("%w %q: missing user message config", ErrInvalid, t.ID)
		}
	case TypeEvent:
		if t.Event == nil || t.Event.EventName == "" {
			return fmt.Errorf("%w %q: missing event name", ErrInvalid, t.ID)
		}
	default:
		return fmt.Errorf("%w %q: unknown type %q", ErrInvalid, t.ID, t.Type)
	}
	return nil
}
