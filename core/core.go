// Package core defines the shared value types exchanged between the trigger
// manager, the dispatcher, agents and the tool invocation gateway: per-dispatch
// context snapshots, structured agent results, notifications and stimulus
// envelopes. All types are plain values; once handed to a consumer they must
// be treated as immutable.
package core

import "github.com/google/uuid"

// NewID generates a new unique identifier for runs, tool calls and audit entries.
func NewID() string { return uuid.NewString() }
