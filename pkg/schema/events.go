package schema

import (
	"encoding/json"
	"time"
)

// Event type constants for the execution journal and event hub.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionSuspended = "execution_suspended"
	EventExecutionResumed   = "execution_resumed"

	EventBlockCompleted = "block_completed"
	EventBlockFailed    = "block_failed"

	EventEntryCommitted = "entry_committed"
	EventListenerFailed = "listener_failed"

	EventSequenceDefined = "sequence_defined"
	EventTriggerFired    = "trigger_fired"
)

// ExecutionStatus represents the lifecycle state of one sequence execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuspended ExecutionStatus = "suspended"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// Event is an immutable journal entry describing an execution step or a store commit.
type Event struct {
	ID          int64           `json:"id,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	SequenceID  string          `json:"sequence_id,omitempty"`
	Block       *int            `json:"block,omitempty"`
	Collection  string          `json:"collection,omitempty"`
	EntryID     string          `json:"entry_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}
