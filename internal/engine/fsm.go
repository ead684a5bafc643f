package engine

import (
	"context"
	"sync"

	"github.com/rendis/actseq/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to schema.ExecutionStatus) error

// EventAppender receives execution and commit events. Satisfied by journals
// and the event hub.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *schema.Event) error
}

// EventAppenderFunc adapts a function to EventAppender.
type EventAppenderFunc func(ctx context.Context, event *schema.Event) error

func (f EventAppenderFunc) AppendEvent(ctx context.Context, event *schema.Event) error {
	return f(ctx, event)
}

// Appenders fans an event out to every appender, returning the first error.
type Appenders []EventAppender

func (as Appenders) AppendEvent(ctx context.Context, event *schema.Event) error {
	var first error
	for _, a := range as {
		if a == nil {
			continue
		}
		if err := a.AppendEvent(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type hookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM validates execution lifecycle transitions and emits the
// matching event for each one.
type ExecutionFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM emitting events via appender (may be nil).
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error aborts it.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to, runs hooks and emits the event for to.
// payload, when non-nil, is attached to the event.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID, sequenceID string, from, to schema.ExecutionStatus, payload []byte) error {
	f.mu.Lock()
	before := append([]TransitionHook(nil), f.before[hookKey{from, to}]...)
	after := append([]TransitionHook(nil), f.after[hookKey{from, to}]...)
	f.mu.Unlock()

	if !isValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithSequence(sequenceID).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	for _, hook := range before {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if eventType := eventTypeFor(from, to); eventType != "" && f.appender != nil {
		event := &schema.Event{
			ExecutionID: executionID,
			SequenceID:  sequenceID,
			Type:        eventType,
			Payload:     payload,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).
				WithSequence(sequenceID).WithCause(err)
		}
	}

	for _, hook := range after {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}

func isValidTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func eventTypeFor(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		if from == schema.ExecutionSuspended {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionSuspended:
		return schema.EventExecutionSuspended
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	default:
		return ""
	}
}

// ValidTransitions defines the allowed execution state transitions.
var ValidTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionFailed},
	schema.ExecutionRunning:   {schema.ExecutionSuspended, schema.ExecutionCompleted, schema.ExecutionFailed},
	schema.ExecutionSuspended: {schema.ExecutionRunning, schema.ExecutionFailed},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
}
