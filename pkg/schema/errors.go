package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeSchemaConflict    = "SCHEMA_CONFLICT"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeTypeMismatch      = "TYPE_MISMATCH"
	ErrCodeUnknownOperator   = "UNKNOWN_OPERATOR"
	ErrCodeUnboundContext    = "UNBOUND_CONTEXT_KEY"
	ErrCodeMalformedAction   = "MALFORMED_ACTION"
	ErrCodeRecursionLimit    = "RECURSION_LIMIT_EXCEEDED"
	ErrCodeListener          = "LISTENER_ERROR"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeMapFailed         = "MAP_FAILED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
)

// Error is the structured error type for all engine operations.
type Error struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Path       string         `json:"path,omitempty"`
	SequenceID string         `json:"sequence_id,omitempty"`
	Block      *int           `json:"block,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", e.Path, msg)
	}
	if e.SequenceID != "" && e.Block != nil {
		return fmt.Sprintf("[%s] sequence %s block %d: %s", e.Code, e.SequenceID, *e.Block, msg)
	}
	if e.SequenceID != "" {
		return fmt.Sprintf("[%s] sequence %s: %s", e.Code, e.SequenceID, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithPath attaches the location of the offending value (JSON pointer style).
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithSequence attaches a sequence ID to the error.
func (e *Error) WithSequence(sequenceID string) *Error {
	e.SequenceID = sequenceID
	return e
}

// WithBlock attaches a sequence ID and block index to the error.
func (e *Error) WithBlock(sequenceID string, index int) *Error {
	e.SequenceID = sequenceID
	e.Block = &index
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// IsRetryable reports whether an operation failing with this error may succeed on retry.
// Authoring and schema errors never do.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeSchemaConflict, ErrCodeTypeMismatch,
		ErrCodeUnknownOperator, ErrCodeMalformedAction, ErrCodeUnboundContext,
		ErrCodeRecursionLimit, ErrCodeNotFound, ErrCodeCircuitOpen, ErrCodeCancelled:
		return false
	default:
		return true
	}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether any *Error in err's chain carries the given code.
func IsCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var found bool
	walkErrors(err, func(e error) bool {
		if se, ok := e.(*Error); ok && se.Code == code {
			found = true
			return false
		}
		return true
	})
	return found
}

// walkErrors visits err and every error reachable through Unwrap, depth first.
// Returning false from fn stops the walk.
func walkErrors(err error, fn func(error) bool) bool {
	if err == nil {
		return true
	}
	if !fn(err) {
		return false
	}
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			if !walkErrors(inner, fn) {
				return false
			}
		}
	case interface{ Unwrap() error }:
		return walkErrors(u.Unwrap(), fn)
	}
	return true
}
