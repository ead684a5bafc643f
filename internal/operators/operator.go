// Package operators defines the operator contract, the sealed registry the
// compiler and interpreter resolve operators against, and the builtin operators.
package operators

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/actseq/internal/scope"
	"github.com/rendis/actseq/internal/state"
	"github.com/rendis/actseq/pkg/schema"
)

// Operator is a named, registered function invoked by a block.
type Operator interface {
	Name() string
	Schema() OperatorSchema
	Invoke(ctx context.Context, call *Call) (any, error)
}

// OperatorSchema describes an operator's input contract.
// Deferred lists the arguments that hold sub-sequences; the compiler turns
// them into child sequences instead of evaluating them before the block.
type OperatorSchema struct {
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Description string          `json:"description,omitempty"`
	Deferred    []string        `json:"deferred,omitempty"`
}

// Store is the part of the state store operators may touch.
type Store interface {
	Get(name, id string) (any, error)
	Set(ctx context.Context, name string, value any, opts schema.WriteOptions) (*state.Commit, error)
	AddListener(l schema.Listener) error
	RemoveListener(l schema.Listener) bool
}

// SequenceRef names a sequence passed to an operator through a deferred argument.
type SequenceRef struct {
	ID     string `json:"sequence"`
	Inline bool   `json:"inline,omitempty"`
}

// Runner executes sequences on behalf of operators. depth is the call depth of
// the sequence being started.
type Runner interface {
	Run(ctx context.Context, ref SequenceRef, frame *scope.Frame, depth int) (any, error)
}

// Suspension is returned by asynchronous operators. The interpreter suspends
// the execution, calls Await and resumes with its result.
type Suspension struct {
	Source string
	Await  func(ctx context.Context) (any, error)
}

// Call is everything an operator invocation may use. Operators must not keep
// references to it after returning.
type Call struct {
	Args       map[string]any
	Frame      *scope.Frame
	Store      Store
	Runner     Runner
	SequenceID string
	Block      int
	Depth      int
	Logger     *slog.Logger
}

// HandlerFunc is the signature of function-backed operators.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// Func adapts a HandlerFunc to Operator. Plugins register their handlers this way.
type Func struct {
	OpName      string
	Description string
	InputSchema json.RawMessage
	Deferred    []string
	Handler     HandlerFunc
}

// NewFunc creates a function-backed operator with no input schema.
func NewFunc(name string, fn HandlerFunc) *Func {
	return &Func{OpName: name, Handler: fn}
}

func (f *Func) Name() string { return f.OpName }

func (f *Func) Schema() OperatorSchema {
	return OperatorSchema{InputSchema: f.InputSchema, Description: f.Description, Deferred: f.Deferred}
}

func (f *Func) Invoke(ctx context.Context, call *Call) (any, error) {
	return f.Handler(ctx, call)
}
