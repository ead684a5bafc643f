// Package engine runs compiled action sequences against the state store.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rendis/actseq/internal/logging"
	"github.com/rendis/actseq/internal/operators"
	"github.com/rendis/actseq/internal/scope"
	"github.com/rendis/actseq/internal/state"
	"github.com/rendis/actseq/pkg/schema"
)

// DefaultMaxDepth bounds nested sequence runs. Listener runs count too.
const DefaultMaxDepth = 100

// Recorder receives execution measurements. Satisfied by *metrics.Metrics.
type Recorder interface {
	ExecutionFinished(sequenceID string, status schema.ExecutionStatus, d time.Duration)
	BlockFinished(operator string, err error, d time.Duration)
}

// Config holds configuration for the interpreter.
type Config struct {
	MaxDepth int           // max nested run depth (0 = DefaultMaxDepth)
	Appender EventAppender // execution and block events (nil = none)
	Recorder Recorder      // nil = none
	Logger   *slog.Logger
	NewID    func() string
	Now      func() time.Time
}

// Result is the outcome of one execution. On failure Error holds the
// structured failure located at the innermost failing block.
type Result struct {
	ExecutionID string                 `json:"execution_id"`
	SequenceID  string                 `json:"sequence_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Value       any                    `json:"value,omitempty"`
	Results     []any                  `json:"results,omitempty"`
	Error       *schema.Error          `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
}

// Snapshot is the state of a running or suspended execution.
type Snapshot struct {
	ExecutionID string                 `json:"execution_id"`
	SequenceID  string                 `json:"sequence_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Current     string                 `json:"current_sequence"`
	Block       int                    `json:"current_block"`
	StartedAt   time.Time              `json:"started_at"`
}

// Interpreter executes sequences from a Library. It is safe for concurrent use.
type Interpreter struct {
	store    *state.Store
	registry *operators.Registry
	library  *Library
	fsm      *ExecutionFSM
	appender EventAppender
	recorder Recorder
	logger   *slog.Logger
	maxDepth int
	newID    func() string
	now      func() time.Time

	// mu guards running.
	mu      sync.Mutex
	running map[string]*execution
}

// execution tracks one in-flight Execute call.
type execution struct {
	id         string
	sequenceID string
	startedAt  time.Time

	mu        sync.Mutex // guards the fields below
	status    schema.ExecutionStatus
	current   string
	block     int
	suspended int
}

// NewInterpreter creates an Interpreter. The registry should be sealed.
func NewInterpreter(s *state.Store, registry *operators.Registry, library *Library, cfg Config) *Interpreter {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Interpreter{
		store:    s,
		registry: registry,
		library:  library,
		fsm:      NewExecutionFSM(cfg.Appender),
		appender: cfg.Appender,
		recorder: cfg.Recorder,
		logger:   logging.Discard(cfg.Logger),
		maxDepth: cfg.MaxDepth,
		newID:    cfg.NewID,
		now:      cfg.Now,
		running:  make(map[string]*execution),
	}
}

// FSM exposes the execution state machine for hook registration.
func (in *Interpreter) FSM() *ExecutionFSM { return in.fsm }

// Execute runs a sequence to completion with frame as its context (nil = empty).
// The run depth is taken from ctx, so executions started from listeners share
// the counter of the write that triggered them. On failure both the Result
// and the error are returned.
func (in *Interpreter) Execute(ctx context.Context, sequenceID string, frame *scope.Frame) (*Result, error) {
	if frame == nil {
		frame = scope.New(nil)
	}
	exec := &execution{
		id:         in.newID(),
		sequenceID: sequenceID,
		startedAt:  in.now(),
		status:     schema.ExecutionPending,
		current:    sequenceID,
	}
	in.mu.Lock()
	in.running[exec.id] = exec
	in.mu.Unlock()
	defer func() {
		in.mu.Lock()
		delete(in.running, exec.id)
		in.mu.Unlock()
	}()

	ctx = logging.WithExecutionID(ctx, exec.id)
	res := &Result{ExecutionID: exec.id, SequenceID: sequenceID, StartedAt: exec.startedAt}

	if err := exec.transition(ctx, in.fsm, schema.ExecutionRunning, nil); err != nil {
		return in.finish(ctx, exec, res, err)
	}
	in.logger.DebugContext(ctx, "execution started", slog.Int("depth", Depth(ctx)))

	value, results, err := in.run(ctx, exec, sequenceID, frame, Depth(ctx))
	res.Results = results
	if err != nil {
		return in.finish(ctx, exec, res, err)
	}
	res.Value = value
	return in.finish(ctx, exec, res, nil)
}

func (in *Interpreter) finish(ctx context.Context, exec *execution, res *Result, err error) (*Result, error) {
	res.CompletedAt = in.now()
	status := schema.ExecutionCompleted
	var payload []byte
	if err != nil {
		status = schema.ExecutionFailed
		res.Error = toSchemaError(err)
		payload, _ = json.Marshal(res.Error)
	}
	res.Status = status

	if terr := exec.transition(ctx, in.fsm, status, payload); terr != nil {
		in.logger.WarnContext(ctx, "execution transition failed", slog.String("error", terr.Error()))
	}
	if in.recorder != nil {
		in.recorder.ExecutionFinished(res.SequenceID, status, res.CompletedAt.Sub(res.StartedAt))
	}

	if err != nil {
		in.logger.InfoContext(ctx, "execution failed",
			slog.String("code", res.Error.Code),
			slog.String("error", err.Error()),
		)
		return res, err
	}
	in.logger.DebugContext(ctx, "execution completed",
		slog.Duration("duration", res.CompletedAt.Sub(res.StartedAt)))
	return res, nil
}

// run evaluates the blocks of one sequence in index order.
func (in *Interpreter) run(ctx context.Context, exec *execution, sequenceID string, frame *scope.Frame, depth int) (any, []any, error) {
	if depth > in.maxDepth {
		return nil, nil, schema.NewErrorf(schema.ErrCodeRecursionLimit,
			"run depth %d exceeds the limit of %d", depth, in.maxDepth).
			WithSequence(sequenceID).
			WithDetails(map[string]any{"depth": depth, "max_depth": in.maxDepth})
	}
	seq, err := in.library.Blocks(sequenceID)
	if err != nil {
		return nil, nil, err
	}

	ctx = WithDepth(ctx, depth)
	ctx = logging.WithSequenceID(ctx, sequenceID)
	runner := &execRunner{in: in, exec: exec}

	results := make([]any, len(seq.Blocks))
	var last any
	for i := range seq.Blocks {
		b := &seq.Blocks[i]
		if err := ctx.Err(); err != nil {
			return nil, results, schema.NewError(schema.ErrCodeCancelled, "execution cancelled").
				WithBlock(sequenceID, i).WithCause(err)
		}
		exec.at(sequenceID, i)

		v, err := in.invoke(ctx, exec, runner, b, frame, results, depth)
		if err != nil {
			return nil, results, handleBlockError(ctx, in.appender, exec.id, sequenceID, i, b.Operator, err)
		}
		results[i] = v
		last = v
	}
	return last, results, nil
}

func (in *Interpreter) invoke(ctx context.Context, exec *execution, runner operators.Runner, b *schema.Block, frame *scope.Frame, results []any, depth int) (any, error) {
	args, err := evalArgs(b.Args, results)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithOperator(ctx, b.Operator)
	call := &operators.Call{
		Args:       args,
		Frame:      frame,
		Store:      in.store,
		Runner:     runner,
		SequenceID: b.SequenceID,
		Block:      b.Index,
		Depth:      depth,
		Logger:     logging.LogWith(ctx, in.logger),
	}

	start := in.now()
	v, err := in.registry.Invoke(ctx, b.Operator, call)
	if err == nil {
		if s, ok := v.(*operators.Suspension); ok {
			v, err = in.await(ctx, exec, s)
		}
	}
	if in.recorder != nil {
		in.recorder.BlockFinished(b.Operator, err, in.now().Sub(start))
	}
	if err != nil {
		return nil, err
	}

	if in.appender != nil {
		index := b.Index
		payload, _ := json.Marshal(map[string]any{"operator": b.Operator})
		_ = in.appender.AppendEvent(ctx, &schema.Event{
			ExecutionID: exec.id,
			SequenceID:  b.SequenceID,
			Block:       &index,
			Type:        schema.EventBlockCompleted,
			Payload:     payload,
		})
	}
	return v, nil
}

// await suspends the execution until an asynchronous operator completes.
// Prior results are kept, so nothing before the block runs again.
func (in *Interpreter) await(ctx context.Context, exec *execution, s *operators.Suspension) (any, error) {
	if s.Await == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "suspension has no await function")
	}
	payload, _ := json.Marshal(map[string]any{"source": s.Source})
	if err := exec.suspend(ctx, in.fsm, payload); err != nil {
		return nil, err
	}
	v, err := s.Await(ctx)
	if rerr := exec.resume(ctx, in.fsm, payload); rerr != nil && err == nil {
		err = rerr
	}
	return v, err
}

// Status returns a snapshot of a running or suspended execution.
func (in *Interpreter) Status(executionID string) (Snapshot, bool) {
	in.mu.Lock()
	exec, ok := in.running[executionID]
	in.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	return Snapshot{
		ExecutionID: exec.id,
		SequenceID:  exec.sequenceID,
		Status:      exec.status,
		Current:     exec.current,
		Block:       exec.block,
		StartedAt:   exec.startedAt,
	}, true
}

// Running returns the ids of in-flight executions.
func (in *Interpreter) Running() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	ids := make([]string, 0, len(in.running))
	for id := range in.running {
		ids = append(ids, id)
	}
	return ids
}

func (e *execution) at(sequenceID string, block int) {
	e.mu.Lock()
	e.current, e.block = sequenceID, block
	e.mu.Unlock()
}

func (e *execution) transition(ctx context.Context, fsm *ExecutionFSM, to schema.ExecutionStatus, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fsm.Transition(ctx, e.id, e.sequenceID, e.status, to, payload); err != nil {
		return err
	}
	e.status = to
	return nil
}

// suspend and resume nest: concurrent list_map items may await at once, and
// only the first suspension and the last resume change state.
func (e *execution) suspend(ctx context.Context, fsm *ExecutionFSM, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suspended++
	if e.suspended > 1 {
		return nil
	}
	if err := fsm.Transition(ctx, e.id, e.sequenceID, e.status, schema.ExecutionSuspended, payload); err != nil {
		e.suspended--
		return err
	}
	e.status = schema.ExecutionSuspended
	return nil
}

func (e *execution) resume(ctx context.Context, fsm *ExecutionFSM, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suspended--
	if e.suspended > 0 {
		return nil
	}
	if err := fsm.Transition(ctx, e.id, e.sequenceID, e.status, schema.ExecutionRunning, payload); err != nil {
		return err
	}
	e.status = schema.ExecutionRunning
	return nil
}

// execRunner runs nested sequences inside the same execution.
type execRunner struct {
	in   *Interpreter
	exec *execution
}

func (r *execRunner) Run(ctx context.Context, ref operators.SequenceRef, frame *scope.Frame, depth int) (any, error) {
	v, _, err := r.in.run(ctx, r.exec, ref.ID, frame, depth)
	return v, err
}
