package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rendis/actseq/pkg/schema"
)

// BlockError is the failure of one block. Nested runs wrap inner BlockErrors,
// so the chain reads from the outermost sequence to the failing operator.
type BlockError struct {
	SequenceID string
	Block      int
	Operator   string
	Err        error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("sequence %s block %d (%s): %v", e.SequenceID, e.Block, e.Operator, e.Err)
}

func (e *BlockError) Unwrap() error { return e.Err }

// Innermost follows directly nested BlockErrors from the first one in err's
// chain and returns the deepest, or nil.
func Innermost(err error) *BlockError {
	var be *BlockError
	if !errors.As(err, &be) {
		return nil
	}
	for {
		next, ok := be.Err.(*BlockError)
		if !ok {
			return be
		}
		be = next
	}
}

// toSchemaError returns err as a *schema.Error located at its innermost
// failing block.
func toSchemaError(err error) *schema.Error {
	var se *schema.Error
	if !errors.As(err, &se) {
		se = schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
	} else {
		cp := *se
		se = &cp
	}
	if be := Innermost(err); be != nil && se.Block == nil {
		se = se.WithBlock(be.SequenceID, be.Block)
	}
	return se
}

// handleBlockError wraps a block failure and reports it as a block_failed event.
func handleBlockError(ctx context.Context, appender EventAppender, executionID string, seqID string, index int, op string, err error) *BlockError {
	be := &BlockError{SequenceID: seqID, Block: index, Operator: op, Err: err}
	if appender == nil {
		return be
	}
	payload, _ := json.Marshal(map[string]any{
		"operator": op,
		"error":    err.Error(),
		"code":     schema.CodeOf(err),
	})
	_ = appender.AppendEvent(ctx, &schema.Event{
		ExecutionID: executionID,
		SequenceID:  seqID,
		Block:       &index,
		Type:        schema.EventBlockFailed,
		Payload:     payload,
	})
	return be
}
