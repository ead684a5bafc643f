package operators

import (
	"context"
	"encoding/json"

	"github.com/rendis/actseq/internal/scope"
)

type actionDispatch struct{}

func (actionDispatch) Name() string { return OpActionDispatch }

func (actionDispatch) Schema() OperatorSchema {
	return OperatorSchema{
		Description: "Run another sequence with the caller's context plus overrides; returns its result",
		Deferred:    []string{"action"},
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["action"],
			"properties": {
				"action": {},
				"context": {"type": "object"}
			}
		}`),
	}
}

func (actionDispatch) Invoke(ctx context.Context, call *Call) (any, error) {
	ref, err := call.Sequence("action")
	if err != nil {
		return nil, err
	}
	overrides, err := call.Object("context")
	if err != nil {
		return nil, err
	}
	return call.Runner.Run(ctx, ref, scope.CreateScope(call.Frame, overrides), call.Depth+1)
}
