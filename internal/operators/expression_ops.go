package operators

import (
	"context"
	"encoding/json"

	"github.com/rendis/actseq/internal/expressions"
)

// frameData returns the frame bindings overlaid with the optional data argument.
func frameData(call *Call) (map[string]any, error) {
	data := call.Frame.Flatten()
	extra, err := call.Object("data")
	if err != nil {
		return nil, err
	}
	for k, v := range extra {
		data[k] = v
	}
	return data, nil
}

type exprEvaluate struct {
	engine *expressions.ExprEngine
}

func (exprEvaluate) Name() string { return OpExprEvaluate }

func (exprEvaluate) Schema() OperatorSchema {
	return OperatorSchema{
		Description: "Evaluate an expr-lang expression over the context bindings and data",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["expression"],
			"properties": {
				"expression": {"type": "string", "minLength": 1},
				"data": {"type": "object"}
			}
		}`),
	}
}

func (o exprEvaluate) Invoke(ctx context.Context, call *Call) (any, error) {
	expression, err := call.String("expression")
	if err != nil {
		return nil, err
	}
	data, err := frameData(call)
	if err != nil {
		return nil, err
	}
	return o.engine.Evaluate(ctx, expression, data)
}

type jqQuery struct {
	engine *expressions.GoJQEngine
}

func (jqQuery) Name() string { return OpJQQuery }

func (jqQuery) Schema() OperatorSchema {
	return OperatorSchema{
		Description: "Run a jq query over input; one output is returned as is, several as a list",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["query"],
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"input": {}
			}
		}`),
	}
}

func (o jqQuery) Invoke(ctx context.Context, call *Call) (any, error) {
	query, err := call.String("query")
	if err != nil {
		return nil, err
	}
	input, _ := call.Value("input")
	results, err := o.engine.Query(ctx, query, input)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

type logicIf struct {
	engine *expressions.CELEngine
}

func (logicIf) Name() string { return OpLogicIf }

func (logicIf) Schema() OperatorSchema {
	return OperatorSchema{
		Description: "Evaluate a CEL condition and run the then or else sequence",
		Deferred:    []string{"then", "else"},
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["condition"],
			"properties": {
				"condition": {"type": "string", "minLength": 1},
				"value": {},
				"then": {},
				"else": {}
			}
		}`),
	}
}

func (o logicIf) Invoke(ctx context.Context, call *Call) (any, error) {
	condition, err := call.String("condition")
	if err != nil {
		return nil, err
	}
	value, _ := call.Value("value")
	item, _ := call.Frame.Lookup("item")

	ok, err := o.engine.EvaluateBool(ctx, condition, map[string]any{
		expressions.CELContext: call.Frame.Flatten(),
		expressions.CELValue:   value,
		expressions.CELItem:    item,
	})
	if err != nil {
		return nil, err
	}

	branch := "else"
	if ok {
		branch = "then"
	}
	if v, present := call.Value(branch); !present || v == nil {
		return nil, nil
	}
	ref, err := call.Sequence(branch)
	if err != nil {
		return nil, err
	}
	return call.Runner.Run(ctx, ref, call.Frame, call.Depth+1)
}

type scriptEvaluate struct {
	engine *expressions.ScriptEngine
}

func (scriptEvaluate) Name() string { return OpScriptEvaluate }

func (scriptEvaluate) Schema() OperatorSchema {
	return OperatorSchema{
		Description: "Run an ECMAScript function body; context bindings and data are globals",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["script"],
			"properties": {
				"script": {"type": "string", "minLength": 1},
				"data": {"type": "object"}
			}
		}`),
	}
}

func (o scriptEvaluate) Invoke(ctx context.Context, call *Call) (any, error) {
	script, err := call.String("script")
	if err != nil {
		return nil, err
	}
	data, err := frameData(call)
	if err != nil {
		return nil, err
	}
	data["context"] = call.Frame.Flatten()
	return o.engine.Evaluate(ctx, script, data)
}
