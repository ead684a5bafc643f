package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/rendis/actseq/pkg/schema"
)

// CEL variables available to conditions.
const (
	CELContext = "context"
	CELValue   = "value"
	CELItem    = "item"
)

// CELEngine evaluates Common Expression Language conditions for logic_if.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine declares the variables a condition may read:
//   - context: map(string, dyn), the flattened execution frame
//   - value:   dyn, the operator's value argument
//   - item:    dyn, the current list_map item when there is one
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable(CELContext, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(CELValue, cel.DynType),
		cel.Variable(CELItem, cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.programs = newProgramCache(e.compile)
	return e, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptySource("cel")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, runErr("cel", expression, err)
	}
	return out.Value(), nil
}

// EvaluateBool evaluates a condition that must yield a boolean.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeTypeMismatch,
			"condition %q returned %T, want bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

func (e *CELEngine) compile(src string) (cel.Program, error) {
	ast, issues := e.env.Compile(src)
	if err := issues.Err(); err != nil {
		return nil, compileErr("cel", src, err)
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, compileErr("cel", src, err)
	}
	return prg, nil
}

// buildActivation fills every declared variable so a missing key is an empty
// map or null rather than a CEL runtime error.
func buildActivation(data map[string]any) map[string]any {
	activation := map[string]any{
		CELContext: map[string]any{},
		CELValue:   nil,
		CELItem:    nil,
	}
	for k, v := range data {
		if k == CELContext && v == nil {
			continue
		}
		activation[k] = v
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
