package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang expressions: arithmetic, comparisons, let
// bindings, nil coalescing and the array builtins (filter, map, sum, ...).
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache(compileExpr)}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with data as its environment. Undefined variables
// evaluate to nil.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptySource("expr")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, runErr("expr", expression, err)
	}
	return out, nil
}

// compileExpr builds against an untyped environment so one program serves
// frames of any shape.
func compileExpr(src string) (*vm.Program, error) {
	prg, err := expr.Compile(src, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileErr("expr", src, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
