package operators

import (
	"fmt"

	"github.com/rendis/actseq/internal/expressions"
	"github.com/rendis/actseq/internal/resilience"
)

// Deps are the collaborators of the builtin operators. Nil engines are created
// with defaults.
type Deps struct {
	Expr     *expressions.ExprEngine
	JQ       *expressions.GoJQEngine
	CEL      *expressions.CELEngine
	Script   *expressions.ScriptEngine
	Fetcher  Fetcher
	Breakers *resilience.CircuitBreakerRegistry
	// PoolSize bounds concurrent list_map items.
	PoolSize int
}

// Builtins returns every builtin operator.
func Builtins(deps Deps) ([]Operator, error) {
	if deps.Expr == nil {
		deps.Expr = expressions.NewExprEngine()
	}
	if deps.JQ == nil {
		deps.JQ = expressions.NewGoJQEngine()
	}
	if deps.CEL == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, fmt.Errorf("create CEL engine: %w", err)
		}
		deps.CEL = cel
	}
	if deps.Script == nil {
		deps.Script = expressions.NewScriptEngine()
	}
	if deps.Breakers == nil {
		deps.Breakers = resilience.NewCircuitBreakerRegistry(resilience.DefaultCircuitBreakerConfig())
	}

	return []Operator{
		stateGetValue{},
		stateSetValue{},
		stateAddListener{},
		stateRemoveListener{},
		variableGetValue{},
		variableSetValue{},
		contextGetValue{},
		listMap{poolSize: deps.PoolSize},
		actionDispatch{},
		fetchGetAll{fetcher: deps.Fetcher, breakers: deps.Breakers},
		exprEvaluate{engine: deps.Expr},
		jqQuery{engine: deps.JQ},
		logicIf{engine: deps.CEL},
		scriptEvaluate{engine: deps.Script},
	}, nil
}

// RegisterBuiltins registers every builtin operator on r.
func RegisterBuiltins(r *Registry, deps Deps) error {
	ops, err := Builtins(deps)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := r.Register(op); err != nil {
			return err
		}
	}
	return nil
}
