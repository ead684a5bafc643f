// Package expressions hosts the expression languages available to operators:
// expr for general logic, gojq for JSON reshaping, CEL for conditions and goja
// for ECMAScript snippets.
package expressions

import "context"

// Engine evaluates one expression against a data map whose keys are exposed
// as top-level variables.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
