package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine filters and reshapes JSON values with jq queries.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache(compileJQ)}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs the query with data as the input document. No output yields
// nil, one output is returned as is and several are collected into []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	outs, err := e.Query(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch len(outs) {
	case 0:
		return nil, nil
	case 1:
		return outs[0], nil
	}
	return outs, nil
}

// Query runs the query over any input value and returns every output.
func (e *GoJQEngine) Query(ctx context.Context, expression string, input any) ([]any, error) {
	if expression == "" {
		return nil, emptySource("jq")
	}
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	var outs []any
	iter := code.RunWithContext(ctx, jqValue(input))
	for {
		v, ok := iter.Next()
		if !ok {
			return outs, nil
		}
		if err, isErr := v.(error); isErr {
			return nil, runErr("jq", expression, err)
		}
		outs = append(outs, v)
	}
}

func compileJQ(src string) (*gojq.Code, error) {
	q, err := gojq.Parse(src)
	if err != nil {
		return nil, compileErr("jq", src, err)
	}
	// $ENV stays empty.
	code, err := gojq.Compile(q, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileErr("jq", src, err)
	}
	return code, nil
}

// jqValue widens Go integers and float32 to float64, the only number type gojq
// accepts besides int.
func jqValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, item := range x {
			m[k] = jqValue(item)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, item := range x {
			s[i] = jqValue(item)
		}
		return s
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)
