package engine

import (
	"github.com/rendis/actseq/internal/operators"
	"github.com/rendis/actseq/pkg/schema"
)

// evalArgs builds the argument object of a block, substituting references
// with earlier results. Literals are copied so operators cannot alter the
// cached sequence.
func evalArgs(a *schema.Arg, results []any) (map[string]any, error) {
	if a == nil {
		return map[string]any{}, nil
	}
	v, err := evalArg(a, results)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeMalformedAction, "block arguments must be an object, got %T", v)
	}
	return m, nil
}

func evalArg(a *schema.Arg, results []any) (any, error) {
	if a == nil {
		return nil, nil
	}
	switch a.Kind {
	case schema.ArgLiteral:
		return copyValue(a.Value), nil
	case schema.ArgRef:
		if a.Ref < 0 || a.Ref >= len(results) {
			return nil, schema.NewErrorf(schema.ErrCodeMalformedAction, "reference to block %d is out of range", a.Ref)
		}
		return copyValue(results[a.Ref]), nil
	case schema.ArgObject:
		out := make(map[string]any, len(a.Fields))
		for k, f := range a.Fields {
			v, err := evalArg(f, results)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case schema.ArgArray:
		out := make([]any, len(a.Items))
		for i, item := range a.Items {
			v, err := evalArg(item, results)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case schema.ArgSequence:
		return operators.SequenceRef{ID: a.Sequence, Inline: a.Inline}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeMalformedAction, "unknown argument kind %q", a.Kind)
	}
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = copyValue(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = copyValue(x)
		}
		return out
	default:
		return v
	}
}
