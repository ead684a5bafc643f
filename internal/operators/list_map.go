package operators

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rendis/actseq/internal/scope"
	"github.com/rendis/actseq/internal/workers"
	"github.com/rendis/actseq/pkg/schema"
	"github.com/spf13/cast"
)

// ItemFailure is the error of one list_map item.
type ItemFailure struct {
	Index int
	Err   error
}

// MapError reports every failed list_map item. Results keeps the values of
// the items that succeeded at their input positions; failed positions are nil.
type MapError struct {
	Results  []any
	Failures []ItemFailure
}

func (e *MapError) Error() string {
	return fmt.Sprintf("%d of %d items failed; first (item %d): %v",
		len(e.Failures), len(e.Results), e.Failures[0].Index, e.Failures[0].Err)
}

// Unwrap exposes every item error to errors.Is and errors.As.
func (e *MapError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Succeeded returns how many items completed.
func (e *MapError) Succeeded() int {
	return len(e.Results) - len(e.Failures)
}

type listMap struct {
	poolSize int
}

func (listMap) Name() string { return OpListMap }

func (listMap) Schema() OperatorSchema {
	return OperatorSchema{
		Description: "Run action once per item with a derived context; results follow input order and item failures are collected",
		Deferred:    []string{"action"},
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["items", "action"],
			"properties": {
				"items": {"type": ["array", "object", "null"]},
				"action": {},
				"context": {"type": "object"},
				"concurrent": {"type": "boolean"}
			}
		}`),
	}
}

type mapItem struct {
	value any
	key   string
}

func (m listMap) Invoke(ctx context.Context, call *Call) (any, error) {
	ref, err := call.Sequence("action")
	if err != nil {
		return nil, err
	}
	template, err := call.Object("context")
	if err != nil {
		return nil, err
	}
	concurrent, err := call.Bool("concurrent")
	if err != nil {
		return nil, err
	}

	items, err := mapItems(call.Args["items"])
	if err != nil {
		return nil, err
	}

	results := make([]any, len(items))
	run := func(ctx context.Context, i int) error {
		frame := scope.CreateScope(call.Frame, itemOverrides(template, items[i], i))
		v, err := call.Runner.Run(ctx, ref, frame, call.Depth+1)
		if err != nil {
			return err
		}
		results[i] = v
		return nil
	}

	errs := make([]error, len(items))
	if concurrent && len(items) > 1 && m.poolSize > 1 {
		pool := workers.NewPool(min(m.poolSize, len(items)))
		errs = pool.Map(ctx, len(items), run)
		pool.Shutdown()
	} else {
		for i := range items {
			errs[i] = run(ctx, i)
		}
	}

	mapErr := &MapError{Results: results}
	for i, err := range errs {
		if err != nil {
			mapErr.Failures = append(mapErr.Failures, ItemFailure{Index: i, Err: err})
		}
	}
	if len(mapErr.Failures) == 0 {
		return results, nil
	}

	return nil, schema.NewErrorf(schema.ErrCodeMapFailed, "list_map: %d of %d items failed",
		len(mapErr.Failures), len(items)).
		WithCause(mapErr).
		WithDetails(map[string]any{
			"failed":    len(mapErr.Failures),
			"succeeded": mapErr.Succeeded(),
		})
}

// mapItems accepts an array, or an object whose entries are visited in key order.
func mapItems(v any) ([]mapItem, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]mapItem, len(t))
		for i, item := range t {
			out[i] = mapItem{value: item}
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]mapItem, len(keys))
		for i, k := range keys {
			out[i] = mapItem{value: t[k], key: k}
		}
		return out, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeTypeMismatch, "items must be an array or object, got %T", v).
			WithPath("/items")
	}
}

// itemOverrides builds the per-item frame fields: the caller template first,
// then item and index, then the item's own id when it has one.
func itemOverrides(template map[string]any, item mapItem, index int) map[string]any {
	out := make(map[string]any, len(template)+4)
	for k, v := range template {
		out[k] = v
	}
	out["item"] = item.value
	out["index"] = index
	if item.key != "" {
		out["key"] = item.key
		out[scope.KeyID] = item.key
	}
	if obj, ok := item.value.(map[string]any); ok {
		if id, ok := obj[scope.KeyID]; ok && id != nil {
			out[scope.KeyID] = cast.ToString(id)
		}
	}
	return out
}

// AsMapError extracts a *MapError from err's chain.
func AsMapError(err error) (*MapError, bool) {
	var me *MapError
	ok := errors.As(err, &me)
	return me, ok
}
