package operators

import (
	"context"
	"encoding/json"

	"github.com/rendis/actseq/internal/scope"
	"github.com/rendis/actseq/pkg/schema"
)

// Variables are stored per groupId in the action/variables collection, so
// executions sharing a groupId see each other's writes.

func groupID(call *Call) (string, error) {
	if g, err := call.OptString(scope.KeyGroupID, ""); err != nil || g != "" {
		return g, err
	}
	return call.Frame.String(scope.KeyGroupID)
}

type variableGetValue struct{}

func (variableGetValue) Name() string { return OpVariableGetValue }

func (variableGetValue) Schema() OperatorSchema {
	return OperatorSchema{
		Description: "Read a groupId-scoped variable, or all of them when key is omitted",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"key": {"type": "string"},
				"groupId": {"type": "string"},
				"default": {}
			}
		}`),
	}
}

func (variableGetValue) Invoke(ctx context.Context, call *Call) (any, error) {
	group, err := groupID(call)
	if err != nil {
		return nil, err
	}
	key, err := call.OptString("key", "")
	if err != nil {
		return nil, err
	}

	raw, err := call.Store.Get(schema.CollectionVariables, group)
	if err != nil {
		return nil, err
	}
	vars, _ := raw.(map[string]any)
	if key == "" {
		if vars == nil {
			vars = map[string]any{}
		}
		return vars, nil
	}
	if v, ok := vars[key]; ok {
		return v, nil
	}
	if def, ok := call.Value("default"); ok {
		return def, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "variable %q is not set for group %q", key, group).
		WithPath("/key")
}

type variableSetValue struct{}

func (variableSetValue) Name() string { return OpVariableSetValue }

func (variableSetValue) Schema() OperatorSchema {
	return OperatorSchema{
		Description: "Set a groupId-scoped variable; without key, value must be an object of variables",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["value"],
			"properties": {
				"key": {"type": "string", "minLength": 1},
				"groupId": {"type": "string"},
				"value": {}
			}
		}`),
	}
}

func (variableSetValue) Invoke(ctx context.Context, call *Call) (any, error) {
	group, err := groupID(call)
	if err != nil {
		return nil, err
	}
	key, err := call.OptString("key", "")
	if err != nil {
		return nil, err
	}
	value, _ := call.Value("value")

	patch := map[string]any{key: value}
	if key == "" {
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, schema.NewError(schema.ErrCodeTypeMismatch, "value must be an object when key is omitted").
				WithPath("/value")
		}
		patch = obj
	}

	if _, err := call.Store.Set(ctx, schema.CollectionVariables, patch, schema.WriteOptions{ID: group, Merge: true}); err != nil {
		return nil, err
	}
	return value, nil
}

type contextGetValue struct{}

func (contextGetValue) Name() string { return OpContextGetValue }

func (contextGetValue) Schema() OperatorSchema {
	return OperatorSchema{
		Description: "Resolve a context field such as id, groupId or item.id",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["key"],
			"properties": {"key": {"type": "string", "minLength": 1}}
		}`),
	}
}

func (contextGetValue) Invoke(ctx context.Context, call *Call) (any, error) {
	key, err := call.String("key")
	if err != nil {
		return nil, err
	}
	return call.Frame.Resolve(key)
}
