package operators

import (
	"context"
	"encoding/json"

	"github.com/rendis/actseq/internal/scope"
	"github.com/rendis/actseq/pkg/schema"
)

// Builtin operator names.
const (
	OpStateGetValue       = "state_getValue"
	OpStateSetValue       = "state_setValue"
	OpStateAddListener    = "state_addListener"
	OpStateRemoveListener = "state_removeListener"
	OpVariableGetValue    = "variable_getValue"
	OpVariableSetValue    = "variable_setValue"
	OpContextGetValue     = "context_getValue"
	OpListMap             = "list_map"
	OpActionDispatch      = "action_dispatch"
	OpFetchGetAll         = "fetch_getAll"
	OpExprEvaluate        = "expr_evaluate"
	OpJQQuery             = "jq_query"
	OpLogicIf             = "logic_if"
	OpScriptEvaluate      = "script_evaluate"
)

const idSchema = `{"type": ["string", "number"]}`

type stateGetValue struct{}

func (stateGetValue) Name() string { return OpStateGetValue }

func (stateGetValue) Schema() OperatorSchema {
	return OperatorSchema{
		Description: "Read an entry, or every entry of a collection when id is omitted",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["name"],
			"properties": {
				"name": {"type": "string", "minLength": 1},
				"id": ` + idSchema + `
			}
		}`),
	}
}

func (stateGetValue) Invoke(ctx context.Context, call *Call) (any, error) {
	name, err := call.String("name")
	if err != nil {
		return nil, err
	}
	id, err := call.OptString("id", "")
	if err != nil {
		return nil, err
	}
	return call.Store.Get(name, id)
}

type stateSetValue struct{}

func (stateSetValue) Name() string { return OpStateSetValue }

func (stateSetValue) Schema() OperatorSchema {
	return OperatorSchema{
		Description: "Validate and commit a value; returns the committed {id, value, listenerErrors?}",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["name", "value"],
			"properties": {
				"name": {"type": "string", "minLength": 1},
				"value": {},
				"options": {
					"type": "object",
					"properties": {
						"id": ` + idSchema + `,
						"merge": {"type": "boolean"},
						"replace": {"type": "boolean"},
						"update": {
							"type": "object",
							"properties": {"method": {"type": "string"}}
						}
					},
					"additionalProperties": false
				}
			}
		}`),
	}
}

func (stateSetValue) Invoke(ctx context.Context, call *Call) (any, error) {
	name, err := call.String("name")
	if err != nil {
		return nil, err
	}
	var opts schema.WriteOptions
	if err := call.Decode("options", &opts); err != nil {
		return nil, err
	}
	value, _ := call.Value("value")

	commit, err := call.Store.Set(ctx, name, value, opts)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"id": commit.ID, "value": commit.Value}
	if len(commit.ListenerErrors) > 0 {
		out["listenerErrors"] = listenerErrors(commit.ListenerErrors)
	}
	return out, nil
}

// listenerErrors keeps a failed listener visible to the writing sequence
// without failing its block.
func listenerErrors(errs []*schema.Error) []any {
	out := make([]any, len(errs))
	for i, e := range errs {
		out[i] = map[string]any{"code": e.Code, "message": e.Message}
	}
	return out
}

const listenerSchema = `{
	"type": "object",
	"required": ["name", "handler"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"id": ` + idSchema + `,
		"handler": {"type": "string", "minLength": 1}
	}
}`

func listenerFromArgs(call *Call) (schema.Listener, error) {
	name, err := call.String("name")
	if err != nil {
		return schema.Listener{}, err
	}
	id, err := call.OptString("id", schema.Wildcard)
	if err != nil {
		return schema.Listener{}, err
	}
	handler, err := call.String("handler")
	if err != nil {
		return schema.Listener{}, err
	}
	return schema.Listener{Name: name, ID: id, Handler: handler}, nil
}

type stateAddListener struct{}

func (stateAddListener) Name() string { return OpStateAddListener }

func (stateAddListener) Schema() OperatorSchema {
	return OperatorSchema{
		Description: "Run handler after every committed write to name/id; the current context is captured",
		InputSchema: json.RawMessage(listenerSchema),
	}
}

func (stateAddListener) Invoke(ctx context.Context, call *Call) (any, error) {
	l, err := listenerFromArgs(call)
	if err != nil {
		return nil, err
	}
	l.Context = listenerContext(call.Frame)
	if err := call.Store.AddListener(l); err != nil {
		return nil, err
	}
	return true, nil
}

// listenerContext captures the addressable fields of the registering frame.
func listenerContext(f *scope.Frame) map[string]any {
	out := map[string]any{}
	for _, k := range []string{scope.KeyID, scope.KeyParentID, scope.KeyGroupID, scope.KeyRootID} {
		if v, ok := f.Lookup(k); ok {
			out[k] = v
		}
	}
	return out
}

type stateRemoveListener struct{}

func (stateRemoveListener) Name() string { return OpStateRemoveListener }

func (stateRemoveListener) Schema() OperatorSchema {
	return OperatorSchema{
		Description: "Unregister a listener; returns whether it was registered",
		InputSchema: json.RawMessage(listenerSchema),
	}
}

func (stateRemoveListener) Invoke(ctx context.Context, call *Call) (any, error) {
	l, err := listenerFromArgs(call)
	if err != nil {
		return nil, err
	}
	return call.Store.RemoveListener(l), nil
}
