package expressions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"
	"github.com/rendis/actseq/pkg/schema"
)

// ScriptEngine implements Engine with goja, an ECMAScript 5.1 interpreter.
// Sources are wrapped in a function body so scripts use "return" for their
// result. Programs are compiled once and cached; every evaluation gets a fresh
// runtime since goja runtimes are not goroutine-safe.
type ScriptEngine struct {
	programs *programCache[*goja.Program]
}

func NewScriptEngine() *ScriptEngine {
	return &ScriptEngine{programs: newProgramCache(compileScript)}
}

func (e *ScriptEngine) Name() string { return "script" }

// Evaluate runs a script with each data key bound as a global. The result is
// converted to the JSON data model. Cancelling ctx interrupts the script.
func (e *ScriptEngine) Evaluate(ctx context.Context, source string, data map[string]any) (any, error) {
	if source == "" {
		return nil, emptySource("script")
	}

	prg, err := e.programs.get(source)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for k, v := range data {
		if err := vm.Set(k, v); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "bind script global %q", k).WithCause(err)
		}
	}

	ictx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ictx.Done()
		vm.Interrupt("interrupted")
	}()

	v, err := runProgram(vm, prg)
	if err != nil {
		if _, ok := err.(*goja.InterruptedError); ok && ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "script interrupted").WithCause(ctx.Err())
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "script failed: %s", err.Error()).WithCause(err)
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return canonicalize(v.Export())
}

func compileScript(src string) (*goja.Program, error) {
	prg, err := goja.Compile("", fmt.Sprintf("(function() {\n%s\n}());\n", src), true)
	if err != nil {
		return nil, compileErr("script", src, err)
	}
	return prg, nil
}

// runProgram turns panics raised by host callbacks into errors.
func runProgram(vm *goja.Runtime, prg *goja.Program) (v goja.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return vm.RunProgram(prg)
}

// canonicalize converts exported goja values (int64, map[string]interface{}, ...)
// into the JSON data model used by the store.
func canonicalize(x any) (any, error) {
	b, err := json.Marshal(x)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTypeMismatch, "script result is not JSON-compatible").WithCause(err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Engine = (*ScriptEngine)(nil)
