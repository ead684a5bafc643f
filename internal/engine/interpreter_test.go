package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/rendis/actseq/internal/compiler"
	"github.com/rendis/actseq/internal/operators"
	"github.com/rendis/actseq/internal/scope"
	"github.com/rendis/actseq/internal/state"
	"github.com/rendis/actseq/pkg/schema"
)

type harness struct {
	store    *state.Store
	registry *operators.Registry
	library  *Library
	interp   *Interpreter
	events   *mockAppender

	mu       sync.Mutex
	recorded []string
	frames   []map[string]any
}

func newHarness(t *testing.T, deps operators.Deps, cfg Config) *harness {
	t.Helper()
	h := &harness{events: &mockAppender{}}

	h.store = state.New(state.Config{})
	require.NoError(t, DefineReserved(h.store))
	require.NoError(t, h.store.DefineCollection("c/items", &schema.TypeDescriptor{
		Type: schema.TypeCollection,
		Items: &schema.TypeDescriptor{
			Type:       schema.TypeObject,
			Properties: map[string]*schema.TypeDescriptor{"v": {Type: schema.TypeNumber}},
		},
	}, nil))
	require.NoError(t, h.store.DefineCollection("c/log", &schema.TypeDescriptor{Type: schema.TypeAny}, nil))

	h.registry = operators.NewRegistry(nil)
	require.NoError(t, operators.RegisterBuiltins(h.registry, deps))
	require.NoError(t, h.registry.Register(operators.NewFunc("test_record", func(ctx context.Context, call *operators.Call) (any, error) {
		tag, err := call.String("tag")
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.recorded = append(h.recorded, tag)
		h.mu.Unlock()
		return tag, nil
	})))
	require.NoError(t, h.registry.Register(operators.NewFunc("test_frame", func(ctx context.Context, call *operators.Call) (any, error) {
		f := call.Frame.Flatten()
		h.mu.Lock()
		h.frames = append(h.frames, f)
		h.mu.Unlock()
		return f, nil
	})))
	h.registry.Seal()

	h.library = NewLibrary(h.store, compiler.New(h.registry))
	cfg.Appender = h.events
	h.interp = NewInterpreter(h.store, h.registry, h.library, cfg)
	h.store.SetDispatcher(h.interp)
	return h
}

func (h *harness) define(t *testing.T, id, src string) {
	t.Helper()
	var def any
	require.NoError(t, yaml.Unmarshal([]byte(src), &def))
	_, err := h.library.Define(context.Background(), id, def)
	require.NoError(t, err)
}

func (h *harness) record() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.recorded...)
}

func TestExecute_EndToEnd(t *testing.T) {
	h := newHarness(t, operators.Deps{}, Config{})
	h.define(t, "save", `
- state_setValue: {name: c/items, value: {v: 1}, options: {id: e1}}
- variable_getValue: {key: theme, groupId: g, default: dark}
`)

	res, err := h.interp.Execute(context.Background(), "save", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, "dark", res.Value)
	require.Len(t, res.Results, 2)
	assert.Equal(t, res.Results[1], res.Value)
	assert.NotEmpty(t, res.ExecutionID)

	got, err := h.store.Get("c/items", "e1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": float64(1)}, got)

	var types []string
	for _, e := range h.events.Events() {
		if e.ExecutionID == res.ExecutionID {
			types = append(types, e.Type)
		}
	}
	assert.Equal(t, []string{
		schema.EventExecutionStarted,
		schema.EventBlockCompleted,
		schema.EventBlockCompleted,
		schema.EventExecutionCompleted,
	}, types)

	_, running := h.interp.Status(res.ExecutionID)
	assert.False(t, running)
}

func TestExecute_References(t *testing.T) {
	h := newHarness(t, operators.Deps{}, Config{})
	h.define(t, "calc", `
- expr_evaluate: {expression: "2 + 3"}
- expr_evaluate:
    expression: x * 2
    data: {x: {$ref: 0}}
`)

	res, err := h.interp.Execute(context.Background(), "calc", nil)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Value)
}

func TestExecute_NestedBlocksFeedParents(t *testing.T) {
	h := newHarness(t, operators.Deps{}, Config{})
	h.define(t, "nested", `
- state_setValue:
    name: c/items
    options: {id: n1}
    value:
      v:
        expr_evaluate: {expression: "price * 2"}
`)

	res, err := h.interp.Execute(context.Background(), "nested", scope.New(map[string]any{"price": 4}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "n1", "value": map[string]any{"v": float64(8)}}, res.Value)
}

func TestExecute_ContextInheritance(t *testing.T) {
	h := newHarness(t, operators.Deps{}, Config{})
	h.define(t, "B", `[{test_frame: {}}]`)
	h.define(t, "A", `[{action_dispatch: {action: B, context: {id: b}}}]`)

	res, err := h.interp.Execute(context.Background(), "A", scope.New(map[string]any{"id": "a", "groupId": "g"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "b", "groupId": "g"}, res.Value)
}

func TestExecute_ListMap(t *testing.T) {
	for _, concurrent := range []bool{false, true} {
		t.Run(map[bool]string{false: "sequential", true: "concurrent"}[concurrent], func(t *testing.T) {
			h := newHarness(t, operators.Deps{PoolSize: 4}, Config{})
			src := `
- list_map:
    items: [{id: 1}, {id: 2}]
    action:
      - expr_evaluate: {expression: "item.id * 10"}
`
			if concurrent {
				src += "    concurrent: true\n"
			}
			h.define(t, "times10", src)

			res, err := h.interp.Execute(context.Background(), "times10", nil)
			require.NoError(t, err)
			assert.Equal(t, []any{float64(10), float64(20)}, res.Value)
		})
	}
}

func TestExecute_ListMapFailures(t *testing.T) {
	h := newHarness(t, operators.Deps{}, Config{})
	h.define(t, "pick", `
- list_map:
    items: [a, b]
    action:
      - context_getValue: {key: item}
      - context_getValue: {key: missing}
`)

	res, err := h.interp.Execute(context.Background(), "pick", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeMapFailed, res.Error.Code)
	assert.Equal(t, "pick", res.Error.SequenceID)

	me, ok := operators.AsMapError(err)
	require.True(t, ok)
	require.Len(t, me.Failures, 2)
	be := Innermost(me.Failures[0].Err)
	require.NotNil(t, be)
	assert.Equal(t, 1, be.Block)
	assert.Equal(t, "pick/0.action", be.SequenceID)
}

func TestExecute_LogicIf(t *testing.T) {
	h := newHarness(t, operators.Deps{}, Config{})
	h.define(t, "gate", `
- logic_if:
    condition: context.role == "admin"
    then:
      - test_record: {tag: allowed}
    else:
      - test_record: {tag: denied}
`)

	res, err := h.interp.Execute(context.Background(), "gate", scope.New(map[string]any{"role": "admin"}))
	require.NoError(t, err)
	assert.Equal(t, "allowed", res.Value)

	_, err = h.interp.Execute(context.Background(), "gate", scope.New(map[string]any{"role": "guest"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"allowed", "denied"}, h.record())
}

func TestExecute_BlockFailure(t *testing.T) {
	h := newHarness(t, operators.Deps{}, Config{})
	h.define(t, "broken", `
- context_getValue: {key: id}
- context_getValue: {key: nope}
- test_record: {tag: never}
`)

	res, err := h.interp.Execute(context.Background(), "broken", scope.New(map[string]any{"id": "x"}))
	require.Error(t, err)

	var be *BlockError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1, be.Block)
	assert.Equal(t, "context_getValue", be.Operator)

	assert.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Equal(t, schema.ErrCodeUnboundContext, res.Error.Code)
	require.NotNil(t, res.Error.Block)
	assert.Equal(t, 1, *res.Error.Block)
	assert.Equal(t, "x", res.Results[0])
	assert.Nil(t, res.Value)
	assert.Empty(t, h.record())

	types := h.events.Types()
	assert.Contains(t, types, schema.EventBlockFailed)
	assert.Equal(t, schema.EventExecutionFailed, types[len(types)-1])
}

func TestExecute_NestedFailureLocation(t *testing.T) {
	h := newHarness(t, operators.Deps{}, Config{})
	h.define(t, "inner", `[{context_getValue: {key: nope}}]`)
	h.define(t, "outer", `
- test_record: {tag: start}
- action_dispatch: {action: inner}
`)

	res, err := h.interp.Execute(context.Background(), "outer", nil)
	require.Error(t, err)
	assert.Equal(t, "inner", res.Error.SequenceID)
	require.NotNil(t, res.Error.Block)
	assert.Equal(t, 0, *res.Error.Block)

	var outer *BlockError
	require.ErrorAs(t, err, &outer)
	assert.Equal(t, "outer", outer.SequenceID)
	assert.Equal(t, 1, outer.Block)
}

func TestExecute_RecursionLimit(t *testing.T) {
	h := newHarness(t, operators.Deps{}, Config{MaxDepth: 5})
	h.define(t, "loop", `[{action_dispatch: {action: loop}}]`)

	res, err := h.interp.Execute(context.Background(), "loop", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeRecursionLimit))
	assert.Equal(t, schema.ErrCodeRecursionLimit, res.Error.Code)

	_, err = h.interp.Execute(WithDepth(context.Background(), 6), "loop", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeRecursionLimit))
}

func TestExecute_UnknownSequence(t *testing.T) {
	h := newHarness(t, operators.Deps{}, Config{})
	res, err := h.interp.Execute(context.Background(), "ghost", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Equal(t, schema.ErrCodeNotFound, res.Error.Code)
}

func TestExecute_Cancelled(t *testing.T) {
	h := newHarness(t, operators.Deps{}, Config{})
	h.define(t, "s", `[{test_record: {tag: a}}]`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.interp.Execute(ctx, "s", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCancelled, res.Error.Code)
	assert.Empty(t, h.record())
}

func TestListeners_RunInRegistrationOrder(t *testing.T) {
	h := newHarness(t, operators.Deps{}, Config{})
	h.define(t, "L1", `
- test_record: {tag: l1-start}
- state_setValue: {name: c/log, value: x, options: {id: z}}
- test_record: {tag: l1-end}
`)
	h.define(t, "L2", `[{test_record: {tag: l2}}]`)
	h.define(t, "onLog", `[{test_record: {tag: nested}}]`)
	h.define(t, "write", `[{state_setValue: {name: c/items, value: {v: 2}, options: {id: e}}}]`)

	require.NoError(t, h.store.AddListener(schema.Listener{Name: "c/items", ID: "e", Handler: "L1"}))
	require.NoError(t, h.store.AddListener(schema.Listener{Name: "c/items", ID: "*", Handler: "L2"}))
	require.NoError(t, h.store.AddListener(schema.Listener{Name: "c/log", Handler: "onLog"}))

	_, err := h.interp.Execute(context.Background(), "write", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"l1-start", "nested", "l1-end", "l2"}, h.record())
}

func TestListeners_FrameCarriesCapturedContext(t *testing.T) {
	h := newHarness(t, operators.Deps{}, Config{})
	h.define(t, "watch", `[{state_addListener: {name: c/items, handler: seen}}]`)
	h.define(t, "seen", `[{test_frame: {}}]`)

	_, err := h.interp.Execute(context.Background(), "watch", scope.New(map[string]any{"id": "row-1", "groupId": "g", "local": 1}))
	require.NoError(t, err)

	commit, err := h.store.Set(context.Background(), "c/items", map[string]any{"v": 3}, schema.WriteOptions{ID: "e9"})
	require.NoError(t, err)
	assert.Empty(t, commit.ListenerErrors)

	require.Len(t, h.frames, 1)
	assert.Equal(t, map[string]any{
		"id":         "e9",
		"parentId":   "row-1",
		"groupId":    "g",
		"value":      map[string]any{"v": float64(3)},
		"previous":   nil,
		"collection": "c/items",
	}, h.frames[0])
}

func TestListeners_ReentrancyIsBounded(t *testing.T) {
	h := newHarness(t, operators.Deps{}, Config{MaxDepth: 3})
	h.define(t, "start", `[{state_setValue: {name: c/log, value: 1, options: {id: e}}}]`)
	h.define(t, "bump", `
- state_setValue:
    name: c/log
    options: {id: e}
    value: {context_getValue: {key: value}}
`)
	require.NoError(t, h.store.AddListener(schema.Listener{Name: "c/log", ID: "e", Handler: "bump"}))

	_, err := h.interp.Execute(context.Background(), "start", nil)
	require.NoError(t, err, "listener failures never fail the writer")

	e, ok, err := h.store.GetEntry("c/log", "e")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4), e.Version)

	var failed []*schema.Event
	for _, ev := range h.events.Events() {
		if ev.Type == schema.EventListenerFailed {
			failed = append(failed, ev)
		}
	}
	require.NotEmpty(t, failed)
	assert.Contains(t, string(failed[0].Payload), schema.ErrCodeRecursionLimit)
}

func TestExecute_SuspendsOnFetch(t *testing.T) {
	release := make(chan struct{})
	fetcher := operators.FetcherFunc(func(ctx context.Context, source string) ([]any, error) {
		select {
		case <-release:
			return []any{"u1", "u2"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	h := newHarness(t, operators.Deps{Fetcher: fetcher}, Config{})
	h.define(t, "load", `
- test_record: {tag: before}
- fetch_getAll: {source: remote/users}
- jq_query: {query: length, input: {$ref: 1}}
`)

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.interp.Execute(context.Background(), "load", nil)
		done <- outcome{res, err}
	}()

	var execID string
	require.Eventually(t, func() bool {
		ids := h.interp.Running()
		if len(ids) != 1 {
			return false
		}
		execID = ids[0]
		snap, ok := h.interp.Status(execID)
		return ok && snap.Status == schema.ExecutionSuspended && snap.Block == 1
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, execID, out.res.ExecutionID)
	assert.EqualValues(t, 2, out.res.Value)
	assert.Equal(t, []string{"before"}, h.record(), "blocks before the suspension run once")

	types := h.events.Types()
	assert.Contains(t, types, schema.EventExecutionSuspended)
	assert.Contains(t, types, schema.EventExecutionResumed)
}

func TestExecute_ConcurrentExecutions(t *testing.T) {
	h := newHarness(t, operators.Deps{}, Config{})
	h.define(t, "inc", `[{state_setValue: {name: c/log, value: 1, options: {update: {method: push}, id: list}}}]`)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.interp.Execute(context.Background(), "inc", nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	v, err := h.store.Get("c/log", "list")
	require.NoError(t, err)
	assert.Len(t, v, 20)
}

func TestStatus_Unknown(t *testing.T) {
	h := newHarness(t, operators.Deps{}, Config{})
	_, ok := h.interp.Status("nope")
	assert.False(t, ok)
	assert.Empty(t, h.interp.Running())
}

func TestCommitEvents(t *testing.T) {
	h := newHarness(t, operators.Deps{}, Config{})
	app := &mockAppender{}
	h.store.Observe(CommitEvents(app))

	_, err := h.store.Set(context.Background(), "c/items", map[string]any{"v": 1}, schema.WriteOptions{ID: "a"})
	require.NoError(t, err)

	events := app.Events()
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventEntryCommitted, events[0].Type)
	assert.Equal(t, "c/items", events[0].Collection)
	assert.Equal(t, "a", events[0].EntryID)
	assert.JSONEq(t, `{"value":{"v":1},"version":1,"method":"replace"}`, string(events[0].Payload))
}
