package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/actseq/internal/app"
	"github.com/rendis/actseq/internal/journal"
	"github.com/rendis/actseq/internal/streaming"
	"github.com/rendis/actseq/pkg/schema"
)

const bumpYAML = `
- state_getValue: {name: app/counter, id: main}
- expr_evaluate: {expression: "value + 1", data: {value: {$ref: 0}}}
- state_setValue: {name: app/counter, value: {$ref: 1}, options: {id: main}}
`

// --- Helpers ---

func newTestApp(t *testing.T, j journal.Journal) *app.App {
	t.Helper()
	a, err := app.New(app.Options{Journal: j})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.Store.DefineCollection("app/counter", &schema.TypeDescriptor{Type: schema.TypeNumber}, 0))
	return a
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func decodeResult(t *testing.T, result *mcp.CallToolResult, out any) {
	t.Helper()
	require.False(t, result.IsError, resultText(t, result))
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), out))
}

func defineBump(t *testing.T, s *Server) {
	t.Helper()
	result, err := s.handleDefine(context.Background(), buildRequest("actseq.define", map[string]any{
		"id":         "counter/bump",
		"definition": bumpYAML,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
}

type notification struct {
	sessionID string
	payload   map[string]any
}

type fakeNotifier struct {
	mu  sync.Mutex
	out chan notification
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{out: make(chan notification, 16)}
}

func (n *fakeNotifier) Notify(_ context.Context, sessionID string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.out <- notification{sessionID: sessionID, payload: payload}
	return nil
}

// --- Tests ---

func TestCompileTool(t *testing.T) {
	s := NewServer(ServerDeps{App: newTestApp(t, nil)})

	result, err := s.handleCompile(context.Background(), buildRequest("actseq.compile", map[string]any{
		"definition": `[{"expr_evaluate": {"expression": "1 + 2"}}]`,
	}))
	require.NoError(t, err)

	var seq schema.Sequence
	decodeResult(t, result, &seq)
	assert.Equal(t, "inline", seq.ID)
	require.Len(t, seq.Blocks, 1)
	assert.Equal(t, "expr_evaluate", seq.Blocks[0].Operator)
	assert.False(t, s.app.Library.Has("inline"), "compile must not store the sequence")
}

func TestCompileToolErrors(t *testing.T) {
	s := NewServer(ServerDeps{App: newTestApp(t, nil)})
	ctx := context.Background()

	tests := []struct {
		name     string
		args     map[string]any
		contains string
	}{
		{"missing definition", map[string]any{}, "definition is required"},
		{"bad yaml", map[string]any{"definition": "[unclosed"}, "invalid definition"},
		{"empty", map[string]any{"definition": ""}, "definition is empty"},
		{"unknown operator", map[string]any{"definition": "- no_such_op: {}"}, schema.ErrCodeUnknownOperator},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := s.handleCompile(ctx, buildRequest("actseq.compile", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tc.contains)
		})
	}
}

func TestDefineExecuteDecompile(t *testing.T) {
	s := NewServer(ServerDeps{App: newTestApp(t, nil)})
	ctx := context.Background()
	defineBump(t, s)

	result, err := s.handleExecute(ctx, buildRequest("actseq.execute", map[string]any{"id": "counter/bump"}))
	require.NoError(t, err)
	var res struct {
		ExecutionID string `json:"execution_id"`
		Status      string `json:"status"`
	}
	decodeResult(t, result, &res)
	assert.Equal(t, string(schema.ExecutionCompleted), res.Status)
	assert.NotEmpty(t, res.ExecutionID)

	v, err := s.app.Store.Get("app/counter", "main")
	require.NoError(t, err)
	assert.Equal(t, float64(1), v)

	result, err = s.handleDecompile(ctx, buildRequest("actseq.decompile", map[string]any{"id": "counter/bump"}))
	require.NoError(t, err)
	var src []map[string]any
	decodeResult(t, result, &src)
	require.Len(t, src, 3)
	assert.Contains(t, src[0], "state_getValue")

	result, err = s.handleList(ctx, buildRequest("actseq.list", nil))
	require.NoError(t, err)
	var list struct {
		Sequences []schema.SequenceRecord `json:"sequences"`
	}
	decodeResult(t, result, &list)
	require.Len(t, list.Sequences, 1)
	assert.Equal(t, "counter/bump", list.Sequences[0].ID)
}

func TestExecuteToolFailure(t *testing.T) {
	s := NewServer(ServerDeps{App: newTestApp(t, nil)})

	result, err := s.handleExecute(context.Background(), buildRequest("actseq.execute", map[string]any{"id": "missing"}))
	require.NoError(t, err)

	var res struct {
		Status string        `json:"status"`
		Error  *schema.Error `json:"error"`
	}
	decodeResult(t, result, &res)
	assert.Equal(t, string(schema.ExecutionFailed), res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeNotFound, res.Error.Code)
}

func TestExecuteToolContext(t *testing.T) {
	s := NewServer(ServerDeps{App: newTestApp(t, nil)})
	ctx := context.Background()

	_, err := s.handleDefine(ctx, buildRequest("actseq.define", map[string]any{
		"id":         "echo",
		"definition": `[{"context_getValue": {"key": "who"}}]`,
	}))
	require.NoError(t, err)

	result, err := s.handleExecute(ctx, buildRequest("actseq.execute", map[string]any{
		"id":      "echo",
		"context": map[string]any{"who": "ada"},
	}))
	require.NoError(t, err)
	var res struct {
		Value any `json:"value"`
	}
	decodeResult(t, result, &res)
	assert.Equal(t, "ada", res.Value)
}

func TestStatusToolNotRunning(t *testing.T) {
	s := NewServer(ServerDeps{App: newTestApp(t, nil)})

	result, err := s.handleStatus(context.Background(), buildRequest("actseq.status", map[string]any{"execution_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not running")
}

func TestSetAndGetTools(t *testing.T) {
	s := NewServer(ServerDeps{App: newTestApp(t, nil)})
	ctx := context.Background()

	result, err := s.handleSet(ctx, buildRequest("actseq.set", map[string]any{
		"collection": "app/counter",
		"id":         "main",
		"value":      "41",
	}))
	require.NoError(t, err)
	var commit struct {
		ID      string `json:"id"`
		Version int64  `json:"version"`
	}
	decodeResult(t, result, &commit)
	assert.Equal(t, "main", commit.ID)
	assert.Equal(t, int64(1), commit.Version)

	result, err = s.handleGet(ctx, buildRequest("actseq.get", map[string]any{"collection": "app/counter", "id": "main"}))
	require.NoError(t, err)
	var entry struct {
		Value   any   `json:"value"`
		Version int64 `json:"version"`
	}
	decodeResult(t, result, &entry)
	assert.Equal(t, float64(41), entry.Value)

	result, err = s.handleGet(ctx, buildRequest("actseq.get", map[string]any{"collection": "app/counter"}))
	require.NoError(t, err)
	var all struct {
		Entries []map[string]any `json:"entries"`
	}
	decodeResult(t, result, &all)
	assert.Len(t, all.Entries, 1)
}

func TestSetToolErrors(t *testing.T) {
	s := NewServer(ServerDeps{App: newTestApp(t, nil)})
	ctx := context.Background()

	tests := []struct {
		name     string
		args     map[string]any
		contains string
	}{
		{"missing collection", map[string]any{"value": "1"}, "collection is required"},
		{"bad json", map[string]any{"collection": "app/counter", "value": "{"}, "not valid JSON"},
		{"bad method", map[string]any{"collection": "app/counter", "value": "1", "method": "upsert"}, "method must be"},
		{"schema mismatch", map[string]any{"collection": "app/counter", "value": `"x"`}, schema.ErrCodeValidation},
		{"unknown collection", map[string]any{"collection": "app/none", "value": "1"}, schema.ErrCodeNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := s.handleSet(ctx, buildRequest("actseq.set", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tc.contains)
		})
	}
}

func TestGetToolNotFound(t *testing.T) {
	s := NewServer(ServerDeps{App: newTestApp(t, nil)})

	result, err := s.handleGet(context.Background(), buildRequest("actseq.get", map[string]any{"collection": "app/counter", "id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), schema.ErrCodeNotFound)
}

func TestEventsAndGraphWithJournal(t *testing.T) {
	ctx := context.Background()
	j, err := journal.OpenLibSQL(ctx, filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	s := NewServer(ServerDeps{App: newTestApp(t, j)})
	defineBump(t, s)

	res, err := s.app.Interpreter.Execute(ctx, "counter/bump", nil)
	require.NoError(t, err)

	result, err := s.handleEvents(ctx, buildRequest("actseq.events", map[string]any{
		"execution_id": res.ExecutionID,
		"types":        []any{schema.EventBlockCompleted},
	}))
	require.NoError(t, err)
	var events struct {
		Events []schema.Event `json:"events"`
	}
	decodeResult(t, result, &events)
	assert.Len(t, events.Events, 3)

	result, err = s.handleGraph(ctx, buildRequest("actseq.graph", map[string]any{
		"id":           "counter/bump",
		"format":       "mermaid",
		"execution_id": res.ExecutionID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	out := resultText(t, result)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "class counter_bump_0 completed")
}

func TestEventsToolWithoutJournal(t *testing.T) {
	s := NewServer(ServerDeps{App: newTestApp(t, nil)})

	result, err := s.handleEvents(context.Background(), buildRequest("actseq.events", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "no journal")
}

func TestGraphToolErrors(t *testing.T) {
	s := NewServer(ServerDeps{App: newTestApp(t, nil)})
	ctx := context.Background()
	defineBump(t, s)

	tests := []struct {
		name     string
		args     map[string]any
		contains string
	}{
		{"bad format", map[string]any{"id": "counter/bump", "format": "ascii"}, "format must be"},
		{"unknown sequence", map[string]any{"id": "missing", "format": "mermaid"}, schema.ErrCodeNotFound},
		{"overlay without journal", map[string]any{"id": "counter/bump", "format": "mermaid", "execution_id": "x"}, "needs a journal"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := s.handleGraph(ctx, buildRequest("actseq.graph", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tc.contains)
		})
	}
}

func TestWatchForwardsEvents(t *testing.T) {
	n := newFakeNotifier()
	s := NewServer(ServerDeps{App: newTestApp(t, nil), Notifier: n})
	ctx := context.Background()

	watchID, err := s.watch(ctx, "session-1", streaming.Filter{Collection: "app/counter"})
	require.NoError(t, err)
	assert.Equal(t, []string{watchID}, s.sessions.Watches("session-1"))

	_, err = s.app.Store.Set(ctx, "app/counter", 5, schema.WriteOptions{ID: "main"})
	require.NoError(t, err)

	select {
	case got := <-n.out:
		assert.Equal(t, "session-1", got.sessionID)
		data := got.payload["data"].(map[string]any)
		assert.Equal(t, watchID, data["watch_id"])
		e := data["event"].(schema.Event)
		assert.Equal(t, schema.EventEntryCommitted, e.Type)
		assert.Equal(t, "main", e.EntryID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}

	s.sessions.Remove("session-1")
	assert.Equal(t, 0, s.app.Hub.Subscribers())
}

func TestWatchToolsRequireSession(t *testing.T) {
	s := NewServer(ServerDeps{App: newTestApp(t, nil), Notifier: newFakeNotifier()})
	ctx := context.Background()

	result, err := s.handleWatch(ctx, buildRequest("actseq.watch", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleUnwatch(ctx, buildRequest("actseq.unwatch", map[string]any{"watch_id": "w1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
