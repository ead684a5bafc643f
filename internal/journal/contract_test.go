package journal

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/actseq/internal/state"
	"github.com/rendis/actseq/pkg/schema"
)

func commitEvent(t *testing.T, collection, id string, value any, version int64) *schema.Event {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"value": value, "version": version, "method": "set"})
	require.NoError(t, err)
	return &schema.Event{
		Collection: collection,
		EntryID:    id,
		Type:       schema.EventEntryCommitted,
		Payload:    payload,
	}
}

func intPtr(i int) *int { return &i }

// runContract exercises the behavior every Journal backend shares.
func runContract(t *testing.T, newJournal func(t *testing.T) Journal) {
	t.Run("SequencePerStream", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()

		var got []int64
		for _, exec := range []string{"e1", "e2", "e1", "e1", "e2"} {
			e := &schema.Event{ExecutionID: exec, SequenceID: "s", Type: schema.EventBlockCompleted}
			require.NoError(t, j.AppendEvent(ctx, e))
			assert.NotZero(t, e.ID)
			assert.False(t, e.Timestamp.IsZero())
			got = append(got, e.Sequence)
		}
		assert.Equal(t, []int64{1, 1, 2, 3, 2}, got)

		events, err := j.Events(ctx, EventFilter{ExecutionID: "e1"})
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
			assert.Equal(t, "e1", e.ExecutionID)
		}
	})

	t.Run("Filters", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()

		require.NoError(t, j.AppendEvent(ctx, &schema.Event{ExecutionID: "x", SequenceID: "a", Type: schema.EventExecutionStarted}))
		require.NoError(t, j.AppendEvent(ctx, &schema.Event{ExecutionID: "x", SequenceID: "a", Type: schema.EventBlockFailed, Block: intPtr(2), Payload: json.RawMessage(`{"code":"EXECUTION_ERROR"}`)}))
		require.NoError(t, j.AppendEvent(ctx, &schema.Event{ExecutionID: "x", SequenceID: "a", Type: schema.EventExecutionFailed}))
		require.NoError(t, j.AppendEvent(ctx, commitEvent(t, "app/todos", "t1", map[string]any{"title": "a"}, 1)))

		failed, err := j.Events(ctx, EventFilter{Types: []string{schema.EventBlockFailed}})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		require.NotNil(t, failed[0].Block)
		assert.Equal(t, 2, *failed[0].Block)
		assert.JSONEq(t, `{"code":"EXECUTION_ERROR"}`, string(failed[0].Payload))

		commits, err := j.Events(ctx, EventFilter{Collection: "app/todos", EntryID: "t1"})
		require.NoError(t, err)
		require.Len(t, commits, 1)
		assert.Equal(t, int64(1), commits[0].Sequence)

		all, err := j.Events(ctx, EventFilter{})
		require.NoError(t, err)
		require.Len(t, all, 4)

		after, err := j.Events(ctx, EventFilter{AfterID: all[1].ID, Limit: 1})
		require.NoError(t, err)
		require.Len(t, after, 1)
		assert.Equal(t, schema.EventExecutionFailed, after[0].Type)
	})

	t.Run("LatestKeepsNewestVersion", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()

		require.NoError(t, j.AppendEvent(ctx, commitEvent(t, "app/todos", "t1", map[string]any{"title": "v1"}, 1)))
		require.NoError(t, j.AppendEvent(ctx, commitEvent(t, "app/todos", "t1", map[string]any{"title": "v2"}, 2)))
		require.NoError(t, j.AppendEvent(ctx, commitEvent(t, "app/todos", "t1", map[string]any{"title": "stale"}, 1)))
		require.NoError(t, j.AppendEvent(ctx, commitEvent(t, "action/variables", "count", 3, 1)))

		latest, err := j.Latest(ctx)
		require.NoError(t, err)
		require.Len(t, latest, 2)
		assert.Equal(t, "action/variables", latest[0].Collection)
		assert.JSONEq(t, `3`, string(latest[0].Value))
		assert.Equal(t, "t1", latest[1].ID)
		assert.Equal(t, int64(2), latest[1].Version)
		assert.JSONEq(t, `{"title":"v2"}`, string(latest[1].Value))
	})

	t.Run("Restore", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()

		require.NoError(t, j.AppendEvent(ctx, commitEvent(t, "app/todos", "t1", map[string]any{"title": "milk"}, 3)))
		require.NoError(t, j.AppendEvent(ctx, commitEvent(t, "app/todos", "t2", map[string]any{"done": true}, 1)))
		require.NoError(t, j.AppendEvent(ctx, commitEvent(t, "app/unknown", "x", 1, 1)))

		s := newTodoStore(t)
		fired := 0
		require.NoError(t, s.AddListener(schema.Listener{Name: "app/todos", ID: schema.Wildcard, Handler: "noop"}))
		s.SetDispatcher(state.DispatcherFunc(func(context.Context, schema.Listener, state.Commit) error {
			fired++
			return nil
		}))

		res, err := Restore(ctx, j, s)
		require.Error(t, err, "t2 lacks the required title")
		assert.Equal(t, RestoreResult{Loaded: 1, Skipped: 1}, res)
		assert.Zero(t, fired)

		e, ok, err := s.GetEntry("app/todos", "t1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(3), e.Version)
		assert.Equal(t, map[string]any{"title": "milk"}, e.Value)
	})

	t.Run("RestoreSkipsCollections", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()

		require.NoError(t, j.AppendEvent(ctx, commitEvent(t, "app/todos", "t1", map[string]any{"title": "milk"}, 1)))

		s := newTodoStore(t)
		res, err := Restore(ctx, j, s, SkipCollections("app/todos"))
		require.NoError(t, err)
		assert.Equal(t, RestoreResult{Skipped: 1}, res)
		assert.False(t, s.Has("app/todos", "t1"))
	})
}

func newTodoStore(t *testing.T) *state.Store {
	t.Helper()
	s := state.New(state.Config{})
	require.NoError(t, s.DefineCollection("app/todos", &schema.TypeDescriptor{
		Type: schema.TypeCollection,
		Items: &schema.TypeDescriptor{
			Type:     schema.TypeObject,
			Required: []string{"title"},
			Properties: map[string]*schema.TypeDescriptor{
				"title": {Type: schema.TypeString},
				"done":  {Type: schema.TypeBoolean},
			},
		},
	}, nil))
	return s
}
