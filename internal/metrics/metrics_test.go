package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/actseq/internal/state"
	"github.com/rendis/actseq/pkg/schema"
)

func TestExecutionFinished(t *testing.T) {
	m := New()
	m.ExecutionFinished("todos/save", schema.ExecutionCompleted, 20*time.Millisecond)
	m.ExecutionFinished("todos/save", schema.ExecutionCompleted, 10*time.Millisecond)
	m.ExecutionFinished("todos/save", schema.ExecutionFailed, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.executions.WithLabelValues("todos/save", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("todos/save", "failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.executionDuration))
}

func TestBlockFinished_Codes(t *testing.T) {
	m := New()
	m.BlockFinished("state_setValue", nil, time.Millisecond)
	m.BlockFinished("state_setValue", schema.NewError(schema.ErrCodeValidation, "bad"), time.Millisecond)
	m.BlockFinished("state_setValue", errors.New("boom"), time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.blocks.WithLabelValues("state_setValue", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.blocks.WithLabelValues("state_setValue", schema.ErrCodeValidation)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.blocks.WithLabelValues("state_setValue", schema.ErrCodeExecution)))
}

func TestCommitsAndEvents(t *testing.T) {
	m := New()
	ctx := context.Background()

	s := state.New(state.Config{})
	require.NoError(t, s.DefineCollection("app/count", &schema.TypeDescriptor{Type: schema.TypeNumber}, nil))
	s.Observe(m)

	_, err := s.Set(ctx, "app/count", 1, schema.WriteOptions{ID: "a"})
	require.NoError(t, err)
	_, err = s.Set(ctx, "app/count", 2, schema.WriteOptions{ID: "a"})
	require.NoError(t, err)

	require.NoError(t, m.AppendEvent(ctx, &schema.Event{Type: schema.EventListenerFailed}))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commits.WithLabelValues("app/count", state.MethodReplace)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues(schema.EventListenerFailed)))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ExecutionFinished("demo", schema.ExecutionCompleted, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `actseq_executions_total{sequence="demo",status="completed"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}
