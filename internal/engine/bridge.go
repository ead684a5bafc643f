package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/actseq/internal/scope"
	"github.com/rendis/actseq/internal/state"
	"github.com/rendis/actseq/pkg/schema"
)

// Listener frame keys set on top of the captured registration context.
const (
	ListenerKeyValue      = "value"
	ListenerKeyPrevious   = "previous"
	ListenerKeyCollection = "collection"
)

// DispatchListener runs the handler sequence of a listener matching a commit.
// It implements state.Dispatcher. The handler sees the context captured at
// registration with id set to the written entry; the captured id moves to
// parentId. The run is one level deeper than the write.
func (in *Interpreter) DispatchListener(ctx context.Context, l schema.Listener, c state.Commit) error {
	overrides := map[string]any{
		scope.KeyID:           c.ID,
		ListenerKeyValue:      c.Value,
		ListenerKeyPrevious:   c.Previous,
		ListenerKeyCollection: c.Name,
	}
	if captured, ok := l.Context[scope.KeyID]; ok {
		overrides[scope.KeyParentID] = captured
	}
	frame := scope.CreateScope(scope.New(l.Context), overrides)

	_, err := in.Execute(WithDepth(ctx, Depth(ctx)+1), l.Handler, frame)
	if err == nil {
		return nil
	}

	in.logger.DebugContext(ctx, "listener run failed",
		slog.String("handler", l.Handler),
		slog.String("collection", c.Name),
		slog.String("id", c.ID),
	)
	if in.appender != nil {
		payload, _ := json.Marshal(map[string]any{
			"handler": l.Handler,
			"code":    schema.CodeOf(err),
			"error":   err.Error(),
		})
		_ = in.appender.AppendEvent(ctx, &schema.Event{
			SequenceID: l.Handler,
			Collection: c.Name,
			EntryID:    c.ID,
			Type:       schema.EventListenerFailed,
			Payload:    payload,
		})
	}
	return err
}

// CommitEvents turns store commits into entry_committed events.
func CommitEvents(appender EventAppender) state.Observer {
	return state.ObserverFunc(func(ctx context.Context, c state.Commit) {
		payload, _ := json.Marshal(map[string]any{
			"value":   c.Value,
			"version": c.Version,
			"method":  c.Method,
		})
		_ = appender.AppendEvent(ctx, &schema.Event{
			Collection: c.Name,
			EntryID:    c.ID,
			Type:       schema.EventEntryCommitted,
			Payload:    payload,
		})
	})
}
