package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/actseq/internal/compiler"
	"github.com/rendis/actseq/internal/diagram"
	"github.com/rendis/actseq/internal/journal"
	"github.com/rendis/actseq/internal/scope"
	"github.com/rendis/actseq/internal/streaming"
	"github.com/rendis/actseq/pkg/schema"
	"gopkg.in/yaml.v3"
)

// handleCompile compiles a definition and returns the flat blocks.
func (s *Server) handleCompile(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := definitionArg(req)
	if errResult != nil {
		return errResult, nil
	}
	seq, err := s.app.Compiler.Compile(req.GetString("id", "inline"), def)
	if err != nil {
		return toolError("compile failed", err), nil
	}
	return marshalResult(seq)
}

// handleDefine compiles and stores a named sequence.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id is required"), nil
	}
	def, errResult := definitionArg(req)
	if errResult != nil {
		return errResult, nil
	}
	seq, err := s.app.Library.Define(ctx, id, def)
	if err != nil {
		return toolError("define failed", err), nil
	}

	children := make([]string, 0, len(seq.Children))
	for _, c := range seq.Children {
		children = append(children, c.ID)
	}
	return marshalResult(map[string]any{
		"ok":       true,
		"id":       seq.ID,
		"blocks":   len(seq.Blocks),
		"children": children,
	})
}

// handleDecompile returns the source form of a stored sequence.
func (s *Server) handleDecompile(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id is required"), nil
	}
	seq, err := s.app.Library.Load(id)
	if err != nil {
		return toolError("sequence lookup failed", err), nil
	}
	src, err := compiler.Decompile(seq)
	if err != nil {
		return toolError("decompile failed", err), nil
	}
	return marshalResult(src)
}

// handleList returns the stored top-level sequences.
func (s *Server) handleList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	records, err := s.app.Library.List()
	if err != nil {
		return toolError("list failed", err), nil
	}
	return marshalResult(map[string]any{"sequences": records})
}

// handleExecute runs a stored sequence. A failed execution is still a
// successful tool call; the result carries the structured error.
func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id is required"), nil
	}
	fields := mcp.ParseStringMap(req, "context", nil)

	res, runErr := s.app.Interpreter.Execute(ctx, id, scope.New(fields))
	if res == nil {
		return toolError("execution failed", runErr), nil
	}
	return marshalResult(res)
}

// handleStatus reports a running execution.
func (s *Server) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	snap, ok := s.app.Interpreter.Status(executionID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("execution %q is not running", executionID)), nil
	}
	return marshalResult(snap)
}

// handleGet reads one entry, or every entry when id is omitted.
func (s *Server) handleGet(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("collection")
	if err != nil {
		return mcp.NewToolResultError("collection is required"), nil
	}
	id := req.GetString("id", "")
	if id == "" {
		entries, listErr := s.app.Store.Entries(name)
		if listErr != nil {
			return toolError("read failed", listErr), nil
		}
		return marshalResult(map[string]any{"entries": entries})
	}

	entry, ok, getErr := s.app.Store.GetEntry(name, id)
	if getErr != nil {
		return toolError("read failed", getErr), nil
	}
	if !ok {
		return toolError("read failed", schema.NewErrorf(schema.ErrCodeNotFound, "entry %q not found in %q", id, name)), nil
	}
	return marshalResult(entry)
}

// handleSet writes one entry.
func (s *Server) handleSet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("collection")
	if err != nil {
		return mcp.NewToolResultError("collection is required"), nil
	}
	raw, err := req.RequireString("value")
	if err != nil {
		return mcp.NewToolResultError("value is required"), nil
	}
	var value any
	if jsonErr := json.Unmarshal([]byte(raw), &value); jsonErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("value is not valid JSON: %v", jsonErr)), nil
	}

	opts := schema.WriteOptions{ID: req.GetString("id", "")}
	switch method := req.GetString("method", "replace"); method {
	case "replace":
		opts.Replace = true
	case "merge":
		opts.Merge = true
	case "push":
		opts.Update = &schema.UpdateOptions{Method: schema.UpdateMethodPush}
	default:
		return mcp.NewToolResultError("method must be replace, merge, or push"), nil
	}

	commit, err := s.app.Store.Set(ctx, name, value, opts)
	if err != nil {
		return toolError("write failed", err), nil
	}
	out := map[string]any{
		"ok":      true,
		"id":      commit.ID,
		"version": commit.Version,
		"value":   commit.Value,
	}
	if len(commit.ListenerErrors) > 0 {
		out["listener_errors"] = commit.ListenerErrors
	}
	return marshalResult(out)
}

// handleEvents queries the journal.
func (s *Server) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.app.Journal == nil {
		return mcp.NewToolResultError("no journal is configured"), nil
	}
	filter := journal.EventFilter{
		ExecutionID: req.GetString("execution_id", ""),
		SequenceID:  req.GetString("sequence_id", ""),
		Collection:  req.GetString("collection", ""),
		Types:       req.GetStringSlice("types", nil),
		AfterID:     int64(req.GetInt("after_id", 0)),
		Limit:       req.GetInt("limit", 0),
	}
	events, err := s.app.Journal.Events(ctx, filter)
	if err != nil {
		return toolError("event query failed", err), nil
	}
	if events == nil {
		events = []*schema.Event{}
	}
	return marshalResult(map[string]any{"events": events})
}

// handleGraph draws a stored sequence in the requested format.
func (s *Server) handleGraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id is required"), nil
	}
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "mermaid" && format != "svg" && format != "png" {
		return mcp.NewToolResultError("format must be mermaid, svg, or png"), nil
	}

	seq, err := s.app.Library.Load(id)
	if err != nil {
		return toolError("sequence lookup failed", err), nil
	}
	model, err := diagram.Build(seq)
	if err != nil {
		return toolError("diagram build failed", err), nil
	}

	if executionID := req.GetString("execution_id", ""); executionID != "" {
		if s.app.Journal == nil {
			return mcp.NewToolResultError("status overlay needs a journal"), nil
		}
		events, evErr := s.app.Journal.Events(ctx, journal.EventFilter{
			ExecutionID: executionID,
			Types:       []string{schema.EventBlockCompleted, schema.EventBlockFailed},
		})
		if evErr != nil {
			return toolError("event query failed", evErr), nil
		}
		diagram.Overlay(model, events)
	}

	switch format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "svg":
		svg, imgErr := diagram.RenderImage(ctx, model, diagram.FormatSVG)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(string(svg)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// handleWatch subscribes the calling session to matching hub events.
func (s *Server) handleWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("watch requires a client session"), nil
	}
	filter := streaming.Filter{
		ExecutionID: req.GetString("execution_id", ""),
		Collection:  req.GetString("collection", ""),
		EventTypes:  req.GetStringSlice("types", nil),
	}
	watchID, err := s.watch(ctx, session.SessionID(), filter)
	if err != nil {
		return toolError("watch failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "watch_id": watchID})
}

// handleUnwatch cancels a watch owned by the calling session.
func (s *Server) handleUnwatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	watchID, err := req.RequireString("watch_id")
	if err != nil {
		return mcp.NewToolResultError("watch_id is required"), nil
	}
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("unwatch requires a client session"), nil
	}
	if !s.sessions.Unwatch(watchID, session.SessionID()) {
		return mcp.NewToolResultError(fmt.Sprintf("watch %q not found", watchID)), nil
	}
	return marshalResult(map[string]any{"ok": true, "watch_id": watchID})
}

// watch forwards hub events matching filter to sessionID until the watch is
// cancelled or the session goes away.
func (s *Server) watch(ctx context.Context, sessionID string, filter streaming.Filter) (string, error) {
	events, cancel, err := s.app.Hub.Subscribe(ctx, filter)
	if err != nil {
		return "", err
	}
	watchID := uuid.NewString()
	s.sessions.Register(watchID, sessionID, cancel)

	go func() {
		for e := range events {
			payload := map[string]any{
				"level":  "info",
				"logger": "actseq",
				"data": map[string]any{
					"watch_id": watchID,
					"event":    e,
				},
			}
			if err := s.notifier.Notify(context.Background(), sessionID, payload); err != nil {
				s.logger.Warn("watch notification failed",
					"watch_id", watchID,
					"session_id", sessionID,
					"error", err,
				)
			}
		}
	}()
	return watchID, nil
}

// definitionArg parses the definition argument. JSON is accepted as YAML.
func definitionArg(req mcp.CallToolRequest) (any, *mcp.CallToolResult) {
	src, err := req.RequireString("definition")
	if err != nil {
		return nil, mcp.NewToolResultError("definition is required")
	}
	var def any
	if err := yaml.Unmarshal([]byte(src), &def); err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	if def == nil {
		return nil, mcp.NewToolResultError("definition is empty")
	}
	return def, nil
}

// toolError renders err as a tool error, keeping the structured form of a
// *schema.Error so callers can read code, path and location.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var se *schema.Error
	if errors.As(err, &se) {
		if data, mErr := json.Marshal(map[string]any{"error": se}); mErr == nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s: %s", prefix, data))
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
