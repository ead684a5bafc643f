package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/actseq/internal/app"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	App    *app.App
	Logger *slog.Logger
	// Notifier delivers watched events. Nil selects MCP notifications.
	Notifier Notifier
}

// Server exposes a runtime as MCP tools.
type Server struct {
	app       *app.App
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  Notifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every actseq tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		app:      deps.App,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"actseq",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("actseq runs action sequences against a schema-validated state store. "+
			"Use actseq.define to store a sequence, actseq.execute to run it, actseq.get and actseq.set to read and write entries, "+
			"actseq.graph to draw a sequence and actseq.watch to receive execution and commit events."),
	)

	s.notifier = deps.Notifier
	if s.notifier == nil {
		s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	}

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	defer s.sessions.Close()
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: compileTool(), Handler: s.handleCompile},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: decompileTool(), Handler: s.handleDecompile},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: getTool(), Handler: s.handleGet},
		{Tool: setTool(), Handler: s.handleSet},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: graphTool(), Handler: s.handleGraph},
		{Tool: watchTool(), Handler: s.handleWatch},
		{Tool: unwatchTool(), Handler: s.handleUnwatch},
	}
}

// --- Tool definitions ---

func compileTool() mcp.Tool {
	return mcp.NewTool("actseq.compile",
		mcp.WithDescription("Compile a sequence definition without storing it"),
		mcp.WithString("definition", mcp.Required(), mcp.Description("Sequence source as JSON or YAML")),
		mcp.WithString("id", mcp.Description("Sequence id used for inline children (default: inline)")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("actseq.define",
		mcp.WithDescription("Compile and store a named sequence"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Sequence id")),
		mcp.WithString("definition", mcp.Required(), mcp.Description("Sequence source as JSON or YAML")),
	)
}

func decompileTool() mcp.Tool {
	return mcp.NewTool("actseq.decompile",
		mcp.WithDescription("Return the source form of a stored sequence"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Sequence id")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("actseq.list",
		mcp.WithDescription("List stored sequences"),
	)
}

func executeTool() mcp.Tool {
	return mcp.NewTool("actseq.execute",
		mcp.WithDescription("Execute a stored sequence"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Sequence id")),
		mcp.WithObject("context", mcp.Description("Initial context frame fields")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("actseq.status",
		mcp.WithDescription("Get the state of a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution id")),
	)
}

func getTool() mcp.Tool {
	return mcp.NewTool("actseq.get",
		mcp.WithDescription("Read an entry from a collection"),
		mcp.WithString("collection", mcp.Required(), mcp.Description("Collection name")),
		mcp.WithString("id", mcp.Description("Entry id (omit to list all entries)")),
	)
}

func setTool() mcp.Tool {
	return mcp.NewTool("actseq.set",
		mcp.WithDescription("Write an entry to a collection"),
		mcp.WithString("collection", mcp.Required(), mcp.Description("Collection name")),
		mcp.WithString("value", mcp.Required(), mcp.Description("Value as JSON")),
		mcp.WithString("id", mcp.Description("Entry id (default: generated)")),
		mcp.WithString("method", mcp.Enum("replace", "merge", "push"), mcp.Description("Write method (default: replace)")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("actseq.events",
		mcp.WithDescription("Query the event journal"),
		mcp.WithString("execution_id", mcp.Description("Only events of this execution")),
		mcp.WithString("sequence_id", mcp.Description("Only events of this sequence")),
		mcp.WithString("collection", mcp.Description("Only events touching this collection")),
		mcp.WithArray("types", mcp.Items(map[string]any{"type": "string"}), mcp.Description("Event types to include")),
		mcp.WithNumber("after_id", mcp.Description("Only events with a larger id")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of events")),
	)
}

func graphTool() mcp.Tool {
	return mcp.NewTool("actseq.graph",
		mcp.WithDescription("Draw a stored sequence. Returns Mermaid flowchart syntax, SVG, or a base64-encoded PNG"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Sequence id")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("mermaid", "svg", "png"),
			mcp.Description("Output format"),
		),
		mcp.WithString("execution_id", mcp.Description("Overlay block status from this execution's journal events")),
	)
}

func watchTool() mcp.Tool {
	return mcp.NewTool("actseq.watch",
		mcp.WithDescription("Stream matching events to this session as notifications"),
		mcp.WithString("execution_id", mcp.Description("Only events of this execution")),
		mcp.WithString("collection", mcp.Description("Only events touching this collection")),
		mcp.WithArray("types", mcp.Items(map[string]any{"type": "string"}), mcp.Description("Event types to include")),
	)
}

func unwatchTool() mcp.Tool {
	return mcp.NewTool("actseq.unwatch",
		mcp.WithDescription("Stop a watch started with actseq.watch"),
		mcp.WithString("watch_id", mcp.Required(), mcp.Description("Watch id")),
	)
}
