package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// Notifier delivers watch events to one client session.
type Notifier interface {
	Notify(ctx context.Context, sessionID string, payload map[string]any) error
}

// MCPNotifier sends watch events as MCP log message notifications.
type MCPNotifier struct {
	srv      *server.MCPServer
	sessions *SessionRegistry
}

func NewMCPNotifier(srv *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{srv: srv, sessions: sessions}
}

// Notify treats a vanished session as the end of its watches, not as an error.
func (n *MCPNotifier) Notify(_ context.Context, sessionID string, payload map[string]any) error {
	switch err := n.srv.SendNotificationToSpecificClient(sessionID, "notifications/message", payload); {
	case errors.Is(err, server.ErrSessionNotFound):
		n.sessions.Remove(sessionID)
		return nil
	default:
		return err
	}
}
