package mcp

import (
	"sort"
	"sync"
)

type watch struct {
	sessionID string
	cancel    func()
}

// SessionRegistry tracks the event watches opened by each MCP session.
type SessionRegistry struct {
	mu      sync.Mutex
	watches map[string]watch // watchID → watch
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{watches: make(map[string]watch)}
}

// Register records a watch owned by sessionID. cancel stops its subscription.
func (r *SessionRegistry) Register(watchID, sessionID string, cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watches[watchID] = watch{sessionID: sessionID, cancel: cancel}
}

// Watches returns the sorted watch ids of a session.
func (r *SessionRegistry) Watches(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, w := range r.watches {
		if w.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Unwatch cancels one watch. It reports false when the id is unknown or
// belongs to another session.
func (r *SessionRegistry) Unwatch(watchID, sessionID string) bool {
	r.mu.Lock()
	w, ok := r.watches[watchID]
	if ok && w.sessionID == sessionID {
		delete(r.watches, watchID)
	}
	r.mu.Unlock()
	if !ok || w.sessionID != sessionID {
		return false
	}
	w.cancel()
	return true
}

// Remove cancels every watch of a session. Called when the session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	var cancels []func()
	for id, w := range r.watches {
		if w.sessionID == sessionID {
			cancels = append(cancels, w.cancel)
			delete(r.watches, id)
		}
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Close cancels all watches.
func (r *SessionRegistry) Close() {
	r.mu.Lock()
	ws := r.watches
	r.watches = make(map[string]watch)
	r.mu.Unlock()
	for _, w := range ws {
		w.cancel()
	}
}
