package mcp

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer_Defaults(t *testing.T) {
	s := NewServer(ServerDeps{App: newTestApp(t, nil)})
	require.NotNil(t, s.MCPServer())
	assert.NotNil(t, s.logger, "nil logger falls back to stderr")
	assert.IsType(t, &MCPNotifier{}, s.notifier)
}

func TestNewServer_KeepsInjectedNotifier(t *testing.T) {
	n := &fakeNotifier{}
	s := NewServer(ServerDeps{App: newTestApp(t, nil), Notifier: n})
	assert.Same(t, n, s.notifier)
}

func TestServer_Tools(t *testing.T) {
	s := NewServer(ServerDeps{App: newTestApp(t, nil)})

	var names []string
	for name := range s.mcpServer.ListTools() {
		names = append(names, name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		"actseq.compile", "actseq.decompile", "actseq.define", "actseq.events",
		"actseq.execute", "actseq.get", "actseq.graph", "actseq.list",
		"actseq.set", "actseq.status", "actseq.unwatch", "actseq.watch",
	}, names)

	descriptions := map[string]string{
		"actseq.compile": "Compile a sequence definition without storing it",
		"actseq.define":  "Compile and store a named sequence",
		"actseq.execute": "Execute a stored sequence",
		"actseq.set":     "Write an entry to a collection",
		"actseq.unwatch": "Stop a watch started with actseq.watch",
	}
	for name, want := range descriptions {
		tool := s.mcpServer.GetTool(name)
		require.NotNil(t, tool, name)
		assert.Equal(t, want, tool.Tool.Description, name)
	}
}
