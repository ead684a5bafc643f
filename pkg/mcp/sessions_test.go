package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type cancelCounter struct{ n int }

func (c *cancelCounter) cancel() { c.n++ }

func TestSessionRegistry_RegisterAndList(t *testing.T) {
	r := NewSessionRegistry()
	var c cancelCounter

	r.Register("w2", "session-a", c.cancel)
	r.Register("w1", "session-a", c.cancel)
	r.Register("w3", "session-b", c.cancel)

	assert.Equal(t, []string{"w1", "w2"}, r.Watches("session-a"))
	assert.Equal(t, []string{"w3"}, r.Watches("session-b"))
	assert.Empty(t, r.Watches("unknown"))
	assert.Zero(t, c.n)
}

func TestSessionRegistry_Unwatch(t *testing.T) {
	r := NewSessionRegistry()
	var c cancelCounter
	r.Register("w1", "session-a", c.cancel)

	assert.False(t, r.Unwatch("w1", "session-b"), "other sessions cannot cancel the watch")
	assert.False(t, r.Unwatch("missing", "session-a"))
	assert.Zero(t, c.n)

	assert.True(t, r.Unwatch("w1", "session-a"))
	assert.Equal(t, 1, c.n)
	assert.Empty(t, r.Watches("session-a"))
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()
	var a, b cancelCounter

	r.Register("w1", "session-a", a.cancel)
	r.Register("w2", "session-a", a.cancel)
	r.Register("w3", "session-b", b.cancel)

	r.Remove("session-a")
	assert.Equal(t, 2, a.n)
	assert.Zero(t, b.n)
	assert.Empty(t, r.Watches("session-a"))
	assert.Equal(t, []string{"w3"}, r.Watches("session-b"))
}

func TestSessionRegistry_Close(t *testing.T) {
	r := NewSessionRegistry()
	var c cancelCounter
	r.Register("w1", "session-a", c.cancel)
	r.Register("w2", "session-b", c.cancel)

	r.Close()
	assert.Equal(t, 2, c.n)
	assert.Empty(t, r.Watches("session-a"))
}
