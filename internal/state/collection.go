package state

import (
	"sync"

	"github.com/rendis/actseq/internal/validation"
	"github.com/rendis/actseq/pkg/schema"
)

type collection struct {
	name      string
	schema    *schema.TypeDescriptor
	entry     *schema.TypeDescriptor
	relations []validation.Relation

	defaultValue any
	defaultFn    DefaultFunc

	// writeMu serializes writers; mu guards entries for readers.
	writeMu sync.Mutex
	mu      sync.RWMutex
	entries map[string]*Entry
}

func (c *collection) get(id string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

func (c *collection) all() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.entries))
	for id, e := range c.entries {
		out[id] = cloneValue(e.Value)
	}
	return out
}

func (c *collection) fallback() (any, error) {
	if c.defaultFn != nil {
		v, err := normalize(c.defaultFn())
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "default of %q is not JSON-compatible", c.name).WithCause(err)
		}
		return v, nil
	}
	return cloneValue(c.defaultValue), nil
}
