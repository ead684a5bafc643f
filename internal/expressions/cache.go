package expressions

import (
	"sync"

	"github.com/rendis/actseq/pkg/schema"
)

// programCache memoizes compiled programs by source text. Compilation runs
// outside the lock; when two callers race on the same source the first stored
// program wins.
type programCache[P any] struct {
	compile func(src string) (P, error)

	mu       sync.RWMutex
	programs map[string]P
}

func newProgramCache[P any](compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{compile: compile, programs: make(map[string]P)}
}

func (c *programCache[P]) get(src string) (P, error) {
	c.mu.RLock()
	p, ok := c.programs[src]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := c.compile(src)
	if err != nil {
		var zero P
		return zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.programs[src]; ok {
		return prev, nil
	}
	c.programs[src] = p
	return p, nil
}

func (c *programCache[P]) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

// compileErr reports source that does not parse or type-check.
func compileErr(lang, src string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: cannot compile %q: %s", lang, src, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": src})
}

// runErr reports a compiled program that failed at run time.
func runErr(lang, src string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s: evaluating %q: %s", lang, src, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": src})
}

func emptySource(lang string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: empty source", lang)
}
