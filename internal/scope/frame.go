// Package scope manages the execution context frames visible to a running
// action sequence.
package scope

import (
	"strconv"
	"strings"

	"github.com/rendis/actseq/pkg/schema"
	"github.com/spf13/cast"
)

// Well-known frame fields.
const (
	KeyID       = "id"
	KeyParentID = "parentId"
	KeyGroupID  = "groupId"
	KeyRootID   = "rootId"
)

// Frame is an immutable execution context. Fields not set on a frame are
// inherited from its parent chain. Values are deep-copied on insert so a
// frame never observes later mutation by its creator.
type Frame struct {
	parent *Frame
	fields map[string]any
}

// New creates a root frame.
func New(fields map[string]any) *Frame {
	return CreateScope(nil, fields)
}

// CreateScope builds a child frame of parent. Every field absent from
// overrides is inherited. A nil parent yields a root frame.
func CreateScope(parent *Frame, overrides map[string]any) *Frame {
	return &Frame{parent: parent, fields: deepCopyMap(overrides)}
}

// Parent returns the frame this one inherits from, or nil.
func (f *Frame) Parent() *Frame {
	if f == nil {
		return nil
	}
	return f.parent
}

// Lookup returns the value bound to key along the chain.
func (f *Frame) Lookup(key string) (any, bool) {
	for cur := f; cur != nil; cur = cur.parent {
		if v, ok := cur.fields[key]; ok {
			return deepCopyAny(v), true
		}
	}
	return nil, false
}

// Resolve returns the value of key. A dotted key such as "item.id" walks
// into nested objects and arrays. An undefined key is UNBOUND_CONTEXT_KEY.
func (f *Frame) Resolve(key string) (any, error) {
	head, rest, nested := strings.Cut(key, ".")
	v, ok := f.Lookup(head)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnboundContext, "context key %q is not bound", head).
			WithDetails(map[string]any{"key": key, "bound": f.Keys()})
	}
	if !nested {
		return v, nil
	}
	for _, seg := range strings.Split(rest, ".") {
		switch t := v.(type) {
		case map[string]any:
			next, ok := t[seg]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeUnboundContext, "context key %q is not bound", key)
			}
			v = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(t) {
				return nil, schema.NewErrorf(schema.ErrCodeUnboundContext, "context key %q is not bound", key)
			}
			v = t[i]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeUnboundContext, "context key %q is not bound", key)
		}
	}
	return v, nil
}

// String resolves key and coerces it to a string.
func (f *Frame) String(key string) (string, error) {
	v, err := f.Resolve(key)
	if err != nil {
		return "", err
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTypeMismatch, "context key %q is not a string", key).WithCause(err)
	}
	return s, nil
}

// ID returns the frame id or "".
func (f *Frame) ID() string { return f.optString(KeyID) }

// GroupID returns the frame groupId or "".
func (f *Frame) GroupID() string { return f.optString(KeyGroupID) }

func (f *Frame) optString(key string) string {
	v, ok := f.Lookup(key)
	if !ok {
		return ""
	}
	return cast.ToString(v)
}

// Flatten returns every visible binding, nearer frames shadowing outer ones.
func (f *Frame) Flatten() map[string]any {
	var chain []*Frame
	for cur := f; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	out := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].fields {
			out[k] = deepCopyAny(v)
		}
	}
	return out
}

// Keys returns the visible binding names, sorted.
func (f *Frame) Keys() []string {
	return schema.SortedKeys(f.Flatten())
}

func deepCopyMap(m map[string]any) map[string]any {
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		return v
	}
}
