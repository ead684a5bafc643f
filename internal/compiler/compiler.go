// Package compiler flattens authored action definitions into executable
// sequences and restores the authored form from them.
package compiler

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/rendis/actseq/pkg/schema"
)

// Operators is the view of the operator registry the compiler resolves against.
type Operators interface {
	Has(name string) bool
	Deferred(name string) []string
}

// Compiler turns authored definitions into sequences. It keeps no per-call state.
type Compiler struct {
	ops Operators
}

// New creates a Compiler resolving operators against ops.
func New(ops Operators) *Compiler {
	return &Compiler{ops: ops}
}

// Compile flattens def into the sequence id. def is a single operator block
// or a list of them. Nested blocks are emitted depth-first in post-order with
// object keys visited in sorted order, so every reference points to a smaller
// index. Deferred arguments become child sequences.
func (c *Compiler) Compile(id string, def any) (*schema.Sequence, error) {
	if id == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "sequence id is empty")
	}
	norm, err := normalize(def)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeMalformedAction, "definition is not JSON-compatible").
			WithSequence(id).WithCause(err)
	}
	return c.compileSequence(id, "", norm, "")
}

// sequenceBuilder holds the state of one sequence being compiled.
type sequenceBuilder struct {
	c        *Compiler
	seq      *schema.Sequence
	position int   // authored top-level position being compiled
	topIndex []int // compiled index of each top-level position
}

func (c *Compiler) compileSequence(id, parent string, def any, path string) (*schema.Sequence, error) {
	var items []any
	switch v := def.(type) {
	case []any:
		items = v
	case map[string]any:
		items = []any{v}
	case nil:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeMalformedAction, "a sequence is a block or a list of blocks, got %T", def).
			WithSequence(id).WithPath(pathOrRoot(path))
	}

	b := &sequenceBuilder{
		c:   c,
		seq: &schema.Sequence{ID: id, Parent: parent, Blocks: []schema.Block{}},
	}
	for i, item := range items {
		b.position = i
		idx, err := b.block(item, path+"/"+strconv.Itoa(i), -1)
		if err != nil {
			return nil, err
		}
		b.topIndex = append(b.topIndex, idx)
	}
	return b.seq, nil
}

// block compiles one operator block and returns its index.
func (b *sequenceBuilder) block(v any, path string, parent int) (int, error) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return 0, b.malformed(path, "a block must be an object with exactly one operator key")
	}
	var op string
	var rawArgs any
	for k, val := range m {
		op, rawArgs = k, val
	}
	if op == schema.RefKey {
		return 0, b.malformed(path, "a reference cannot stand in for a block")
	}
	if !b.c.ops.Has(op) {
		return 0, schema.NewErrorf(schema.ErrCodeUnknownOperator, "unknown operator %q", op).
			WithSequence(b.seq.ID).WithPath(path)
	}
	path += "/" + escape(op)

	var fields map[string]any
	switch a := rawArgs.(type) {
	case map[string]any:
		fields = a
	case nil:
	default:
		return 0, b.malformed(path, fmt.Sprintf("arguments of %s must be an object, got %T", op, rawArgs))
	}

	deferred := map[string]bool{}
	for _, name := range b.c.ops.Deferred(op) {
		deferred[name] = true
	}

	// Eager arguments emit their nested blocks before this block's index is known.
	var args *schema.Arg
	if fields != nil {
		args = &schema.Arg{Kind: schema.ArgObject, Fields: make(map[string]*schema.Arg, len(fields))}
	}
	pending := make([]int, 0)
	for _, k := range schema.SortedKeys(fields) {
		if deferred[k] {
			continue
		}
		a, err := b.arg(fields[k], path+"/"+escape(k), &pending)
		if err != nil {
			return 0, err
		}
		args.Fields[k] = a
	}

	index := len(b.seq.Blocks)
	position := -1
	if parent < 0 {
		position = b.position
	}
	for _, child := range pending {
		b.seq.Blocks[child].Parent = index
	}
	b.seq.Blocks = append(b.seq.Blocks, schema.Block{
		Index:      index,
		Operator:   op,
		SequenceID: b.seq.ID,
		Parent:     parent,
		Position:   position,
	})

	for _, k := range schema.SortedKeys(fields) {
		if !deferred[k] {
			continue
		}
		a, err := b.deferred(fields[k], index, k, path+"/"+escape(k))
		if err != nil {
			return 0, err
		}
		args.Fields[k] = a
	}
	args = collapse(args)
	b.seq.Blocks[index].Args = args
	return index, nil
}

// arg compiles an eager argument value. Indices of nested blocks are appended
// to pending so the caller can set their parent.
func (b *sequenceBuilder) arg(v any, path string, pending *[]int) (*schema.Arg, error) {
	switch t := v.(type) {
	case map[string]any:
		if ref, ok := t[schema.RefKey]; ok {
			return b.ref(t, ref, path)
		}
		if len(t) == 1 {
			for k := range t {
				if b.c.ops.Has(k) {
					idx, err := b.block(t, path, 0)
					if err != nil {
						return nil, err
					}
					*pending = append(*pending, idx)
					return &schema.Arg{Kind: schema.ArgRef, Ref: idx}, nil
				}
			}
		}
		out := &schema.Arg{Kind: schema.ArgObject, Fields: make(map[string]*schema.Arg, len(t))}
		for _, k := range schema.SortedKeys(t) {
			a, err := b.arg(t[k], path+"/"+escape(k), pending)
			if err != nil {
				return nil, err
			}
			out.Fields[k] = a
		}
		return collapse(out), nil
	case []any:
		out := &schema.Arg{Kind: schema.ArgArray, Items: make([]*schema.Arg, len(t))}
		for i, item := range t {
			a, err := b.arg(item, path+"/"+strconv.Itoa(i), pending)
			if err != nil {
				return nil, err
			}
			out.Items[i] = a
		}
		return collapse(out), nil
	default:
		return &schema.Arg{Kind: schema.ArgLiteral, Value: v}, nil
	}
}

// ref compiles {"$ref": n}: n is an earlier top-level position of this sequence.
func (b *sequenceBuilder) ref(m map[string]any, raw any, path string) (*schema.Arg, error) {
	if len(m) != 1 {
		return nil, b.malformed(path, "$ref must be the only key of its object")
	}
	n, ok := toIndex(raw)
	if !ok {
		return nil, b.malformed(path+"/"+escape(schema.RefKey), fmt.Sprintf("$ref must be a non-negative integer, got %v", raw))
	}
	if n >= b.position {
		return nil, b.malformed(path+"/"+escape(schema.RefKey),
			fmt.Sprintf("$ref %d does not point to an earlier top-level block (current is %d)", n, b.position))
	}
	return &schema.Arg{Kind: schema.ArgRef, Ref: b.topIndex[n]}, nil
}

// deferred compiles a sub-sequence argument. A string names a registered
// sequence; blocks become an inline child sequence.
func (b *sequenceBuilder) deferred(v any, index int, name, path string) (*schema.Arg, error) {
	switch t := v.(type) {
	case nil:
		return &schema.Arg{Kind: schema.ArgLiteral}, nil
	case string:
		if t == "" {
			return nil, b.malformed(path, "sequence name is empty")
		}
		return &schema.Arg{Kind: schema.ArgSequence, Sequence: t}, nil
	case map[string]any:
		if raw, ok := t[schema.RefKey]; ok {
			return b.ref(t, raw, path)
		}
	case []any:
	default:
		return nil, b.malformed(path, fmt.Sprintf("%s must be a sequence name or blocks, got %T", name, v))
	}

	childID := ChildID(b.seq.ID, index, name)
	child, err := b.c.compileSequence(childID, b.seq.ID, v, path)
	if err != nil {
		return nil, err
	}
	b.seq.Children = append(b.seq.Children, child)
	return &schema.Arg{Kind: schema.ArgSequence, Sequence: childID, Inline: true}, nil
}

func (b *sequenceBuilder) malformed(path, msg string) *schema.Error {
	return schema.NewError(schema.ErrCodeMalformedAction, msg).WithSequence(b.seq.ID).WithPath(path)
}

// ChildID is the id of the inline sequence compiled from argument arg of block index.
func ChildID(parent string, index int, arg string) string {
	return parent + "/" + strconv.Itoa(index) + "." + arg
}

// collapse replaces object and array args holding only literals by one literal.
func collapse(a *schema.Arg) *schema.Arg {
	if a == nil {
		return nil
	}
	switch a.Kind {
	case schema.ArgObject:
		lit := make(map[string]any, len(a.Fields))
		for k, f := range a.Fields {
			if f.Kind != schema.ArgLiteral {
				return a
			}
			lit[k] = f.Value
		}
		return &schema.Arg{Kind: schema.ArgLiteral, Value: lit}
	case schema.ArgArray:
		lit := make([]any, len(a.Items))
		for i, item := range a.Items {
			if item.Kind != schema.ArgLiteral {
				return a
			}
			lit[i] = item.Value
		}
		return &schema.Arg{Kind: schema.ArgLiteral, Value: lit}
	}
	return a
}

func toIndex(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 || n != math.Trunc(n) || n > math.MaxInt32 {
			return 0, false
		}
		return int(n), true
	case int:
		return n, n >= 0
	case int64:
		return int(n), n >= 0
	}
	return 0, false
}

// normalize converts def to the JSON data model.
func normalize(def any) (any, error) {
	b, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// escape encodes a JSON pointer token.
func escape(tok string) string {
	out := make([]byte, 0, len(tok))
	for i := 0; i < len(tok); i++ {
		switch tok[i] {
		case '~':
			out = append(out, '~', '0')
		case '/':
			out = append(out, '~', '1')
		default:
			out = append(out, tok[i])
		}
	}
	return string(out)
}

func pathOrRoot(p string) string {
	if p == "" {
		return "/"
	}
	return p
}
