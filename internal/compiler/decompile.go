package compiler

import (
	"github.com/rendis/actseq/pkg/schema"
)

// Decompile restores the authored form of seq: a list of operator blocks with
// nested blocks inlined, back-references as {"$ref": n} and inline child
// sequences expanded.
func Decompile(seq *schema.Sequence) ([]any, error) {
	if seq == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "sequence is nil")
	}
	d := decompiler{seq: seq}
	out := []any{}
	for i := range seq.Blocks {
		if !seq.Blocks[i].TopLevel() {
			continue
		}
		v, err := d.block(i)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

type decompiler struct {
	seq *schema.Sequence
}

func (d decompiler) block(i int) (map[string]any, error) {
	b := &d.seq.Blocks[i]
	var args any
	if b.Args != nil {
		v, err := d.arg(b.Args, i)
		if err != nil {
			return nil, err
		}
		args = v
	}
	return map[string]any{b.Operator: args}, nil
}

// arg rebuilds an argument of block owner.
func (d decompiler) arg(a *schema.Arg, owner int) (any, error) {
	switch a.Kind {
	case schema.ArgLiteral:
		return a.Value, nil
	case schema.ArgRef:
		if a.Ref < 0 || a.Ref >= len(d.seq.Blocks) {
			return nil, schema.NewErrorf(schema.ErrCodeMalformedAction, "reference to block %d is out of range", a.Ref).
				WithBlock(d.seq.ID, owner)
		}
		target := &d.seq.Blocks[a.Ref]
		if target.Parent == owner {
			return d.block(a.Ref)
		}
		return map[string]any{schema.RefKey: target.Position}, nil
	case schema.ArgObject:
		out := make(map[string]any, len(a.Fields))
		for k, f := range a.Fields {
			v, err := d.arg(f, owner)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case schema.ArgArray:
		out := make([]any, len(a.Items))
		for i, item := range a.Items {
			v, err := d.arg(item, owner)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case schema.ArgSequence:
		if !a.Inline {
			return a.Sequence, nil
		}
		child := d.seq.Child(a.Sequence)
		if child == nil {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "inline sequence %q is missing", a.Sequence).
				WithBlock(d.seq.ID, owner)
		}
		return Decompile(child)
	}
	return nil, schema.NewErrorf(schema.ErrCodeMalformedAction, "unknown argument kind %q", a.Kind).
		WithBlock(d.seq.ID, owner)
}
