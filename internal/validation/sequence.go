package validation

import (
	"fmt"

	"github.com/rendis/actseq/pkg/schema"
)

// OperatorLookup reports whether an operator is registered.
type OperatorLookup interface {
	Has(name string) bool
}

// ValidateSequence checks the structure of a compiled sequence that did not
// come from the compiler, such as a decoded file. Checks: block indices,
// operators registered, parent and position layout, references pointing
// backwards at top-level blocks or at the block's own nested blocks, nested
// blocks consumed by their parent, inline children present.
func ValidateSequence(seq *schema.Sequence, lookup OperatorLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if seq == nil {
		result.AddError("", schema.ErrCodeMalformedAction, "sequence is nil")
		return result
	}
	validateSequenceAt(seq, "", lookup, result)
	return result
}

func validateSequenceAt(seq *schema.Sequence, prefix string, lookup OperatorLookup, result *schema.ValidationResult) {
	if seq.ID == "" {
		result.AddError(prefix+"/id", schema.ErrCodeMalformedAction, "sequence id is empty")
	}

	n := len(seq.Blocks)
	position := 0
	for i := range seq.Blocks {
		b := &seq.Blocks[i]
		path := fmt.Sprintf("%s/blocks/%d", prefix, i)

		if b.Index != i {
			result.AddError(path+"/index", schema.ErrCodeMalformedAction,
				fmt.Sprintf("block at %d carries index %d", i, b.Index))
		}
		if b.SequenceID != seq.ID {
			result.AddError(path+"/sequenceId", schema.ErrCodeMalformedAction,
				fmt.Sprintf("block belongs to %q, not %q", b.SequenceID, seq.ID))
		}
		if lookup != nil && !lookup.Has(b.Operator) {
			result.AddError(path+"/operator", schema.ErrCodeUnknownOperator,
				fmt.Sprintf("operator %q not registered", b.Operator))
		}

		if b.TopLevel() {
			if b.Position != position {
				result.AddError(path+"/position", schema.ErrCodeMalformedAction,
					fmt.Sprintf("top-level block has position %d, want %d", b.Position, position))
			}
			position++
		} else {
			if b.Parent <= i || b.Parent >= n {
				result.AddError(path+"/parent", schema.ErrCodeMalformedAction,
					fmt.Sprintf("parent %d must follow the block and lie within the sequence", b.Parent))
			} else if !refersTo(seq.Blocks[b.Parent].Args, i) {
				result.AddError(path+"/parent", schema.ErrCodeMalformedAction,
					fmt.Sprintf("nested block is not consumed by its parent %d", b.Parent))
			}
			if b.Position != -1 {
				result.AddError(path+"/position", schema.ErrCodeMalformedAction, "nested block must have position -1")
			}
		}

		for _, r := range b.Args.Refs(nil) {
			switch {
			case r < 0 || r >= i:
				result.AddError(path+"/args", schema.ErrCodeMalformedAction,
					fmt.Sprintf("reference to block %d does not point backwards", r))
			case !seq.Blocks[r].TopLevel() && seq.Blocks[r].Parent != i:
				result.AddError(path+"/args", schema.ErrCodeMalformedAction,
					fmt.Sprintf("reference to block %d reaches into another block's arguments", r))
			}
		}

		for _, child := range inlineChildren(b.Args, nil) {
			if len(seq.Children) > 0 && findChild(seq, child) == nil {
				result.AddError(path+"/args", schema.ErrCodeNotFound,
					fmt.Sprintf("inline sequence %q is missing", child))
			}
		}
	}

	for _, c := range seq.Children {
		validateSequenceAt(c, prefix+"/children/"+c.ID, lookup, result)
	}
}

func refersTo(a *schema.Arg, index int) bool {
	for _, r := range a.Refs(nil) {
		if r == index {
			return true
		}
	}
	return false
}

func findChild(seq *schema.Sequence, id string) *schema.Sequence {
	for _, c := range seq.Children {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// walkSequenceArgs visits every sequence argument in the tree.
func walkSequenceArgs(a *schema.Arg, fn func(*schema.Arg)) {
	if a == nil {
		return
	}
	switch a.Kind {
	case schema.ArgSequence:
		fn(a)
	case schema.ArgObject:
		for _, k := range schema.SortedKeys(a.Fields) {
			walkSequenceArgs(a.Fields[k], fn)
		}
	case schema.ArgArray:
		for _, item := range a.Items {
			walkSequenceArgs(item, fn)
		}
	}
}

func inlineChildren(a *schema.Arg, dst []string) []string {
	walkSequenceArgs(a, func(s *schema.Arg) {
		if s.Inline {
			dst = append(dst, s.Sequence)
		}
	})
	return dst
}
