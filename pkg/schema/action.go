package schema

// RefKey is the authored marker for a back-reference to an earlier top-level block.
const RefKey = "$ref"

// ArgKind tags the variants of a compiled argument.
type ArgKind string

const (
	ArgLiteral  ArgKind = "literal"
	ArgRef      ArgKind = "ref"
	ArgObject   ArgKind = "object"
	ArgArray    ArgKind = "array"
	ArgSequence ArgKind = "sequence"
)

// Arg is a compiled argument tree. Literal subtrees that contain no blocks or
// references are kept whole in Value.
type Arg struct {
	Kind     ArgKind         `json:"kind" mapstructure:"kind"`
	Value    any             `json:"value,omitempty" mapstructure:"value"`
	Ref      int             `json:"ref,omitempty" mapstructure:"ref"`
	Fields   map[string]*Arg `json:"fields,omitempty" mapstructure:"fields"`
	Items    []*Arg          `json:"items,omitempty" mapstructure:"items"`
	Sequence string          `json:"sequence,omitempty" mapstructure:"sequence"`
	Inline   bool            `json:"inline,omitempty" mapstructure:"inline"`
}

// Refs appends every block index referenced by the argument tree to dst.
func (a *Arg) Refs(dst []int) []int {
	if a == nil {
		return dst
	}
	switch a.Kind {
	case ArgRef:
		dst = append(dst, a.Ref)
	case ArgObject:
		for _, k := range SortedKeys(a.Fields) {
			dst = a.Fields[k].Refs(dst)
		}
	case ArgArray:
		for _, item := range a.Items {
			dst = item.Refs(dst)
		}
	}
	return dst
}

// Block is one step of a compiled sequence.
// Parent is the index of the block consuming this block's result, or -1 for
// authored top-level blocks. Position is the authored top-level index, or -1.
type Block struct {
	Index      int    `json:"index" mapstructure:"index"`
	Operator   string `json:"operator" mapstructure:"operator"`
	Args       *Arg   `json:"args,omitempty" mapstructure:"args"`
	SequenceID string `json:"sequenceId" mapstructure:"sequenceId"`
	Parent     int    `json:"parent" mapstructure:"parent"`
	Position   int    `json:"position" mapstructure:"position"`
}

// TopLevel reports whether the block was authored directly in the sequence.
func (b *Block) TopLevel() bool {
	return b.Parent < 0
}

// Sequence is a compiled, flat, executable action.
type Sequence struct {
	ID       string      `json:"id" mapstructure:"id"`
	Parent   string      `json:"parent,omitempty" mapstructure:"parent"`
	Blocks   []Block     `json:"blocks" mapstructure:"blocks"`
	Children []*Sequence `json:"children,omitempty" mapstructure:"-"`
}

// Walk visits the sequence and all of its child sequences, parents first.
func (s *Sequence) Walk(fn func(*Sequence)) {
	if s == nil {
		return
	}
	fn(s)
	for _, c := range s.Children {
		c.Walk(fn)
	}
}

// Child returns the child sequence with the given ID, searching recursively.
func (s *Sequence) Child(id string) *Sequence {
	var found *Sequence
	s.Walk(func(c *Sequence) {
		if found == nil && c.ID == id {
			found = c
		}
	})
	return found
}

// SequenceRecord is the metadata entry stored in the action/sequences collection.
type SequenceRecord struct {
	ID         string   `json:"id" mapstructure:"id"`
	Parent     string   `json:"parent,omitempty" mapstructure:"parent"`
	BlockCount int      `json:"blockCount" mapstructure:"blockCount"`
	Operators  []string `json:"operators" mapstructure:"operators"`
	Children   []string `json:"children,omitempty" mapstructure:"children"`
}
