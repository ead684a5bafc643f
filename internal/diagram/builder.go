package diagram

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/actseq/internal/operators"
	"github.com/rendis/actseq/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// NodeID is the diagram id of block index of sequence seqID.
func NodeID(seqID string, index int) string {
	return fmt.Sprintf("%s#%d", seqID, index)
}

// Build lays out seq and its inline children. Named sequences passed to
// deferred arguments appear as single external nodes.
func Build(seq *schema.Sequence) (*DiagramModel, error) {
	if seq == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: sequence is nil")
	}
	b := &builder{root: seq, external: make(map[string]bool)}
	nodes, edges, err := b.sequence(seq)
	if err != nil {
		return nil, err
	}

	m := &DiagramModel{Title: seq.ID}
	m.Nodes = append(m.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	m.Nodes = append(m.Nodes, nodes...)
	m.Nodes = append(m.Nodes, b.externals...)
	m.Nodes = append(m.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	last := startID
	if top := topLevel(seq); len(top) > 0 {
		m.Edges = append(m.Edges, Edge{From: startID, To: NodeID(seq.ID, top[0])})
		last = NodeID(seq.ID, top[len(top)-1])
	}
	m.Edges = append(m.Edges, edges...)
	m.Edges = append(m.Edges, Edge{From: last, To: endID})
	return m, nil
}

type builder struct {
	root      *schema.Sequence
	external  map[string]bool
	externals []*Node
}

// sequence returns the nodes of seq and its internal edges: order edges
// between top-level blocks, result edges from nested blocks to their
// parents, and reference edges.
func (b *builder) sequence(seq *schema.Sequence) ([]*Node, []Edge, error) {
	nodes := make([]*Node, 0, len(seq.Blocks))
	var edges []Edge

	top := topLevel(seq)
	for i := 1; i < len(top); i++ {
		edges = append(edges, Edge{From: NodeID(seq.ID, top[i-1]), To: NodeID(seq.ID, top[i])})
	}

	for i := range seq.Blocks {
		blk := &seq.Blocks[i]
		node := &Node{
			ID:    NodeID(seq.ID, i),
			Label: fmt.Sprintf("#%d %s", i, blk.Operator),
			Kind:  kindOf(blk.Operator),
		}
		nodes = append(nodes, node)

		var walkErr error
		walkArgs(blk.Args, "", func(path string, a *schema.Arg) {
			if walkErr != nil {
				return
			}
			switch a.Kind {
			case schema.ArgRef:
				if a.Ref < 0 || a.Ref >= len(seq.Blocks) {
					walkErr = schema.NewErrorf(schema.ErrCodeMalformedAction, "reference to block %d is out of range", a.Ref).
						WithBlock(seq.ID, i)
					return
				}
				target := &seq.Blocks[a.Ref]
				edges = append(edges, Edge{
					From:   NodeID(seq.ID, a.Ref),
					To:     node.ID,
					Label:  path,
					Dashed: target.Parent != i,
				})
			case schema.ArgSequence:
				if !a.Inline {
					edges = append(edges, Edge{From: node.ID, To: b.externalNode(a.Sequence), Label: path})
					return
				}
				child := b.root.Child(a.Sequence)
				if child == nil {
					walkErr = schema.NewErrorf(schema.ErrCodeNotFound, "inline sequence %q is missing", a.Sequence)
					return
				}
				cn, ce, err := b.sequence(child)
				if err != nil {
					walkErr = err
					return
				}
				node.Children = append(node.Children, &SubGraph{Label: path, Nodes: cn, Edges: ce})
			}
		})
		if walkErr != nil {
			return nil, nil, walkErr
		}
	}
	return nodes, edges, nil
}

func (b *builder) externalNode(id string) string {
	nodeID := "seq:" + id
	if !b.external[id] {
		b.external[id] = true
		b.externals = append(b.externals, &Node{ID: nodeID, Label: id, Kind: NodeKindSequence})
	}
	return nodeID
}

// walkArgs visits every ref and sequence argument with its dotted path.
func walkArgs(a *schema.Arg, path string, fn func(path string, a *schema.Arg)) {
	if a == nil {
		return
	}
	switch a.Kind {
	case schema.ArgRef, schema.ArgSequence:
		fn(path, a)
	case schema.ArgObject:
		for _, k := range schema.SortedKeys(a.Fields) {
			walkArgs(a.Fields[k], join(path, k), fn)
		}
	case schema.ArgArray:
		for i, item := range a.Items {
			walkArgs(item, join(path, fmt.Sprint(i)), fn)
		}
	}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func topLevel(seq *schema.Sequence) []int {
	var out []int
	for i := range seq.Blocks {
		if seq.Blocks[i].TopLevel() {
			out = append(out, i)
		}
	}
	return out
}

func kindOf(op string) NodeKind {
	switch op {
	case operators.OpLogicIf:
		return NodeKindCondition
	case operators.OpListMap:
		return NodeKindLoop
	case operators.OpActionDispatch:
		return NodeKindDispatch
	case operators.OpFetchGetAll:
		return NodeKindFetch
	default:
		return NodeKindAction
	}
}

// Overlay marks nodes with the outcome recorded by block_completed and
// block_failed events. Later events win.
func Overlay(m *DiagramModel, events []*schema.Event) {
	for _, e := range events {
		if e.Block == nil {
			continue
		}
		var status string
		switch e.Type {
		case schema.EventBlockCompleted:
			status = "completed"
		case schema.EventBlockFailed:
			status = "failed"
		default:
			continue
		}
		n := m.Node(NodeID(e.SequenceID, *e.Block))
		if n == nil {
			continue
		}
		overlay := &StatusOverlay{Status: status}
		if status == "failed" {
			var p struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(e.Payload, &p)
			overlay.Error = p.Error
		}
		n.Status = overlay
	}
}
