// Package diagram draws compiled sequences as flowcharts: one node per
// block, solid edges for execution order and nested results, dashed edges
// for back-references, and subgraphs for inline sub-sequences.
package diagram

// NodeKind picks a node's shape.
type NodeKind string

const (
	NodeKindAction    NodeKind = "action"
	NodeKindCondition NodeKind = "condition"
	NodeKindLoop      NodeKind = "loop"
	NodeKindDispatch  NodeKind = "dispatch"
	NodeKindFetch     NodeKind = "fetch"
	NodeKindSequence  NodeKind = "sequence"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// DiagramModel is the intermediate representation shared by the renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one block, a named sequence it calls, or a start/end marker.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph
}

// SubGraph holds an inline sub-sequence passed through a deferred argument.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries the outcome of a block in one execution.
type StatusOverlay struct {
	Status string
	Error  string
}

// Edge connects two nodes. Dashed marks a back-reference to an earlier
// top-level result.
type Edge struct {
	From   string
	To     string
	Label  string
	Dashed bool
}

// walk visits every node, subgraph members included.
func (m *DiagramModel) walk(fn func(*Node)) {
	var visit func(nodes []*Node)
	visit = func(nodes []*Node) {
		for _, n := range nodes {
			fn(n)
			for _, sg := range n.Children {
				visit(sg.Nodes)
			}
		}
	}
	visit(m.Nodes)
}

// Node returns the node with the given id, or nil.
func (m *DiagramModel) Node(id string) *Node {
	var found *Node
	m.walk(func(n *Node) {
		if found == nil && n.ID == id {
			found = n
		}
	})
	return found
}
