package diagram

import (
	"fmt"
	"strings"
)

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_", "/", "_", "#", "_", ":", "_")

// RenderMermaid renders a model as a Mermaid flowchart.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}
	writeMermaidNodes(&b, model.Nodes, "    ")
	writeMermaidEdges(&b, model.Edges, "    ")

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")

	model.walk(func(n *Node) {
		if n.Status != nil {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(n.ID), n.Status.Status)
		}
	})
	return b.String()
}

func writeMermaidNodes(b *strings.Builder, nodes []*Node, indent string) {
	for _, n := range nodes {
		fmt.Fprintf(b, "%s%s\n", indent, mermaidNodeDef(n))
		for _, sg := range n.Children {
			fmt.Fprintf(b, "%ssubgraph %s[%q]\n", indent, mermaidSafeID(n.ID+"_"+sg.Label), n.Label+": "+sg.Label)
			writeMermaidNodes(b, sg.Nodes, indent+"    ")
			writeMermaidEdges(b, sg.Edges, indent+"    ")
			fmt.Fprintf(b, "%send\n", indent)
			if len(sg.Nodes) > 0 {
				fmt.Fprintf(b, "%s%s -.->|%s| %s\n", indent, mermaidSafeID(n.ID), sg.Label, mermaidSafeID(sg.Nodes[0].ID))
			}
		}
	}
}

func writeMermaidEdges(b *strings.Builder, edges []Edge, indent string) {
	for _, e := range edges {
		arrow := "-->"
		if e.Dashed {
			arrow = "-.->"
		}
		label := ""
		if e.Label != "" {
			label = "|" + e.Label + "|"
		}
		fmt.Fprintf(b, "%s%s %s%s %s\n", indent, mermaidSafeID(e.From), arrow, label, mermaidSafeID(e.To))
	}
}

func mermaidNodeDef(n *Node) string {
	id := mermaidSafeID(n.ID)
	switch n.Kind {
	case NodeKindCondition:
		return fmt.Sprintf("%s{%q}", id, n.Label)
	case NodeKindLoop, NodeKindDispatch:
		return fmt.Sprintf("%s[[%q]]", id, n.Label)
	case NodeKindFetch:
		return fmt.Sprintf("%s([%q])", id, n.Label)
	case NodeKindSequence:
		return fmt.Sprintf("%s>%q]", id, n.Label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, n.Label)
	default:
		return fmt.Sprintf("%s[%q]", id, n.Label)
	}
}

func mermaidSafeID(id string) string {
	return mermaidIDReplacer.Replace(id)
}
