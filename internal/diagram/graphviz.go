package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Image formats accepted by RenderImage.
const (
	FormatPNG = "png"
	FormatSVG = "svg"
)

// RenderImage lays the model out with graphviz dot and renders it as PNG or SVG.
func RenderImage(ctx context.Context, model *DiagramModel, format string) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case FormatPNG, "":
		gvFormat = graphviz.PNG
	case FormatSVG:
		gvFormat = graphviz.SVG
	default:
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	d := &dotWriter{root: graph, nodes: make(map[string]*cgraph.Node)}
	if err := d.addNodes(graph, model.Nodes); err != nil {
		return nil, err
	}
	d.addEdges(model.Edges)

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// dotWriter copies a DiagramModel into a cgraph graph. Nodes land in the
// graph or cluster that owns them; every edge goes on the root.
type dotWriter struct {
	root  *cgraph.Graph
	nodes map[string]*cgraph.Node
}

// addNodes adds nodes to g, opening a dashed cluster per inline sub-sequence.
func (d *dotWriter) addNodes(g *cgraph.Graph, nodes []*Node) error {
	for _, n := range nodes {
		node, err := g.CreateNodeByName(n.ID)
		if err != nil {
			return fmt.Errorf("diagram: create node %s: %w", n.ID, err)
		}
		node.SetLabel(n.Label)
		styleNode(node, n)
		d.nodes[n.ID] = node

		for _, child := range n.Children {
			cluster, err := g.CreateSubGraphByName("cluster_" + n.ID + "_" + child.Label)
			if err != nil {
				return fmt.Errorf("diagram: create cluster %s: %w", child.Label, err)
			}
			cluster.SetLabel(child.Label)
			cluster.SetStyle(cgraph.DashedGraphStyle)
			if err := d.addNodes(cluster, child.Nodes); err != nil {
				return err
			}
			d.addEdges(child.Edges)
			if len(child.Nodes) > 0 {
				d.addEdges([]Edge{{From: n.ID, To: child.Nodes[0].ID, Label: child.Label, Dashed: true}})
			}
		}
	}
	return nil
}

// addEdges skips edges whose ends were never drawn.
func (d *dotWriter) addEdges(edges []Edge) {
	for _, e := range edges {
		from, to := d.nodes[e.From], d.nodes[e.To]
		if from == nil || to == nil {
			continue
		}
		edge, err := d.root.CreateEdgeByName("", from, to)
		if err != nil {
			continue
		}
		if e.Label != "" {
			edge.SetLabel(e.Label)
		}
		if e.Dashed {
			edge.SetStyle(cgraph.DashedEdgeStyle)
		}
	}
}

var nodeShapes = map[NodeKind]cgraph.Shape{
	NodeKindCondition: cgraph.DiamondShape,
	NodeKindLoop:      cgraph.HexagonShape,
	NodeKindDispatch:  cgraph.HexagonShape,
	NodeKindFetch:     cgraph.EllipseShape,
	NodeKindSequence:  cgraph.EllipseShape,
	NodeKindStart:     cgraph.CircleShape,
	NodeKindEnd:       cgraph.CircleShape,
}

var statusFill = map[string]string{
	"completed": "#2d6a2d",
	"failed":    "#8b1a1a",
}

func styleNode(node *cgraph.Node, n *Node) {
	shape, ok := nodeShapes[n.Kind]
	if !ok {
		shape = cgraph.BoxShape
	}
	node.SetShape(shape)
	if shape == cgraph.CircleShape {
		node.SetWidth(0.5)
		node.SetHeight(0.5)
	}

	if n.Status == nil {
		return
	}
	node.SetStyle(cgraph.FilledNodeStyle)
	node.SetFontColor("white")
	if fill, ok := statusFill[n.Status.Status]; ok {
		node.SetFillColor(fill)
	}
}
