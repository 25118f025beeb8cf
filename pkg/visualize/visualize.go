// Package visualize renders a dataflow as a diagram.
package visualize

import (
	"fmt"

	"github.com/emicklei/dot"

	"github.com/l7mp/amnesia/pkg/dbsp"
)

// Graph represents the visualization graph of a dataflow.
type Graph struct {
	Name  string
	Nodes []OperatorNode
	Edges []Edge
}

// OperatorNode represents a single operator in the graph.
type OperatorNode struct {
	ID   int
	Name string
	Type dbsp.OperatorType
	// Input is set for operators that are fed from outside the dataflow.
	Input bool
	// Terminal is set for operators whose output is not consumed inside the dataflow.
	Terminal bool
}

// Edge connects an operator to one of its consumers.
type Edge struct {
	From, To int
	// Label names the input port for operators with more than one input.
	Label string
}

// BuildGraph constructs a visualization graph from the operators of a worker.
func BuildGraph(name string, ops []dbsp.Operator) *Graph {
	g := &Graph{
		Name:  name,
		Nodes: make([]OperatorNode, 0, len(ops)),
		Edges: make([]Edge, 0),
	}

	consumed := map[int]bool{}
	for _, op := range ops {
		inputs := op.Inputs()
		for i, in := range inputs {
			consumed[in.ID()] = true
			g.Edges = append(g.Edges, Edge{From: in.ID(), To: op.ID(), Label: portLabel(i, len(inputs))})
		}
	}

	for _, op := range ops {
		g.Nodes = append(g.Nodes, OperatorNode{
			ID:       op.ID(),
			Name:     op.Name(),
			Type:     op.OpType(),
			Input:    op.Arity() == 0,
			Terminal: !consumed[op.ID()],
		})
	}

	return g
}

func portLabel(i, n int) string {
	if n != 2 {
		return ""
	}
	if i == 0 {
		return "left"
	}
	return "right"
}

func nodeID(id int) string { return fmt.Sprintf("op%d", id) }

// fillColor returns the fill color of an operator by how it handles deltas.
func fillColor(n OperatorNode) string {
	switch {
	case n.Input:
		return "lightgreen"
	case n.Terminal:
		return "lightcyan"
	}
	switch n.Type {
	case dbsp.OpTypeLinear:
		return "lightblue"
	case dbsp.OpTypeBilinear:
		return "orange"
	case dbsp.OpTypeNonLinear:
		return "lightyellow"
	default:
		return "lightgrey"
	}
}

// BuildDotGraph creates a dot.Graph from the visualization graph.
// This unified graph can then be rendered in different formats (DOT, Mermaid, etc.).
func BuildDotGraph(g *Graph) *dot.Graph {
	graph := dot.NewGraph(dot.Directed)
	graph.Attr("rankdir", "LR") // Left to right layout.
	graph.Attr("newrank", "true")
	graph.Attr("label", g.Name)
	graph.Attr("labelloc", "t") // Label at top.
	graph.Attr("fontsize", "16")

	nodes := make(map[int]dot.Node, len(g.Nodes))
	for _, n := range g.Nodes {
		shape, style := "box", "filled,rounded"
		if n.Input {
			shape, style = "ellipse", "filled"
		}
		nodes[n.ID] = graph.Node(nodeID(n.ID)).
			Attr("label", fmt.Sprintf("%s\n(%s)", n.Name, n.Type)).
			Attr("shape", shape).
			Attr("style", style).
			Attr("fillcolor", fillColor(n)).
			Attr("fontname", "helvetica")
	}

	for _, e := range g.Edges {
		from, fromExists := nodes[e.From]
		to, toExists := nodes[e.To]
		if !fromExists || !toExists {
			continue
		}
		edge := graph.Edge(from, to)
		if e.Label != "" {
			edge.Attr("label", e.Label).
				Attr("fontname", "helvetica").
				Attr("fontsize", "10")
		}
	}

	return graph
}
