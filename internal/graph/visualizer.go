package graph

import (
	"fmt"
	"io"
)

// Info represents the graph structure for visualization
type Info struct {
	ID    string     `json:"graph_id"`
	Entry string     `json:"entry"`
	Nodes []NodeInfo `json:"nodes"`
	Edges []EdgeInfo `json:"edges"`
}

type NodeInfo struct {
	ID     string   `json:"id"`
	Type   NodeType `json:"type"`
	Status Status   `json:"status"`
}

type EdgeInfo struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (g *Graph) Info() *Info {
	info := &Info{
		ID:    g.id,
		Entry: g.entry,
		Nodes: make([]NodeInfo, 0, len(g.order)),
	}

	for _, id := range g.order {
		n := g.nodes[id]
		info.Nodes = append(info.Nodes, NodeInfo{ID: n.ID, Type: n.Type, Status: n.Status})
		for _, to := range g.edges[id] {
			info.Edges = append(info.Edges, EdgeInfo{From: id, To: to})
		}
	}

	return info
}

func (g *Graph) Print(w io.Writer) {
	info := g.Info()

	fmt.Fprintf(w, "Graph Structure: %s\n", info.ID)
	fmt.Fprintf(w, "Entry Point: %s\n\n", info.Entry)

	fmt.Fprintln(w, "Nodes:")
	for _, node := range info.Nodes {
		if node.ID == info.Entry {
			fmt.Fprintf(w, "  * %s [%s] (Entry)\n", node.ID, node.Type)
		} else {
			fmt.Fprintf(w, "  - %s [%s]\n", node.ID, node.Type)
		}
	}

	fmt.Fprintln(w, "\nEdges:")
	for _, edge := range info.Edges {
		fmt.Fprintf(w, "  %s --> %s\n", edge.From, edge.To)
	}
}
