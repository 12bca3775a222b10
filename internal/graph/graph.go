package graph

import (
	"slices"
	"strings"
)

// DefaultGraphID identifies task graphs in snapshots unless overridden
const DefaultGraphID = "planner_dag"

// Graph is a directed task graph with a designated entry node. It carries the
// per-node run state, so a single instance must not be executed concurrently;
// use Clone to run the same plan in parallel.
type Graph struct {
	id    string
	nodes map[string]*Node
	order []string
	edges map[string][]string
	entry string
}

type Option func(*Graph)

// WithGraphID sets the identifier reported in snapshots
func WithGraphID(id string) Option {
	return func(g *Graph) {
		// remove spaces
		g.id = strings.ReplaceAll(id, " ", "-")
	}
}

// New creates an empty graph
func New(opt ...Option) *Graph {
	g := Graph{
		id:    DefaultGraphID,
		nodes: make(map[string]*Node),
		edges: make(map[string][]string),
	}
	for _, o := range opt {
		o(&g)
	}
	return &g
}

// ID returns the graph identifier
func (g *Graph) ID() string {
	return g.id
}

// AddNode inserts a node and initialises its outgoing edge list. Adding an ID
// that already exists replaces the node and drops its edges.
func (g *Graph) AddNode(n *Node) {
	if _, exists := g.nodes[n.ID]; !exists {
		g.order = append(g.order, n.ID)
	}
	if n.Payload == nil {
		n.Payload = make(map[string]any)
	}
	if n.Status == "" {
		n.Status = StatusPending
	}
	g.nodes[n.ID] = n
	g.edges[n.ID] = []string{}
}

// AddEdge appends to to from's successor list
func (g *Graph) AddEdge(from, to string) error {
	if _, exists := g.nodes[from]; !exists {
		return NewMissingNodeError("add edge", from)
	}
	if _, exists := g.nodes[to]; !exists {
		return NewMissingNodeError("add edge", to)
	}
	g.edges[from] = append(g.edges[from], to)
	return nil
}

// Successors returns the ordered successor IDs of a node
func (g *Graph) Successors(id string) []string {
	next, ok := g.edges[id]
	if !ok {
		return []string{}
	}
	return next
}

// SetEntry sets the node the engine starts from
func (g *Graph) SetEntry(id string) error {
	if _, exists := g.nodes[id]; !exists {
		return NewMissingNodeError("set entry", id)
	}
	g.entry = id
	return nil
}

// Entry returns the entry node ID, or "" when unset
func (g *Graph) Entry() string {
	return g.entry
}

// Node returns the node with the given ID
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in insertion order
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Len returns the number of nodes
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Validate checks the entry node and acyclicity. It must pass before a run.
func (g *Graph) Validate() error {
	if len(g.nodes) > 0 {
		if g.entry == "" {
			return NewMissingNodeError("validate", "")
		}
		if _, exists := g.nodes[g.entry]; !exists {
			return NewMissingNodeError("validate", g.entry)
		}
	}
	return g.ValidateAcyclic()
}

// ValidateAcyclic runs a depth-first search from every node and fails on the
// first successor found on the current stack.
func (g *Graph) ValidateAcyclic() error {
	visited := make(map[string]bool, len(g.nodes))
	onStack := make(map[string]bool)
	var stack []string

	var dfs func(id string) error
	dfs = func(id string) error {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		for _, next := range g.edges[id] {
			if onStack[next] {
				start := slices.Index(stack, next)
				path := append(slices.Clone(stack[start:]), next)
				return &CyclicGraphError{Path: path}
			}
			if !visited[next] {
				if err := dfs(next); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		onStack[id] = false
		return nil
	}

	for _, id := range g.order {
		if visited[id] {
			continue
		}
		if err := dfs(id); err != nil {
			return err
		}
	}
	return nil
}

// ResetStates puts every node back to PENDING without touching topology
func (g *Graph) ResetStates() {
	for _, n := range g.nodes {
		n.reset()
	}
}

// Clone returns a copy with the same topology and fresh node state
func (g *Graph) Clone() *Graph {
	c := &Graph{
		id:    g.id,
		nodes: make(map[string]*Node, len(g.nodes)),
		order: slices.Clone(g.order),
		edges: make(map[string][]string, len(g.edges)),
		entry: g.entry,
	}
	for id, n := range g.nodes {
		c.nodes[id] = n.clone()
	}
	for id, next := range g.edges {
		c.edges[id] = slices.Clone(next)
	}
	return c
}

// Predecessors counts incoming edges per node, restricted to nodes reachable
// from the entry. Parallel edges count once per edge.
func (g *Graph) Predecessors() map[string]int {
	reachable := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		if reachable[id] {
			return
		}
		reachable[id] = true
		for _, next := range g.edges[id] {
			walk(next)
		}
	}
	if g.entry != "" {
		walk(g.entry)
	}

	counts := make(map[string]int, len(reachable))
	for id := range reachable {
		for _, next := range g.edges[id] {
			counts[next]++
		}
	}
	return counts
}
