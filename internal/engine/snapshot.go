package engine

import (
	"math"

	"github.com/avi3tal/agentcore/internal/graph"
)

// SnapshotType is the event type carried by every snapshot
const SnapshotType = "dag_update"

// NodeState is the per-node entry of a snapshot
type NodeState struct {
	ID     string       `json:"id"`
	Status graph.Status `json:"status"`
}

// Snapshot is a point-in-time view of a run. Its JSON form is consumed by UIs
// and telemetry and must not change shape.
type Snapshot struct {
	Type            string         `json:"type"`
	GraphID         string         `json:"graph_id"`
	Nodes           []NodeState    `json:"nodes"`
	CurrentNode     string         `json:"current_node"`
	Progress        float64        `json:"progress"`
	TemplateContext map[string]any `json:"template_context,omitempty"`
}

// Summary is the final report of a run
type Summary struct {
	CompletedNodes int                     `json:"completed_nodes"`
	Failed         bool                    `json:"failed"`
	FinalState     map[string]graph.Status `json:"final_state"`
}

// FailedNode returns the first failed node of g, if any
func FailedNode(g *graph.Graph) (*graph.Node, bool) {
	for _, n := range g.Nodes() {
		if n.Status == graph.StatusFailed {
			return n, true
		}
	}
	return nil, false
}

// TakeSnapshot captures the state of g with current as the transitioning node
func TakeSnapshot(g *graph.Graph, current string) Snapshot {
	nodes := g.Nodes()
	snap := Snapshot{
		Type:        SnapshotType,
		GraphID:     g.ID(),
		Nodes:       make([]NodeState, 0, len(nodes)),
		CurrentNode: current,
	}

	completed := 0
	for _, n := range nodes {
		snap.Nodes = append(snap.Nodes, NodeState{ID: n.ID, Status: n.Status})
		if n.Status == graph.StatusCompleted {
			completed++
		}
	}
	snap.Progress = progress(completed, len(nodes))
	return snap
}

// Summarize reports the terminal state of g. CompletedNodes counts distinct
// nodes, so a node revisited through several edges counts once.
func Summarize(g *graph.Graph) Summary {
	s := Summary{
		FinalState: make(map[string]graph.Status, g.Len()),
	}
	for _, n := range g.Nodes() {
		s.FinalState[n.ID] = n.Status
		switch n.Status {
		case graph.StatusCompleted:
			s.CompletedNodes++
		case graph.StatusFailed:
			s.Failed = true
		}
	}
	return s
}

// progress is completed/total rounded to two decimals, 0 for an empty graph
func progress(completed, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(completed)/float64(total)*100) / 100
}
