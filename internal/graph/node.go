package graph

import "maps"

// Status is the lifecycle state of a node within a single run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition happens for this run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// NodeType tags a node with the kind of work it performs. The engine uses it
// to pick a handler.
type NodeType string

// Well-known node types
const (
	TypeAnalysis  NodeType = "analysis"
	TypeCode      NodeType = "code"
	TypeReview    NodeType = "review"
	TypeWriteFile NodeType = "write_file"
)

// Node represents a single unit of work in a task graph
type Node struct {
	ID      string
	Type    NodeType
	Payload map[string]any

	Status Status
	Result any
	Error  string
}

// NewNode creates a pending node
func NewNode(id string, nodeType NodeType, payload map[string]any) *Node {
	if payload == nil {
		payload = make(map[string]any)
	}
	return &Node{
		ID:      id,
		Type:    nodeType,
		Payload: payload,
		Status:  StatusPending,
	}
}

func (n *Node) reset() {
	n.Status = StatusPending
	n.Result = nil
	n.Error = ""
}

func (n *Node) clone() *Node {
	return &Node{
		ID:      n.ID,
		Type:    n.Type,
		Payload: maps.Clone(n.Payload),
		Status:  StatusPending,
	}
}
