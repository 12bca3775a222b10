package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNodeNotFound is returned when referencing a non-existent node
	ErrNodeNotFound = errors.New("node not found")

	// ErrCyclicDependency is returned when a cycle is detected in the graph
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// ErrNoEntryPoint is returned when validating a non-empty graph with no entry node
	ErrNoEntryPoint = errors.New("graph must have an entry node")
)

// MissingNodeError is returned when an operation references a node that is
// not part of the graph.
type MissingNodeError struct {
	// Op is the operation that failed
	Op string
	// Node is the ID that could not be resolved
	Node string
}

func (e *MissingNodeError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrNoEntryPoint)
	}
	return fmt.Sprintf("%s: node '%s': %v", e.Op, e.Node, ErrNodeNotFound)
}

func (e *MissingNodeError) Unwrap() error {
	if e.Node == "" {
		return ErrNoEntryPoint
	}
	return ErrNodeNotFound
}

// NewMissingNodeError creates a new MissingNodeError
func NewMissingNodeError(op, node string) error {
	return &MissingNodeError{Op: op, Node: node}
}

// CyclicGraphError reports a back edge found during validation. Path lists
// the nodes of the cycle, starting and ending with the same ID.
type CyclicGraphError struct {
	Path []string
}

func (e *CyclicGraphError) Error() string {
	return fmt.Sprintf("validation failed: %v: %s", ErrCyclicDependency, strings.Join(e.Path, " -> "))
}

func (e *CyclicGraphError) Unwrap() error {
	return ErrCyclicDependency
}
