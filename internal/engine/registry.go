package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/avi3tal/agentcore/internal/graph"
)

var (
	// ErrNoHandler is recorded on a node whose type has no registered handler
	ErrNoHandler = errors.New("no handler registered for node type")

	// ErrDuplicateHandler is returned when registering a type twice
	ErrDuplicateHandler = errors.New("handler already registered for node type")
)

// Context is the merged input handed to a handler: the run context, the
// node's payload and the results of previously completed nodes.
type Context map[string]any

// PreviousResultsKey holds a map of node ID to result for every node that has
// completed so far in the run.
const PreviousResultsKey = "previous_results"

// String returns the value at key when it is a string
func (c Context) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// PreviousResult returns the result recorded for a completed node
func (c Context) PreviousResult(nodeID string) (any, bool) {
	prev, ok := c[PreviousResultsKey].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := prev[nodeID]
	return v, ok
}

// Handler performs the work for one node type
type Handler interface {
	Handle(ctx context.Context, in Context) (any, error)
}

// HandlerFunc adapts a plain function to Handler
type HandlerFunc func(ctx context.Context, in Context) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, in Context) (any, error) {
	return f(ctx, in)
}

// Registry maps node types to handlers. It is constructed by the caller and
// passed to the engine; there is no package-level registry.
type Registry struct {
	handlers map[graph.NodeType]Handler
	mu       sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[graph.NodeType]Handler),
	}
}

// Register binds a handler to a node type
func (r *Registry) Register(t graph.NodeType, h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler for node type %s", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, t)
	}
	r.handlers[t] = h
	return nil
}

// RegisterFunc is Register for plain functions
func (r *Registry) RegisterFunc(t graph.NodeType, fn func(context.Context, Context) (any, error)) error {
	return r.Register(t, HandlerFunc(fn))
}

// Lookup returns the handler for a node type
func (r *Registry) Lookup(t graph.NodeType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types returns the registered node types, sorted
func (r *Registry) Types() []graph.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]graph.NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Check reports every node of g whose type has no handler, before anything
// runs.
func (r *Registry) Check(g *graph.Graph) error {
	var missing []MissingHandler
	for _, n := range g.Nodes() {
		if _, ok := r.Lookup(n.Type); !ok {
			missing = append(missing, MissingHandler{Node: n.ID, Type: n.Type})
		}
	}
	if len(missing) > 0 {
		return &MissingHandlerError{Missing: missing}
	}
	return nil
}

type MissingHandler struct {
	Node string
	Type graph.NodeType
}

// MissingHandlerError lists nodes that cannot be dispatched
type MissingHandlerError struct {
	Missing []MissingHandler
}

func (e *MissingHandlerError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		parts = append(parts, fmt.Sprintf("%s (%s)", m.Node, m.Type))
	}
	return fmt.Sprintf("validation failed: %v: %s", ErrNoHandler, strings.Join(parts, ", "))
}

func (e *MissingHandlerError) Unwrap() error {
	return ErrNoHandler
}
