// Package plan turns declarative plan documents into task graphs. Plans can be
// written in YAML, JSON or HCL and are checked against a handler registry
// when built, so unknown node types are caught before a run starts.
package plan

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/avi3tal/agentcore/internal/engine"
	"github.com/avi3tal/agentcore/internal/graph"
)

// Plan is a declarative task graph
type Plan struct {
	ID    string `json:"id,omitempty" yaml:"id,omitempty"`
	Entry string `json:"entry" yaml:"entry"`
	Tasks []Task `json:"tasks" yaml:"tasks"`
}

// Task is one node of a plan with its outgoing edges
type Task struct {
	ID      string         `json:"id" yaml:"id"`
	Type    string         `json:"type" yaml:"type"`
	Payload map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	Next    []string       `json:"next,omitempty" yaml:"next,omitempty"`
}

// BuildOption configures Build
type BuildOption func(*buildConfig)

type buildConfig struct {
	registry *engine.Registry
}

// WithRegistry checks every task type against reg
func WithRegistry(reg *engine.Registry) BuildOption {
	return func(c *buildConfig) {
		c.registry = reg
	}
}

// Build creates a validated graph from p
func (p *Plan) Build(opts ...BuildOption) (*graph.Graph, error) {
	cfg := buildConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	var gopts []graph.Option
	if p.ID != "" {
		gopts = append(gopts, graph.WithGraphID(p.ID))
	}
	g := graph.New(gopts...)

	seen := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.ID == "" {
			return nil, errors.New("plan task without id")
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("plan task %s is defined twice", t.ID)
		}
		if t.Type == "" {
			return nil, fmt.Errorf("plan task %s has no type", t.ID)
		}
		seen[t.ID] = true
		g.AddNode(graph.NewNode(t.ID, graph.NodeType(t.Type), t.Payload))
	}

	for _, t := range p.Tasks {
		for _, next := range t.Next {
			if err := g.AddEdge(t.ID, next); err != nil {
				return nil, err
			}
		}
	}

	entry := p.Entry
	if entry == "" && len(p.Tasks) > 0 {
		entry = p.Tasks[0].ID
	}
	if entry != "" {
		if err := g.SetEntry(entry); err != nil {
			return nil, err
		}
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	if cfg.registry != nil {
		if err := cfg.registry.Check(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}
