// Package handlers provides the stock node handlers: analysis, code
// generation and review backed by a language model, and file writes routed
// through the staging layer.
package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/tmc/langchaingo/llms"

	"github.com/avi3tal/agentcore/internal/engine"
	"github.com/avi3tal/agentcore/internal/graph"
	"github.com/avi3tal/agentcore/internal/staging"
)

// Context keys read by the handlers
const (
	// ModelKey may carry an llms.Model in the run context; it overrides the
	// model the handlers were built with.
	ModelKey = "runner"
	// MessageKey is the node instruction, usually set in the node payload
	MessageKey = "message"
	// SourceKey names the upstream node whose result a handler builds on
	SourceKey = "source"
)

// Default upstream node IDs
const (
	AnalyzeNodeID  = "analyze_request"
	GenerateNodeID = "generate_code"
	ReviewNodeID   = "review_changes"
)

const (
	analysisPrompt = "Analyze this request and provide a detailed step-by-step technical plan: %s"
	codePrompt     = "Based on this plan: %s\n\nActually implement every file and line of code mentioned for this requirement: %s. " +
		"Use 'write_file' for every file. Do not just describe the code, write it to disk."
	reviewPrompt = "Review the following implementation and confirm it meets all user goals: %s.\n" +
		"Implementation summary: %s\nIf anything is missing (like a requested file), create it now using write_file."

	noPlan = "No plan available."
	noCode = "No code was generated."
)

// Stager is the part of the staging layer the write handler needs
type Stager interface {
	CreatePatch(ctx context.Context, path, proposed string) (staging.CreateResult, error)
}

// Set holds the collaborators shared by the stock handlers
type Set struct {
	model  llms.Model
	stager Stager
	logger *slog.Logger
}

type Option func(*Set)

// WithModel sets the language model used when the run context carries none
func WithModel(m llms.Model) Option {
	return func(s *Set) {
		s.model = m
	}
}

// WithStager enables the write_file handler
func WithStager(st Stager) Option {
	return func(s *Set) {
		s.stager = st
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Set) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(opts ...Option) *Set {
	s := &Set{logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register binds every stock handler to reg. write_file is registered only
// when a stager is configured.
func (s *Set) Register(reg *engine.Registry) error {
	handlers := map[graph.NodeType]engine.HandlerFunc{
		graph.TypeAnalysis: s.Analysis,
		graph.TypeCode:     s.Code,
		graph.TypeReview:   s.Review,
	}
	if s.stager != nil {
		handlers[graph.TypeWriteFile] = s.WriteFile
	}
	for t, h := range handlers {
		if err := reg.Register(t, h); err != nil {
			return errors.Wrapf(err, "failed to register %s handler", t)
		}
	}
	return nil
}

// Analysis produces a plan for the request in the node message
func (s *Set) Analysis(ctx context.Context, in engine.Context) (any, error) {
	message := in.String(MessageKey)
	model := s.modelFor(in)
	if model == nil {
		return map[string]any{"action": "analyzed", "findings": message}, nil
	}

	res, err := s.generate(ctx, model, fmt.Sprintf(analysisPrompt, message))
	if err != nil {
		return nil, err
	}
	return map[string]any{"action": "analyzed", "findings": res}, nil
}

// Code implements the plan produced by the analysis node
func (s *Set) Code(ctx context.Context, in engine.Context) (any, error) {
	model := s.modelFor(in)
	if model == nil {
		return map[string]any{"action": "generated", "status": "success"}, nil
	}

	plan := upstreamField(in, sourceOr(in, AnalyzeNodeID), "findings", noPlan)
	res, err := s.generate(ctx, model, fmt.Sprintf(codePrompt, plan, in.String(MessageKey)))
	if err != nil {
		return nil, err
	}
	return map[string]any{"action": "generated", "status": "success", "agent_response": res}, nil
}

// Review checks the output of the code node
func (s *Set) Review(ctx context.Context, in engine.Context) (any, error) {
	model := s.modelFor(in)
	if model == nil {
		return map[string]any{"action": "reviewed", "verdict": "approved"}, nil
	}

	prev := upstreamField(in, sourceOr(in, GenerateNodeID), "agent_response", noCode)
	res, err := s.generate(ctx, model, fmt.Sprintf(reviewPrompt, in.String(MessageKey), prev))
	if err != nil {
		return nil, err
	}
	return map[string]any{"action": "reviewed", "verdict": "approved", "agent_response": res}, nil
}

// WriteFile proposes {path, content} through the staging layer
func (s *Set) WriteFile(ctx context.Context, in engine.Context) (any, error) {
	if s.stager == nil {
		return nil, errors.New("write_file requires a staging layer")
	}
	path := in.String("path")
	if path == "" {
		return nil, errors.New("write_file: payload is missing 'path'")
	}
	content, ok := in["content"].(string)
	if !ok {
		return nil, errors.New("write_file: payload is missing 'content'")
	}

	res, err := s.stager.CreatePatch(ctx, path, content)
	if err != nil {
		return nil, errors.Wrapf(err, "write_file %s", path)
	}
	s.logger.Info("write proposed",
		slog.String("path", res.FilePath),
		slog.String("status", res.Status),
		slog.String("session_id", res.SessionID),
	)

	out := map[string]any{
		"action":    res.Action,
		"status":    res.Status,
		"file_path": res.FilePath,
	}
	if res.SessionID != "" {
		out["session_id"] = res.SessionID
		out["diff"] = res.Diff
	}
	return out, nil
}

func (s *Set) modelFor(in engine.Context) llms.Model {
	if m, ok := in[ModelKey].(llms.Model); ok && m != nil {
		return m
	}
	return s.model
}

func (s *Set) generate(ctx context.Context, model llms.Model, prompt string) (string, error) {
	res, err := llms.GenerateFromSinglePrompt(ctx, model, prompt)
	if err != nil {
		return "", errors.Wrap(err, "model call failed")
	}
	return res, nil
}

func sourceOr(in engine.Context, def string) string {
	if src := in.String(SourceKey); src != "" {
		return src
	}
	return def
}

// upstreamField reads a string field from a previous node's result
func upstreamField(in engine.Context, nodeID, field, def string) string {
	prev, ok := in.PreviousResult(nodeID)
	if !ok {
		return def
	}
	m, ok := prev.(map[string]any)
	if !ok {
		return def
	}
	v, ok := m[field].(string)
	if !ok || v == "" {
		return def
	}
	return v
}
