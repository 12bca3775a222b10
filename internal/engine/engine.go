// Package engine drives a task graph to completion or first failure,
// dispatching every node to a registered handler and reporting progress as a
// sequence of snapshots.
package engine

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/avi3tal/agentcore/internal/graph"
)

// Engine executes graphs sequentially, breadth first, halting on the first
// failed node. An Engine may be shared; a Graph instance may not be run
// concurrently.
type Engine struct {
	registry *Registry
	logger   *slog.Logger
	sinks    []Sink

	join            bool
	strict          bool
	maxSteps        int
	templateContext map[string]any

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracer         trace.Tracer
	metrics        *metrics
}

// New creates an engine dispatching through reg
func New(reg *Registry, opts ...Option) *Engine {
	if reg == nil {
		reg = NewRegistry()
	}
	e := &Engine{
		registry: reg,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.tracerProvider == nil {
		e.tracerProvider = otel.GetTracerProvider()
	}
	if e.meterProvider == nil {
		e.meterProvider = otel.GetMeterProvider()
	}
	e.tracer = e.tracerProvider.Tracer(instrumentationName)
	e.metrics = newMetrics(e.meterProvider, e.logger)
	return e
}

// Registry returns the handler registry the engine dispatches through
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Validate runs the checks that must pass before any node executes
func (e *Engine) Validate(g *graph.Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if e.strict {
		return e.registry.Check(g)
	}
	return nil
}

// Stream validates g and returns the run as a lazy sequence of snapshots.
// Nothing executes until the sequence is ranged over; every range starts a
// fresh run from reset state. Breaking out of the range stops the run and
// leaves unreached nodes PENDING.
func (e *Engine) Stream(ctx context.Context, g *graph.Graph, runCtx Context) (iter.Seq[Snapshot], error) {
	if err := e.Validate(g); err != nil {
		return nil, err
	}
	return func(yield func(Snapshot) bool) {
		e.execute(ctx, g, runCtx, yield)
	}, nil
}

// Run executes g to completion or first failure and returns the summary.
// Node failures are reported in the summary, never as an error.
func (e *Engine) Run(ctx context.Context, g *graph.Graph, runCtx Context) (Summary, error) {
	if err := e.Validate(g); err != nil {
		return Summary{}, err
	}
	return e.execute(ctx, g, runCtx, func(Snapshot) bool { return true }), nil
}

type run struct {
	*Engine
	ctx     context.Context
	g       *graph.Graph
	runCtx  Context
	logger  *slog.Logger
	yield   func(Snapshot) bool
	stopped bool
}

func (e *Engine) execute(ctx context.Context, g *graph.Graph, runCtx Context, yield func(Snapshot) bool) Summary {
	runID := uuid.New().String()
	ctx, span := e.tracer.Start(ctx, "engine.Run",
		trace.WithAttributes(
			attribute.String("graph.id", g.ID()),
			attribute.String("run.id", runID),
			attribute.Int("graph.nodes", g.Len()),
		),
	)
	defer span.End()
	start := time.Now()

	r := &run{
		Engine: e,
		ctx:    ctx,
		g:      g,
		runCtx: runCtx,
		logger: e.logger.With(slog.String("graph_id", g.ID()), slog.String("run_id", runID)),
		yield:  yield,
	}

	g.ResetStates()
	r.logger.Info("graph run started", slog.Int("nodes", g.Len()), slog.String("entry", g.Entry()))

	r.emit(g.Entry())
	if !r.stopped && g.Entry() != "" {
		r.loop()
	}

	summary := Summarize(g)
	for _, s := range e.sinks {
		if err := s.PublishSummary(ctx, summary); err != nil {
			r.logger.Warn("failed to publish summary", slog.String("error", err.Error()))
		}
	}

	outcome := "completed"
	switch {
	case summary.Failed:
		outcome = "failed"
		span.SetStatus(codes.Error, "node failed")
	case r.stopped:
		outcome = "stopped"
	}
	span.SetAttributes(
		attribute.Int("run.completed_nodes", summary.CompletedNodes),
		attribute.String("run.outcome", outcome),
	)
	e.metrics.runLatency.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))
	e.metrics.runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))

	r.logger.Info("graph run finished",
		slog.String("outcome", outcome),
		slog.Int("completed_nodes", summary.CompletedNodes),
		slog.Duration("duration", time.Since(start)),
	)
	return summary
}

func (r *run) loop() {
	queue := []string{r.g.Entry()}
	results := make(map[string]any)

	var unmet map[string]int
	if r.join {
		unmet = r.g.Predecessors()
	}

	steps := 0
	for len(queue) > 0 {
		// Pop next node
		current := queue[0]
		queue = queue[1:]

		node, _ := r.g.Node(current)
		node.Status = graph.StatusRunning
		if r.emit(current); r.stopped {
			// the handler never ran
			node.Status = graph.StatusPending
			return
		}

		if err := r.checkLimits(steps); err != nil {
			r.fail(node, err)
			return
		}

		result, err := r.invoke(node, results)
		if err != nil {
			r.fail(node, err)
			return
		}

		node.Status = graph.StatusCompleted
		node.Result = result
		results[current] = result
		r.logger.Info("node completed", slog.String("node", current), slog.String("type", string(node.Type)))
		if r.emit(current); r.stopped {
			return
		}

		for _, next := range r.g.Successors(current) {
			if unmet != nil {
				unmet[next]--
				if unmet[next] > 0 {
					continue
				}
			}
			queue = append(queue, next)
		}
		steps++
	}
}

func (r *run) checkLimits(steps int) error {
	select {
	case <-r.ctx.Done():
		return fmt.Errorf("execution cancelled: %w", r.ctx.Err())
	default:
	}

	if r.maxSteps > 0 && steps >= r.maxSteps {
		return fmt.Errorf("max steps reached (%d)", r.maxSteps)
	}
	return nil
}

// invoke runs the node's handler. A panic inside the handler is reported as
// an ordinary failure.
func (r *run) invoke(node *graph.Node, results map[string]any) (result any, err error) {
	ctx, span := r.tracer.Start(r.ctx, "engine.Node",
		trace.WithAttributes(
			attribute.String("node.id", node.ID),
			attribute.String("node.type", string(node.Type)),
		),
	)
	defer span.End()
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("node_type", string(node.Type)))

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
		r.metrics.nodeLatency.Record(ctx, time.Since(start).Seconds(), attrs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.metrics.nodeFailures.Add(ctx, 1, attrs)
			return
		}
		r.metrics.nodeSuccesses.Add(ctx, 1, attrs)
	}()

	h, ok := r.registry.Lookup(node.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, node.Type)
	}

	in := make(Context, len(r.runCtx)+len(node.Payload)+1)
	maps.Copy(in, r.runCtx)
	maps.Copy(in, node.Payload)
	in[PreviousResultsKey] = maps.Clone(results)

	r.logger.Debug("node started", slog.String("node", node.ID), slog.String("type", string(node.Type)))
	return h.Handle(ctx, in)
}

func (r *run) fail(node *graph.Node, err error) {
	node.Status = graph.StatusFailed
	node.Error = err.Error()
	r.logger.Error("node failed",
		slog.String("node", node.ID),
		slog.String("type", string(node.Type)),
		slog.String("error", node.Error),
	)
	r.emit(node.ID)
}

func (r *run) emit(current string) {
	snap := TakeSnapshot(r.g, current)
	snap.TemplateContext = r.templateContext

	for _, s := range r.sinks {
		if err := s.PublishSnapshot(r.ctx, snap); err != nil {
			r.logger.Warn("failed to publish snapshot", slog.String("error", err.Error()))
		}
	}
	if !r.stopped && !r.yield(snap) {
		r.stopped = true
	}
}
