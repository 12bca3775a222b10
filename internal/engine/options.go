package engine

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSink forwards every snapshot and the final summary to s
func WithSink(s Sink) Option {
	return func(e *Engine) {
		e.sinks = append(e.sinks, s)
	}
}

// WithJoinSemantics enqueues a node only once all of its reachable
// predecessors have completed, so every node runs at most once. Without it a
// node with several incoming edges runs once per edge.
func WithJoinSemantics() Option {
	return func(e *Engine) {
		e.join = true
	}
}

// WithStrictHandlers rejects a graph before execution when any node type has
// no registered handler.
func WithStrictHandlers() Option {
	return func(e *Engine) {
		e.strict = true
	}
}

// WithMaxSteps bounds the number of node executions per run. Zero means no
// limit.
func WithMaxSteps(steps int) Option {
	return func(e *Engine) {
		e.maxSteps = steps
	}
}

// WithTemplateContext attaches static data to every snapshot
func WithTemplateContext(tc map[string]any) Option {
	return func(e *Engine) {
		e.templateContext = tc
	}
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracerProvider = tp
	}
}

// WithMeterProvider overrides the global OpenTelemetry meter provider
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) {
		e.meterProvider = mp
	}
}
