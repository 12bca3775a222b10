package engine

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/avi3tal/agentcore/internal/engine"

// Sink receives snapshots and summaries as they are produced. Publishing
// errors are logged and never interrupt a run.
type Sink interface {
	PublishSnapshot(ctx context.Context, s Snapshot) error
	PublishSummary(ctx context.Context, s Summary) error
}

type metrics struct {
	nodeLatency   metric.Float64Histogram
	nodeSuccesses metric.Int64Counter
	nodeFailures  metric.Int64Counter
	runLatency    metric.Float64Histogram
	runsTotal     metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider, logger *slog.Logger) *metrics {
	meter := mp.Meter(instrumentationName)
	var initErrors []string

	m := &metrics{}
	var err error

	if m.nodeLatency, err = meter.Float64Histogram("agentcore_node_duration_seconds",
		metric.WithDescription("Time spent executing each graph node"),
		metric.WithUnit("s"),
	); err != nil {
		initErrors = append(initErrors, "node_latency: "+err.Error())
		m.nodeLatency = noop.Float64Histogram{}
	}

	if m.nodeSuccesses, err = meter.Int64Counter("agentcore_node_success_total",
		metric.WithDescription("Number of successful node executions"),
	); err != nil {
		initErrors = append(initErrors, "node_successes: "+err.Error())
		m.nodeSuccesses = noop.Int64Counter{}
	}

	if m.nodeFailures, err = meter.Int64Counter("agentcore_node_failure_total",
		metric.WithDescription("Number of failed node executions"),
	); err != nil {
		initErrors = append(initErrors, "node_failures: "+err.Error())
		m.nodeFailures = noop.Int64Counter{}
	}

	if m.runLatency, err = meter.Float64Histogram("agentcore_run_duration_seconds",
		metric.WithDescription("Total graph run time"),
		metric.WithUnit("s"),
	); err != nil {
		initErrors = append(initErrors, "run_latency: "+err.Error())
		m.runLatency = noop.Float64Histogram{}
	}

	if m.runsTotal, err = meter.Int64Counter("agentcore_runs_total",
		metric.WithDescription("Number of graph runs by outcome"),
	); err != nil {
		initErrors = append(initErrors, "runs_total: "+err.Error())
		m.runsTotal = noop.Int64Counter{}
	}

	if len(initErrors) > 0 {
		logger.Error("failed to initialize some engine metrics (observability degraded)",
			slog.Int("failed_count", len(initErrors)),
			slog.Any("errors", initErrors),
		)
	}
	return m
}
