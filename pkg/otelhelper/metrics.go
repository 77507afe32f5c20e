package otelhelper

import (
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine instruments. Instruments that fail to initialize
// stay nil and are skipped by the record helpers.
type Metrics struct {
	NodeLatency   metric.Float64Histogram
	NodeSuccesses metric.Int64Counter
	NodeFailures  metric.Int64Counter
	ActiveNodes   metric.Int64UpDownCounter
	Compensations metric.Int64Counter
	RunLatency    metric.Float64Histogram
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// EngineMetrics lazily creates the instruments on the global meter provider.
func EngineMetrics(logger *slog.Logger) *Metrics {
	metricsOnce.Do(func() {
		metrics = newMetrics(logger)
	})

	return metrics
}

func newMetrics(logger *slog.Logger) *Metrics {
	meter := otel.Meter(InstrumentationName)
	m := &Metrics{}

	var (
		initErrors []string
		err        error
	)

	m.NodeLatency, err = meter.Float64Histogram("agentflow_node_duration_seconds",
		metric.WithDescription("Time spent executing each DAG node"),
		metric.WithUnit("s"),
	)
	if err != nil {
		initErrors = append(initErrors, "node_latency: "+err.Error())
	}

	m.NodeSuccesses, err = meter.Int64Counter("agentflow_node_success_total",
		metric.WithDescription("Number of successful node executions"),
	)
	if err != nil {
		initErrors = append(initErrors, "node_successes: "+err.Error())
	}

	m.NodeFailures, err = meter.Int64Counter("agentflow_node_failure_total",
		metric.WithDescription("Number of failed node executions"),
	)
	if err != nil {
		initErrors = append(initErrors, "node_failures: "+err.Error())
	}

	m.ActiveNodes, err = meter.Int64UpDownCounter("agentflow_active_nodes",
		metric.WithDescription("Number of currently executing nodes"),
	)
	if err != nil {
		initErrors = append(initErrors, "active_nodes: "+err.Error())
	}

	m.Compensations, err = meter.Int64Counter("agentflow_compensation_total",
		metric.WithDescription("Number of compensation actions executed"),
	)
	if err != nil {
		initErrors = append(initErrors, "compensations: "+err.Error())
	}

	m.RunLatency, err = meter.Float64Histogram("agentflow_run_duration_seconds",
		metric.WithDescription("Total run execution time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		initErrors = append(initErrors, "run_latency: "+err.Error())
	}

	if len(initErrors) > 0 {
		logger.Error("failed to initialize some engine metrics (observability degraded)",
			slog.Int("failed_count", len(initErrors)),
			slog.Any("errors", initErrors),
		)
	}

	return m
}
