package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records the core's operational counters. A nil *Metrics is valid
// and records nothing, so callers never guard their call sites.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	server   *http.Server

	submissions  metric.Int64Counter
	tasks        metric.Int64Counter
	turnRetries  metric.Int64Counter
	toolCalls    metric.Int64Counter
	approvals    metric.Int64Counter
	taskDuration metric.Float64Histogram
}

// NewMetrics builds the collector and, when enabled, serves a Prometheus
// scrape endpoint on the configured port.
func NewMetrics(config MetricsConfig) (*Metrics, error) {
	if !config.Enabled {
		return nil, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("tern")

	m := &Metrics{provider: provider}
	if m.submissions, err = meter.Int64Counter("tern_submissions_total",
		metric.WithDescription("Submissions accepted by the core")); err != nil {
		return nil, err
	}
	if m.tasks, err = meter.Int64Counter("tern_tasks_total",
		metric.WithDescription("Tasks finished, by outcome")); err != nil {
		return nil, err
	}
	if m.turnRetries, err = meter.Int64Counter("tern_turn_retries_total",
		metric.WithDescription("Stream retries across all turns")); err != nil {
		return nil, err
	}
	if m.toolCalls, err = meter.Int64Counter("tern_tool_calls_total",
		metric.WithDescription("Tool executions dispatched by turns")); err != nil {
		return nil, err
	}
	if m.approvals, err = meter.Int64Counter("tern_approvals_total",
		metric.WithDescription("Approval outcomes, by decision")); err != nil {
		return nil, err
	}
	if m.taskDuration, err = meter.Float64Histogram("tern_task_duration_seconds",
		metric.WithDescription("Wall time per task")); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", config.PrometheusPort),
		Handler: mux,
	}
	go func() {
		_ = m.server.ListenAndServe()
	}()

	return m, nil
}

// Shutdown stops the scrape endpoint and flushes the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	if m.server != nil {
		_ = m.server.Shutdown(ctx)
	}
	if m.provider != nil {
		return m.provider.Shutdown(ctx)
	}
	return nil
}

// SubmissionReceived counts one accepted submission.
func (m *Metrics) SubmissionReceived(kind string) {
	if m == nil || m.submissions == nil {
		return
	}
	m.submissions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// TaskFinished counts one finished task by outcome.
func (m *Metrics) TaskFinished(outcome string) {
	if m == nil || m.tasks == nil {
		return
	}
	m.tasks.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// TurnRetried counts one stream retry.
func (m *Metrics) TurnRetried() {
	if m == nil || m.turnRetries == nil {
		return
	}
	m.turnRetries.Add(context.Background(), 1)
}

// ToolCalled counts one tool dispatch.
func (m *Metrics) ToolCalled(name string) {
	if m == nil || m.toolCalls == nil {
		return
	}
	m.toolCalls.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tool", name)))
}

// ApprovalDecided counts one approval outcome.
func (m *Metrics) ApprovalDecided(decision string) {
	if m == nil || m.approvals == nil {
		return
	}
	m.approvals.Add(context.Background(), 1, metric.WithAttributes(attribute.String("decision", decision)))
}

// TaskTimer returns a stop function recording the task's wall time.
func (m *Metrics) TaskTimer() func() {
	if m == nil || m.taskDuration == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.taskDuration.Record(context.Background(), time.Since(start).Seconds())
	}
}
