package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests and reconciliation passes take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Jobs by lifecycle state
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Traffic, Errors, Saturation)
	JobsSubmitted  metric.Int64Counter
	JobsCancelled  metric.Int64Counter
	JobTransitions metric.Int64Counter
	JobDuration    metric.Float64Histogram
	JobsByStatus   metric.Int64Gauge

	// Reconciler metrics (Latency, Traffic, Errors)
	TicksTotal   metric.Int64Counter
	TickDuration metric.Float64Histogram
	UnitsCreated metric.Int64Counter
	UnitsReaped  metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("arena")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of jobs admitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsCancelled, err = meter.Int64Counter(
		"jobs_cancelled_total",
		metric.WithDescription("Total number of jobs cancelled by users"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobTransitions, err = meter.Int64Counter(
		"job_transitions_total",
		metric.WithDescription("Total status transitions applied, by target status"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Wall time from submission to terminal status in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 300, 600, 1800, 3600, 7200, 14400),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsByStatus, err = meter.Int64Gauge(
		"jobs_by_status",
		metric.WithDescription("Current number of jobs in each lifecycle status (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Reconciler metrics
	m.TicksTotal, err = meter.Int64Counter(
		"reconcile_ticks_total",
		metric.WithDescription("Total reconciliation passes, by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TickDuration, err = meter.Float64Histogram(
		"reconcile_tick_duration_seconds",
		metric.WithDescription("Reconciliation pass latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.UnitsCreated, err = meter.Int64Counter(
		"units_created_total",
		metric.WithDescription("Total execution units created on the platform"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.UnitsReaped, err = meter.Int64Counter(
		"units_reaped_total",
		metric.WithDescription("Total execution units deleted by the retention cleaner"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a job passing admission.
func (m *Metrics) RecordJobSubmitted(ctx context.Context) {
	m.JobsSubmitted.Add(ctx, 1)
}

// RecordJobCancelled records a user-initiated cancellation.
func (m *Metrics) RecordJobCancelled(ctx context.Context) {
	m.JobsCancelled.Add(ctx, 1)
}

// RecordTransition records a status transition applied to the ledger.
func (m *Metrics) RecordTransition(ctx context.Context, to string) {
	m.JobTransitions.Add(ctx, 1, metric.WithAttributes(jobStatusAttr(to)))
}

// RecordJobCompleted records a job reaching a terminal status.
func (m *Metrics) RecordJobCompleted(ctx context.Context, status string, durationSeconds float64) {
	m.JobDuration.Record(ctx, durationSeconds, metric.WithAttributes(
		jobStatusAttr(status),
		successAttr(status == "success"),
	))
}

// RecordJobCounts records the current job population by status.
func (m *Metrics) RecordJobCounts(ctx context.Context, counts map[string]int) {
	for status, n := range counts {
		m.JobsByStatus.Record(ctx, int64(n), metric.WithAttributes(jobStatusAttr(status)))
	}
}

// RecordTick records one reconciliation pass.
func (m *Metrics) RecordTick(ctx context.Context, durationSeconds float64, success bool) {
	m.TicksTotal.Add(ctx, 1, metric.WithAttributes(successAttr(success)))
	m.TickDuration.Record(ctx, durationSeconds)
}

// RecordUnitCreated records an execution unit created on the platform.
func (m *Metrics) RecordUnitCreated(ctx context.Context) {
	m.UnitsCreated.Add(ctx, 1)
}

// RecordUnitReaped records an execution unit deleted by the cleaner.
func (m *Metrics) RecordUnitReaped(ctx context.Context) {
	m.UnitsReaped.Add(ctx, 1)
}
