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

// Metrics holds all application metrics covering the golden four signals:
// latency, traffic, errors, and saturation.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter

	// Admission metrics
	AdmissionRejections metric.Int64Counter

	// Progress stream metrics
	StreamSubscribers metric.Int64UpDownCounter

	// Webhook delivery metrics
	WebhookDuration  metric.Float64Histogram
	WebhookDelivered metric.Int64Counter
	WebhookFailed    metric.Int64Counter
	WebhookDropped   metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("mediafetch")
	m := &Metrics{meter: meter}

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

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Fetch job duration from admission to terminal state"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of fetch jobs admitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of failed fetch jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of currently running fetch jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.AdmissionRejections, err = meter.Int64Counter(
		"admission_rejections_total",
		metric.WithDescription("Submissions rejected by admission control, by reason"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StreamSubscribers, err = meter.Int64UpDownCounter(
		"progress_stream_subscribers",
		metric.WithDescription("Number of open progress stream subscriptions"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WebhookDuration, err = meter.Float64Histogram(
		"webhook_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WebhookDelivered, err = meter.Int64Counter(
		"webhook_delivered_total",
		metric.WithDescription("Total callbacks successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WebhookFailed, err = meter.Int64Counter(
		"webhook_failed_total",
		metric.WithDescription("Total callbacks failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WebhookDropped, err = meter.Int64Counter(
		"webhook_dropped_total",
		metric.WithDescription("Total callbacks dropped (buffer full or max requeues)"),
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

// RecordJobAdmitted records a job passing admission control.
func (m *Metrics) RecordJobAdmitted(ctx context.Context, mode string) {
	attrs := metric.WithAttributes(modeAttr(mode))
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobCompleted records a job reaching a terminal state.
func (m *Metrics) RecordJobCompleted(ctx context.Context, mode string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(modeAttr(mode), successAttr(success))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(modeAttr(mode)))

	if !success {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordAdmissionRejected records a submission turned away before a worker
// started.
func (m *Metrics) RecordAdmissionRejected(ctx context.Context, reason string) {
	m.AdmissionRejections.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

// RecordStreamOpened records a progress subscription being opened.
func (m *Metrics) RecordStreamOpened(ctx context.Context) {
	m.StreamSubscribers.Add(ctx, 1)
}

// RecordStreamClosed records a progress subscription ending.
func (m *Metrics) RecordStreamClosed(ctx context.Context) {
	m.StreamSubscribers.Add(ctx, -1)
}

// RecordWebhookDelivered records a successful callback delivery.
func (m *Metrics) RecordWebhookDelivered(ctx context.Context, durationSeconds float64) {
	m.WebhookDelivered.Add(ctx, 1)
	m.WebhookDuration.Record(ctx, durationSeconds)
}

// RecordWebhookFailed records a failed callback delivery.
func (m *Metrics) RecordWebhookFailed(ctx context.Context) {
	m.WebhookFailed.Add(ctx, 1)
}

// RecordWebhookDropped records a dropped callback.
func (m *Metrics) RecordWebhookDropped(ctx context.Context) {
	m.WebhookDropped.Add(ctx, 1)
}
