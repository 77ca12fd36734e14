package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers. Every method is
// safe on a nil or disabled Telemetry.
type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	registry      *promclient.Registry

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Execution metrics
	tasksTotal        metric.Int64Counter
	tasksRunning      metric.Int64UpDownCounter
	taskDuration      metric.Float64Histogram
	executionsTotal   metric.Int64Counter
	executionDuration metric.Float64Histogram
	poolSize          metric.Int64Gauge

	// Fetch metrics
	fetchAttemptsTotal metric.Int64Counter
	fetchBytesTotal    metric.Int64Counter
	downloadSpeed      metric.Int64Gauge
	cacheLookupsTotal  metric.Int64Counter

	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram

	// System health
	systemErrors metric.Int64Counter
	systemUptime metric.Float64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint, when set, also pushes metrics over OTLP gRPC.
	OTLPEndpoint string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	registry := promclient.NewRegistry()

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(exporter)}

	if cfg.OTLPEndpoint != "" {
		otlp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlp)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(meterProvider)

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         meterProvider.Meter(cfg.ServiceName, metric.WithInstrumentationVersion(cfg.ServiceVersion)),
		registry:      registry,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	go t.collectSystemMetrics(ctx)

	return t, nil
}

// Tracer returns the OpenTelemetry tracer, or a no-op one when disabled.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("")
	}

	return t.tracer
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordTask records a unit reaching a terminal state.
func (t *Telemetry) RecordTask(ctx context.Context, significance, state string, duration time.Duration) {
	if t == nil || t.tasksTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("significance", significance),
		attribute.String("state", state),
	)

	t.tasksTotal.Add(ctx, 1, attrs)

	if duration > 0 {
		t.taskDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

func (t *Telemetry) TaskStarted(ctx context.Context) {
	if t != nil && t.tasksRunning != nil {
		t.tasksRunning.Add(ctx, 1)
	}
}

func (t *Telemetry) TaskStopped(ctx context.Context) {
	if t != nil && t.tasksRunning != nil {
		t.tasksRunning.Add(ctx, -1)
	}
}

// RecordExecution records a finished executor run.
func (t *Telemetry) RecordExecution(ctx context.Context, strategy, status string, duration time.Duration) {
	if t == nil || t.executionsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("status", status),
	)

	t.executionsTotal.Add(ctx, 1, attrs)
	t.executionDuration.Record(ctx, duration.Seconds(), attrs)
}

// SetPoolSize records the concurrency limit of a named pool.
func (t *Telemetry) SetPoolSize(pool string, size int) {
	if t != nil && t.poolSize != nil {
		t.poolSize.Record(context.Background(), int64(size), metric.WithAttributes(attribute.String("pool", pool)))
	}
}

// RecordFetchAttempt records one request of a fetch and how it ended.
func (t *Telemetry) RecordFetchAttempt(ctx context.Context, outcome string) {
	if t != nil && t.fetchAttemptsTotal != nil {
		t.fetchAttemptsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (t *Telemetry) AddFetchBytes(ctx context.Context, n int64) {
	if t != nil && t.fetchBytesTotal != nil {
		t.fetchBytesTotal.Add(ctx, n)
	}
}

// RecordCacheLookup records a checksum or token lookup and whether it hit.
func (t *Telemetry) RecordCacheLookup(ctx context.Context, kind, result string) {
	if t == nil || t.cacheLookupsTotal == nil {
		return
	}

	t.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}

// SetDownloadSpeed records the aggregate speed of every fetch.
func (t *Telemetry) SetDownloadSpeed(ctx context.Context, bytesPerSecond int64) {
	if t != nil && t.downloadSpeed != nil {
		t.downloadSpeed.Record(ctx, bytesPerSecond)
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t == nil || t.systemErrors == nil {
		return
	}

	t.systemErrors.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("error_type", errorType),
		),
	)
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.registry == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	err := t.meterProvider.Shutdown(ctx)
	if errors.Is(err, sdkmetric.ErrReaderShutdown) {
		return nil
	}

	return err
}

type counterSpec struct {
	dst  *metric.Int64Counter
	name string
	desc string
}

type histogramSpec struct {
	dst  *metric.Float64Histogram
	name string
	desc string
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	counters := []counterSpec{
		{&t.httpRequestsTotal, "http_requests_total", "Total number of HTTP requests"},
		{&t.tasksTotal, "tasks_total", "Units that reached a terminal state"},
		{&t.executionsTotal, "executions_total", "Finished executor runs"},
		{&t.fetchAttemptsTotal, "fetch_attempts_total", "Requests made by fetch tasks"},
		{&t.fetchBytesTotal, "fetch_bytes_total", "Bytes received by fetch tasks"},
		{&t.cacheLookupsTotal, "cache_lookups_total", "Cache lookups by kind and result"},
		{&t.dbOperationsTotal, "db_operations_total", "Total number of database operations"},
		{&t.systemErrors, "system_errors_total", "Total number of system errors"},
	}

	for _, c := range counters {
		inst, err := t.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}

		*c.dst = inst
	}

	histograms := []histogramSpec{
		{&t.httpRequestDuration, "http_request_duration_seconds", "HTTP request duration in seconds"},
		{&t.taskDuration, "task_duration_seconds", "Unit body duration in seconds"},
		{&t.executionDuration, "execution_duration_seconds", "Executor run duration in seconds"},
		{&t.dbOperationDuration, "db_operation_duration_seconds", "Database operation duration in seconds"},
	}

	for _, h := range histograms {
		inst, err := t.meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s"))
		if err != nil {
			return fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}

		*h.dst = inst
	}

	var err error

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	t.tasksRunning, err = t.meter.Int64UpDownCounter(
		"tasks_running",
		metric.WithDescription("Unit bodies currently executing"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create tasks_running counter: %w", err)
	}

	t.poolSize, err = t.meter.Int64Gauge(
		"pool_size",
		metric.WithDescription("Concurrency limit of each scheduler pool"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create pool_size gauge: %w", err)
	}

	t.downloadSpeed, err = t.meter.Int64Gauge(
		"download_speed_bytes_per_second",
		metric.WithDescription("Aggregate speed of every fetch"),
		metric.WithUnit("By/s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_speed gauge: %w", err)
	}

	t.systemUptime, err = t.meter.Float64Gauge(
		"system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_uptime gauge: %w", err)
	}

	return nil
}

// collectSystemMetrics records the uptime periodically. Memory and
// goroutine figures come from the runtime instrumentation.
func (t *Telemetry) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.systemUptime.Record(ctx, time.Since(startTime).Seconds())
		}
	}
}
