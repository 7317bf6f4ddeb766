// Package telemetry wires OpenTelemetry metrics and tracing with a
// Prometheus exporter and offers instrumentation helpers used across the
// engine. A nil *Telemetry is valid and turns every helper into a no-op,
// which keeps tests and disabled deployments simple.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// Download pipeline metrics
	downloadsTotal   metric.Int64Counter
	downloadsActive  metric.Int64UpDownCounter
	downloadDuration metric.Float64Histogram
	queueDepth       metric.Int64UpDownCounter
	retriesTotal     metric.Int64Counter

	// Cleanup metrics
	evictionsTotal metric.Int64Counter
	evictedBytes   metric.Int64Counter
	warningsTotal  metric.Int64Counter

	// Smart download metrics
	predictionsTotal          metric.Int64Counter
	predictionsAttributed     metric.Int64Counter
	smartDownloadBatchesTotal metric.Int64Counter

	// Infrastructure metrics
	dbOperationsTotal     metric.Int64Counter
	dbOperationDuration   metric.Float64Histogram
	clientOperationsTotal metric.Int64Counter
	clientErrors          metric.Int64Counter
	systemErrors          metric.Int64Counter
	systemUptime          metric.Float64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// New creates a new telemetry instance. When disabled, the returned instance
// is inert but safe to call.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	// Go runtime metrics (heap, GC, goroutines) via the contrib package.
	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	go t.trackUptime(ctx)

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// RecordDownload records the outcome of one song transfer.
func (t *Telemetry) RecordDownload(status string, duration time.Duration) {
	if t == nil {
		return
	}

	if t.downloadsTotal != nil {
		t.downloadsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status)),
		)
	}

	if t.downloadDuration != nil {
		t.downloadDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}

// IncrementActiveDownloads increments the active transfer gauge.
func (t *Telemetry) IncrementActiveDownloads() {
	if t != nil && t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), 1)
	}
}

// DecrementActiveDownloads decrements the active transfer gauge.
func (t *Telemetry) DecrementActiveDownloads() {
	if t != nil && t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), -1)
	}
}

// AddQueueDepth adjusts the scheduled-queue depth gauge.
func (t *Telemetry) AddQueueDepth(delta int64) {
	if t != nil && t.queueDepth != nil {
		t.queueDepth.Add(context.Background(), delta)
	}
}

// RecordRetry counts a retried song transfer.
func (t *Telemetry) RecordRetry() {
	if t != nil && t.retriesTotal != nil {
		t.retriesTotal.Add(context.Background(), 1)
	}
}

// RecordEviction counts one evicted download and its freed bytes.
func (t *Telemetry) RecordEviction(bytes int64) {
	if t == nil {
		return
	}

	if t.evictionsTotal != nil {
		t.evictionsTotal.Add(context.Background(), 1)
	}

	if t.evictedBytes != nil {
		t.evictedBytes.Add(context.Background(), bytes)
	}
}

// RecordStorageWarning counts a surfaced storage warning.
func (t *Telemetry) RecordStorageWarning(warningType string) {
	if t != nil && t.warningsTotal != nil {
		t.warningsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("type", warningType)),
		)
	}
}

// RecordPrediction counts a recorded prediction by type and confidence bucket.
func (t *Telemetry) RecordPrediction(predictionType, bucket string) {
	if t != nil && t.predictionsTotal != nil {
		t.predictionsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("type", predictionType),
				attribute.String("confidence", bucket),
			),
		)
	}
}

// RecordPredictionHit counts a prediction attributed to a real play.
func (t *Telemetry) RecordPredictionHit(predictionType string) {
	if t != nil && t.predictionsAttributed != nil {
		t.predictionsAttributed.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("type", predictionType)),
		)
	}
}

// RecordSmartDownloadBatch counts one prefetch cycle outcome.
func (t *Telemetry) RecordSmartDownloadBatch(status string) {
	if t != nil && t.smartDownloadBatchesTotal != nil {
		t.smartDownloadBatchesTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil {
		return
	}

	if t.dbOperationsTotal != nil {
		t.dbOperationsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("operation", operation),
				attribute.String("status", status),
			),
		)
	}

	if t.dbOperationDuration != nil {
		t.dbOperationDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(
				attribute.String("operation", operation),
				attribute.String("status", status),
			),
		)
	}
}

// RecordClientOperation records transfer/recommendation client metrics.
func (t *Telemetry) RecordClientOperation(client, operation, status string) {
	if t == nil {
		return
	}

	if t.clientOperationsTotal != nil {
		t.clientOperationsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("client", client),
				attribute.String("operation", operation),
				attribute.String("status", status),
			),
		)
	}

	if status == "error" && t.clientErrors != nil {
		t.clientErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("client", client),
				attribute.String("operation", operation),
			),
		)
	}
}

// RecordSystemError records a component-level error.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t != nil && t.systemErrors != nil {
		t.systemErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			),
		)
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}

	return nil
}

func (t *Telemetry) initializeMetrics() error {
	if err := t.initializePipelineMetrics(); err != nil {
		return err
	}

	if err := t.initializeCleanupMetrics(); err != nil {
		return err
	}

	if err := t.initializeSmartMetrics(); err != nil {
		return err
	}

	return t.initializeInfraMetrics()
}

func (t *Telemetry) initializePipelineMetrics() error {
	var err error

	t.downloadsTotal, err = t.meter.Int64Counter(
		"downloads_total",
		metric.WithDescription("Total number of song downloads"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create downloads_total counter: %w", err)
	}

	t.downloadsActive, err = t.meter.Int64UpDownCounter(
		"downloads_active",
		metric.WithDescription("Number of songs currently transferring"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create downloads_active counter: %w", err)
	}

	t.downloadDuration, err = t.meter.Float64Histogram(
		"download_duration_seconds",
		metric.WithDescription("Song transfer duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_duration histogram: %w", err)
	}

	t.queueDepth, err = t.meter.Int64UpDownCounter(
		"queue_depth",
		metric.WithDescription("Number of queues waiting for a worker"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue_depth counter: %w", err)
	}

	t.retriesTotal, err = t.meter.Int64Counter(
		"download_retries_total",
		metric.WithDescription("Total number of retried song transfers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_retries_total counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeCleanupMetrics() error {
	var err error

	t.evictionsTotal, err = t.meter.Int64Counter(
		"evictions_total",
		metric.WithDescription("Total number of downloads evicted by cleanup"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create evictions_total counter: %w", err)
	}

	t.evictedBytes, err = t.meter.Int64Counter(
		"evicted_bytes_total",
		metric.WithDescription("Total bytes freed by cleanup eviction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create evicted_bytes_total counter: %w", err)
	}

	t.warningsTotal, err = t.meter.Int64Counter(
		"storage_warnings_total",
		metric.WithDescription("Total number of storage warnings surfaced"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create storage_warnings_total counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSmartMetrics() error {
	var err error

	t.predictionsTotal, err = t.meter.Int64Counter(
		"predictions_total",
		metric.WithDescription("Total number of smart download predictions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create predictions_total counter: %w", err)
	}

	t.predictionsAttributed, err = t.meter.Int64Counter(
		"predictions_attributed_total",
		metric.WithDescription("Predictions attributed to a realized play"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create predictions_attributed_total counter: %w", err)
	}

	t.smartDownloadBatchesTotal, err = t.meter.Int64Counter(
		"smart_download_batches_total",
		metric.WithDescription("Total number of smart download cycles"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create smart_download_batches_total counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeInfraMetrics() error {
	var err error

	t.dbOperationsTotal, err = t.meter.Int64Counter(
		"db_operations_total",
		metric.WithDescription("Total number of database operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operations_total counter: %w", err)
	}

	t.dbOperationDuration, err = t.meter.Float64Histogram(
		"db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	t.clientOperationsTotal, err = t.meter.Int64Counter(
		"client_operations_total",
		metric.WithDescription("Total number of collaborator client operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create client_operations_total counter: %w", err)
	}

	t.clientErrors, err = t.meter.Int64Counter(
		"client_errors_total",
		metric.WithDescription("Total number of collaborator client errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create client_errors counter: %w", err)
	}

	t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_errors counter: %w", err)
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

func (t *Telemetry) trackUptime(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.systemUptime != nil {
				t.systemUptime.Record(context.Background(), time.Since(startTime).Seconds())
			}
		}
	}
}
