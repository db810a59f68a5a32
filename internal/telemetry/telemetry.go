package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Payload delivery modes reported by RecordPayloadStream.
const (
	PayloadModeStream = "stream"
	PayloadModeFile   = "file"
)

// Telemetry owns the meter and tracer providers of the agent. A nil or disabled
// Telemetry records nothing.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	registry       *promclient.Registry

	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	moduleCallsTotal    metric.Int64Counter
	moduleCallDuration  metric.Float64Histogram
	moduleCallsActive   metric.Int64UpDownCounter
	payloadBytesTotal   metric.Int64Counter
	payloadStreamsTotal metric.Int64Counter
	deploymentsTotal    metric.Int64Counter
	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram

	systemErrors metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint, when set, additionally pushes metrics over OTLP/gRPC.
	OTLPEndpoint string
}

// New builds the providers. With cfg.Enabled false it returns a Telemetry that
// records nothing.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	registry := promclient.NewRegistry()
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("failed to register process collector: %w", err)
	}

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		registry:       registry,
	}

	if err := t.initializeMetrics(time.Now()); err != nil {
		return nil, err
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// RecordHTTPRequest records one served local API request. path is the route
// pattern, never the raw URL.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	}

	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

func (t *Telemetry) addHTTPInFlight(delta int64) {
	if t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), delta)
	}
}

// RecordModuleCall records one finished update module invocation.
func (t *Telemetry) RecordModuleCall(verb, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("verb", verb),
		attribute.String("status", status),
	)

	if t.moduleCallsTotal != nil {
		t.moduleCallsTotal.Add(context.Background(), 1, attrs)
	}

	if t.moduleCallDuration != nil {
		t.moduleCallDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

func (t *Telemetry) addActiveModuleCalls(delta int64) {
	if t.moduleCallsActive != nil {
		t.moduleCallsActive.Add(context.Background(), delta)
	}
}

// RecordPayloadStream records one payload stream handed to a module, either through
// a pipe (PayloadModeStream) or as a file (PayloadModeFile).
func (t *Telemetry) RecordPayloadStream(mode string, bytes int64) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("mode", mode))

	if t.payloadStreamsTotal != nil {
		t.payloadStreamsTotal.Add(context.Background(), 1, attrs)
	}

	if t.payloadBytesTotal != nil {
		t.payloadBytesTotal.Add(context.Background(), bytes, attrs)
	}
}

// RecordDeployment records the outcome of a standalone install, commit or rollback.
func (t *Telemetry) RecordDeployment(operation, status string) {
	if t == nil || t.deploymentsTotal == nil {
		return
	}

	t.deploymentsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	if t.dbOperationsTotal != nil {
		t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	}

	if t.dbOperationDuration != nil {
		t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
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

// Shutdown flushes and stops the meter and tracer providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return errors.Join(
		t.meterProvider.Shutdown(ctx),
		t.tracerProvider.Shutdown(ctx),
	)
}

// instruments creates metric instruments and keeps the first error, so
// registration reads as a flat list. Counts use UCUM annotation units like
// "{call}", which the prometheus exporter leaves out of the metric name.
type instruments struct {
	meter metric.Meter
	err   error
}

func (b *instruments) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.keep(name, err)

	return c
}

func (b *instruments) upDown(name, desc, unit string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.keep(name, err)

	return c
}

func (b *instruments) seconds(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
	b.keep(name, err)

	return h
}

func (b *instruments) keep(name string, err error) {
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create instrument %s: %w", name, err)
	}
}

// initializeMetrics registers every instrument. Memory and goroutine figures come
// from the runtime instrumentation started in New.
func (t *Telemetry) initializeMetrics(started time.Time) error {
	b := &instruments{meter: t.meter}

	t.httpRequestsTotal = b.counter("http_requests_total", "Local API requests", "{request}")
	t.httpRequestDuration = b.seconds("http_request_duration_seconds", "Local API request latency")
	t.httpRequestsInFlight = b.upDown("http_requests_in_flight", "Local API requests being served", "{request}")

	t.moduleCallsTotal = b.counter("module_calls_total", "Update module invocations", "{call}")
	t.moduleCallDuration = b.seconds("module_call_duration_seconds", "Update module invocation duration")
	t.moduleCallsActive = b.upDown("module_calls_active", "Update module processes currently running", "{call}")
	t.payloadBytesTotal = b.counter("payload_streamed_bytes_total", "Payload bytes handed to update modules", "By")
	t.payloadStreamsTotal = b.counter("payload_streams_total", "Payload streams handed to update modules", "{stream}")
	t.deploymentsTotal = b.counter("standalone_deployments_total", "Standalone install, commit and rollback operations", "{deployment}")

	t.dbOperationsTotal = b.counter("db_operations_total", "Key-value store operations", "{operation}")
	t.dbOperationDuration = b.seconds("db_operation_duration_seconds", "Key-value store operation latency")

	t.systemErrors = b.counter("system_errors_total", "Errors reported by agent components", "{error}")

	if b.err != nil {
		return b.err
	}

	_, err := t.meter.Float64ObservableGauge(
		"system_uptime_seconds",
		metric.WithDescription("Time since the agent started"),
		metric.WithUnit("s"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(time.Since(started).Seconds())
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create instrument system_uptime_seconds: %w", err)
	}

	return nil
}
