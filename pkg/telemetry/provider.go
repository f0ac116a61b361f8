// ABOUTME: OpenTelemetry provider implementation with metric and trace provider setup for netstatsd telemetry
// ABOUTME: Handles provider lifecycle, resource detection, and sampling configuration

package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.opentelemetry.io/otel/attribute"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/netstatsd/netstatsd/pkg/common/log"
)

// TelemetryProvider implements the Telemetry interface using OpenTelemetry SDK.
type TelemetryProvider struct {
	config         Config
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter
	tracer         oteltrace.Tracer
	resource       *sdkresource.Resource
	promServer     *http.Server

	instrumentMu sync.Mutex
	histograms   map[string]metric.Float64Histogram
	counters     map[string]metric.Int64Counter
}

// New creates a new TelemetryProvider with the given configuration. Metric
// and trace exporters are selected per cfg.Exporters: "prometheus" starts an
// HTTP server on cfg.PrometheusPort serving /metrics pulled from the SDK's
// meter provider, "otlp" batches spans to cfg.OTLPEndpoint, and "stdout"
// prints both pretty-printed to the process's stdout. An exporter name
// outside prometheus/otlp/jaeger/stdout fails Validate; "jaeger" passes
// Validate but has no exporter behind it. When no configured exporter
// carries metrics (or traces), that pipeline falls back to stdout.
func New(cfg Config) (Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	resource, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	readers, promServer, err := buildMetricReaders(cfg)
	if err != nil {
		return nil, fmt.Errorf("build metric readers: %w", err)
	}
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(resource)}
	for _, r := range readers {
		meterOpts = append(meterOpts, sdkmetric.WithReader(r))
	}
	meterProvider := sdkmetric.NewMeterProvider(meterOpts...)

	processors, err := buildSpanProcessors(cfg)
	if err != nil {
		if promServer != nil {
			_ = promServer.Close()
		}
		return nil, fmt.Errorf("build span processors: %w", err)
	}
	tracerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	}
	for _, p := range processors {
		tracerOpts = append(tracerOpts, sdktrace.WithSpanProcessor(p))
	}
	tracerProvider := sdktrace.NewTracerProvider(tracerOpts...)

	return &TelemetryProvider{
		config:         cfg,
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		meter:          meterProvider.Meter(cfg.ServiceName),
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		resource:       resource,
		promServer:     promServer,
		histograms:     make(map[string]metric.Float64Histogram),
		counters:       make(map[string]metric.Int64Counter),
	}, nil
}

// buildMetricReaders constructs one sdkmetric.Reader per configured metric
// exporter. Prometheus is pull-based (a Reader scraped over HTTP) rather
// than push-based like the others, so it is wired directly instead of
// wrapped in a periodic reader, and its HTTP server is returned for the
// caller to shut down alongside the provider.
func buildMetricReaders(cfg Config) ([]sdkmetric.Reader, *http.Server, error) {
	var readers []sdkmetric.Reader
	var promServer *http.Server
	sawKnown := false

	for _, name := range cfg.Exporters {
		switch name {
		case "prometheus":
			reader, server, err := newPrometheusReader(cfg)
			if err != nil {
				return nil, nil, fmt.Errorf("prometheus reader: %w", err)
			}
			readers = append(readers, reader)
			promServer = server
			sawKnown = true

		case "stdout":
			exporter, err := createStdoutMetricExporter()
			if err != nil {
				if promServer != nil {
					_ = promServer.Close()
				}
				return nil, nil, fmt.Errorf("stdout metric exporter: %w", err)
			}
			readers = append(readers, sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithTimeout(cfg.ExportTimeout)))
			sawKnown = true

		default:
			// otlp/jaeger don't carry a metrics pipeline in this setup.
		}
	}

	if !sawKnown {
		exporter, err := createStdoutMetricExporter()
		if err != nil {
			return nil, nil, fmt.Errorf("default stdout metric exporter: %w", err)
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithTimeout(cfg.ExportTimeout)))
	}

	return readers, promServer, nil
}

// newPrometheusReader builds an otel Prometheus exporter bound to its own
// registry (never the global DefaultRegisterer, so two providers in the
// same process — e.g. across table-driven tests — never collide on a
// duplicate metric registration) and starts an HTTP server exposing it at
// /metrics on cfg.PrometheusPort.
func newPrometheusReader(cfg Config) (sdkmetric.Reader, *http.Server, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.PrometheusPort),
		Handler: mux,
	}

	logger := log.GetDefaultLogger()
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("telemetry: prometheus metrics server stopped: %s", err.Error())
		}
	}()

	return exporter, server, nil
}

// buildSpanProcessors constructs one batch span processor per configured
// trace exporter.
func buildSpanProcessors(cfg Config) ([]sdktrace.SpanProcessor, error) {
	exporters, err := createTraceExporters(cfg)
	if err != nil {
		return nil, err
	}

	processors := make([]sdktrace.SpanProcessor, 0, len(exporters))
	for _, exporter := range exporters {
		processors = append(processors, sdktrace.NewBatchSpanProcessor(exporter,
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
		))
	}
	return processors, nil
}

// RecordHistogram records a histogram value, creating the instrument on
// first use and reusing it afterward (OTel instruments are meant to be
// created once per name, not per call).
func (p *TelemetryProvider) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	h, err := p.histogram(name)
	if err != nil {
		return
	}
	h.Record(ctx, value, metric.WithAttributes(attrs...))
}

// RecordCounter records a counter increment, creating the instrument on
// first use and reusing it afterward.
func (p *TelemetryProvider) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	c, err := p.counter(name)
	if err != nil {
		return
	}
	c.Add(ctx, value, metric.WithAttributes(attrs...))
}

// StartSpan starts a new span via the underlying OTel tracer.
func (p *TelemetryProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return p.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// Shutdown flushes and shuts down the meter and tracer providers, and stops
// the Prometheus HTTP server if one is running.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := p.tracerProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("shutdown tracer provider: %w", err)
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("shutdown meter provider: %w", err)
	}
	if p.promServer != nil {
		if err := p.promServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutdown prometheus server: %w", err)
		}
	}
	return firstErr
}

func (p *TelemetryProvider) histogram(name string) (metric.Float64Histogram, error) {
	p.instrumentMu.Lock()
	defer p.instrumentMu.Unlock()

	if h, ok := p.histograms[name]; ok {
		return h, nil
	}
	h, err := p.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	p.histograms[name] = h
	return h, nil
}

func (p *TelemetryProvider) counter(name string) (metric.Int64Counter, error) {
	p.instrumentMu.Lock()
	defer p.instrumentMu.Unlock()

	if c, ok := p.counters[name]; ok {
		return c, nil
	}
	c, err := p.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	p.counters[name] = c
	return c, nil
}
