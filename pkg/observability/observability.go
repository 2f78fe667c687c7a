// Package observability provides OpenTelemetry-based tracing and metrics for
// the GitGovernance core: RED (Rate, Errors, Duration) instrumentation of
// adapter operations and projection rebuilds, exported over OTLP gRPC.
// Disabled by default; the core is local-first and must work offline.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig reads GITGOV_OTLP_ENDPOINT; telemetry stays off unless set.
func DefaultConfig() *Config {
	endpoint := os.Getenv("GITGOV_OTLP_ENDPOINT")
	return &Config{
		ServiceName:    "gitgovernance-core",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   endpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        endpoint != "",
		Insecure:       true,
	}
}

// Provider manages trace and metric providers plus the shared instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	operationCounter metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
}

// New creates a provider. With Enabled=false every method is a cheap no-op.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			attribute.String("service.name", config.ServiceName),
			attribute.String("service.version", config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer("gitgovernance.core", trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("gitgovernance.core", metric.WithInstrumentationVersion(config.ServiceVersion))

	p.operationCounter, err = p.meter.Int64Counter("gitgov.operations.total",
		metric.WithDescription("Total adapter operations"))
	if err != nil {
		return nil, fmt.Errorf("init operation counter: %w", err)
	}
	p.errorCounter, err = p.meter.Int64Counter("gitgov.operations.errors",
		metric.WithDescription("Failed adapter operations"))
	if err != nil {
		return nil, fmt.Errorf("init error counter: %w", err)
	}
	p.durationHist, err = p.meter.Float64Histogram("gitgov.operations.duration",
		metric.WithDescription("Operation duration in seconds"))
	if err != nil {
		return nil, fmt.Errorf("init duration histogram: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized", "endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

// RecordOperation records one adapter/projector operation outcome.
func (p *Provider) RecordOperation(ctx context.Context, component, operation string, duration time.Duration, err error) {
	if p.operationCounter == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("operation", operation),
	)
	p.operationCounter.Add(ctx, 1, attrs)
	if err != nil {
		p.errorCounter.Add(ctx, 1, attrs)
	}
	p.durationHist.Record(ctx, duration.Seconds(), attrs)
}

// StartSpan starts a span when tracing is enabled, else returns ctx unchanged.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if p.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, name)
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("trace provider shutdown: %w", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("metric provider shutdown: %w", err)
		}
	}
	return nil
}
