// Package observability provides OpenTelemetry tracing and metrics for the
// sync engine: OTLP gRPC export, RED (Rate, Errors, Duration) instruments for
// remote calls, plus counters for cache tiers, circuit transitions, queue
// drains, conflicts and dead letters.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g., "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0, default 1.0 (sample all)
	BatchTimeout   time.Duration // How long to wait before sending batched spans
	Enabled        bool          // Enable/disable telemetry
	Insecure       bool          // Use insecure connection (dev only)
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "wedsync-sync-engine",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	// RED metrics for remote calls
	callCounter  metric.Int64Counter
	errorCounter metric.Int64Counter
	durationHist metric.Float64Histogram
	activeOps    metric.Int64UpDownCounter

	// Domain counters
	cacheHits          metric.Int64Counter
	cacheMisses        metric.Int64Counter
	retries            metric.Int64Counter
	circuitTransitions metric.Int64Counter
	queueDrained       metric.Int64Counter
	conflicts          metric.Int64Counter
	deadLetters        metric.Int64Counter
}

// New creates a new observability provider.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("wedsync.component", "sync-engine"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("wedsync.sync-engine",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("wedsync.sync-engine",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
		"insecure", config.Insecure,
	)

	return p, nil
}

// Nop returns a disabled provider. All record methods become no-ops, which
// keeps call sites unconditional in tests and tools.
func Nop() *Provider {
	return &Provider{
		config: &Config{Enabled: false},
		logger: slog.Default().With("component", "observability"),
	}
}

// initTraceProvider initializes the OpenTelemetry trace provider.
func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	if p.config.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if p.config.SampleRate <= 0.0 {
		sampler = sdktrace.NeverSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return nil
}

// initMetricProvider initializes the OpenTelemetry metric provider.
func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)

	otel.SetMeterProvider(p.meterProvider)

	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.callCounter, err = p.meter.Int64Counter("syncengine.calls.total",
		metric.WithDescription("Total number of remote calls attempted"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	p.errorCounter, err = p.meter.Int64Counter("syncengine.errors.total",
		metric.WithDescription("Total number of failed remote calls"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	p.durationHist, err = p.meter.Float64Histogram("syncengine.call.duration",
		metric.WithDescription("Remote call duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	p.activeOps, err = p.meter.Int64UpDownCounter("syncengine.operations.active",
		metric.WithDescription("Number of currently active operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	p.cacheHits, err = p.meter.Int64Counter("syncengine.cache.hits",
		metric.WithDescription("Cache hits by tier"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return err
	}

	p.cacheMisses, err = p.meter.Int64Counter("syncengine.cache.misses",
		metric.WithDescription("Lookups that missed every tier"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return err
	}

	p.retries, err = p.meter.Int64Counter("syncengine.retries.total",
		metric.WithDescription("Retry attempts after the first call"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return err
	}

	p.circuitTransitions, err = p.meter.Int64Counter("syncengine.circuit.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return err
	}

	p.queueDrained, err = p.meter.Int64Counter("syncengine.queue.drained",
		metric.WithDescription("Queued actions drained, by outcome"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}

	p.conflicts, err = p.meter.Int64Counter("syncengine.conflicts.total",
		metric.WithDescription("Conflicts resolved, by strategy and outcome"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return err
	}

	p.deadLetters, err = p.meter.Int64Counter("syncengine.deadletters.total",
		metric.WithDescription("Actions moved to the dead-letter state"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Shutdown gracefully shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("wedsync.sync-engine")
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("wedsync.sync-engine")
	}
	return p.meter
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordCall records one remote call attempt against an endpoint.
func (p *Provider) RecordCall(ctx context.Context, endpoint string) {
	if p.callCounter != nil {
		p.callCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
	}
}

// RecordError records a failed remote call.
func (p *Provider) RecordError(ctx context.Context, endpoint string, err error) {
	if p.errorCounter != nil {
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("error.type", fmt.Sprintf("%T", err)),
		))
	}
}

// RecordDuration records the duration of a remote call.
func (p *Provider) RecordDuration(ctx context.Context, endpoint string, duration time.Duration) {
	if p.durationHist != nil {
		p.durationHist.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("endpoint", endpoint)))
	}
}

// RecordCacheHit records a hit on the named tier.
func (p *Provider) RecordCacheHit(ctx context.Context, tier string) {
	if p.cacheHits != nil {
		p.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
	}
}

// RecordCacheMiss records a lookup that missed every tier.
func (p *Provider) RecordCacheMiss(ctx context.Context) {
	if p.cacheMisses != nil {
		p.cacheMisses.Add(ctx, 1)
	}
}

// RecordRetry records one retry attempt against an endpoint.
func (p *Provider) RecordRetry(ctx context.Context, endpoint string, attempt int) {
	if p.retries != nil {
		p.retries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.Int("attempt", attempt),
		))
	}
}

// RecordCircuitTransition records a breaker state change for an endpoint.
func (p *Provider) RecordCircuitTransition(ctx context.Context, endpoint, state string) {
	if p.circuitTransitions != nil {
		p.circuitTransitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("state", state),
		))
	}
}

// RecordDrain records one drained action and its outcome
// (submitted, conflicted, requeued, dead).
func (p *Provider) RecordDrain(ctx context.Context, outcome string) {
	if p.queueDrained != nil {
		p.queueDrained.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// RecordConflict records one conflict resolution.
func (p *Provider) RecordConflict(ctx context.Context, strategy, outcome string) {
	if p.conflicts != nil {
		p.conflicts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("strategy", strategy),
			attribute.String("outcome", outcome),
		))
	}
}

// RecordDeadLetter records an action moved to the dead-letter state.
func (p *Provider) RecordDeadLetter(ctx context.Context, endpoint string) {
	if p.deadLetters != nil {
		p.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
	}
}

// TrackOperation tracks an operation from start to finish.
// Returns a function that should be called when the operation completes.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()

	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	if p.activeOps != nil {
		p.activeOps.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		duration := time.Since(start)

		if p.activeOps != nil {
			p.activeOps.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.durationHist != nil {
			p.durationHist.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
