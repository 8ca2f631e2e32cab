// Package observability wires a tracer and meter provider around the
// dispatch pipeline, saga coordinator and KMS operations (SPEC_FULL
// §4.13). Grounded on the teacher's pkg/observability/observability.go
// Provider shape (Config, REDMetrics, TrackOperation), rebuilt on top
// of only the OTel SDK packages this module declares
// (go.opentelemetry.io/otel/sdk, .../sdk/metric, .../metric): the
// teacher wires OTLP gRPC exporters this module does not depend on, so
// exporters/readers here are pluggable via options instead, defaulting
// to a local no-export configuration.
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/TrigintaFaces/excalibur/pkg/config"
)

// Provider owns the process's tracer and meter provider and the
// request/error/duration instruments that RecordRequest, RecordError,
// RecordDuration and TrackOperation record against (spec §8 "testable
// properties" are observed, not asserted, through these instruments).
type Provider struct {
	cfg config.ObservabilityConfig

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram
	active         metric.Int64UpDownCounter

	mu sync.Mutex
}

// Option configures New.
type Option func(*providerOptions)

type providerOptions struct {
	spanProcessor sdktrace.SpanProcessor
	metricReader  sdkmetric.Reader
	sampler       sdktrace.Sampler
}

// WithSpanProcessor installs a span processor (e.g. a batch processor
// wrapping an exporter); without one, spans are created but dropped.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *providerOptions) { o.spanProcessor = sp }
}

// WithMetricReader installs a metric reader (e.g. a periodic reader
// wrapping an exporter); the default is an unread ManualReader.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *providerOptions) { o.metricReader = r }
}

// WithSampler overrides the trace sampler derived from cfg.SampleRatio.
func WithSampler(s sdktrace.Sampler) Option {
	return func(o *providerOptions) { o.sampler = s }
}

// New builds a Provider from cfg. When cfg.Enabled is set it also
// registers it as the process's global tracer/meter provider, so
// package-level lookups such as pkg/dispatch's otel.Tracer(...) resolve
// against it without change; otherwise the globals are left untouched.
func New(ctx context.Context, cfg config.ObservabilityConfig, opts ...Option) (*Provider, error) {
	o := &providerOptions{metricReader: sdkmetric.NewManualReader()}
	for _, opt := range opts {
		opt(o)
	}
	if o.sampler == nil {
		o.sampler = sdktrace.TraceIDRatioBased(clamp01(cfg.SampleRatio))
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", nonEmpty(cfg.ServiceName, "excalibur")),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(o.sampler),
	}
	if o.spanProcessor != nil {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(o.spanProcessor))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(o.metricReader),
	)

	if cfg.Enabled {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	}

	p := &Provider{
		cfg:            cfg,
		tracerProvider: tp,
		meterProvider:  mp,
		tracer:         tp.Tracer("github.com/TrigintaFaces/excalibur"),
		meter:          mp.Meter("github.com/TrigintaFaces/excalibur"),
	}
	if err := p.initREDMetrics(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initREDMetrics() error {
	var err error
	p.requestCounter, err = p.meter.Int64Counter(
		"excalibur.requests",
		metric.WithDescription("count of dispatch/saga/kms operations started"),
	)
	if err != nil {
		return fmt.Errorf("observability: requests counter: %w", err)
	}
	p.errorCounter, err = p.meter.Int64Counter(
		"excalibur.errors",
		metric.WithDescription("count of dispatch/saga/kms operations that returned an error"),
	)
	if err != nil {
		return fmt.Errorf("observability: errors counter: %w", err)
	}
	p.durationHist, err = p.meter.Float64Histogram(
		"excalibur.operation.duration",
		metric.WithDescription("operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30),
	)
	if err != nil {
		return fmt.Errorf("observability: duration histogram: %w", err)
	}
	p.active, err = p.meter.Int64UpDownCounter(
		"excalibur.operations.active",
		metric.WithDescription("in-flight dispatch/saga/kms operations"),
	)
	if err != nil {
		return fmt.Errorf("observability: active up-down counter: %w", err)
	}
	return nil
}

// Tracer returns the provider's tracer, or the global tracer if p is nil.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer("github.com/TrigintaFaces/excalibur")
	}
	return p.tracer
}

// Meter returns the provider's meter, or the global meter if p is nil.
func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meter == nil {
		return otel.Meter("github.com/TrigintaFaces/excalibur")
	}
	return p.meter
}

// RecordRequest increments the request counter for operation.
func (p *Provider) RecordRequest(ctx context.Context, operation string) {
	if p == nil || p.requestCounter == nil {
		return
	}
	p.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordError increments the error counter for operation, tagged with kind.
func (p *Provider) RecordError(ctx context.Context, operation, kind string) {
	if p == nil || p.errorCounter == nil {
		return
	}
	p.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("error.kind", kind),
	))
}

// RecordDuration records seconds against operation's histogram.
func (p *Provider) RecordDuration(ctx context.Context, operation string, seconds float64) {
	if p == nil || p.durationHist == nil {
		return
	}
	p.durationHist.Record(ctx, seconds, metric.WithAttributes(attribute.String("operation", operation)))
}

// TrackOperation starts a span named operation, increments the active
// gauge and returns a finish function that records the outcome's
// duration, request/error counters and active gauge decrement, and
// ends the span. A caller wraps a unit of work as:
//
//	ctx, done := provider.TrackOperation(ctx, "saga.compensate", attribute.String("saga.type", sagaType))
//	defer func() { done(err) }()
func (p *Provider) TrackOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := p.Tracer().Start(ctx, operation, trace.WithAttributes(attrs...))
	start := time.Now()
	p.RecordRequest(ctx, operation)
	if p != nil && p.active != nil {
		p.active.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	}

	return ctx, func(err error) {
		elapsed := time.Since(start).Seconds()
		p.RecordDuration(ctx, operation, elapsed)
		if err != nil {
			p.RecordError(ctx, operation, errorKind(err))
			span.RecordError(err)
		}
		if p != nil && p.active != nil {
			p.active.Add(ctx, -1, metric.WithAttributes(attribute.String("operation", operation)))
		}
		span.End()
	}
}

// Shutdown flushes and releases the tracer/meter providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("observability: shutdown: %v", errs)
	}
	return nil
}

func clamp01(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	default:
		return r
	}
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// errorKind classifies err against the excerrors sentinel kinds for
// metric cardinality control (spec §7); unmatched errors fall back to
// a generic label rather than the unbounded error string.
func errorKind(err error) string {
	return classify(err)
}
