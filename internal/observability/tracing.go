package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry tracer with the spans this module's
// components need: claim, run execution, and session save.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{ServiceName: "codelia-core"})
//	defer shutdown(context.Background())
//	ctx, span := tracer.TraceRunExecution(ctx, runID, sessionID)
//	defer span.End()
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TraceConfig
}

// TraceConfig configures the tracer. This module never exports spans over
// the network on its own (no OTLP collector dependency is wired in); a
// caller embedding this library can attach its own span processor to the
// returned provider, or swap in otel.SetTracerProvider upstream.
type TraceConfig struct {
	// ServiceName identifies this service in spans. Defaults to "codelia-core".
	ServiceName string

	// SamplingRate controls what fraction of traces are recorded, 0.0-1.0.
	// Defaults to 1.0.
	SamplingRate float64

	// Attributes are additional resource attributes attached to every span.
	Attributes map[string]string
}

// SpanOptions configures span creation.
type SpanOptions struct {
	Kind       trace.SpanKind
	Attributes []attribute.KeyValue
}

// NewTracer builds a Tracer backed by an in-process SDK TracerProvider with
// no exporter attached by default. Returns the tracer and a shutdown
// function that must be called on exit.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "codelia-core"
	}
	if config.SamplingRate == 0 {
		config.SamplingRate = 1.0
	}

	attrs := make([]attribute.KeyValue, 0, len(config.Attributes)+1)
	attrs = append(attrs, attribute.String("service.name", config.ServiceName))
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{
			provider: provider,
			tracer:   provider.Tracer(config.ServiceName),
			config:   config,
		}, func(ctx context.Context) error {
			return provider.Shutdown(ctx)
		}
}

// Start creates a span and returns the context carrying it.
func (t *Tracer) Start(ctx context.Context, name string, opts ...SpanOptions) (context.Context, trace.Span) {
	var options []trace.SpanStartOption
	if len(opts) > 0 {
		if opts[0].Kind != 0 {
			options = append(options, trace.WithSpanKind(opts[0].Kind))
		}
		if len(opts[0].Attributes) > 0 {
			options = append(options, trace.WithAttributes(opts[0].Attributes...))
		}
	}
	return t.tracer.Start(ctx, name, options...)
}

// RecordError records err on span and marks the span status as errored.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceClaim creates a span around a single claim-protocol attempt.
func (t *Tracer) TraceClaim(ctx context.Context, workerID string) (context.Context, trace.Span) {
	return t.Start(ctx, "scheduler.claim", SpanOptions{
		Kind: trace.SpanKindInternal,
		Attributes: []attribute.KeyValue{
			attribute.String("worker.id", workerID),
		},
	})
}

// TraceRunExecution creates a span around a run's full claim -> execute ->
// save lifecycle.
func (t *Tracer) TraceRunExecution(ctx context.Context, runID, sessionID string) (context.Context, trace.Span) {
	return t.Start(ctx, "scheduler.run", SpanOptions{
		Kind: trace.SpanKindInternal,
		Attributes: []attribute.KeyValue{
			attribute.String("run.id", runID),
			attribute.String("session.id", sessionID),
		},
	})
}

// TraceSessionSave creates a span around a session-state store save.
func (t *Tracer) TraceSessionSave(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return t.Start(ctx, "sessionstate.save", SpanOptions{
		Kind: trace.SpanKindInternal,
		Attributes: []attribute.KeyValue{
			attribute.String("session.id", sessionID),
		},
	})
}

// WithSpan runs fn inside a span named name, recording any returned error.
func WithSpan(ctx context.Context, tracer *Tracer, name string, fn func(context.Context, trace.Span) error) error {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()

	err := fn(ctx, span)
	if err != nil {
		tracer.RecordError(span, err)
	}
	return err
}

// GetTraceID returns the active span's trace ID, or "" if none is active.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
