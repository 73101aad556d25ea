package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestNewTracerConfigurations(t *testing.T) {
	tests := []struct {
		name   string
		config TraceConfig
	}{
		{"defaults", TraceConfig{}},
		{"with sampling", TraceConfig{ServiceName: "test-service", SamplingRate: 0.5}},
		{"always sample", TraceConfig{ServiceName: "test-service", SamplingRate: 1.0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, shutdown := NewTracer(tt.config)
			defer func() { _ = shutdown(context.Background()) }()

			if tracer == nil {
				t.Fatal("NewTracer() returned nil")
			}
			if tracer.tracer == nil {
				t.Error("tracer.tracer is nil")
			}
		})
	}
}

func TestTraceRunExecutionCarriesAttributes(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test-service"})
	defer func() { _ = shutdown(context.Background()) }()

	ctx, span := tracer.TraceRunExecution(context.Background(), "run-1", "sess-1")
	defer span.End()

	if !span.SpanContext().IsValid() {
		t.Fatal("expected a valid span context")
	}
	if GetTraceID(ctx) == "" {
		t.Error("expected a non-empty trace id from the span context")
	}
}

func TestRecordErrorSetsSpanStatus(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test-service"})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.TraceClaim(context.Background(), "worker-a")
	tracer.RecordError(span, errors.New("claim failed"))
	span.End()
}

func TestWithSpanRecordsReturnedError(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test-service"})
	defer func() { _ = shutdown(context.Background()) }()

	wantErr := errors.New("save failed")
	gotErr := WithSpan(context.Background(), tracer, "sessionstate.save", func(ctx context.Context, span trace.Span) error {
		return wantErr
	})
	if gotErr != wantErr {
		t.Errorf("WithSpan returned %v, want %v", gotErr, wantErr)
	}
}
