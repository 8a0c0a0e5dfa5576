package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func TestStartSpan(t *testing.T) {
	exp := withTestTracer(t)

	ctx, span := StartSpan(context.Background(), "session.start")
	if !span.SpanContext().IsValid() {
		t.Fatal("span context is not valid")
	}
	if CorrelationID(ctx) == "" {
		t.Error("CorrelationID empty inside an active span")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "session.start" {
		t.Errorf("span name = %q, want session.start", spans[0].Name)
	}
}

func TestCorrelationID_NoSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty without a span", got)
	}
}

func TestLogger_WithAndWithoutSpan(t *testing.T) {
	withTestTracer(t)

	if Logger(context.Background()) == nil {
		t.Fatal("Logger returned nil without a span")
	}

	ctx, span := StartSpan(context.Background(), "turn")
	defer span.End()
	if Logger(ctx) == nil {
		t.Fatal("Logger returned nil inside a span")
	}
}
