package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewTracer_NoEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "agents-test"})
	defer shutdown(context.Background())

	ctx, span := tracer.Start(context.Background(), "tool_call",
		attribute.String("tool_name", "read_file"))
	if ctx == nil {
		t.Fatal("nil context")
	}
	span.End()
}

func TestRecordError(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer shutdown(context.Background())

	_, span := tracer.Start(context.Background(), "llm_request")
	defer span.End()

	// Neither call may panic on a no-op span.
	RecordError(span, errors.New("rate limited"))
	RecordError(span, nil)
}

func TestTracerShutdownIdempotent(t *testing.T) {
	_, shutdown := NewTracer(TraceConfig{ServiceName: "agents-test"})
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestNilTracerStartIsSafe(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.Start(context.Background(), "anything")
	if ctx == nil {
		t.Fatal("nil context")
	}
	span.End()
}

func TestNewTracerFromProvider_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := NewTracerFromProvider("agents-test", tp)

	_, span := tracer.Start(context.Background(), "engine.iteration",
		attribute.Int("iteration", 0))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "engine.iteration" {
		t.Fatalf("recorded spans = %v", spans)
	}
}
