package otelpuma_test

import (
	"testing"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pumalib/puma"
	"github.com/pumalib/puma/otelpuma"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func TestTracingHandler_SpanPerWorker(t *testing.T) {
	exporter, tp := newTestTracer()
	h := otelpuma.NewTracingHandler(tp.Tracer("test"))

	h.Handle(puma.NewEvent(puma.EventRunnerStarted, "worker-a", "id-a"))
	h.Handle(puma.NewEvent(puma.EventRunnerStopped, "worker-a", "id-a"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("len(spans) = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name != "worker:worker-a" {
		t.Errorf("span name = %q, want %q", span.Name, "worker:worker-a")
	}
	if span.Status.Code != otelcodes.Ok {
		t.Errorf("span status = %v, want Ok", span.Status.Code)
	}
}

func TestTracingHandler_FailureSetsErrorStatus(t *testing.T) {
	exporter, tp := newTestTracer()
	h := otelpuma.NewTracingHandler(tp.Tracer("test"))

	h.Handle(puma.NewEvent(puma.EventRunnerStarted, "worker-b", "id-b"))
	h.Handle(puma.NewEvent(puma.EventRunnerFailed, "worker-b", "id-b").WithError(errText("exploded")))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("len(spans) = %d, want 1", len(spans))
	}
	if spans[0].Status.Code != otelcodes.Error {
		t.Errorf("span status = %v, want Error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "exploded" {
		t.Errorf("span status description = %q, want %q", spans[0].Status.Description, "exploded")
	}
}

func TestTracingHandler_StopWithoutStartIgnored(t *testing.T) {
	exporter, tp := newTestTracer()
	h := otelpuma.NewTracingHandler(tp.Tracer("test"))

	h.Handle(puma.NewEvent(puma.EventRunnerStopped, "ghost", "id"))

	if n := len(exporter.GetSpans()); n != 0 {
		t.Errorf("len(spans) = %d, want 0", n)
	}
}
