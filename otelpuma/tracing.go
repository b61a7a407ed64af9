package otelpuma

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pumalib/puma"
)

// TracingHandler translates puma lifecycle events into OpenTelemetry spans:
// one span per worker, started when the worker enters its loop and ended
// when it stops or fails.
type TracingHandler struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span // runner SourceID -> span
}

// NewTracingHandler creates a TracingHandler that uses the given tracer to
// create spans from lifecycle events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer: tracer,
		spans:  make(map[string]trace.Span),
	}
}

// Handle processes a lifecycle event and creates or ends spans accordingly.
// It implements puma.EventHandler semantics.
func (h *TracingHandler) Handle(e puma.Event) {
	switch e.Kind {
	case puma.EventRunnerStarted:
		h.handleStarted(e)
	case puma.EventRunnerStopped:
		h.handleFinished(e, nil)
	case puma.EventRunnerFailed:
		h.handleFinished(e, &e.Err)
	}
}

func (h *TracingHandler) handleStarted(e puma.Event) {
	_, span := h.tracer.Start(context.Background(), "worker:"+e.Source,
		trace.WithAttributes(
			attribute.String("puma.runner", e.Source),
			attribute.String("puma.runner_id", e.SourceID),
		),
		trace.WithTimestamp(e.Time),
	)
	h.mu.Lock()
	h.spans[e.SourceID] = span
	h.mu.Unlock()
}

func (h *TracingHandler) handleFinished(e puma.Event, errText *string) {
	h.mu.Lock()
	span, ok := h.spans[e.SourceID]
	delete(h.spans, e.SourceID)
	h.mu.Unlock()
	if !ok {
		return
	}
	if errText != nil {
		span.SetStatus(codes.Error, *errText)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}
