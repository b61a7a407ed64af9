// Package otelpuma provides OpenTelemetry integration for puma lifecycle
// events. Wire a handler into an environment with puma.WithEventHandler.
package otelpuma

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pumalib/puma"
)

// MetricsHandler translates puma lifecycle events into OpenTelemetry
// metrics: counters for worker starts, stops and failures, buffer discards
// and multicast drops.
type MetricsHandler struct {
	runnerStarts    metric.Int64Counter
	runnerStops     metric.Int64Counter
	runnerFailures  metric.Int64Counter
	bufferDiscards  metric.Int64Counter
	discardedValues metric.Int64Counter
	multicastDrops  metric.Int64Counter
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create instruments for recording puma lifecycle metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	starts, err := meter.Int64Counter("puma.runner.starts",
		metric.WithDescription("Number of workers that entered their servicing loop"),
	)
	if err != nil {
		return nil, err
	}

	stops, err := meter.Int64Counter("puma.runner.stops",
		metric.WithDescription("Number of workers that exited cleanly"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("puma.runner.failures",
		metric.WithDescription("Number of workers that exited with an error"),
	)
	if err != nil {
		return nil, err
	}

	discards, err := meter.Int64Counter("puma.buffer.discards",
		metric.WithDescription("Number of discard sweeps that drained an abandoned buffer"),
	)
	if err != nil {
		return nil, err
	}

	discarded, err := meter.Int64Counter("puma.buffer.discarded_values",
		metric.WithDescription("Number of values drained by discard sweeps"),
	)
	if err != nil {
		return nil, err
	}

	drops, err := meter.Int64Counter("puma.multicast.drops",
		metric.WithDescription("Number of values dropped by multicasters on full outputs"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		runnerStarts:    starts,
		runnerStops:     stops,
		runnerFailures:  failures,
		bufferDiscards:  discards,
		discardedValues: discarded,
		multicastDrops:  drops,
	}, nil
}

// Handle processes a lifecycle event and records the appropriate metrics.
// It implements puma.EventHandler semantics.
func (h *MetricsHandler) Handle(e puma.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("source", e.Source),
	)
	switch e.Kind {
	case puma.EventRunnerStarted:
		h.runnerStarts.Add(ctx, 1, attrs)
	case puma.EventRunnerStopped:
		h.runnerStops.Add(ctx, 1, attrs)
	case puma.EventRunnerFailed:
		h.runnerFailures.Add(ctx, 1, attrs)
	case puma.EventBufferDiscarded:
		h.bufferDiscards.Add(ctx, 1, attrs)
		if n, ok := e.Payload["values"].(int); ok && n > 0 {
			h.discardedValues.Add(ctx, int64(n), attrs)
		}
	case puma.EventMulticastDropped:
		h.multicastDrops.Add(ctx, 1, attrs)
	}
}
