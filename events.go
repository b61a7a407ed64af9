package puma

import (
	"time"
)

// EventKind identifies the type of lifecycle event emitted by the framework.
type EventKind string

const (
	// EventRunnerStarted is emitted when a worker has entered its loop.
	EventRunnerStarted EventKind = "runner_started"

	// EventRunnerStopped is emitted when a worker exits cleanly.
	EventRunnerStopped EventKind = "runner_stopped"

	// EventRunnerFailed is emitted when a worker exits with an error.
	EventRunnerFailed EventKind = "runner_failed"

	// EventBufferCompleted is emitted when a terminal completion marker is
	// enqueued on a buffer.
	EventBufferCompleted EventKind = "buffer_completed"

	// EventBufferDiscarded is emitted when a discard sweep drains a buffer
	// that both ends abandoned.
	EventBufferDiscarded EventKind = "buffer_discarded"

	// EventMulticastDropped is emitted when a multicaster drops a value
	// because an output buffer was full and configured to drop.
	EventMulticastDropped EventKind = "multicast_dropped"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured record of what happened inside the substrate.
// Events should be kept small; values flowing through buffers are never
// attached to them.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// Source is the name of the buffer or runner that produced the event.
	Source string

	// SourceID is the stable identity of the source.
	SourceID string

	// Time is when the event occurred.
	Time time.Time

	// Err is the rendered error text for failure events, empty otherwise.
	Err string

	// Payload contains event-specific data.
	Payload map[string]any
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, source, sourceID string) Event {
	return Event{
		Kind:     kind,
		Source:   source,
		SourceID: sourceID,
		Time:     time.Now(),
	}
}

// WithError sets the rendered error text on the event.
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Err = err.Error()
	}
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventHandler is a function type for handling events.
// Implementations can log, store, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// The channel should have sufficient buffer to avoid blocking.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
			// Drop event if channel is full
		}
	}
}
