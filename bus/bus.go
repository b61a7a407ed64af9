// Package bus provides an event distribution system for puma lifecycle
// events. It allows observers — loggers, metrics exporters, stores, tests —
// to subscribe to what the substrate is doing without coupling to the
// workers themselves.
package bus

import "github.com/pumalib/puma"

// EventBus distributes lifecycle events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers. Its method value
	// satisfies puma.EventHandler, so a bus wires directly into an
	// environment with puma.WithEventHandler(b.Publish).
	Publish(event puma.Event)

	// Subscribe registers a subscriber for one source (a buffer or runner
	// name). Returns a Subscription that must be closed when done.
	Subscribe(source string) Subscription

	// SubscribeAll registers a subscriber that receives every event.
	// Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan puma.Event

	// Close unsubscribes and releases resources.
	Close() error
}
