package bus

import (
	"context"

	"github.com/pumalib/puma"
)

// EventStore persists lifecycle events for later inspection.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event puma.Event) error

	// List returns events for a source in append order.
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, source string, limit int) ([]puma.Event, error)

	// Sources returns the distinct sources present in the store.
	Sources(ctx context.Context) ([]string, error)
}
