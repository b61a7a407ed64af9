package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/pumalib/puma"
)

// MemEventStore is a thread-safe in-memory event store.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]puma.Event // source -> events
}

// NewMemEventStore creates a new in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		events: make(map[string][]puma.Event),
	}
}

// Append stores an event.
func (s *MemEventStore) Append(_ context.Context, event puma.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.Source] = append(s.events[event.Source], event)
	return nil
}

// List returns events for a source in append order.
func (s *MemEventStore) List(_ context.Context, source string, limit int) ([]puma.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[source]
	var result []puma.Event
	for _, e := range all {
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Sources returns the distinct sources present in the store.
func (s *MemEventStore) Sources(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sources := make([]string, 0, len(s.events))
	for src := range s.events {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	return sources, nil
}

// Compile-time interface check.
var _ EventStore = (*MemEventStore)(nil)
