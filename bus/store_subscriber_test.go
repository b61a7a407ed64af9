package bus

import (
	"context"
	"testing"

	"github.com/pumalib/puma"
)

func TestStoreSubscriber_Persists(t *testing.T) {
	store := NewMemEventStore()
	sub := NewStoreSubscriber(store, nil)

	sub.Handle(puma.NewEvent(puma.EventRunnerStarted, "w", "id"))

	events, err := store.List(context.Background(), "w", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].Kind != puma.EventRunnerStarted {
		t.Errorf("Kind = %v, want %v", events[0].Kind, puma.EventRunnerStarted)
	}
}
