package bus

import (
	"context"
	"testing"

	"github.com/pumalib/puma"
)

func TestMemEventStore_AppendAndList(t *testing.T) {
	s := NewMemEventStore()
	ctx := context.Background()

	s.Append(ctx, puma.NewEvent(puma.EventRunnerStarted, "w1", "id"))
	s.Append(ctx, puma.NewEvent(puma.EventRunnerStopped, "w1", "id"))
	s.Append(ctx, puma.NewEvent(puma.EventRunnerStarted, "w2", "id2"))

	events, err := s.List(ctx, "w1", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(List(w1)) = %d, want 2", len(events))
	}
	if events[0].Kind != puma.EventRunnerStarted || events[1].Kind != puma.EventRunnerStopped {
		t.Errorf("events out of order: %v, %v", events[0].Kind, events[1].Kind)
	}
}

func TestMemEventStore_ListLimit(t *testing.T) {
	s := NewMemEventStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.Append(ctx, puma.NewEvent(puma.EventBufferDiscarded, "b", "id"))
	}

	events, _ := s.List(ctx, "b", 3)
	if len(events) != 3 {
		t.Errorf("len(List(limit=3)) = %d, want 3", len(events))
	}
}

func TestMemEventStore_Sources(t *testing.T) {
	s := NewMemEventStore()
	ctx := context.Background()

	s.Append(ctx, puma.NewEvent(puma.EventRunnerStarted, "zeta", "1"))
	s.Append(ctx, puma.NewEvent(puma.EventRunnerStarted, "alpha", "2"))

	sources, err := s.Sources(ctx)
	if err != nil {
		t.Fatalf("Sources() error = %v", err)
	}
	if len(sources) != 2 || sources[0] != "alpha" || sources[1] != "zeta" {
		t.Errorf("Sources() = %v, want [alpha zeta]", sources)
	}
}
