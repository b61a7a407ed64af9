package bus

import (
	"testing"
	"time"

	"github.com/pumalib/puma"
)

func TestMemBus_PublishToSourceSubscriber(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("pipe")
	defer sub.Close()

	b.Publish(puma.NewEvent(puma.EventBufferCompleted, "pipe", "id-1"))

	select {
	case e := <-sub.Events():
		if e.Kind != puma.EventBufferCompleted {
			t.Errorf("Kind = %v, want %v", e.Kind, puma.EventBufferCompleted)
		}
		if e.Source != "pipe" {
			t.Errorf("Source = %q, want %q", e.Source, "pipe")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the event")
	}
}

func TestMemBus_SourceFiltering(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("pipe-a")
	defer sub.Close()

	b.Publish(puma.NewEvent(puma.EventBufferDiscarded, "pipe-b", "id-2"))

	select {
	case e := <-sub.Events():
		t.Errorf("subscriber for pipe-a received event for %q", e.Source)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemBus_SubscribeAll(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.SubscribeAll()
	defer sub.Close()

	b.Publish(puma.NewEvent(puma.EventRunnerStarted, "w1", "id-1"))
	b.Publish(puma.NewEvent(puma.EventRunnerStopped, "w2", "id-2"))

	var kinds []puma.EventKind
	timeout := time.After(time.Second)
	for len(kinds) < 2 {
		select {
		case e := <-sub.Events():
			kinds = append(kinds, e.Kind)
		case <-timeout:
			t.Fatalf("received %v, want 2 events", kinds)
		}
	}
	if kinds[0] != puma.EventRunnerStarted || kinds[1] != puma.EventRunnerStopped {
		t.Errorf("kinds = %v, want [runner_started runner_stopped]", kinds)
	}
}

func TestMemBus_PublishAfterCloseDropped(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	sub := b.SubscribeAll()
	b.Close()

	// Must not panic; the subscription channel is closed.
	b.Publish(puma.NewEvent(puma.EventRunnerStarted, "w", "id"))

	if _, ok := <-sub.Events(); ok {
		t.Error("closed subscription still delivered an event")
	}
}

func TestMemBus_FullSubscriberDropsNotBlocks(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 1})
	defer b.Close()

	sub := b.SubscribeAll()
	defer sub.Close()

	// Nothing draining: the second publish must not block.
	done := make(chan struct{})
	go func() {
		b.Publish(puma.NewEvent(puma.EventRunnerStarted, "w", "1"))
		b.Publish(puma.NewEvent(puma.EventRunnerStarted, "w", "2"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestMemBus_EventHandlerCompatible(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	// The bus's Publish method value is a valid environment event handler.
	var h puma.EventHandler = b.Publish
	h(puma.NewEvent(puma.EventRunnerStarted, "w", "id"))
}
