package bus

import (
	"context"
	"testing"
	"time"
)

func TestEventBus_DropsWhenBufferFull(t *testing.T) {
	eb := NewEventBus()
	defer eb.Close()

	for i := 0; i < cap(eb.events); i++ {
		eb.Publish(Event{Kind: EventTaskCompleted})
	}

	eb.Publish(Event{Kind: EventTaskCompleted})
	if eb.Dropped() != 1 {
		t.Fatalf("expected dropped count 1, got %d", eb.Dropped())
	}
}

func TestEventBus_ConsumeReceivesInOrder(t *testing.T) {
	eb := NewEventBus()
	defer eb.Close()

	eb.Publish(Event{Kind: EventSyncStarted})
	eb.Publish(Event{Kind: EventSyncCompleted, Fields: map[string]string{"uploaded": "3"}})

	ev, ok := eb.Consume(context.Background())
	if !ok || ev.Kind != EventSyncStarted {
		t.Fatalf("expected sync.started, got %v ok=%v", ev.Kind, ok)
	}
	if ev.At.IsZero() {
		t.Fatal("publish should stamp the event time")
	}
	ev, ok = eb.Consume(context.Background())
	if !ok || ev.Kind != EventSyncCompleted || ev.Fields["uploaded"] != "3" {
		t.Fatalf("unexpected second event: %+v ok=%v", ev, ok)
	}
}

func TestEventBus_ClosedBusReturnsFalse(t *testing.T) {
	eb := NewEventBus()
	eb.Close()

	if _, ok := eb.Consume(context.Background()); ok {
		t.Fatal("expected closed consume to return ok=false")
	}
	// Publish after close is a no-op, not a panic.
	eb.Publish(Event{Kind: EventTaskFailed})
}

func TestEventBus_ConsumeHonorsContext(t *testing.T) {
	eb := NewEventBus()
	defer eb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := eb.Consume(ctx); ok {
		t.Fatal("expected context timeout to return ok=false")
	}
}
