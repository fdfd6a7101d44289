package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type EventKind string

const (
	EventTaskStarted   EventKind = "task.started"
	EventTaskCompleted EventKind = "task.completed"
	EventTaskFailed    EventKind = "task.failed"
	EventTaskCancelled EventKind = "task.cancelled"
	EventTaskDeferred  EventKind = "task.deferred"

	EventSyncStarted      EventKind = "sync.started"
	EventSyncCompleted    EventKind = "sync.completed"
	EventSyncFailed       EventKind = "sync.failed"
	EventConflictDetected EventKind = "sync.conflict"

	EventHealthDegraded EventKind = "health.degraded"
	EventHealthRestored EventKind = "health.restored"
)

// Event is a status notification for front ends and the reporter.
type Event struct {
	Kind   EventKind
	At     time.Time
	Fields map[string]string
}

// EventBus fans status events out to a single consumer loop. Publish
// never blocks the producer for more than the publish timeout; a slow
// consumer loses events and the dropped counter records it.
type EventBus struct {
	events  chan Event
	closed  bool
	dropped atomic.Uint64
	mu      sync.RWMutex
}

const publishTimeout = 100 * time.Millisecond

func NewEventBus() *EventBus {
	return &EventBus{
		events: make(chan Event, 100),
	}
}

func (eb *EventBus) Publish(ev Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	select {
	case eb.events <- ev:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case eb.events <- ev:
		case <-timer.C:
			eb.dropped.Add(1)
		}
	}
}

func (eb *EventBus) Consume(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-eb.events:
		if !ok {
			return Event{}, false
		}
		return ev, true
	case <-ctx.Done():
		return Event{}, false
	}
}

func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	close(eb.events)
}

func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}
