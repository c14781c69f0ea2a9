package orchestrator

import (
	"log"
	"sync/atomic"
	"time"
)

// DefaultEventBuffer is the emitter channel capacity when unspecified.
const DefaultEventBuffer = 100

// EventEmitter delivers a run's progress events to exactly one
// caller-supplied subscriber over a bounded channel. One emitter per
// run, so concurrent runs in the same process never cross-talk.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	if bufferSize < 1 {
		bufferSize = DefaultEventBuffer
	}
	return &EventEmitter{
		events: make(chan Event, bufferSize),
	}
}

// Emit sends an event to the subscriber. If the channel is full it waits
// briefly for the receiver to drain before dropping the event; delivery
// is at-least-once for a keeping-up subscriber, never blocking the
// scheduler indefinitely.
func (e *EventEmitter) Emit(event Event) {
	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
		return
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // Log every 10th drop to avoid spam
			log.Printf("[orchestrator] WARNING: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns the read-only channel consumed by the subscriber.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. Called once the run is terminal.
func (e *EventEmitter) Close() {
	close(e.events)
}
