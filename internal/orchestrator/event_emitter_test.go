package orchestrator

import (
	"testing"
	"time"
)

func TestEmitterDeliversInOrder(t *testing.T) {
	em := NewEventEmitter(10)
	em.Emit(Event{Type: EventTaskQueued, TaskID: "a"})
	em.Emit(Event{Type: EventTaskStarted, TaskID: "a"})
	em.Close()

	var types []EventType
	for ev := range em.Events() {
		types = append(types, ev.Type)
	}
	if len(types) != 2 || types[0] != EventTaskQueued || types[1] != EventTaskStarted {
		t.Errorf("unexpected event sequence: %v", types)
	}
}

func TestEmitterDropsWhenFull(t *testing.T) {
	em := NewEventEmitter(1)
	em.Emit(Event{Type: EventTaskQueued})

	start := time.Now()
	em.Emit(Event{Type: EventTaskStarted})
	elapsed := time.Since(start)

	if em.DroppedCount() != 1 {
		t.Errorf("DroppedCount() = %d, want 1", em.DroppedCount())
	}
	// Bounded delay: the grace window, not an unbounded block.
	if elapsed > time.Second {
		t.Errorf("Emit blocked for %v", elapsed)
	}
}

func TestEmitterGracePeriodDelivers(t *testing.T) {
	em := NewEventEmitter(1)
	em.Emit(Event{Type: EventTaskQueued})

	go func() {
		time.Sleep(20 * time.Millisecond)
		<-em.Events()
	}()

	em.Emit(Event{Type: EventTaskStarted})
	if em.DroppedCount() != 0 {
		t.Errorf("event dropped despite receiver draining within grace: %d", em.DroppedCount())
	}
}
