// Package bus provides per-topic publish/subscribe for loosely-coupled
// signaling between tasks, outside the formal dependency graph.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is the per-subscription buffer when none is configured.
const DefaultQueueSize = 64

// Message is an ephemeral payload delivered within a single workflow run.
type Message struct {
	// Topic is the queue this message was published to.
	Topic string
	// Payload is the message body.
	Payload string
	// Timestamp is when the message was published.
	Timestamp time.Time
}

// Bus owns topic-indexed queues. Tasks reference topics only by name,
// never by direct object references to each other.
type Bus struct {
	mu        sync.RWMutex
	topics    map[string][]*Subscription
	queueSize int
	closed    bool
	dropped   atomic.Uint64
}

// New creates a Bus with the default per-subscription queue size.
func New() *Bus {
	return NewWithQueueSize(DefaultQueueSize)
}

// NewWithQueueSize creates a Bus with the given per-subscription buffer.
func NewWithQueueSize(size int) *Bus {
	if size < 1 {
		size = 1
	}
	return &Bus{
		topics:    make(map[string][]*Subscription),
		queueSize: size,
	}
}

// Subscription is a handle a task can poll or await during its execution.
type Subscription struct {
	topic string
	ch    chan Message
	bus   *Bus
	once  sync.Once
}

// Ch returns the receive channel for select-based consumption.
func (s *Subscription) Ch() <-chan Message {
	return s.ch
}

// Receive blocks for the next message or until ctx is done.
func (s *Subscription) Receive(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return Message{}, context.Canceled
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Poll returns the next message without blocking. The second return is
// false when the queue is empty or closed.
func (s *Subscription) Poll() (Message, bool) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return Message{}, false
		}
		return msg, true
	default:
		return Message{}, false
	}
}

// Unsubscribe detaches the handle from its topic and closes its queue.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

// Subscribe returns a new handle for the topic. Messages published after
// this call are delivered to the handle's queue in FIFO order.
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		topic: topic,
		ch:    make(chan Message, b.queueSize),
		bus:   b,
	}
	if b.closed {
		close(sub.ch)
		sub.once.Do(func() {})
		return sub
	}
	b.topics[topic] = append(b.topics[topic], sub)
	return sub
}

// Publish delivers the payload to every current subscriber of the topic.
// It never blocks the publisher: when a subscriber's queue is full the
// oldest queued message is dropped to make room.
func (b *Bus) Publish(topic, payload string) {
	msg := Message{Topic: topic, Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	subs := b.topics[topic]
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return
	}

	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			// Queue full: drop the oldest to keep the newest.
			select {
			case <-sub.ch:
				b.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- msg:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// remove detaches a subscription from its topic list.
func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.topics[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// DroppedCount returns how many messages were dropped to overloaded queues.
func (b *Bus) DroppedCount() uint64 {
	return b.dropped.Load()
}

// Close shuts the bus down at workflow completion. All subscription
// queues are closed and later publishes are discarded; nothing is
// persisted past the run.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.topics {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	b.topics = make(map[string][]*Subscription)
}
