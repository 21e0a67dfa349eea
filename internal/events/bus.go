// Package events provides the process-wide publish-subscribe bus carrying
// connectivity edges and sync outcomes between the queue services and their
// observers. Duplicate events are expected; handlers must be idempotent.
package events

import (
	"context"
	"sync"
	"time"
)

// Type names an event topic on the bus.
type Type string

const (
	TypeWentOnline          Type = "went-online"
	TypeWentOffline         Type = "went-offline"
	TypePendingCountChanged Type = "pending-count-changed"
	TypeSyncComplete        Type = "sync-complete"
	TypeSyncFailed          Type = "sync-failed"
	TypeTokenWarning        Type = "token-warning"
)

// Event is one published occurrence. Payload shape depends on the topic.
type Event struct {
	Type      Type
	Payload   any
	Timestamp time.Time
}

// Bus fans events out to subscribers over buffered channels. Publishing never
// blocks; a subscriber that falls behind loses events rather than stalling
// the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	topics map[Type]bool
	stream chan Event
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener for the given topics (all topics when none
// are named). The returned cancel function removes the listener; it is also
// removed when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, topics ...Type) (<-chan Event, func()) {
	topicSet := make(map[Type]bool, len(topics))
	for _, topic := range topics {
		topicSet[topic] = true
	}

	entry := &subscriber{
		topics: topicSet,
		stream: make(chan Event, b.bufferSize),
	}

	b.mu.Lock()
	b.nextID++
	entry.id = b.nextID
	b.subscribers[entry.id] = entry
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, entry.id)
			b.mu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return entry.stream, cancel
}

// Publish delivers the event to every subscriber interested in its topic.
func (b *Bus) Publish(event Event) {
	if event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, entry := range b.subscribers {
		if len(entry.topics) == 0 || entry.topics[event.Type] {
			targets = append(targets, entry)
		}
	}
	b.mu.RUnlock()

	for _, entry := range targets {
		select {
		case entry.stream <- event:
		default:
		}
	}
}
