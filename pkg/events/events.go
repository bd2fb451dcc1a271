package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventWorkItemAdmitted  EventType = "work_item.admitted"
	EventWorkItemCancelled EventType = "work_item.cancelled"
	EventWorkItemRequeued  EventType = "work_item.requeued"
	EventWorkerSpawned     EventType = "worker.spawned"
	EventWorkerCompleted   EventType = "worker.completed"
	EventWorkerFailed      EventType = "worker.failed"
	EventWorkerStuck       EventType = "worker.stuck"
	EventWorkerKilled      EventType = "worker.killed"
)

// Event is one orchestrator lifecycle event.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

const recentCapacity = 256

// Broker distributes lifecycle events to subscribers and keeps a
// bounded ring of recent events for the API's events endpoint. Publish
// never blocks; slow subscribers skip events.
type Broker struct {
	subscribers map[Subscriber]bool
	recent      []*Event
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for distribution. The id and timestamp are
// filled in when absent.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// Recent returns up to limit most recent events, newest first.
func (b *Broker) Recent(limit int) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*Event, limit)
	for i := 0; i < limit; i++ {
		out[i] = b.recent[n-1-i]
	}
	return out
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.Lock()
	b.recent = append(b.recent, event)
	if len(b.recent) > recentCapacity {
		b.recent = b.recent[len(b.recent)-recentCapacity:]
	}
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}
