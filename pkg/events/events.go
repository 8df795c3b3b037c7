package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventBuildSubmitted EventType = "build.submitted"
	EventBuildAssigned  EventType = "build.assigned"
	EventBuildBuilding  EventType = "build.building"
	EventBuildCompleted EventType = "build.completed"
	EventBuildFailed    EventType = "build.failed"
	EventBuildCancelled EventType = "build.cancelled"
	EventBuildRequeued  EventType = "build.requeued"

	EventWorkerRegistered EventType = "worker.registered"
	EventWorkerIdle       EventType = "worker.idle"
	EventWorkerOffline    EventType = "worker.offline"
)

// Event is one controller event published to dashboard subscribers.
// Metadata values are display fields only; credentials never appear
// here.
type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// BuildEvent creates an event scoped to one build.
func BuildEvent(t EventType, buildID, message string) *Event {
	return &Event{
		Type:    t,
		Message: message,
		Metadata: map[string]string{
			"build_id": buildID,
		},
	}
}

// WorkerEvent creates an event scoped to one worker.
func WorkerEvent(t EventType, workerID, message string) *Event {
	return &Event{
		Type:    t,
		Message: message,
		Metadata: map[string]string{
			"worker_id": workerID,
		},
	}
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
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

	sub := make(Subscriber, 50) // Buffer per subscriber
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

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
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

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
