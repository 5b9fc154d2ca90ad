// Package events implements a small in-process publish/subscribe broker
// used to stream change, drift, anomaly, and governance activity to
// interested observers (e.g. a CLI watch subcommand) without coupling
// producers to consumers.
package events

import (
	"sync"
	"time"
)

// EventType represents the kind of activity being streamed.
type EventType string

const (
	EventNodeCreated        EventType = "node.created"
	EventNodeUpdated        EventType = "node.updated"
	EventNodeDisappeared    EventType = "node.disappeared"
	EventNodeReappeared     EventType = "node.reappeared"
	EventEdgeCreated        EventType = "edge.created"
	EventEdgeRemoved        EventType = "edge.removed"
	EventDriftDetected      EventType = "drift.detected"
	EventAnomalyDetected    EventType = "anomaly.detected"
	EventSnapshotCreated    EventType = "snapshot.created"
	EventGovernanceAdvanced EventType = "governance.advanced"
)

// Event represents one observable occurrence in the system.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event *Event) {
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
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
