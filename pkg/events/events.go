// Package events provides the cluster-wide administrative broker:
// global notifications about session and resource lifecycle (for
// CLI/metrics observers), distinct from the per-session Publish
// stream a client receives over its own connection.
package events

import (
	"sync"
	"time"
)

// Type identifies a global lifecycle notification.
type Type string

const (
	TypeSessionRegistered Type = "session.registered"
	TypeSessionExpired    Type = "session.expired"
	TypeSessionClosed     Type = "session.closed"
	TypeResourceOpened    Type = "resource.opened"
	TypeResourceDestroyed Type = "resource.destroyed"
	TypeLeaderChanged     Type = "raft.leader_changed"
)

// Event is one global notification.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans out global notifications to every subscriber, dropping
// for a subscriber that falls behind rather than blocking the
// publisher (this is the administrative/metrics stream, not the
// session Publish path, which instead expires a lagging session — see
// pkg/session).
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

// Subscribe creates a new subscription and returns its channel.
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
			// Subscriber buffer full, skip; this stream is best-effort.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Notify implements session.Notifier and raftlayer's leader-change
// hook: it wraps kind/subjectID into an Event and publishes it.
func (b *Broker) Notify(kind, subjectID string) {
	b.Publish(&Event{
		ID:      subjectID,
		Type:    Type(kind),
		Message: kind,
		Metadata: map[string]string{
			"subject_id": subjectID,
		},
	})
}
