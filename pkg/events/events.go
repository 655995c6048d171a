package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/lifeguard/pkg/log"
)

// EventType represents the type of event
type EventType string

const (
	EventChangePlanned   EventType = "change.planned"
	EventChangeStarted   EventType = "change.started"
	EventChangeCompleted EventType = "change.completed"
	EventChangeCancelled EventType = "change.cancelled"
	EventChangeExpired   EventType = "change.expired"
	EventTaskStarted     EventType = "task.started"
	EventTaskFailed      EventType = "task.failed"
	EventTaskCompleted   EventType = "task.completed"
	EventDNSFinding      EventType = "dns.finding"
)

// Event is one audit record of the orchestrator
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// New creates an event with a fresh ID
func New(t EventType, message string, metadata map[string]string) *Event {
	return &Event{ID: uuid.New().String(), Type: t, Message: message, Metadata: metadata}
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
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
	b.stopOnce.Do(func() { close(b.stopCh) })
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

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event for every subscriber. A nil broker discards
// events, and so does a full queue: publishing never blocks a change.
func (b *Broker) Publish(event *Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		logger := log.WithComponent("events")
		logger.Warn().Str("type", string(event.Type)).Msg("Event queue full, dropping event")
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
