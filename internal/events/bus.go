// Package events provides the in-process pub/sub bus the router publishes
// relay lifecycle events on. Subscribers (metrics, operator tooling) get
// best-effort delivery: a saturated subscriber channel drops the event
// rather than blocking the publisher.
package events

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Relay event types.
const (
	AgentConnected    = "agent.connected"
	AgentDisconnected = "agent.disconnected"
	AgentDisplaced    = "agent.displaced"
	ChannelCreated    = "channel.created"
	ProposalCreated   = "proposal.created"
	ProposalSettled   = "proposal.settled"
	DisputeFiled      = "dispute.filed"
	DisputeResolved   = "dispute.resolved"
)

// Event is one relay lifecycle notification.
type Event struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Subject string                 `json:"subject,omitempty"`
	Time    time.Time              `json:"time"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Bus is an in-process pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event
	allSubs     []chan *Event
	logger      *log.Logger
	bufferSize  int
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe creates a channel receiving events of the given types. Pass no
// types to receive everything.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		b.subscribers[et] = withoutChan(subs, ch)
	}
	b.allSubs = withoutChan(b.allSubs, ch)
	close(ch)
}

func withoutChan(subs []chan *Event, ch chan *Event) []chan *Event {
	filtered := make([]chan *Event, 0, len(subs))
	for _, s := range subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// Emit builds and publishes an event.
func (b *Bus) Emit(eventType, subject string, data map[string]interface{}) {
	ev := &Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Subject: subject,
		Time:    time.Now(),
		Data:    data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- ev:
		default:
			// Subscriber is saturated; drop.
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount returns the total number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}
