package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/storage"
)

// EventType represents the type of event
type EventType string

const (
	EventNodeRegistered      EventType = "node.registered"
	EventNodeOnline          EventType = "node.online"
	EventNodeOffline         EventType = "node.offline"
	EventVmCreated           EventType = "vm.created"
	EventVmRecovered         EventType = "vm.recovered"
	EventVmLifecycle         EventType = "vm.lifecycle"
	EventVmError             EventType = "vm.error"
	EventVmStop              EventType = "vm.stop"
	EventSecurityViolation   EventType = "security.violation"
	EventRelayDegraded       EventType = "relay.degraded"
	EventRelayFailover       EventType = "relay.failover"
	EventUsageRecorded       EventType = "billing.usage_recorded"
	EventSettlementSubmitted EventType = "billing.settlement_submitted"
)

// Event represents a control-plane event
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	NodeID    string            `json:"node_id,omitempty"`
	VmID      string            `json:"vm_id,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. Every published
// event is also appended to the durable event log so metering and
// notification consumers can replay after a restart.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	store       storage.Store
}

// NewBroker creates a new event broker. store may be nil in tests, which
// disables the durable log.
func NewBroker(store storage.Store) *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
		store:       store,
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

// Publish publishes an event to all subscribers and the durable log
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if b.store != nil {
		data, err := json.Marshal(event)
		if err == nil {
			if err := b.store.AppendEvent(data); err != nil {
				log.Errorf("failed to append event to durable log", err)
			}
		}
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

// Replay reads events from the durable log starting after fromSeq
func (b *Broker) Replay(fromSeq uint64, limit int) ([]*Event, uint64, error) {
	if b.store == nil {
		return nil, fromSeq, nil
	}
	payloads, last, err := b.store.ReadEvents(fromSeq, limit)
	if err != nil {
		return nil, fromSeq, err
	}
	events := make([]*Event, 0, len(payloads))
	for _, p := range payloads {
		var e Event
		if err := json.Unmarshal(p, &e); err != nil {
			continue
		}
		events = append(events, &e)
	}
	return events, last, nil
}
