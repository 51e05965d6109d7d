package spikenet

import (
	"sync"
	"time"
)

const maxSubscribers = 50

// EventType identifies the kind of event.
type EventType string

const (
	EventState       EventType = "state"
	EventProgress    EventType = "progress"
	EventFiring      EventType = "firing"
	EventNeuronData  EventType = "neuron_data"
	EventSynapseData EventType = "synapse_data"
	EventWorkerInfo  EventType = "worker_info"
	EventWorkerError EventType = "worker_error"
	EventAck         EventType = "ack"
)

// Event is published for everything an observer of a simulation may want to
// stream.
type Event struct {
	Type      EventType    `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	State     string       `json:"state,omitempty"`
	Group     GroupID      `json:"group,omitempty"`
	Worker    WorkerHandle `json:"worker,omitempty"`
	Tick      uint32       `json:"tick,omitempty"`
	Neurons   []uint32     `json:"neurons,omitempty"`
	Time      float64      `json:"time,omitempty"`
	Values    []float64    `json:"values,omitempty"`
	Message   string       `json:"message,omitempty"`
	Progress  *Progress    `json:"progress,omitempty"`
}

// EventBroker fans out events to subscribers.
type EventBroker struct {
	subscribers map[chan Event]struct{}
	mu          sync.RWMutex
}

// NewEventBroker creates a new broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe returns a channel that receives events, or nil when the broker
// is full. The caller must call Unsubscribe when done.
func (b *EventBroker) Subscribe() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subscribers) >= maxSubscribers {
		return nil
	}

	ch := make(chan Event, 64)
	b.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber channel.
func (b *EventBroker) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Close closes all subscriber channels.
func (b *EventBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}

// Publish sends an event to all subscribers. A subscriber whose buffer is
// full misses the event.
func (b *EventBroker) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
