package relay

import (
	"encoding/json"
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event is an onReceiveData delivery to the main channel.
type Event struct {
	Seq     uint64          `json:"seq"`
	Track   string          `json:"track"`
	CycleID string          `json:"cycle_id"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// EventBroker fans events out to main-channel subscribers. It is safe for
// concurrent use.
//
// After Close, Subscribe returns a closed channel so late subscribers do not
// block forever.
type EventBroker struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	nextSeq uint64
	closed  bool
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		subs: make(map[int]chan Event),
	}
}

// Subscribe returns a channel that receives every published event and an
// unsubscribe function.
func (b *EventBroker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish stamps ev with a sequence number and sends it to all subscribers.
// It returns the number of subscribers that received it; events are dropped
// for subscribers whose buffers are full.
func (b *EventBroker) Publish(ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}

	b.nextSeq++
	ev.Seq = b.nextSeq
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
			delivered++
		default:
			eventsDroppedTotal.Inc()
		}
	}
	eventsPublishedTotal.Inc()
	return delivered
}

// Subscribers returns the current number of subscribers.
func (b *EventBroker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *EventBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
