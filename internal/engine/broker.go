package engine

import (
	"sync"

	"github.com/seantiz/cellrun/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// EventBroker fans out execution events to live subscribers. It is safe for
// concurrent use.
//
// Closed topics are kept as markers so a subscriber that arrives after an
// execution finished gets a closed channel instead of blocking forever.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan model.Event
	nextID int
	closed bool
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel of events for executionID and an unsubscribe
// function. The channel is closed when the execution finishes.
func (b *EventBroker) Subscribe(executionID string) (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan model.Event)}
		b.topics[executionID] = t
	}

	ch := make(chan model.Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish delivers ev to every subscriber of its execution.
func (b *EventBroker) Publish(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.ExecutionID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; it can recover the event from the store.
		}
	}
}

// Close ends the stream for executionID.
func (b *EventBroker) Close(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		b.topics[executionID] = &eventTopic{subs: make(map[int]chan model.Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
