package events

import (
	"sync"
)

// =============================================================================
// Subscriber Interface
// =============================================================================

// Subscriber receives store events from the bus.
type Subscriber interface {
	// ID returns the unique subscriber identifier.
	ID() string

	// EventTypes returns the event types this subscriber is interested in.
	// Empty slice means all events (wildcard subscription).
	EventTypes() []EventType

	// OnEvent is called when a subscribed event occurs.
	OnEvent(event *Event) error
}

// funcSubscriber adapts a plain function to the Subscriber interface.
type funcSubscriber struct {
	id    string
	types []EventType
	fn    func(*Event)
}

func (s *funcSubscriber) ID() string              { return s.id }
func (s *funcSubscriber) EventTypes() []EventType { return s.types }
func (s *funcSubscriber) OnEvent(event *Event) error {
	s.fn(event)
	return nil
}

// =============================================================================
// Bus
// =============================================================================

// Bus manages event subscriptions and delivery. Delivery is
// asynchronous through a buffered channel; a full buffer drops events,
// so consumers needing a barrier (queue settlement) must pair
// subscriptions with state polling.
type Bus struct {
	subscribers         map[EventType][]Subscriber
	wildcardSubscribers []Subscriber

	buffer chan *Event

	mu         sync.RWMutex
	dispatchMu sync.Mutex
	closed     bool
	started    bool
	done       chan struct{}
	wg         sync.WaitGroup
}

// NewBus creates a new event bus with the given buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	return &Bus{
		subscribers:         make(map[EventType][]Subscriber),
		wildcardSubscribers: make([]Subscriber, 0),
		buffer:              make(chan *Event, bufferSize),
		done:                make(chan struct{}),
	}
}

// Publish publishes an event to the bus. Non-blocking; drops when full.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()

	select {
	case b.buffer <- event:
	default:
	}
}

// Subscribe registers a subscriber.
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	eventTypes := sub.EventTypes()

	if len(eventTypes) == 0 {
		b.wildcardSubscribers = append(b.wildcardSubscribers, sub)
		return
	}

	for _, eventType := range eventTypes {
		b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	}
}

// SubscribeFunc registers a function subscriber and returns its id for
// later Unsubscribe.
func (b *Bus) SubscribeFunc(id string, types []EventType, fn func(*Event)) {
	b.Subscribe(&funcSubscriber{id: id, types: types, fn: fn})
}

// Unsubscribe removes a subscriber by id.
func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.wildcardSubscribers = filterSubs(b.wildcardSubscribers, subscriberID)

	for eventType, subs := range b.subscribers {
		b.subscribers[eventType] = filterSubs(subs, subscriberID)
	}
}

func filterSubs(subs []Subscriber, id string) []Subscriber {
	filtered := make([]Subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub.ID() != id {
			filtered = append(filtered, sub)
		}
	}
	return filtered
}

// Start starts the dispatch goroutine. Safe to call once.
func (b *Bus) Start() {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	if b.closed || b.started {
		return
	}
	b.started = true

	b.wg.Add(1)
	go b.dispatch()
}

func (b *Bus) dispatch() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.buffer:
			b.deliverEvent(event)
		case <-b.done:
			b.drainRemaining()
			return
		}
	}
}

// drainRemaining delivers events already buffered at close time so a
// settled barrier waiting on queue_drained is not stranded.
func (b *Bus) drainRemaining() {
	for {
		select {
		case event := <-b.buffer:
			b.deliverEvent(event)
		default:
			return
		}
	}
}

func (b *Bus) deliverEvent(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.wildcardSubscribers {
		_ = sub.OnEvent(event)
	}

	if subs, ok := b.subscribers[event.EventType]; ok {
		for _, sub := range subs {
			_ = sub.OnEvent(event)
		}
	}
}

// Close gracefully shuts down the bus.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}
