package events

import (
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	id     string
	types  []EventType
	mu     sync.Mutex
	events []*Event
}

func (s *recordingSubscriber) ID() string              { return s.id }
func (s *recordingSubscriber) EventTypes() []EventType { return s.types }
func (s *recordingSubscriber) OnEvent(event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSubscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBusDeliversToTypedSubscriber(t *testing.T) {
	bus := NewBus(10)
	bus.Start()
	defer bus.Close()

	sub := &recordingSubscriber{id: "s1", types: []EventType{EventTypeQueueDrained}}
	bus.Subscribe(sub)

	bus.Publish(NewEvent(EventTypeQueueDrained))
	bus.Publish(NewEvent(EventTypeFileQueued)) // not subscribed

	waitFor(t, func() bool { return sub.count() == 1 })

	if sub.events[0].EventType != EventTypeQueueDrained {
		t.Errorf("got %s", sub.events[0].EventType)
	}
}

func TestBusWildcardSubscriber(t *testing.T) {
	bus := NewBus(10)
	bus.Start()
	defer bus.Close()

	sub := &recordingSubscriber{id: "wild"}
	bus.Subscribe(sub)

	bus.Publish(NewEvent(EventTypeFileQueued))
	bus.Publish(NewEvent(EventTypeProposalAccepted))

	waitFor(t, func() bool { return sub.count() == 2 })
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(10)
	bus.Start()
	defer bus.Close()

	sub := &recordingSubscriber{id: "s1", types: []EventType{EventTypeEntrySettled}}
	bus.Subscribe(sub)
	bus.Unsubscribe("s1")

	bus.Publish(NewEvent(EventTypeEntrySettled))
	time.Sleep(50 * time.Millisecond)

	if sub.count() != 0 {
		t.Errorf("unsubscribed subscriber received %d events", sub.count())
	}
}

func TestBusSubscribeFunc(t *testing.T) {
	bus := NewBus(10)
	bus.Start()
	defer bus.Close()

	var mu sync.Mutex
	var got []*Event
	bus.SubscribeFunc("fn", []EventType{EventTypeEntryFailed}, func(e *Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	ev := NewEvent(EventTypeEntryFailed)
	ev.Path = "broken.csv"
	bus.Publish(ev)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	if got[0].Path != "broken.csv" {
		t.Errorf("path: got %s", got[0].Path)
	}
}

func TestBusPublishAfterClose(t *testing.T) {
	bus := NewBus(10)
	bus.Start()
	bus.Close()

	// must not panic or block
	bus.Publish(NewEvent(EventTypeFileQueued))
}

func TestEventTypeString(t *testing.T) {
	if EventTypeQueueDrained.String() != "queue_drained" {
		t.Errorf("got %s", EventTypeQueueDrained.String())
	}
	if EventType(99).String() != "unknown" {
		t.Errorf("got %s", EventType(99).String())
	}
	if !EventTypeFileChanged.IsValid() {
		t.Error("file_changed should be valid")
	}
	if EventType(99).IsValid() {
		t.Error("99 should be invalid")
	}
}
