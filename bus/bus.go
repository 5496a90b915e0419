// Package bus is a lightweight in-process publish/subscribe channel used to
// surface companion events (task lifecycle, agent results) to embedders.
package bus

import (
	"sync"
	"time"
)

// Event is one published occurrence.
type Event struct {
	Topic   string
	Payload map[string]any
	Time    time.Time
}

// Handler receives events. Handlers run synchronously on the publisher's
// goroutine and must return quickly.
type Handler func(e Event)

// Subscription unsubscribes its handler when cancelled.
type Subscription struct {
	bus   *Bus
	topic string
	id    int
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs[s.topic], s.id)
	s.bus = nil
}

// Bus dispatches events to topic subscribers. The zero value is not usable;
// use New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]Handler
	nextID int
}

// New creates a Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[int]Handler)}
}

// Subscribe registers a handler for a topic. The empty topic receives every
// event.
func (b *Bus) Subscribe(topic string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[topic][id] = h
	return &Subscription{bus: b, topic: topic, id: id}
}

// Publish delivers an event to subscribers of its topic and of the empty
// topic. Missing Time is filled in.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[e.Topic])+len(b.subs[""]))
	for _, h := range b.subs[e.Topic] {
		handlers = append(handlers, h)
	}
	if e.Topic != "" {
		for _, h := range b.subs[""] {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
