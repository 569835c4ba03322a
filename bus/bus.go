// Package bus provides a lightweight in-process event bus connecting the
// scheduler to the delivery gateway. Publishing is fire-and-forget:
// publishers never block and never learn whether anyone listened.
package bus

import (
	"sync"
	"time"
)

// Event is a single bus message. AccountID is optional; when set, the
// gateway delivers to that account only, otherwise it broadcasts.
type Event struct {
	Name      string
	AccountID string
	Payload   interface{}
	Time      time.Time
}

// Bus fans events out to subscribers.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (<-chan Event, func())
}

type subscriber struct {
	ch   chan Event
	once sync.Once
}

type memoryBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// New creates an in-memory bus.
func New() Bus {
	return &memoryBus{subs: make(map[*subscriber]struct{})}
}

// Publish delivers the event to every subscriber whose channel has
// room. Slow subscribers miss events rather than stalling the publisher.
func (b *memoryBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Subscribe registers a listener with the given channel buffer. The
// returned function removes the subscription and closes the channel;
// calling it more than once is safe.
func (b *memoryBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		sub.once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, unsubscribe
}
