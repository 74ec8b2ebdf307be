// Package revalidate carries the signals that make bound resources refetch: window focus,
// network reconnects and remote invalidations.
package revalidate

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventKind identifies a revalidation trigger.
type EventKind string

// Revalidation triggers.
const (
	EventFocus      EventKind = "focus"
	EventReconnect  EventKind = "reconnect"
	EventInvalidate EventKind = "invalidate"
)

// Event is a single trigger. Store and Key are only set for invalidations.
type Event struct {
	Kind  EventKind `json:"kind"`
	Store string    `json:"store,omitempty"`
	Key   string    `json:"key,omitempty"`
	At    time.Time `json:"at"`
}

// Handler reacts to an event. Handlers run on the publishing goroutine and must not block.
type Handler func(Event)

// Bus fans events out to subscribed handlers.
type Bus struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[EventKind]map[uint64]Handler
}

// NewBus creates an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger: logger.With().Str("component", "RevalidateBus").Logger(),
		subs:   make(map[EventKind]map[uint64]Handler),
	}
}

// Subscribe registers fn for one kind of event. The returned function removes the
// subscription; calling it more than once is a no-op.
func (b *Bus) Subscribe(kind EventKind, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[uint64]Handler)
	}
	b.subs[kind][id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[kind], id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every handler subscribed to its kind and returns how many ran.
func (b *Bus) Publish(ev Event) int {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Kind]))
	for _, h := range b.subs[ev.Kind] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	b.logger.Debug().Str("kind", string(ev.Kind)).Str("store", ev.Store).Str("key", ev.Key).Int("handlers", len(handlers)).Msg("Publishing revalidation event.")
	for _, h := range handlers {
		h(ev)
	}
	return len(handlers)
}

// Subscribers returns the number of handlers registered for kind.
func (b *Bus) Subscribers(kind EventKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
