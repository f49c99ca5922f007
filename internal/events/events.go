// Package events is the engine's outward notification surface. The engine
// stays UI-agnostic: screens (or anything else) subscribe callbacks instead
// of the engine knowing about views.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the notifications the engine publishes.
type Type string

const (
	PrefetchQueued Type = "prefetch_queued"
	PrefetchDone   Type = "prefetch_done"
	PrefetchFailed Type = "prefetch_failed"
	CacheCleanup   Type = "cache_cleanup"
)

// Event is one engine notification.
type Event struct {
	ID     string    `json:"id"`
	Type   Type      `json:"type"`
	Target int       `json:"target"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers an event to every subscriber, stamping ID and time.
func (b *Bus) Publish(t Type, target int, detail string) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	ev := Event{
		ID:     uuid.New().String(),
		Type:   t,
		Target: target,
		Detail: detail,
		At:     time.Now(),
	}
	for _, h := range handlers {
		h(ev)
	}
}
