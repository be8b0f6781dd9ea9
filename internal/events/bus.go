// Package events is the typed pub-sub bus for sync lifecycle events.
// Delivery is synchronous, in subscription order; a panicking subscriber is
// recovered and logged, never propagated into the emitter.
package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Type names a lifecycle event.
type Type string

const (
	SyncStart    Type = "sync:start"
	SyncProgress Type = "sync:progress"
	SyncComplete Type = "sync:complete"
	SyncError    Type = "sync:error"
)

// SyncStartData is the sync:start payload.
type SyncStartData struct {
	Addresses []string `json:"addresses"`
}

// SyncProgressData is the sync:progress payload.
type SyncProgressData struct {
	Pending int `json:"pending"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
}

// SyncCompleteData is the sync:complete payload.
type SyncCompleteData struct{}

// SyncErrorData is the sync:error payload.
type SyncErrorData struct {
	Message string `json:"message"`
}

// Event is one emitted lifecycle event.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// Handler receives events synchronously on the emitter's goroutine.
type Handler func(Event)

type subscriber struct {
	id      string
	types   map[Type]struct{}
	handler Handler
}

// Bus is a minimal typed pub-sub with per-event subscriber lists.
type Bus struct {
	mu   sync.RWMutex
	subs []subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for the given event types (all types when
// none are given) and returns a token for Unsubscribe.
func (b *Bus) Subscribe(handler Handler, types ...Type) string {
	sub := subscriber{
		id:      uuid.New().String(),
		handler: handler,
	}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	count := len(b.subs)
	b.mu.Unlock()

	slog.Debug("event subscriber added", "id", sub.id, "totalSubscribers", count)
	return sub.id
}

// Unsubscribe removes a subscription by its token.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers an event to every matching subscriber, in subscription
// order.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.types != nil {
			if _, ok := sub.types[event.Type]; !ok {
				continue
			}
		}
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber panicked",
				"id", sub.id,
				"eventType", event.Type,
				"panic", r,
			)
		}
	}()
	sub.handler(event)
}
