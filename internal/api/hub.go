package api

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ordware/satsync/internal/config"
	"github.com/ordware/satsync/internal/events"
)

// Hub fans sync lifecycle events out to connected SSE clients. It bridges
// the in-process event bus onto per-client channels.
type Hub struct {
	clients map[chan events.Event]struct{}
	mu      sync.RWMutex
}

// NewHub creates an SSE hub and attaches it to the event bus.
func NewHub(bus *events.Bus) *Hub {
	h := &Hub{clients: make(map[chan events.Event]struct{})}
	bus.Subscribe(h.broadcast)
	slog.Info("SSE hub created")
	return h
}

// Run blocks until ctx is cancelled, then closes all client channels.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		close(ch)
		delete(h.clients, ch)
	}
	slog.Info("SSE hub stopped", "reason", ctx.Err())
}

// Subscribe registers a new client and returns its event channel.
func (h *Hub) Subscribe() chan events.Event {
	ch := make(chan events.Event, config.SSEHubChannelBuffer)

	h.mu.Lock()
	h.clients[ch] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	slog.Info("SSE client subscribed", "totalClients", count)
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (h *Hub) Unsubscribe(ch chan events.Event) {
	h.mu.Lock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
	count := len(h.clients)
	h.mu.Unlock()

	slog.Info("SSE client unsubscribed", "totalClients", count)
}

// broadcast sends an event to all connected clients. Non-blocking: a slow
// client's event is dropped.
func (h *Hub) broadcast(event events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- event:
		default:
			slog.Warn("SSE event dropped for slow client", "eventType", event.Type)
		}
	}
}
