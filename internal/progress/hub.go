package progress

import (
	"sync"

	"github.com/google/uuid"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/store"
)

// Subscriber receives the events published for one session. Events arrive on
// Events until Unsubscribe closes it.
type Subscriber struct {
	ID        string
	SessionID string
	Events    chan store.Event
}

// Hub fans progress events out to per-session subscribers. Long-running
// operations publish as they go; an editor UI subscribes to its own session
// feed. Publishing to a session nobody observes is a no-op, and a slow
// subscriber never blocks the publishing operation.
type Hub struct {
	mu            sync.RWMutex
	logger        store.Logger
	subscriptions map[string]map[*Subscriber]bool // sessionID -> subscribers
}

// NewHub creates an empty hub.
func NewHub(logger store.Logger) *Hub {
	if logger == nil {
		logger = store.NopLogger{}
	}
	return &Hub{
		logger:        logger,
		subscriptions: make(map[string]map[*Subscriber]bool),
	}
}

// Subscribe registers a new subscriber for the session's feed. The returned
// subscriber's channel is buffered; events beyond the buffer are dropped
// rather than blocking the publisher.
func (h *Hub) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Events:    make(chan store.Event, 16),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscriptions[sessionID]
	if !ok {
		subs = make(map[*Subscriber]bool)
		h.subscriptions[sessionID] = subs
	}
	subs[sub] = true

	h.logger.Debug("progress subscriber added", "subscriber", sub.ID, "session", sessionID)
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscriptions[sub.SessionID]
	if !ok || !subs[sub] {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subscriptions, sub.SessionID)
	}
	close(sub.Events)

	h.logger.Debug("progress subscriber removed", "subscriber", sub.ID, "session", sub.SessionID)
}

// Publish delivers the event to every subscriber of the session. Never
// blocks: subscribers whose buffer is full miss the event.
func (h *Hub) Publish(sessionID string, ev store.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subscriptions[sessionID] {
		select {
		case sub.Events <- ev:
		default:
			h.logger.Warn("progress event dropped, subscriber buffer full",
				"subscriber", sub.ID, "session", sessionID, "event", ev.Type)
		}
	}
}

// Compile-time check that Hub implements the Progress interface
var _ store.Progress = (*Hub)(nil)
