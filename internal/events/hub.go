package events

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xrayvision/backend/pkg/logger"
)

const defaultBuffer = 8

// Hub fans pipeline state updates out to any number of observers. Publish
// never blocks: a subscriber that cannot keep up loses intermediate
// updates and resynchronizes from the next one it receives, which is
// always a full snapshot.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]chan interface{}
	buffer int
	closed bool
}

func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]chan interface{}),
		buffer: defaultBuffer,
	}
}

// Subscribe registers an observer and returns its id and receive channel.
// The channel is closed on Unsubscribe or hub Close.
func (h *Hub) Subscribe() (string, <-chan interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := uuid.New().String()
	ch := make(chan interface{}, h.buffer)
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subs[id] = ch

	logger.Debug("Observer subscribed",
		zap.String("subscriber_id", id),
		zap.Int("subscribers", len(h.subs)),
	)
	return id, ch
}

// Unsubscribe detaches an observer and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish delivers the update to every subscriber without blocking. A full
// subscriber buffer drops this update for that subscriber only.
func (h *Hub) Publish(update interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	for id, ch := range h.subs {
		select {
		case ch <- update:
		default:
			logger.Debug("Observer lagging, update dropped", zap.String("subscriber_id", id))
		}
	}
}

// Subscribers returns the current observer count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close detaches every observer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
