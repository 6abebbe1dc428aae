package handlers

import (
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/xrayvision/backend/internal/events"
	"github.com/xrayvision/backend/internal/metrics"
	"github.com/xrayvision/backend/internal/pipeline"
	"github.com/xrayvision/backend/pkg/logger"
)

// WebSocketHandler streams pipeline snapshots to connected observers. The
// stream is push-only: the client never has to send anything after the
// upgrade.
type WebSocketHandler struct {
	hub        *events.Hub
	controller *pipeline.Controller
}

func NewWebSocketHandler(hub *events.Hub, controller *pipeline.Controller) *WebSocketHandler {
	return &WebSocketHandler{
		hub:        hub,
		controller: controller,
	}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	id, updates := h.hub.Subscribe()
	metrics.WebsocketClients.Inc()

	logger.Info("Observer connected", zap.String("subscriber_id", id))

	defer func() {
		h.hub.Unsubscribe(id)
		metrics.WebsocketClients.Dec()
		c.Close()
		logger.Info("Observer disconnected", zap.String("subscriber_id", id))
	}()

	// Initial full snapshot so a fresh client renders immediately.
	if err := c.WriteJSON(h.controller.Snapshot()); err != nil {
		logger.Debug("Failed to send initial snapshot", zap.Error(err))
		return
	}

	// Drain the read side so close frames are processed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := c.WriteJSON(update); err != nil {
				logger.Debug("Failed to push snapshot", zap.String("subscriber_id", id), zap.Error(err))
				return
			}
		case <-closed:
			return
		}
	}
}
