package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/apperr"
	"github.com/docchat/backend/internal/query"
	"github.com/docchat/backend/internal/synthesis"
	"github.com/docchat/backend/pkg/logger"
)

type wsMessage struct {
	Type string `json:"type"`
	queryRequest
}

type wsSnapshot struct {
	Type string `json:"type"`
	synthesis.Snapshot
}

type WebSocketHandler struct {
	base   context.Context
	engine *query.Engine
}

func NewWebSocketHandler(base context.Context, engine *query.Engine) *WebSocketHandler {
	if base == nil {
		base = context.Background()
	}
	return &WebSocketHandler{base: base, engine: engine}
}

// Upgrade rejects plain HTTP requests on the WebSocket route.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HandleConnection serves queries sent over one socket, one at a time.
// Closing the socket cancels the query being streamed.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	ctx, cancel := context.WithCancel(h.base)
	defer func() {
		cancel()
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	incoming := make(chan wsMessage)
	go func() {
		defer cancel()
		defer close(incoming)
		for {
			var msg wsMessage
			if err := c.ReadJSON(&msg); err != nil {
				logger.Debug("WebSocket read ended", zap.Error(err))
				return
			}
			select {
			case incoming <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for msg := range incoming {
		if msg.Type != "query" {
			h.sendError(c, apperr.Validation("unsupported message type %q", msg.Type))
			continue
		}
		if err := h.streamResponse(ctx, c, msg.toQuery()); err != nil {
			logger.Info("Failed to stream response", zap.Error(err))
			return
		}
	}
}

func (h *WebSocketHandler) streamResponse(ctx context.Context, c *websocket.Conn, req query.Request) error {
	qctx, cancel := context.WithCancel(ctx)
	defer cancel()

	snapshots, err := h.engine.Ask(qctx, req)
	if err != nil {
		return h.sendError(c, err)
	}

	for snap := range snapshots {
		if err := c.WriteJSON(wsSnapshot{Type: "snapshot", Snapshot: snap}); err != nil {
			cancel()
			for range snapshots {
			}
			return err
		}
	}

	return c.WriteJSON(fiber.Map{"type": "complete"})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, err error) error {
	msg := fiber.Map{
		"type":  "error",
		"error": apperr.Message(err),
		"kind":  apperr.KindOf(err).String(),
	}
	return c.WriteJSON(msg)
}
