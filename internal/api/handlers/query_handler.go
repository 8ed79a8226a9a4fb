package handlers

import (
	"bufio"
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/query"
	"github.com/docchat/backend/internal/synthesis"
	"github.com/docchat/backend/pkg/logger"
)

type queryRequest struct {
	Query      string `json:"query"`
	SessionID  string `json:"session_id"`
	MaxSources int    `json:"max_sources"`
	DocumentID string `json:"document_id"`
}

func (r queryRequest) toQuery() query.Request {
	return query.Request{
		Query:      r.Query,
		SessionID:  r.SessionID,
		MaxSources: r.MaxSources,
		DocumentID: r.DocumentID,
	}
}

type QueryHandler struct {
	base   context.Context
	engine *query.Engine
}

// NewQueryHandler builds the handler. Generation runs under base, so
// cancelling it stops every answer still streaming.
func NewQueryHandler(base context.Context, engine *query.Engine) *QueryHandler {
	if base == nil {
		base = context.Background()
	}
	return &QueryHandler{base: base, engine: engine}
}

// HandleQuery streams answer snapshots as newline-delimited JSON. Errors
// before the first snapshot are ordinary JSON error responses.
func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req queryRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	ctx, cancel := context.WithCancel(h.base)
	snapshots, err := h.engine.Ask(ctx, req.toQuery())
	if err != nil {
		cancel()
		return writeError(c, err)
	}

	c.Set(fiber.HeaderContentType, "application/x-ndjson")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set("X-Accel-Buffering", "no")
	c.Status(fiber.StatusOK)

	var stream fasthttp.StreamWriter = func(w *bufio.Writer) {
		defer cancel()
		if err := writeNDJSON(w, snapshots); err != nil {
			logger.Info("Client disconnected during answer stream",
				zap.String("session_id", req.SessionID),
				zap.Error(err),
			)
			cancel()
			for range snapshots {
			}
		}
	}
	c.Context().SetBodyStreamWriter(stream)
	return nil
}

func writeNDJSON(w *bufio.Writer, snapshots <-chan synthesis.Snapshot) error {
	enc := json.NewEncoder(w)
	for snap := range snapshots {
		if err := enc.Encode(snap); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}
