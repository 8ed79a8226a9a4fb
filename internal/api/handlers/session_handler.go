package handlers

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"

	"github.com/docchat/backend/internal/query"
)

type SessionHandler struct {
	engine *query.Engine
}

func NewSessionHandler(engine *query.Engine) *SessionHandler {
	return &SessionHandler{engine: engine}
}

// CreateSession takes the name from the session_name query parameter or a
// JSON body; both are optional.
func (h *SessionHandler) CreateSession(c *fiber.Ctx) error {
	name := c.Query("session_name")
	if name == "" && len(c.Body()) > 0 {
		var req struct {
			SessionName string `json:"session_name"`
		}
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
		name = req.SessionName
	}

	session, err := h.engine.CreateSession(c.UserContext(), name)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(session)
}

func (h *SessionHandler) ListSessions(c *fiber.Ctx) error {
	sessions, err := h.engine.ListSessions(c.UserContext())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(sessions)
}

func (h *SessionHandler) DeleteSession(c *fiber.Ctx) error {
	if err := h.engine.DeleteSession(c.UserContext(), c.Params("id")); err != nil {
		return writeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *SessionHandler) GetMessages(c *fiber.Ctx) error {
	messages, err := h.engine.Messages(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(messages)
}
