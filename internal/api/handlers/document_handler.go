package handlers

import (
	"context"
	"io"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/documents"
	"github.com/docchat/backend/internal/kg/neo4j"
	"github.com/docchat/backend/pkg/logger"
)

// CitationReader lists the answers that cited a document.
type CitationReader interface {
	DocumentCitations(ctx context.Context, documentID string) ([]neo4j.Citation, error)
}

type DocumentHandler struct {
	service   *documents.Service
	citations CitationReader
}

func NewDocumentHandler(service *documents.Service, citations CitationReader) *DocumentHandler {
	return &DocumentHandler{
		service:   service,
		citations: citations,
	}
}

func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "A multipart file field named \"file\" is required",
		})
	}

	f, err := fh.Open()
	if err != nil {
		logger.Error("Failed to open uploaded file", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to read uploaded file",
		})
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		logger.Error("Failed to read uploaded file", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to read uploaded file",
		})
	}

	doc, err := h.service.Create(c.UserContext(), data, fh.Filename)
	if err != nil {
		return writeError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(doc)
}

func (h *DocumentHandler) ListDocuments(c *fiber.Ctx) error {
	docs, err := h.service.List(c.UserContext())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(docs)
}

func (h *DocumentHandler) GetDocument(c *fiber.Ctx) error {
	doc, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(doc)
}

func (h *DocumentHandler) DeleteDocument(c *fiber.Ctx) error {
	if err := h.service.Delete(c.UserContext(), c.Params("id")); err != nil {
		return writeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *DocumentHandler) GetCitations(c *fiber.Ctx) error {
	if h.citations == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Citation graph is not enabled",
		})
	}

	id := c.Params("id")
	if _, err := h.service.Get(c.UserContext(), id); err != nil {
		return writeError(c, err)
	}

	citations, err := h.citations.DocumentCitations(c.UserContext(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"document_id": id,
		"citations":   citations,
	})
}
