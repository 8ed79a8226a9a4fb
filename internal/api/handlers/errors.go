package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/apperr"
	"github.com/docchat/backend/pkg/logger"
)

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return fiber.StatusBadRequest
	case apperr.KindDuplicateDocument, apperr.KindSessionBusy:
		return fiber.StatusConflict
	case apperr.KindNotFound:
		return fiber.StatusNotFound
	case apperr.KindExtraction:
		return fiber.StatusUnprocessableEntity
	case apperr.KindEmbeddingService, apperr.KindRetrieval, apperr.KindGeneration:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// writeError maps err onto a status code and a JSON error body.
func writeError(c *fiber.Ctx, err error) error {
	kind := apperr.KindOf(err)
	status := statusFor(kind)

	if status >= fiber.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
	}

	body := fiber.Map{"error": apperr.Message(err)}
	if kind != apperr.KindInternal {
		body["kind"] = kind.String()
	}

	var appErr *apperr.Error
	if kind == apperr.KindDuplicateDocument && errors.As(err, &appErr) && appErr.Existing != nil {
		body["document"] = appErr.Existing
	}

	return c.Status(status).JSON(body)
}
