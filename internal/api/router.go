// Package api assembles the fiber application serving the document and chat
// endpoints.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/api/handlers"
	"github.com/docchat/backend/internal/documents"
	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/internal/middleware/ratelimit"
	"github.com/docchat/backend/internal/middleware/security"
	"github.com/docchat/backend/internal/middleware/validation"
	"github.com/docchat/backend/internal/query"
	"github.com/docchat/backend/pkg/config"
	"github.com/docchat/backend/pkg/logger"
)

type Options struct {
	// BaseContext bounds every answer generation; cancel it before shutting
	// the app down so that open streams end. Defaults to Background.
	BaseContext context.Context

	Server    config.ServerConfig
	Chat      config.ChatConfig
	RateLimit config.RateLimitConfig

	Documents *documents.Service
	Engine    *query.Engine
	// Citations is nil when the citation graph is disabled.
	Citations handlers.CitationReader
	Health    map[string]handlers.Pinger

	IsDevelopment bool
	AccessLog     bool
}

// NewApp builds the application. The returned stop function releases the
// rate limiter and must be called after the app shuts down.
func NewApp(opts Options) (*fiber.App, func()) {
	app := fiber.New(fiber.Config{
		AppName:      "docchat",
		ReadTimeout:  time.Duration(opts.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(opts.Server.WriteTimeout) * time.Second,
		BodyLimit:    opts.Server.BodyLimit,
		ErrorHandler: errorHandler,
	})

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: opts.RateLimit.RequestsPerMinute,
		Logger:            logger.Named("ratelimit"),
	})

	app.Use(recover.New())
	if opts.AccessLog {
		app.Use(fiberlogger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Client-ID",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))

	app.Get("/metrics", metrics.MetricsHandler())

	documentHandler := handlers.NewDocumentHandler(opts.Documents, opts.Citations)
	sessionHandler := handlers.NewSessionHandler(opts.Engine)
	queryHandler := handlers.NewQueryHandler(opts.BaseContext, opts.Engine)
	wsHandler := handlers.NewWebSocketHandler(opts.BaseContext, opts.Engine)
	healthHandler := handlers.NewHealthHandler(opts.Health)

	api := app.Group("/api")
	api.Get("/health", healthHandler.Health)

	api.Use(security.HeadersMiddleware(security.HeadersConfig{IsDevelopment: opts.IsDevelopment}))
	api.Use(limiter.Middleware())
	api.Use(validation.Middleware(validation.Config{
		MaxQueryLength: opts.Chat.MaxQueryLength,
		Logger:         logger.Named("validation"),
	}))

	docs := api.Group("/documents")
	docs.Post("/", documentHandler.UploadDocument)
	docs.Get("/", documentHandler.ListDocuments)
	docs.Get("/:id", documentHandler.GetDocument)
	docs.Delete("/:id", documentHandler.DeleteDocument)
	docs.Get("/:id/citations", documentHandler.GetCitations)

	chat := api.Group("/chat")
	chat.Post("/session", sessionHandler.CreateSession)
	chat.Delete("/session/:id", sessionHandler.DeleteSession)
	chat.Get("/sessions", sessionHandler.ListSessions)
	chat.Post("/query", queryHandler.HandleQuery)
	chat.Get("/ws", wsHandler.Upgrade, websocket.New(wsHandler.HandleConnection))
	chat.Get("/:id/messages", sessionHandler.GetMessages)

	return app, limiter.Stop
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}

	if code >= fiber.StatusInternalServerError {
		logger.Error("Unhandled request error",
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		return c.Status(code).JSON(fiber.Map{"error": "Internal server error"})
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
