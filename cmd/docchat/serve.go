package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/api"
	"github.com/docchat/backend/internal/ingestion"
	"github.com/docchat/backend/pkg/logger"
)

var (
	serveDev       bool
	serveAccessLog bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Starts the document and chat API. Uploaded documents are ingested in the
background; when ingestion.watchDir is set, files dropped into that directory
are ingested as well.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveDev, "dev", false, "development mode (no HSTS header)")
	serveCmd.Flags().BoolVar(&serveAccessLog, "access-log", true, "log every HTTP request")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting docchat API server")

	c, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	c.pipeline.Start(context.Background())

	if dir := cfg.Ingestion.WatchDir; dir != "" {
		w, err := ingestion.NewWatcher(dir, c.documents.Create)
		if err != nil {
			c.close(context.Background())
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Inbox watcher stopped", zap.Error(err))
			}
		}()
	}

	// ctx ends on SIGINT/SIGTERM, which also cancels streaming answers so
	// that the shutdown below does not wait on them.
	app, stopLimiter := api.NewApp(api.Options{
		BaseContext:   ctx,
		Server:        cfg.Server,
		Chat:          cfg.Chat,
		RateLimit:     cfg.RateLimit,
		Documents:     c.documents,
		Engine:        c.engine,
		Citations:     c.citations(),
		Health:        c.healthChecks(),
		IsDevelopment: serveDev,
		AccessLog:     serveAccessLog,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info("Server starting", zap.String("address", addr))

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(addr)
	}()

	select {
	case err = <-listenErr:
		logger.Error("Server failed", zap.Error(err))
	case <-ctx.Done():
		logger.Info("Server shutting down gracefully...")
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if serr := app.ShutdownWithContext(shutdownCtx); serr != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(serr))
	}
	stopLimiter()
	c.close(shutdownCtx)

	logger.Info("Server stopped")
	return err
}
