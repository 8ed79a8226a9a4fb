package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/docchat/backend/internal/apperr"
	"github.com/docchat/backend/internal/documents"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/pkg/logger"
)

var ingestPollInterval = 500 * time.Millisecond

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Ingest local documents and wait until they are searchable",
	Long: `Uploads each file through the same pipeline as the API and waits until every
document is completed or failed. Files already ingested are reported and
skipped.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close(context.Background())
	c.pipeline.Start(context.Background())

	var pending []string
	for _, path := range args {
		doc, err := submitFile(ctx, c.documents, path)
		switch {
		case apperr.Is(err, apperr.KindDuplicateDocument) && doc != nil:
			cmd.Printf("%s: already ingested as %s (%s)\n", path, doc.ID, doc.Status)
		case err != nil:
			cmd.Printf("%s: %s\n", path, apperr.Message(err))
		default:
			cmd.Printf("%s: queued as %s\n", path, doc.ID)
			pending = append(pending, doc.ID)
		}
	}

	failed, err := waitForDocuments(ctx, cmd, c.documents, pending)
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d document(s) failed to ingest", failed)
	}
	return nil
}

// submitFile uploads one file. On a duplicate it returns the stored document
// along with the error.
func submitFile(ctx context.Context, svc *documents.Service, path string) (*models.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "cannot read file", err)
	}
	doc, err := svc.Create(ctx, data, filepath.Base(path))
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Kind == apperr.KindDuplicateDocument {
		existing, _ := appErr.Existing.(*models.Document)
		return existing, err
	}
	return doc, err
}

func waitForDocuments(ctx context.Context, cmd *cobra.Command, svc *documents.Service, ids []string) (failed int, err error) {
	remaining := make(map[string]bool, len(ids))
	for _, id := range ids {
		remaining[id] = true
	}

	ticker := time.NewTicker(ingestPollInterval)
	defer ticker.Stop()

	for len(remaining) > 0 {
		select {
		case <-ctx.Done():
			return failed, ctx.Err()
		case <-ticker.C:
		}

		for id := range remaining {
			doc, err := svc.Get(ctx, id)
			if err != nil {
				return failed, err
			}
			switch doc.Status {
			case models.StatusCompleted:
				cmd.Printf("%s: completed (%d pages, %d chunks, %s)\n", doc.Filename, doc.PageCount, doc.ChunkCount, doc.Language)
			case models.StatusFailed:
				cmd.Printf("%s: failed: %s\n", doc.Filename, doc.Error)
				failed++
			default:
				continue
			}
			delete(remaining, id)
		}
	}
	return failed, nil
}
