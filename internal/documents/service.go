// Package documents owns the lifecycle of uploaded documents: admission,
// deduplication, status transitions driven by the ingestion pipeline, and
// deletion across the store and the vector index.
package documents

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/apperr"
	"github.com/docchat/backend/internal/ingestion"
	"github.com/docchat/backend/internal/retrieval"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/internal/storage/sqlite"
	"github.com/docchat/backend/pkg/logger"
	"github.com/docchat/backend/pkg/retry"
	"github.com/docchat/backend/pkg/utils"
)

const interruptedReason = "interrupted: ingestion did not finish before the previous shutdown"

// Submitter queues a document for ingestion.
type Submitter interface {
	Submit(ctx context.Context, job ingestion.Job) error
}

// CitationGraph forgets a deleted document.
type CitationGraph interface {
	DeleteDocument(ctx context.Context, documentID string) error
}

type Config struct {
	MaxUploadBytes int
	// IndexRetry governs adding completed chunks to the vector index. The
	// zero value uses retry.DefaultConfig.
	IndexRetry retry.Config
}

type Service struct {
	store     *sqlite.Client
	index     retrieval.Index
	submitter Submitter
	citations CitationGraph
	cfg       Config
	locks     *keyedMutex
	log       *zap.Logger
}

func NewService(store *sqlite.Client, index retrieval.Index, submitter Submitter, cfg Config) *Service {
	if cfg.IndexRetry.MaxAttempts <= 0 {
		cfg.IndexRetry = retry.DefaultConfig()
	}
	cfg.IndexRetry.Name = "index_add"
	if cfg.IndexRetry.Logger == nil {
		cfg.IndexRetry.Logger = logger.Named("documents")
	}
	return &Service{
		store:     store,
		index:     index,
		submitter: submitter,
		cfg:       cfg,
		locks:     newKeyedMutex(),
		log:       logger.Named("documents"),
	}
}

// SetCitationGraph enables citation cleanup on delete.
func (s *Service) SetCitationGraph(g CitationGraph) {
	s.citations = g
}

// Create admits an upload: it validates the file, rejects content that is
// already stored unless the earlier upload failed, records the document as
// pending and queues it. It returns before ingestion starts.
func (s *Service) Create(ctx context.Context, data []byte, filename string) (*models.Document, error) {
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		return nil, apperr.Validation("filename is required")
	}
	if len(data) == 0 {
		return nil, apperr.Validation("file is empty")
	}
	if s.cfg.MaxUploadBytes > 0 && len(data) > s.cfg.MaxUploadBytes {
		return nil, apperr.Validation("file exceeds the %d byte upload limit", s.cfg.MaxUploadBytes)
	}
	if !ingestion.SupportedExtension(filename) {
		return nil, apperr.Validation("unsupported file type %q, expected PDF or HTML", filepath.Ext(filename))
	}

	hash := utils.ContentHash(data)
	existing, err := s.store.GetDocumentByHash(ctx, hash)
	switch {
	case err == nil && existing.Status != models.StatusFailed:
		return nil, apperr.Duplicate(existing)
	case err == nil:
		s.log.Info("Replacing failed upload", zap.String("document_id", existing.ID), zap.String("filename", existing.Filename))
		if err := s.Delete(ctx, existing.ID); err != nil && !apperr.Is(err, apperr.KindNotFound) {
			return nil, fmt.Errorf("failed to replace failed upload: %w", err)
		}
	case !apperr.Is(err, apperr.KindNotFound):
		return nil, err
	}

	now := time.Now().UTC()
	doc := &models.Document{
		ID:          uuid.NewString(),
		Filename:    filename,
		ContentHash: hash,
		Status:      models.StatusPending,
		UploadedAt:  now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		if errors.Is(err, sqlite.ErrDuplicateHash) {
			// Lost a race with a concurrent upload of the same bytes.
			if winner, gerr := s.store.GetDocumentByHash(ctx, hash); gerr == nil {
				return nil, apperr.Duplicate(winner)
			}
			return nil, apperr.Duplicate(nil)
		}
		return nil, err
	}

	if err := s.submitter.Submit(ctx, ingestion.Job{DocumentID: doc.ID, Filename: filename, Data: data}); err != nil {
		reason := fmt.Sprintf("failed to queue for ingestion: %v", err)
		if ferr := s.store.FailDocument(context.WithoutCancel(ctx), doc.ID, reason); ferr != nil {
			s.log.Warn("Failed to mark unqueued document failed", zap.String("document_id", doc.ID), zap.Error(ferr))
		}
		return nil, fmt.Errorf("failed to queue document: %w", err)
	}

	s.log.Info("Document accepted",
		zap.String("document_id", doc.ID),
		zap.String("filename", filename),
		zap.Int("bytes", len(data)),
	)
	return doc, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Document, error) {
	return s.store.GetDocument(ctx, id)
}

// List returns every document, newest upload first.
func (s *Service) List(ctx context.Context) ([]models.Document, error) {
	return s.store.ListDocuments(ctx, 0)
}

// Delete removes a document, its chunks and its vectors. It is serialized
// with completion of the same document, so a completed document never loses
// its chunks while still being indexed.
func (s *Service) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	if _, err := s.store.GetDocument(ctx, id); err != nil {
		return err
	}
	if err := s.index.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to remove document from index: %w", err)
	}
	if err := s.store.DeleteDocument(ctx, id); err != nil {
		return err
	}

	if s.citations != nil {
		if err := s.citations.DeleteDocument(ctx, id); err != nil {
			s.log.Warn("Failed to remove document citations", zap.String("document_id", id), zap.Error(err))
		}
	}
	return nil
}

// RecoverInterrupted fails documents a previous process left pending or
// processing. Their jobs were lost with that process.
func (s *Service) RecoverInterrupted(ctx context.Context) (int64, error) {
	n, err := s.store.FailInterrupted(ctx, interruptedReason)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Warn("Marked interrupted documents failed", zap.Int64("count", n))
	}
	return n, nil
}

// Begin implements ingestion.DocumentSink.
func (s *Service) Begin(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.store.TransitionDocument(ctx, id, models.StatusPending, models.StatusProcessing, "")
}

// Complete implements ingestion.DocumentSink. The chunks become visible to
// retrieval only after the completed status is committed.
func (s *Service) Complete(ctx context.Context, id, language string, pageCount int, chunks []models.Chunk) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.CompleteDocument(ctx, id, language, pageCount, chunks); err != nil {
		if errors.Is(err, sqlite.ErrStatusConflict) {
			return fmt.Errorf("document %s is %s, not processing: %w", id, doc.Status, err)
		}
		return err
	}

	indexed := make([]sqlite.IndexedChunk, len(chunks))
	for i, c := range chunks {
		indexed[i] = sqlite.IndexedChunk{Chunk: c, Filename: doc.Filename}
	}
	err = retry.Do(ctx, s.cfg.IndexRetry, func(ctx context.Context) error {
		return s.index.Add(ctx, indexed)
	})
	if err != nil {
		// The rows are committed; the memory index reloads them at startup.
		s.log.Error("Failed to index completed document", zap.String("document_id", id), zap.Error(err))
	}
	return nil
}

// Fail implements ingestion.DocumentSink.
func (s *Service) Fail(ctx context.Context, id, reason string) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.store.FailDocument(ctx, id, reason)
}
