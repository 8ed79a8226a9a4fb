package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/docchat/backend/internal/apperr"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/pkg/logger"
)

// ErrDuplicateHash is returned by InsertDocument when the content hash is
// already stored.
var ErrDuplicateHash = errors.New("content hash already exists")

const documentColumns = `id, filename, content_hash, language, page_count, status, chunk_count, error, uploaded_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var doc models.Document
	var status string
	var uploadedAt, updatedAt int64

	err := row.Scan(
		&doc.ID,
		&doc.Filename,
		&doc.ContentHash,
		&doc.Language,
		&doc.PageCount,
		&status,
		&doc.ChunkCount,
		&doc.Error,
		&uploadedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	doc.Status = models.DocumentStatus(status)
	doc.UploadedAt = fromUnix(uploadedAt)
	doc.UpdatedAt = fromUnix(updatedAt)
	return &doc, nil
}

func (c *Client) InsertDocument(ctx context.Context, doc *models.Document) error {
	query := `INSERT INTO documents (` + documentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := c.db.ExecContext(ctx, query,
		doc.ID,
		doc.Filename,
		doc.ContentHash,
		doc.Language,
		doc.PageCount,
		string(doc.Status),
		doc.ChunkCount,
		doc.Error,
		toUnix(doc.UploadedAt),
		toUnix(doc.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateHash
		}
		return fmt.Errorf("failed to insert document: %w", err)
	}

	logger.Debug("Document inserted", zap.String("document_id", doc.ID), zap.String("filename", doc.Filename))
	return nil
}

func (c *Client) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("document", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

func (c *Client) GetDocumentByHash(ctx context.Context, hash string) (*models.Document, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE content_hash = ?`, hash)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("document with hash", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document by hash: %w", err)
	}
	return doc, nil
}

// ListDocuments returns documents newest first. limit <= 0 means no limit.
func (c *Client) ListDocuments(ctx context.Context, limit int) ([]models.Document, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents ORDER BY uploaded_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]models.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// TransitionDocument moves a document from one status to another. The update
// is a compare-and-set on the current status, so concurrent writers cannot
// both win.
func (c *Client) TransitionDocument(ctx context.Context, id string, from, to models.DocumentStatus, reason string) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("invalid status transition %s -> %s", from, to)
	}

	res, err := c.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), reason, toUnix(time.Now()), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	return c.checkTransition(ctx, res, id)
}

// FailDocument marks a non-terminal document as failed.
func (c *Client) FailDocument(ctx context.Context, id, reason string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE documents SET status = 'failed', error = ?, updated_at = ? WHERE id = ? AND status IN ('pending', 'processing')`,
		reason, toUnix(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark document failed: %w", err)
	}
	return c.checkTransition(ctx, res, id)
}

// FailInterrupted fails every document left non-terminal by a previous
// process and returns how many were updated.
func (c *Client) FailInterrupted(ctx context.Context, reason string) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE documents SET status = 'failed', error = ?, updated_at = ? WHERE status IN ('pending', 'processing')`,
		reason, toUnix(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to fail interrupted documents: %w", err)
	}
	return res.RowsAffected()
}

func (c *Client) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := c.GetDocument(ctx, id); err != nil {
		return err
	}
	return ErrStatusConflict
}

// CompleteDocument stores every chunk of a document and marks it completed in
// a single transaction. Nothing is written unless the document is still
// processing.
func (c *Client) CompleteDocument(ctx context.Context, id, language string, pageCount int, chunks []models.Chunk) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE documents SET status = 'completed', language = ?, page_count = ?, chunk_count = ?, error = '', updated_at = ?
			 WHERE id = ? AND status = 'processing'`,
			language, pageCount, len(chunks), toUnix(time.Now()), id)
		if err != nil {
			return fmt.Errorf("failed to complete document: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n != 1 {
			return ErrStatusConflict
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO document_chunks (id, document_id, chunk_index, page_number, text, language, embedding, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare chunk insert: %w", err)
		}
		defer stmt.Close()

		for i := range chunks {
			ch := &chunks[i]
			if ch.DocumentID != id {
				return fmt.Errorf("chunk %s belongs to document %s, not %s", ch.ID, ch.DocumentID, id)
			}
			if ch.PageNumber < 1 || ch.PageNumber > pageCount {
				return fmt.Errorf("chunk %d has page %d outside [1, %d]", ch.ChunkIndex, ch.PageNumber, pageCount)
			}
			if _, err := stmt.ExecContext(ctx,
				ch.ID, ch.DocumentID, ch.ChunkIndex, ch.PageNumber, ch.Text, ch.Language,
				encodeEmbedding(ch.Embedding), toUnix(ch.CreatedAt),
			); err != nil {
				return fmt.Errorf("failed to insert chunk %d: %w", ch.ChunkIndex, err)
			}
		}

		logger.Debug("Document completed", zap.String("document_id", id), zap.Int("chunks", len(chunks)))
		return nil
	})
}

func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("document", id)
	}

	logger.Info("Document deleted", zap.String("document_id", id))
	return nil
}
