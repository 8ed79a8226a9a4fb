package sqlite

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/docchat/backend/internal/storage/models"
)

// IndexedChunk is a chunk of a completed document together with the fields
// retrieval needs from its parent.
type IndexedChunk struct {
	models.Chunk
	Filename string
}

const indexedChunkSelect = `
	SELECT c.id, c.document_id, c.chunk_index, c.page_number, c.text, c.language, c.embedding, c.created_at, d.filename
	FROM document_chunks c
	JOIN documents d ON d.id = c.document_id
	WHERE d.status = 'completed'`

func scanIndexedChunk(row rowScanner) (IndexedChunk, error) {
	var ic IndexedChunk
	var blob []byte
	var createdAt int64

	err := row.Scan(
		&ic.ID,
		&ic.DocumentID,
		&ic.ChunkIndex,
		&ic.PageNumber,
		&ic.Text,
		&ic.Language,
		&blob,
		&createdAt,
		&ic.Filename,
	)
	if err != nil {
		return ic, err
	}

	ic.Embedding, err = decodeEmbedding(blob)
	if err != nil {
		return ic, err
	}
	ic.CreatedAt = fromUnix(createdAt)
	return ic, nil
}

// CompletedChunks returns the chunks of completed documents, optionally
// restricted to one document, ordered by document and chunk index.
func (c *Client) CompletedChunks(ctx context.Context, documentID string) ([]IndexedChunk, error) {
	query := indexedChunkSelect
	args := []any{}
	if documentID != "" {
		query += ` AND c.document_id = ?`
		args = append(args, documentID)
	}
	query += ` ORDER BY c.document_id, c.chunk_index`

	return c.queryIndexedChunks(ctx, query, args...)
}

// CompletedChunksByID hydrates index hits. Ids of chunks whose document is
// missing or not completed are silently dropped.
func (c *Client) CompletedChunksByID(ctx context.Context, ids []string) ([]IndexedChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	return c.queryIndexedChunks(ctx, indexedChunkSelect+` AND c.id IN (`+placeholders+`)`, args...)
}

func (c *Client) queryIndexedChunks(ctx context.Context, query string, args ...any) ([]IndexedChunk, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []IndexedChunk
	for rows.Next() {
		ic, err := scanIndexedChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, ic)
	}
	return chunks, rows.Err()
}

// ChunkStats summarizes the stored chunks of one document.
type ChunkStats struct {
	Count    int
	MinIndex int
	MaxIndex int
	MinPage  int
	MaxPage  int
}

func (c *Client) ChunkStats(ctx context.Context, documentID string) (ChunkStats, error) {
	var s ChunkStats
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MIN(chunk_index), 0), COALESCE(MAX(chunk_index), 0),
		        COALESCE(MIN(page_number), 0), COALESCE(MAX(page_number), 0)
		 FROM document_chunks WHERE document_id = ?`, documentID,
	).Scan(&s.Count, &s.MinIndex, &s.MaxIndex, &s.MinPage, &s.MaxPage)
	if err != nil {
		return s, fmt.Errorf("failed to read chunk stats: %w", err)
	}
	return s, nil
}

func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("corrupt embedding of %d bytes", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}
