package neo4j

import (
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docchat/backend/internal/storage/models"
)

func TestCitationParams(t *testing.T) {
	params := citationParams([]models.Source{
		{DocumentID: "d1", ChunkID: "c1", Filename: "a.pdf", PageNumber: 3, SimilarityScore: 0.8},
		{ChunkID: "orphan"},
	})

	require.Len(t, params, 1)
	assert.Equal(t, "d1", params[0]["document_id"])
	assert.Equal(t, "a.pdf", params[0]["filename"])
	assert.Equal(t, int64(3), params[0]["page_number"])
	assert.Equal(t, 0.8, params[0]["similarity"])
}

func TestCitationFromRecord(t *testing.T) {
	record := &neo4j.Record{
		Keys:   []string{"session_id", "message_id", "chunk_id", "page_number", "similarity", "created_at"},
		Values: []any{"s1", "m1", "c1", int64(4), 0.75, int64(1700000000000)},
	}

	c := citationFromRecord(record)

	assert.Equal(t, "s1", c.SessionID)
	assert.Equal(t, "m1", c.MessageID)
	assert.Equal(t, "c1", c.ChunkID)
	assert.Equal(t, 4, c.PageNumber)
	assert.Equal(t, 0.75, c.Similarity)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), c.CitedAt)
}

func TestCitationFromRecord_MissingValues(t *testing.T) {
	c := citationFromRecord(&neo4j.Record{Keys: []string{"session_id"}, Values: []any{nil}})
	assert.Empty(t, c.SessionID)
	assert.Zero(t, c.PageNumber)
}
