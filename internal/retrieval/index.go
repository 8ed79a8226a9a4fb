// Package retrieval finds the chunks of completed documents most similar to a
// query.
package retrieval

import (
	"context"
	"sort"

	"github.com/docchat/backend/internal/storage/sqlite"
)

// Match is a retrieved chunk with its cosine similarity to the query.
type Match struct {
	ChunkID    string
	DocumentID string
	Filename   string
	Text       string
	PageNumber int
	ChunkIndex int
	Language   string
	Similarity float64
}

type Filter struct {
	// DocumentID restricts the search to one document when set.
	DocumentID    string
	MinSimilarity float64
}

// Index stores chunk vectors of completed documents. Search returns at most
// k matches in rank order.
type Index interface {
	Add(ctx context.Context, chunks []sqlite.IndexedChunk) error
	Remove(ctx context.Context, documentID string) error
	Search(ctx context.Context, query []float32, filter Filter, k int) ([]Match, error)
}

func matchFromChunk(c sqlite.IndexedChunk, similarity float64) Match {
	return Match{
		ChunkID:    c.ID,
		DocumentID: c.DocumentID,
		Filename:   c.Filename,
		Text:       c.Text,
		PageNumber: c.PageNumber,
		ChunkIndex: c.ChunkIndex,
		Language:   c.Language,
		Similarity: similarity,
	}
}

// rank orders matches by similarity descending, then chunk index, document
// id and chunk id ascending, and keeps the first k.
func rank(matches []Match, k int) []Match {
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.ChunkIndex != b.ChunkIndex {
			return a.ChunkIndex < b.ChunkIndex
		}
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		return a.ChunkID < b.ChunkID
	})
	if k >= 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
