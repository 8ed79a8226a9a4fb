package retrieval

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/docchat/backend/internal/storage/sqlite"
	"github.com/docchat/backend/pkg/logger"
)

type memoryEntry struct {
	chunk sqlite.IndexedChunk
	unit  []float64
}

// MemoryIndex is an exact in-process index searched by linear scan.
type MemoryIndex struct {
	dimension int

	mu     sync.RWMutex
	byDoc  map[string][]memoryEntry
	chunks int
}

func NewMemoryIndex(dimension int) *MemoryIndex {
	return &MemoryIndex{dimension: dimension, byDoc: make(map[string][]memoryEntry)}
}

// LoadMemoryIndex builds an index from every stored chunk of completed
// documents.
func LoadMemoryIndex(ctx context.Context, store *sqlite.Client, dimension int) (*MemoryIndex, error) {
	idx := NewMemoryIndex(dimension)

	chunks, err := store.CompletedChunks(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	if err := idx.Add(ctx, chunks); err != nil {
		return nil, err
	}

	logger.Info("Memory index loaded", zap.Int("chunks", idx.Len()), zap.Int("documents", len(idx.byDoc)))
	return idx, nil
}

func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chunks
}

// Add indexes chunks. Chunks of a document already present replace its
// previous entries.
func (m *MemoryIndex) Add(_ context.Context, chunks []sqlite.IndexedChunk) error {
	grouped := make(map[string][]memoryEntry)
	for _, c := range chunks {
		if len(c.Embedding) != m.dimension {
			return fmt.Errorf("chunk %s has dimension %d, index expects %d", c.ID, len(c.Embedding), m.dimension)
		}
		entry := memoryEntry{chunk: c, unit: normalize(c.Embedding)}
		entry.chunk.Embedding = nil
		grouped[c.DocumentID] = append(grouped[c.DocumentID], entry)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for docID, entries := range grouped {
		m.chunks += len(entries) - len(m.byDoc[docID])
		m.byDoc[docID] = entries
	}
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks -= len(m.byDoc[documentID])
	delete(m.byDoc, documentID)
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, query []float32, filter Filter, k int) ([]Match, error) {
	if len(query) != m.dimension {
		return nil, fmt.Errorf("query has dimension %d, index expects %d", len(query), m.dimension)
	}
	q := normalize(query)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Match
	scan := func(entries []memoryEntry) {
		for _, e := range entries {
			sim := dot(q, e.unit)
			if sim < filter.MinSimilarity {
				continue
			}
			matches = append(matches, matchFromChunk(e.chunk, sim))
		}
	}

	if filter.DocumentID != "" {
		scan(m.byDoc[filter.DocumentID])
	} else {
		for _, entries := range m.byDoc {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			scan(entries)
		}
	}

	return rank(matches, k), nil
}

// normalize returns v scaled to unit length; a zero vector stays zero.
func normalize(v []float32) []float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float64, len(v))
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float64(x) / norm
	}
	return out
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
