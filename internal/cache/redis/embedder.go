package redis

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/docchat/backend/internal/llm"
	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/pkg/logger"
	"github.com/docchat/backend/pkg/utils"
)

type embeddingStore interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

// CachedEmbedder serves repeated texts from the cache and embeds only the
// misses. Cache failures degrade to misses.
type CachedEmbedder struct {
	next  llm.Embedder
	store embeddingStore
	model string
	ttl   time.Duration
}

func NewCachedEmbedder(next llm.Embedder, store embeddingStore, model string, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{next: next, store: store, model: model, ttl: ttl}
}

func (e *CachedEmbedder) Dimension() int {
	return e.next.Dimension()
}

func (e *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		keys[i] = utils.HashString(e.model, text)
		vec, found, err := e.store.GetEmbedding(ctx, keys[i])
		if err != nil {
			logger.Warn("Embedding cache read failed", zap.Error(err))
		}
		if found && len(vec) == e.next.Dimension() {
			metrics.CacheHits.WithLabelValues("embedding").Inc()
			out[i] = vec
			continue
		}
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := e.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	for j, i := range missIdx {
		out[i] = vectors[j]
		if err := e.store.SetEmbedding(ctx, keys[i], vectors[j], e.ttl); err != nil {
			logger.Warn("Embedding cache write failed", zap.Error(err))
		}
	}
	return out, nil
}
