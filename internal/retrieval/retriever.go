package retrieval

import (
	"context"

	"go.uber.org/zap"

	"github.com/docchat/backend/internal/apperr"
	"github.com/docchat/backend/internal/llm"
	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/pkg/logger"
)

type Scope struct {
	DocumentID string
}

type Config struct {
	Backend       string
	DefaultK      int
	MaxK          int
	MinSimilarity float64
}

type Retriever struct {
	embedder llm.Embedder
	index    Index
	cfg      Config
}

func NewRetriever(embedder llm.Embedder, index Index, cfg Config) *Retriever {
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 5
	}
	if cfg.MaxK < cfg.DefaultK {
		cfg.MaxK = cfg.DefaultK
	}
	return &Retriever{embedder: embedder, index: index, cfg: cfg}
}

// Retrieve returns up to k chunks of completed documents ranked by
// similarity to query. k <= 0 selects the default; larger values are capped.
func (r *Retriever) Retrieve(ctx context.Context, query string, scope Scope, k int) ([]Match, error) {
	if k <= 0 {
		k = r.cfg.DefaultK
	}
	if k > r.cfg.MaxK {
		k = r.cfg.MaxK
	}

	if sized, ok := r.index.(interface{ Len() int }); ok && sized.Len() == 0 {
		metrics.RetrievalResultsCount.WithLabelValues(r.cfg.Backend).Observe(0)
		return []Match{}, nil
	}

	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRetrieval, "failed to embed query", err)
	}
	if len(vectors) != 1 {
		return nil, apperr.New(apperr.KindRetrieval, "embedding service returned no vector for the query")
	}

	matches, err := r.index.Search(ctx, vectors[0], Filter{
		DocumentID:    scope.DocumentID,
		MinSimilarity: r.cfg.MinSimilarity,
	}, k)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRetrieval, "similarity search failed", err)
	}
	if matches == nil {
		matches = []Match{}
	}

	metrics.RetrievalResultsCount.WithLabelValues(r.cfg.Backend).Observe(float64(len(matches)))
	logger.Debug("Chunks retrieved",
		zap.Int("k", k),
		zap.Int("results", len(matches)),
		zap.String("document_id", scope.DocumentID),
	)
	return matches, nil
}
