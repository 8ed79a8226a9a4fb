package llm

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/apperr"
	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/pkg/logger"
	"github.com/docchat/backend/pkg/retry"
)

// Embedder turns texts into fixed-dimension vectors, one per input, in input
// order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

func (c *Client) Dimension() int {
	return c.dimension
}

// Embed embeds texts in batches. Any failure fails the whole call with an
// embedding service error; no partial result is returned.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))

		batch, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, apperr.Wrap(apperr.KindEmbeddingService, "embedding request failed", err)
		}
		embeddings = append(embeddings, batch...)
	}

	logger.Debug("Embeddings generated", zap.Int("count", len(embeddings)))
	return embeddings, nil
}

func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	started := time.Now()
	var result [][]float32

	err := c.embedCB.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retryFor("embeddings"), func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, c.embedTimeout)
			defer cancel()

			resp, err := c.client.CreateEmbeddings(attemptCtx, openai.EmbeddingRequest{
				Input: batch,
				Model: openai.EmbeddingModel(c.embeddingModel),
			})
			if err != nil {
				return fmt.Errorf("failed to create embeddings: %w", err)
			}

			vectors, err := c.collect(resp, len(batch))
			if err != nil {
				return retry.Permanent(err)
			}
			result = vectors
			return nil
		})
	})

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.EmbeddingBatchDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())

	return result, err
}

// collect orders the response by index and checks count and dimension.
func (c *Client) collect(resp openai.EmbeddingResponse, want int) ([][]float32, error) {
	if len(resp.Data) != want {
		return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(resp.Data), want)
	}

	vectors := make([][]float32, want)
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= want || vectors[data.Index] != nil {
			return nil, fmt.Errorf("invalid embedding index %d", data.Index)
		}
		if len(data.Embedding) != c.dimension {
			return nil, fmt.Errorf("embedding dimension mismatch: got %d, expected %d", len(data.Embedding), c.dimension)
		}
		vectors[data.Index] = data.Embedding
	}
	return vectors, nil
}
