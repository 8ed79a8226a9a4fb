package retrieval

import (
	"context"
	"fmt"
	"strconv"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/storage/sqlite"
	"github.com/docchat/backend/pkg/logger"
)

const (
	milvusOversample = 3
	milvusMinTopK    = 20
)

// chunkHydrator loads chunk rows for index hits, dropping chunks whose
// document is not completed.
type chunkHydrator interface {
	CompletedChunksByID(ctx context.Context, ids []string) ([]sqlite.IndexedChunk, error)
}

// MilvusIndex keeps vectors in Milvus and chunk text in SQLite.
type MilvusIndex struct {
	client         client.Client
	collectionName string
	dimension      int
	store          chunkHydrator
}

func NewMilvusIndex(ctx context.Context, endpoint, apiKey, collectionName string, dimension int, store chunkHydrator) (*MilvusIndex, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	idx := &MilvusIndex{
		client:         c,
		collectionName: collectionName,
		dimension:      dimension,
		store:          store,
	}
	if err := idx.ensureCollection(ctx); err != nil {
		c.Close()
		return nil, err
	}

	logger.Info("Milvus index initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)
	return idx, nil
}

func (z *MilvusIndex) Close() error {
	return z.client.Close()
}

func (z *MilvusIndex) ensureCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if !has {
		schema := &entity.Schema{
			CollectionName: z.collectionName,
			Description:    "document chunk embeddings",
			Fields: []*entity.Field{
				{
					Name:       "chunk_id",
					DataType:   entity.FieldTypeVarChar,
					PrimaryKey: true,
					AutoID:     false,
					TypeParams: map[string]string{"max_length": "64"},
				},
				{
					Name:       "document_id",
					DataType:   entity.FieldTypeVarChar,
					TypeParams: map[string]string{"max_length": "64"},
				},
				{
					Name:       "embedding",
					DataType:   entity.FieldTypeFloatVector,
					TypeParams: map[string]string{"dim": strconv.Itoa(z.dimension)},
				},
			},
		}

		if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}

		idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
		if err != nil {
			return fmt.Errorf("failed to build index params: %w", err)
		}
		if err := z.client.CreateIndex(ctx, z.collectionName, "embedding", idx, false); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
		logger.Info("Collection created", zap.String("collection", z.collectionName))
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

func (z *MilvusIndex) Add(ctx context.Context, chunks []sqlite.IndexedChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	chunkIDs := make([]string, len(chunks))
	documentIDs := make([]string, len(chunks))
	embeddings := make([][]float32, len(chunks))
	for i, c := range chunks {
		if len(c.Embedding) != z.dimension {
			return fmt.Errorf("chunk %s has dimension %d, index expects %d", c.ID, len(c.Embedding), z.dimension)
		}
		chunkIDs[i] = c.ID
		documentIDs[i] = c.DocumentID
		embeddings[i] = c.Embedding
	}

	_, err := z.client.Insert(ctx, z.collectionName, "",
		entity.NewColumnVarChar("chunk_id", chunkIDs),
		entity.NewColumnVarChar("document_id", documentIDs),
		entity.NewColumnFloatVector("embedding", z.dimension, embeddings),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	if err := z.client.Flush(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Debug("Chunks inserted into Milvus", zap.Int("count", len(chunks)))
	return nil
}

func (z *MilvusIndex) Remove(ctx context.Context, documentID string) error {
	if err := z.client.Delete(ctx, z.collectionName, "", documentExpr(documentID)); err != nil {
		return fmt.Errorf("failed to delete document vectors: %w", err)
	}
	return nil
}

// Search over-fetches from Milvus, hydrates the hits from SQLite and ranks
// them with the same order as the memory index.
func (z *MilvusIndex) Search(ctx context.Context, query []float32, filter Filter, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	expr := ""
	if filter.DocumentID != "" {
		expr = documentExpr(filter.DocumentID)
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	results, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		expr,
		[]string{"chunk_id"},
		[]entity.Vector{entity.FloatVector(query)},
		"embedding",
		entity.COSINE,
		max(k*milvusOversample, milvusMinTopK),
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	scores := make(map[string]float64)
	ids := make([]string, 0)
	for _, sr := range results {
		col := sr.Fields.GetColumn("chunk_id")
		if col == nil {
			continue
		}
		for i := 0; i < sr.ResultCount; i++ {
			v, err := col.Get(i)
			if err != nil {
				return nil, fmt.Errorf("failed to read search result: %w", err)
			}
			id, ok := v.(string)
			if !ok {
				continue
			}
			if _, seen := scores[id]; !seen {
				ids = append(ids, id)
			}
			scores[id] = float64(sr.Scores[i])
		}
	}

	chunks, err := z.store.CompletedChunksByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate search results: %w", err)
	}

	matches := make([]Match, 0, len(chunks))
	for _, c := range chunks {
		sim := scores[c.ID]
		if sim < filter.MinSimilarity {
			continue
		}
		matches = append(matches, matchFromChunk(c, sim))
	}
	return rank(matches, k), nil
}

func documentExpr(documentID string) string {
	return fmt.Sprintf("document_id == %s", strconv.Quote(documentID))
}
