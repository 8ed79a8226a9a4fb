package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/docchat/backend/internal/api/handlers"
	cache "github.com/docchat/backend/internal/cache/redis"
	"github.com/docchat/backend/internal/documents"
	"github.com/docchat/backend/internal/ingestion"
	graph "github.com/docchat/backend/internal/kg/neo4j"
	"github.com/docchat/backend/internal/llm"
	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/internal/query"
	"github.com/docchat/backend/internal/retrieval"
	"github.com/docchat/backend/internal/storage/sqlite"
	"github.com/docchat/backend/internal/synthesis"
	"github.com/docchat/backend/pkg/config"
	"github.com/docchat/backend/pkg/logger"
)

// components holds the wired services shared by the serve and ingest
// commands.
type components struct {
	cfg       *config.Config
	store     *sqlite.Client
	cache     *cache.Client
	graph     *graph.Client
	milvus    *retrieval.MilvusIndex
	pipeline  *ingestion.Pipeline
	documents *documents.Service
	engine    *query.Engine
}

func buildComponents(ctx context.Context, cfg *config.Config) (_ *components, err error) {
	metrics.Init()

	c := &components{cfg: cfg}
	defer func() {
		if err != nil {
			c.close(context.Background())
		}
	}()

	c.store, err = sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, err
	}
	if err = c.store.InitSchema(ctx); err != nil {
		return nil, err
	}

	llmClient := llm.NewClient(cfg.LLM)

	var embedder llm.Embedder = llmClient
	if cfg.Redis.Enabled {
		c.cache, err = cache.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		ttl := time.Duration(cfg.Redis.EmbeddingTTLSec) * time.Second
		embedder = cache.NewCachedEmbedder(llmClient, c.cache, cfg.LLM.EmbeddingModel, ttl)
	}

	var index retrieval.Index
	switch cfg.Retrieval.Backend {
	case "milvus":
		c.milvus, err = retrieval.NewMilvusIndex(ctx, cfg.Milvus.Endpoint, cfg.Milvus.APIKey, cfg.Milvus.Collection, cfg.LLM.EmbeddingDim, c.store)
		if err != nil {
			return nil, err
		}
		index = c.milvus
	default:
		mem, err := retrieval.LoadMemoryIndex(ctx, c.store, cfg.LLM.EmbeddingDim)
		if err != nil {
			return nil, err
		}
		index = mem
	}

	detector, err := ingestion.NewLanguageDetector(
		cfg.Ingestion.SupportedLanguages,
		cfg.Ingestion.DefaultLanguage,
		cfg.Ingestion.MinLanguageConfidence,
	)
	if err != nil {
		return nil, err
	}

	c.pipeline = ingestion.NewPipeline(
		ingestion.PipelineConfig{Workers: cfg.Ingestion.Workers, QueueSize: cfg.Ingestion.QueueSize},
		ingestion.NewExtractor(detector),
		ingestion.NewChunker(cfg.Ingestion.ChunkSize, cfg.Ingestion.ChunkOverlap, cfg.Ingestion.MinChunkSize, detector),
		embedder,
		nil,
	)
	c.documents = documents.NewService(c.store, index, c.pipeline, documents.Config{MaxUploadBytes: cfg.Server.BodyLimit})
	c.pipeline.SetSink(c.documents)

	retriever := retrieval.NewRetriever(embedder, index, retrieval.Config{
		Backend:       cfg.Retrieval.Backend,
		DefaultK:      cfg.Retrieval.DefaultMaxSources,
		MaxK:          cfg.Retrieval.MaxSources,
		MinSimilarity: cfg.Retrieval.MinSimilarity,
	})
	synth := synthesis.NewSynthesizer(llmClient, synthesis.Config{HistoryWindow: cfg.Chat.HistoryWindow})
	c.engine = query.NewEngine(c.store, retriever, synth, query.Config{
		HistoryWindow:  cfg.Chat.HistoryWindow,
		MaxQueryLength: cfg.Chat.MaxQueryLength,
		PersistTimeout: time.Duration(cfg.Chat.PersistTimeoutSec) * time.Second,
	})

	if cfg.Neo4j.Enabled {
		c.graph, err = graph.NewClient(cfg.Neo4j)
		if err != nil {
			return nil, err
		}
		c.documents.SetCitationGraph(c.graph)
		c.engine.SetCitationRecorder(c.graph)
	}

	n, err := c.documents.RecoverInterrupted(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover interrupted ingestions: %w", err)
	}
	if n > 0 {
		logger.Warn("Marked interrupted ingestions as failed", zap.Int64("count", n))
	}

	return c, nil
}

func (c *components) healthChecks() map[string]handlers.Pinger {
	checks := map[string]handlers.Pinger{"sqlite": c.store}
	if c.cache != nil {
		checks["redis"] = c.cache
	}
	return checks
}

// citations returns nil when the graph is disabled so that the handler sees
// a nil interface.
func (c *components) citations() handlers.CitationReader {
	if c.graph == nil {
		return nil
	}
	return c.graph
}

func (c *components) close(ctx context.Context) {
	if c.pipeline != nil {
		if err := c.pipeline.Stop(ctx); err != nil {
			logger.Warn("Ingestion pipeline did not stop cleanly", zap.Error(err))
		}
	}
	if c.graph != nil {
		c.graph.Close(ctx)
	}
	if c.milvus != nil {
		c.milvus.Close()
	}
	if c.cache != nil {
		c.cache.Close()
	}
	if c.store != nil {
		c.store.Close()
	}
}
