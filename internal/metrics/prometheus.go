package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docchat_query_duration_seconds",
			Help:    "Query duration from receipt to terminal state in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"state"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docchat_query_total",
			Help: "Total number of queries by final state",
		},
		[]string{"state"},
	)

	QueryStateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docchat_query_state_transitions_total",
			Help: "Query lifecycle transitions",
		},
		[]string{"to"},
	)

	QueriesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docchat_queries_in_flight",
			Help: "Queries currently holding a session",
		},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docchat_confidence_score",
			Help:    "Answer confidence scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	RetrievalResultsCount = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docchat_retrieval_results_count",
			Help:    "Number of chunks returned per retrieval",
			Buckets: []float64{0, 1, 2, 5, 10, 20},
		},
		[]string{"backend"},
	)

	DocumentsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docchat_documents_ingested_total",
			Help: "Documents that reached a terminal ingestion state",
		},
		[]string{"status"},
	)

	IngestionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docchat_ingestion_duration_seconds",
			Help:    "Time from dequeue to terminal state",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 300},
		},
	)

	ChunksStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docchat_chunks_stored_total",
			Help: "Chunks persisted by completed ingestions",
		},
	)

	EmbeddingBatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docchat_embedding_batch_duration_seconds",
			Help:    "Embedding batch latency including retries",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docchat_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docchat_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	CircuitBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docchat_circuit_breaker_transitions_total",
			Help: "Circuit breaker state changes",
		},
		[]string{"name", "to"},
	)
)

var initOnce sync.Once

// Init registers every collector with the default registry. Safe to call more
// than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			QueryDuration,
			QueryTotal,
			QueryStateTransitions,
			QueriesInFlight,
			ConfidenceScore,
			RetrievalResultsCount,
			DocumentsIngested,
			IngestionDuration,
			ChunksStored,
			EmbeddingBatchDuration,
			CacheHits,
			CacheMisses,
			CircuitBreakerTransitions,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
