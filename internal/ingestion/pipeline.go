package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/apperr"
	"github.com/docchat/backend/internal/llm"
	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/pkg/logger"
)

var ErrPipelineStopped = errors.New("ingestion pipeline stopped")

// Job is one uploaded document waiting to be ingested.
type Job struct {
	DocumentID string
	Filename   string
	Data       []byte
}

type TextExtractor interface {
	Extract(ctx context.Context, data []byte, filename string) (*Extraction, error)
}

// DocumentSink owns document status. Begin moves a pending document to
// processing; Complete stores the chunks and marks it completed; Fail marks
// it failed with a reason.
type DocumentSink interface {
	Begin(ctx context.Context, id string) error
	Complete(ctx context.Context, id, language string, pageCount int, chunks []models.Chunk) error
	Fail(ctx context.Context, id, reason string) error
}

type PipelineConfig struct {
	Workers   int
	QueueSize int
}

// Pipeline runs ingestion jobs on a fixed pool of workers fed by a bounded
// queue.
type Pipeline struct {
	extractor TextExtractor
	chunker   *Chunker
	embedder  llm.Embedder
	sink      DocumentSink
	workers   int
	log       *zap.Logger

	jobs chan Job
	quit chan struct{}
	wg   sync.WaitGroup

	mu       sync.RWMutex
	stopped  bool
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewPipeline(cfg PipelineConfig, extractor TextExtractor, chunker *Chunker, embedder llm.Embedder, sink DocumentSink) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Pipeline{
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		sink:      sink,
		workers:   cfg.Workers,
		log:       logger.Named("ingestion"),
		jobs:      make(chan Job, cfg.QueueSize),
		quit:      make(chan struct{}),
	}
}

// SetSink wires the status owner. It must be called before Start.
func (p *Pipeline) SetSink(sink DocumentSink) {
	p.sink = sink
}

func (p *Pipeline) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.log.Info("Ingestion pipeline started", zap.Int("workers", p.workers), zap.Int("queue_size", cap(p.jobs)))
}

// Submit enqueues job, blocking while the queue is full.
func (p *Pipeline) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPipelineStopped
	}

	select {
	case p.jobs <- job:
		return nil
	case <-p.quit:
		return ErrPipelineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new jobs, lets the workers drain the queue and waits for them
// until ctx is done, at which point in-flight jobs are cancelled.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()
	})
	if p.cancel == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.log.Info("Ingestion pipeline stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("ingestion pipeline stop: %w", ctx.Err())
	}
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.process(ctx, job)
	}
	p.log.Debug("Ingestion worker exited", zap.Int("worker", id))
}

func (p *Pipeline) process(ctx context.Context, job Job) {
	started := time.Now()
	log := p.log.With(zap.String("document_id", job.DocumentID), zap.String("filename", job.Filename))

	if err := p.sink.Begin(ctx, job.DocumentID); err != nil {
		log.Warn("Skipping ingestion job", zap.Error(err))
		return
	}

	extraction, chunks, err := p.build(ctx, job)
	if err == nil {
		err = p.sink.Complete(ctx, job.DocumentID, extraction.Language, extraction.PageCount, chunks)
		if apperr.Is(err, apperr.KindNotFound) {
			log.Info("Document deleted during ingestion")
			return
		}
	}

	metrics.IngestionDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		log.Error("Document ingestion failed", zap.Error(err))
		if ferr := p.sink.Fail(context.WithoutCancel(ctx), job.DocumentID, failureReason(err)); ferr != nil {
			log.Warn("Failed to record ingestion failure", zap.Error(ferr))
		}
		metrics.DocumentsIngested.WithLabelValues(string(models.StatusFailed)).Inc()
		return
	}

	metrics.DocumentsIngested.WithLabelValues(string(models.StatusCompleted)).Inc()
	metrics.ChunksStored.Add(float64(len(chunks)))
	log.Info("Document ingested",
		zap.Int("pages", extraction.PageCount),
		zap.Int("chunks", len(chunks)),
		zap.String("language", extraction.Language),
		zap.Duration("duration", time.Since(started)),
	)
}

// build produces the fully embedded chunks of a document. Nothing is
// persisted here.
func (p *Pipeline) build(ctx context.Context, job Job) (*Extraction, []models.Chunk, error) {
	extraction, err := p.extractor.Extract(ctx, job.Data, job.Filename)
	if err != nil {
		return nil, nil, err
	}

	pieces := p.chunker.Chunk(extraction.Pages, extraction.Language)
	if len(pieces) == 0 {
		return nil, nil, apperr.New(apperr.KindExtraction, "document produced no text chunks")
	}

	texts := make([]string, len(pieces))
	for i, piece := range pieces {
		texts[i] = piece.Text
	}

	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, nil, err
	}
	if len(vectors) != len(pieces) {
		return nil, nil, apperr.New(apperr.KindEmbeddingService,
			fmt.Sprintf("embedding count mismatch: got %d, expected %d", len(vectors), len(pieces)))
	}

	now := time.Now().UTC()
	chunks := make([]models.Chunk, len(pieces))
	for i, piece := range pieces {
		if len(vectors[i]) != p.embedder.Dimension() {
			return nil, nil, apperr.New(apperr.KindEmbeddingService,
				fmt.Sprintf("embedding dimension mismatch: got %d, expected %d", len(vectors[i]), p.embedder.Dimension()))
		}
		chunks[i] = models.Chunk{
			ID:         uuid.NewString(),
			DocumentID: job.DocumentID,
			Text:       piece.Text,
			PageNumber: piece.PageNumber,
			ChunkIndex: piece.ChunkIndex,
			Language:   piece.Language,
			Embedding:  vectors[i],
			CreatedAt:  now,
		}
	}
	return extraction, chunks, nil
}

func failureReason(err error) string {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return fmt.Sprintf("%s: %s", appErr.Kind, appErr.Message)
	}
	if errors.Is(err, context.Canceled) {
		return "ingestion cancelled"
	}
	return err.Error()
}
