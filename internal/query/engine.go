package query

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/apperr"
	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/internal/retrieval"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/internal/storage/sqlite"
	"github.com/docchat/backend/internal/synthesis"
	"github.com/docchat/backend/pkg/logger"
)

const interruptedMarker = "[response interrupted]"

type Retriever interface {
	Retrieve(ctx context.Context, query string, scope retrieval.Scope, k int) ([]retrieval.Match, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, in synthesis.Input) <-chan synthesis.Snapshot
}

// CitationRecorder keeps the lineage between answers and the documents they
// cite.
type CitationRecorder interface {
	RecordCitations(ctx context.Context, sessionID, messageID string, sources []models.Source) error
	DeleteSession(ctx context.Context, sessionID string) error
}

type Request struct {
	Query      string
	SessionID  string
	MaxSources int
	DocumentID string
}

type Config struct {
	HistoryWindow  int
	MaxQueryLength int
	PersistTimeout time.Duration
}

// Engine answers questions within chat sessions. It allows one query in
// flight per session.
type Engine struct {
	store     *sqlite.Client
	retriever Retriever
	synth     Synthesizer
	citations CitationRecorder
	cfg       Config
	log       *zap.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func NewEngine(store *sqlite.Client, retriever Retriever, synth Synthesizer, cfg Config) *Engine {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 6
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	return &Engine{
		store:     store,
		retriever: retriever,
		synth:     synth,
		cfg:       cfg,
		log:       logger.Named("query"),
		inflight:  make(map[string]context.CancelFunc),
	}
}

// SetCitationRecorder enables citation recording for persisted answers.
func (e *Engine) SetCitationRecorder(r CitationRecorder) {
	e.citations = r
}

// Ask validates req, retrieves sources and starts generation. Failures before
// streaming starts are returned directly. The returned channel yields
// snapshots until the terminal one and is closed after the assistant message
// is persisted. The caller must drain the channel or cancel ctx.
func (e *Engine) Ask(ctx context.Context, req Request) (<-chan synthesis.Snapshot, error) {
	req.Query = strings.TrimSpace(req.Query)
	if err := e.validate(req); err != nil {
		return nil, err
	}

	if _, err := e.store.GetSession(ctx, req.SessionID); err != nil {
		return nil, err
	}
	if req.DocumentID != "" {
		if _, err := e.store.GetDocument(ctx, req.DocumentID); err != nil {
			return nil, err
		}
	}

	qctx, release, err := e.acquire(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	q := newRun(req, e.log)
	metrics.QueriesInFlight.Inc()

	fail := func(err error) (<-chan synthesis.Snapshot, error) {
		q.to(StateFailed)
		q.finish()
		release()
		return nil, err
	}

	q.to(StateRetrieving)
	history, err := e.store.RecentMessages(qctx, req.SessionID, e.cfg.HistoryWindow)
	if err != nil {
		return fail(err)
	}
	matches, err := e.retriever.Retrieve(qctx, req.Query, retrieval.Scope{DocumentID: req.DocumentID}, req.MaxSources)
	if err != nil {
		return fail(err)
	}

	userMsg := &models.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		Role:      models.RoleUser,
		Content:   req.Query,
		Timestamp: time.Now().UTC(),
	}
	if err := e.store.AppendMessage(qctx, userMsg); err != nil {
		return fail(err)
	}

	q.to(StateGenerating)
	snaps := e.synth.Synthesize(qctx, synthesis.Input{Query: req.Query, Matches: matches, History: history})

	out := make(chan synthesis.Snapshot)
	go func() {
		defer close(out)
		defer release()
		defer q.finish()

		var (
			last     synthesis.Snapshot
			received bool
		)
	stream:
		for snap := range snaps {
			if !received {
				q.to(StateStreaming)
				received = true
			}
			last = snap
			select {
			case out <- snap:
			case <-qctx.Done():
				break stream
			}
		}

		reply := e.assistantReply(req.SessionID, last, matches)
		switch {
		case last.IsComplete && !last.Degraded:
			q.to(StateCompleted)
		case last.IsComplete:
			q.log.Warn("Answer degraded by a generation failure")
			q.to(StateFailed)
		default:
			q.log.Info("Query interrupted", zap.Int("partial_length", len(last.Content)))
			q.to(StateFailed)
		}
		metrics.ConfidenceScore.Observe(reply.Confidence)

		e.persistReply(ctx, reply)
	}()

	return out, nil
}

// CancelSession cancels the query in flight for sessionID, if any.
func (e *Engine) CancelSession(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.inflight[sessionID]
	if ok {
		cancel()
	}
	return ok
}

func (e *Engine) validate(req Request) error {
	if req.SessionID == "" {
		return apperr.Validation("session_id is required")
	}
	if req.Query == "" {
		return apperr.Validation("query is required")
	}
	if e.cfg.MaxQueryLength > 0 && utf8.RuneCountInString(req.Query) > e.cfg.MaxQueryLength {
		return apperr.Validation("query exceeds %d characters", e.cfg.MaxQueryLength)
	}
	if req.MaxSources < 0 {
		return apperr.Validation("max_sources must not be negative")
	}
	return nil
}

// acquire claims the session gate and returns the query context together
// with the function that releases both.
func (e *Engine) acquire(ctx context.Context, sessionID string) (context.Context, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[sessionID]; busy {
		return nil, nil, apperr.New(apperr.KindSessionBusy,
			fmt.Sprintf("session %s already has a query in progress", sessionID))
	}

	qctx, cancel := context.WithCancel(ctx)
	e.inflight[sessionID] = cancel

	var once sync.Once
	release := func() {
		once.Do(func() {
			cancel()
			e.mu.Lock()
			delete(e.inflight, sessionID)
			e.mu.Unlock()
		})
	}
	return qctx, release, nil
}

// assistantReply builds the message to persist from the last snapshot seen.
// An answer cut short keeps its partial content followed by a marker.
func (e *Engine) assistantReply(sessionID string, last synthesis.Snapshot, matches []retrieval.Match) *models.ChatMessage {
	content := last.Content
	sources := last.Sources
	confidence := last.Confidence
	if !last.IsComplete {
		if strings.TrimSpace(content) == "" {
			content = interruptedMarker
		} else {
			content += "\n\n" + interruptedMarker
		}
		sources = synthesis.Sources(matches)
		confidence = synthesis.Confidence(matches)
	}
	if sources == nil {
		sources = []models.Source{}
	}
	return &models.ChatMessage{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Role:       models.RoleAssistant,
		Content:    content,
		Sources:    sources,
		Confidence: confidence,
		Timestamp:  time.Now().UTC(),
	}
}

// persistReply stores the assistant message on a context detached from the
// request, so a disconnected client still leaves a consistent history.
func (e *Engine) persistReply(parent context.Context, msg *models.ChatMessage) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.cfg.PersistTimeout)
	defer cancel()

	if err := e.store.AppendMessage(ctx, msg); err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			e.log.Debug("Session deleted before the answer was stored", zap.String("session_id", msg.SessionID))
			return
		}
		e.log.Error("Failed to store assistant message", zap.String("session_id", msg.SessionID), zap.Error(err))
		return
	}

	if e.citations != nil && len(msg.Sources) > 0 {
		if err := e.citations.RecordCitations(ctx, msg.SessionID, msg.ID, msg.Sources); err != nil {
			e.log.Warn("Failed to record citations", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
}
