package query

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/metrics"
)

type State string

const (
	StateReceived   State = "received"
	StateRetrieving State = "retrieving"
	StateGenerating State = "generating"
	StateStreaming  State = "streaming"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

var transitions = map[State][]State{
	StateReceived:   {StateRetrieving, StateFailed},
	StateRetrieving: {StateGenerating, StateFailed},
	StateGenerating: {StateStreaming, StateFailed},
	StateStreaming:  {StateCompleted, StateFailed},
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// run tracks one query through its states.
type run struct {
	state   State
	started time.Time
	log     *zap.Logger
}

func newRun(req Request, log *zap.Logger) *run {
	r := &run{
		state:   StateReceived,
		started: time.Now(),
		log: log.With(
			zap.String("query_id", uuid.NewString()),
			zap.String("session_id", req.SessionID),
		),
	}
	r.log.Info("Query received", zap.Int("query_length", len(req.Query)), zap.String("document_id", req.DocumentID))
	return r
}

// to moves the run to next. Invalid transitions are logged and ignored.
func (r *run) to(next State) bool {
	if !canTransition(r.state, next) {
		r.log.Error("Invalid query state transition", zap.String("from", string(r.state)), zap.String("to", string(next)))
		return false
	}
	r.log.Debug("Query state changed", zap.String("from", string(r.state)), zap.String("to", string(next)))
	r.state = next
	metrics.QueryStateTransitions.WithLabelValues(string(next)).Inc()
	return true
}

func (r *run) finish() {
	elapsed := time.Since(r.started)
	metrics.QueriesInFlight.Dec()
	metrics.QueryDuration.WithLabelValues(string(r.state)).Observe(elapsed.Seconds())
	metrics.QueryTotal.WithLabelValues(string(r.state)).Inc()
	r.log.Info("Query finished", zap.String("state", string(r.state)), zap.Duration("duration", elapsed))
}
