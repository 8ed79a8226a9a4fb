package query

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/storage/models"
)

const DefaultSessionName = "New Chat"

func (e *Engine) CreateSession(ctx context.Context, name string) (*models.ChatSession, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultSessionName
	}
	now := time.Now().UTC()
	s := &models.ChatSession{
		ID:          uuid.NewString(),
		SessionName: name,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	e.log.Info("Session created", zap.String("session_id", s.ID))
	return s, nil
}

// ListSessions returns sessions most recently active first.
func (e *Engine) ListSessions(ctx context.Context) ([]models.ChatSession, error) {
	return e.store.ListSessions(ctx, 0)
}

// Messages returns the conversation of a session in order.
func (e *Engine) Messages(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	if _, err := e.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.store.ListMessages(ctx, sessionID)
}

// DeleteSession cancels the session's query in flight and removes the
// session with its messages.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	if e.CancelSession(sessionID) {
		e.log.Info("Cancelled in-flight query of deleted session", zap.String("session_id", sessionID))
	}
	if err := e.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	if e.citations != nil {
		if err := e.citations.DeleteSession(ctx, sessionID); err != nil {
			e.log.Warn("Failed to remove session citations", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return nil
}
