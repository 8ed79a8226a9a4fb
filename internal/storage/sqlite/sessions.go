package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/docchat/backend/internal/apperr"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/pkg/logger"
)

func (c *Client) CreateSession(ctx context.Context, s *models.ChatSession) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, session_name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		s.ID, s.SessionName, toUnix(s.CreatedAt), toUnix(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*models.ChatSession, error) {
	var s models.ChatSession
	var createdAt, updatedAt int64

	err := c.db.QueryRowContext(ctx,
		`SELECT id, session_name, created_at, updated_at FROM chat_sessions WHERE id = ?`, id,
	).Scan(&s.ID, &s.SessionName, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	s.CreatedAt = fromUnix(createdAt)
	s.UpdatedAt = fromUnix(updatedAt)
	return &s, nil
}

// ListSessions returns sessions most recently active first.
func (c *Client) ListSessions(ctx context.Context, limit int) ([]models.ChatSession, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, session_name, created_at, updated_at FROM chat_sessions ORDER BY updated_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.ChatSession, 0)
	for rows.Next() {
		var s models.ChatSession
		var createdAt, updatedAt int64
		if err := rows.Scan(&s.ID, &s.SessionName, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.CreatedAt = fromUnix(createdAt)
		s.UpdatedAt = fromUnix(updatedAt)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session; its messages go with it through the
// foreign key cascade.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("session", id)
	}

	logger.Info("Session deleted", zap.String("session_id", id))
	return nil
}

// AppendMessage stores msg at the end of its session. The stored timestamp is
// raised to the session's latest one when the clock went backwards, and
// msg.Timestamp is updated to what was stored.
func (c *Client) AppendMessage(ctx context.Context, msg *models.ChatMessage) error {
	sources := msg.Sources
	if sources == nil {
		sources = []models.Source{}
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}

	return c.withTx(ctx, func(tx *sql.Tx) error {
		var last int64
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(timestamp), 0) FROM chat_messages WHERE session_id = ?`, msg.SessionID,
		).Scan(&last)
		if err != nil {
			return fmt.Errorf("failed to read last message timestamp: %w", err)
		}

		ts := toUnix(msg.Timestamp)
		if ts < last {
			ts = last
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO chat_messages (id, session_id, role, content, sources, confidence, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.SessionID, string(msg.Role), msg.Content, string(sourcesJSON), msg.Confidence, ts)
		if err != nil {
			if isForeignKeyViolation(err) {
				return apperr.NotFound("session", msg.SessionID)
			}
			return fmt.Errorf("failed to insert message: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE chat_sessions SET updated_at = MAX(updated_at, ?) WHERE id = ?`, ts, msg.SessionID,
		); err != nil {
			return fmt.Errorf("failed to touch session: %w", err)
		}

		msg.Timestamp = fromUnix(ts)
		return nil
	})
}

// ListMessages returns a session's messages in conversation order.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	return c.queryMessages(ctx,
		`SELECT id, session_id, role, content, sources, confidence, timestamp
		 FROM chat_messages WHERE session_id = ? ORDER BY timestamp ASC, seq ASC`, sessionID)
}

// RecentMessages returns the last n messages of a session in conversation
// order.
func (c *Client) RecentMessages(ctx context.Context, sessionID string, n int) ([]models.ChatMessage, error) {
	if n <= 0 {
		return nil, nil
	}
	msgs, err := c.queryMessages(ctx,
		`SELECT id, session_id, role, content, sources, confidence, timestamp
		 FROM chat_messages WHERE session_id = ? ORDER BY timestamp DESC, seq DESC LIMIT ?`, sessionID, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (c *Client) queryMessages(ctx context.Context, query string, args ...any) ([]models.ChatMessage, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]models.ChatMessage, 0)
	for rows.Next() {
		var m models.ChatMessage
		var role, sourcesJSON string
		var ts int64
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &sourcesJSON, &m.Confidence, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(sourcesJSON), &m.Sources); err != nil {
			return nil, fmt.Errorf("failed to decode sources of message %s: %w", m.ID, err)
		}
		m.Role = models.Role(role)
		m.Timestamp = fromUnix(ts)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
