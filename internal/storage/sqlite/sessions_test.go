package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docchat/backend/internal/apperr"
	"github.com/docchat/backend/internal/storage/models"
)

func newSession(t *testing.T, store *Client, name string, at time.Time) *models.ChatSession {
	t.Helper()
	s := &models.ChatSession{ID: uuid.NewString(), SessionName: name, CreatedAt: at, UpdatedAt: at}
	require.NoError(t, store.CreateSession(context.Background(), s))
	return s
}

func message(sessionID string, role models.Role, content string, at time.Time) *models.ChatMessage {
	return &models.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: at,
	}
}

func TestSessions_ListOrderedByActivity(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	older := newSession(t, store, "older", base)
	newer := newSession(t, store, "newer", base.Add(time.Second))

	sessions, err := store.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, newer.ID, sessions[0].ID)

	// A new message makes the older session the most recent one.
	require.NoError(t, store.AppendMessage(ctx, message(older.ID, models.RoleUser, "hi", base.Add(2*time.Second))))

	sessions, err = store.ListSessions(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, older.ID, sessions[0].ID)
}

func TestMessages_TimestampsNonDecreasing(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	s := newSession(t, store, "chat", base)

	first := message(s.ID, models.RoleUser, "question", base.Add(time.Minute))
	require.NoError(t, store.AppendMessage(ctx, first))

	// Clock skew: the answer carries an earlier timestamp.
	second := message(s.ID, models.RoleAssistant, "answer", base)
	second.Sources = []models.Source{{PageNumber: 2, Text: "cited", SimilarityScore: 0.8, Language: "en"}}
	second.Confidence = 0.7
	require.NoError(t, store.AppendMessage(ctx, second))
	assert.Equal(t, first.Timestamp, second.Timestamp)

	msgs, err := store.ListMessages(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, 2, msgs[1].Sources[0].PageNumber)
	assert.InDelta(t, 0.7, msgs[1].Confidence, 1e-9)
	assert.False(t, msgs[1].Timestamp.Before(msgs[0].Timestamp))
	assert.NotNil(t, msgs[0].Sources)
}

func TestMessages_Recent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	s := newSession(t, store, "chat", base)

	for i, content := range []string{"m0", "m1", "m2", "m3"} {
		require.NoError(t, store.AppendMessage(ctx, message(s.ID, models.RoleUser, content, base.Add(time.Duration(i)*time.Second))))
	}

	recent, err := store.RecentMessages(ctx, s.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "m2", recent[0].Content)
	assert.Equal(t, "m3", recent[1].Content)

	none, err := store.RecentMessages(ctx, s.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMessages_UnknownSession(t *testing.T) {
	store := setupTestStore(t)

	err := store.AppendMessage(context.Background(), message("ghost", models.RoleUser, "hi", time.Now()))
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestSessions_DeleteCascadesMessages(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	s := newSession(t, store, "chat", time.Now().UTC())
	require.NoError(t, store.AppendMessage(ctx, message(s.ID, models.RoleUser, "hi", time.Now())))

	require.NoError(t, store.DeleteSession(ctx, s.ID))

	msgs, err := store.ListMessages(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = store.GetSession(ctx, s.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.True(t, apperr.Is(store.DeleteSession(ctx, s.ID), apperr.KindNotFound))
}
