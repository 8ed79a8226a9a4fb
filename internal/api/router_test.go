package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docchat/backend/internal/api/handlers"
	"github.com/docchat/backend/internal/documents"
	"github.com/docchat/backend/internal/ingestion"
	"github.com/docchat/backend/internal/llm"
	"github.com/docchat/backend/internal/query"
	"github.com/docchat/backend/internal/retrieval"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/internal/storage/sqlite"
	"github.com/docchat/backend/internal/synthesis"
	"github.com/docchat/backend/pkg/config"
)

type nopSubmitter struct{}

func (nopSubmitter) Submit(context.Context, ingestion.Job) error { return nil }

type fixedRetriever struct {
	matches []retrieval.Match
}

func (f fixedRetriever) Retrieve(context.Context, string, retrieval.Scope, int) ([]retrieval.Match, error) {
	return f.matches, nil
}

type echoStreamer struct {
	deltas []string
}

func (e echoStreamer) StreamChat(_ context.Context, _ []llm.Message, onDelta func(string) error) error {
	for _, d := range e.deltas {
		if err := onDelta(d); err != nil {
			return err
		}
	}
	return nil
}

// stallingStreamer emits one delta, reports it on started and then waits for
// cancellation.
type stallingStreamer struct {
	started chan struct{}
}

func (s stallingStreamer) StreamChat(ctx context.Context, _ []llm.Message, onDelta func(string) error) error {
	if err := onDelta("Baku"); err != nil {
		return err
	}
	close(s.started)
	<-ctx.Done()
	return ctx.Err()
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testServer struct {
	app   *fiber.App
	store *sqlite.Client
}

func setupServer(t *testing.T, health map[string]handlers.Pinger) *testServer {
	t.Helper()
	return newTestServer(t, context.Background(), echoStreamer{deltas: []string{"Baku", " is the capital."}}, health)
}

func newTestServer(t *testing.T, base context.Context, streamer synthesis.ChatStreamer, health map[string]handlers.Pinger) *testServer {
	t.Helper()

	store, err := sqlite.NewClient(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, store.InitSchema(context.Background()))
	t.Cleanup(func() { store.Close() })

	if health == nil {
		health = map[string]handlers.Pinger{"sqlite": store}
	}

	docs := documents.NewService(store, retrieval.NewMemoryIndex(2), nopSubmitter{}, documents.Config{MaxUploadBytes: 1 << 20})
	matches := []retrieval.Match{
		{ChunkID: "c1", DocumentID: "d1", Filename: "a.pdf", Text: "Baku is the capital.", PageNumber: 1, Language: "en", Similarity: 0.8},
	}
	synth := synthesis.NewSynthesizer(streamer, synthesis.Config{})
	engine := query.NewEngine(store, fixedRetriever{matches: matches}, synth, query.Config{MaxQueryLength: 100, PersistTimeout: time.Second})

	app, stop := NewApp(Options{
		BaseContext:   base,
		Server:        config.ServerConfig{BodyLimit: 4 << 20},
		Chat:          config.ChatConfig{MaxQueryLength: 100},
		RateLimit:     config.RateLimitConfig{RequestsPerMinute: 600},
		Documents:     docs,
		Engine:        engine,
		Health:        health,
		IsDevelopment: true,
	})
	t.Cleanup(stop)

	return &testServer{app: app, store: store}
}

func (s *testServer) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := s.app.Test(req, 5000)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func jsonRequest(method, path string, body any) *http.Request {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func uploadRequest(t *testing.T, filename string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/documents", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestUploadDocument_AcceptedThenDuplicate(t *testing.T) {
	s := setupServer(t, nil)
	data := []byte("%PDF-1.4 fake")

	resp := s.do(t, uploadRequest(t, "report.pdf", data))
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	doc := decode[models.Document](t, resp)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, models.StatusPending, doc.Status)
	assert.Equal(t, "report.pdf", doc.Filename)

	resp = s.do(t, uploadRequest(t, "copy.pdf", data))
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)
	body := decode[struct {
		Error    string          `json:"error"`
		Kind     string          `json:"kind"`
		Document models.Document `json:"document"`
	}](t, resp)
	assert.Equal(t, "duplicate_document", body.Kind)
	assert.Equal(t, doc.ID, body.Document.ID)
}

func TestUploadDocument_Rejections(t *testing.T) {
	s := setupServer(t, nil)

	resp := s.do(t, uploadRequest(t, "notes.txt", []byte("hello")))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	req := httptest.NewRequest(http.MethodPost, "/api/documents", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	resp = s.do(t, req)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestDocuments_GetListDelete(t *testing.T) {
	s := setupServer(t, nil)

	resp := s.do(t, uploadRequest(t, "a.pdf", []byte("a")))
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	doc := decode[models.Document](t, resp)

	resp = s.do(t, httptest.NewRequest(http.MethodGet, "/api/documents", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	list := decode[[]models.Document](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, doc.ID, list[0].ID)

	resp = s.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/"+doc.ID, nil))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp = s.do(t, httptest.NewRequest(http.MethodDelete, "/api/documents/"+doc.ID, nil))
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	resp = s.do(t, httptest.NewRequest(http.MethodDelete, "/api/documents/"+doc.ID, nil))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp = s.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/"+doc.ID, nil))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestCitations_DisabledGraph(t *testing.T) {
	s := setupServer(t, nil)

	resp := s.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/any/citations", nil))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestSessions_Lifecycle(t *testing.T) {
	s := setupServer(t, nil)

	resp := s.do(t, httptest.NewRequest(http.MethodPost, "/api/chat/session", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	first := decode[models.ChatSession](t, resp)
	assert.Equal(t, "New Chat", first.SessionName)

	resp = s.do(t, httptest.NewRequest(http.MethodPost, "/api/chat/session?session_name=Tax+rules", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "Tax rules", decode[models.ChatSession](t, resp).SessionName)

	resp = s.do(t, jsonRequest(http.MethodPost, "/api/chat/session", map[string]string{"session_name": "Vergi"}))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "Vergi", decode[models.ChatSession](t, resp).SessionName)

	resp = s.do(t, httptest.NewRequest(http.MethodGet, "/api/chat/sessions", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.ChatSession](t, resp), 3)

	resp = s.do(t, httptest.NewRequest(http.MethodDelete, "/api/chat/session/"+first.ID, nil))
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	resp = s.do(t, httptest.NewRequest(http.MethodGet, "/api/chat/"+first.ID+"/messages", nil))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp = s.do(t, httptest.NewRequest(http.MethodDelete, "/api/chat/session/"+first.ID, nil))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestQuery_StreamsNDJSON(t *testing.T) {
	s := setupServer(t, nil)

	resp := s.do(t, httptest.NewRequest(http.MethodPost, "/api/chat/session", nil))
	session := decode[models.ChatSession](t, resp)

	resp = s.do(t, jsonRequest(http.MethodPost, "/api/chat/query", map[string]any{
		"query":      "What is the capital?",
		"session_id": session.ID,
	}))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var snaps []synthesis.Snapshot
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var snap synthesis.Snapshot
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &snap))
		snaps = append(snaps, snap)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, snaps, 3)
	assert.Equal(t, "Baku", snaps[0].Content)
	assert.False(t, snaps[0].IsComplete)
	last := snaps[len(snaps)-1]
	assert.True(t, last.IsComplete)
	assert.Equal(t, "Baku is the capital.", last.Content)
	require.Len(t, last.Sources, 1)
	assert.Equal(t, 1, last.Sources[0].PageNumber)

	resp = s.do(t, httptest.NewRequest(http.MethodGet, "/api/chat/"+session.ID+"/messages", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	messages := decode[[]models.ChatMessage](t, resp)
	require.Len(t, messages, 2)
	assert.Equal(t, models.RoleUser, messages[0].Role)
	assert.Equal(t, models.RoleAssistant, messages[1].Role)
	assert.Equal(t, "Baku is the capital.", messages[1].Content)
}

func TestQuery_ServerContextCancelsStreamingAnswer(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	defer cancel()
	streamer := stallingStreamer{started: make(chan struct{})}
	s := newTestServer(t, base, streamer, nil)

	resp := s.do(t, httptest.NewRequest(http.MethodPost, "/api/chat/session", nil))
	session := decode[models.ChatSession](t, resp)

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		req := jsonRequest(http.MethodPost, "/api/chat/query", map[string]any{
			"query":      "What is the capital?",
			"session_id": session.ID,
		})
		resp, err := s.app.Test(req, 5000)
		done <- result{resp, err}
	}()

	select {
	case <-streamer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not start")
	}
	cancel()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after the server context was cancelled")
	}
	require.NoError(t, res.err)
	defer res.resp.Body.Close()
	require.Equal(t, fiber.StatusOK, res.resp.StatusCode)

	var snaps []synthesis.Snapshot
	scanner := bufio.NewScanner(res.resp.Body)
	for scanner.Scan() {
		var snap synthesis.Snapshot
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &snap))
		snaps = append(snaps, snap)
	}
	for _, snap := range snaps {
		assert.False(t, snap.IsComplete)
	}

	messages, err := s.store.ListMessages(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "Baku\n\n[response interrupted]", messages[1].Content)
}

func TestQuery_ErrorsBeforeStreaming(t *testing.T) {
	s := setupServer(t, nil)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{name: "blank query", body: map[string]any{"query": "  ", "session_id": "x"}, want: fiber.StatusBadRequest},
		{name: "query too long", body: map[string]any{"query": strings.Repeat("a", 101), "session_id": "x"}, want: fiber.StatusBadRequest},
		{name: "unknown session", body: map[string]any{"query": "hi", "session_id": "missing"}, want: fiber.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, jsonRequest(http.MethodPost, "/api/chat/query", tt.body))
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestWebSocketRoute_RequiresUpgrade(t *testing.T) {
	s := setupServer(t, nil)

	resp := s.do(t, httptest.NewRequest(http.MethodGet, "/api/chat/ws", nil))
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	s := setupServer(t, nil)
	resp := s.do(t, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	degraded := setupServer(t, map[string]handlers.Pinger{"redis": failingPinger{}})
	resp = degraded.do(t, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "degraded", body["status"])
}

func TestSecurityHeadersOnAPI(t *testing.T) {
	s := setupServer(t, nil)

	resp := s.do(t, httptest.NewRequest(http.MethodGet, "/api/documents", nil))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}
