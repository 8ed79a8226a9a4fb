package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docchat/backend/internal/apperr"
	"github.com/docchat/backend/pkg/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(config.LLMConfig{
		BaseURL:              srv.URL + "/v1",
		APIKey:               "test-key",
		Model:                "test-model",
		EmbeddingModel:       "test-embedding",
		EmbeddingDim:         2,
		EmbedBatchSize:       2,
		EmbedTimeoutSec:      5,
		GenerationTimeoutSec: 5,
		MaxRetries:           1,
	})
}

type embeddingRequest struct {
	Input []string `json:"input"`
}

// embeddingsHandler answers with [position, len(text)] vectors in reverse
// order so that callers must sort by index.
func embeddingsHandler(calls *int32, dim int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)

		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		data := make([]map[string]any, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := make([]float32, dim)
			vec[0] = float32(len(req.Input[i]))
			data = append(data, map[string]any{"object": "embedding", "index": i, "embedding": vec})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": "test-embedding"})
	}
}

func writeAPIError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"message":"status %d","type":"test_error"}}`, status)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, true},
		{"server error", fmt.Errorf("wrapped: %w", &openai.APIError{HTTPStatusCode: 503}), true},
		{"bad request", &openai.APIError{HTTPStatusCode: 400}, false},
		{"unauthorized", &openai.RequestError{HTTPStatusCode: 401, Err: errors.New("nope")}, false},
		{"request 502", &openai.RequestError{HTTPStatusCode: 502, Err: errors.New("gateway")}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"network", &net.DNSError{Err: "no such host", IsTimeout: true}, true},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestEmbed_BatchesAndOrders(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embeddings", embeddingsHandler(&calls, 2))
	client := newTestClient(t, mux)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := client.Embed(context.Background(), texts)
	require.NoError(t, err)

	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	require.Len(t, vectors, len(texts))
	for i, text := range texts {
		assert.Equal(t, float32(len(text)), vectors[i][0], "vector %d out of order", i)
	}
	assert.Equal(t, 2, client.Dimension())
}

func TestEmbed_Empty(t *testing.T) {
	client := newTestClient(t, http.NotFoundHandler())

	vectors, err := client.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
}

func TestEmbed_DimensionMismatchIsPermanent(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embeddings", embeddingsHandler(&calls, 3))
	client := newTestClient(t, mux)

	_, err := client.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindEmbeddingService))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestEmbed_RetriesServerError(t *testing.T) {
	var calls int32
	ok := embeddingsHandler(new(int32), 2)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			writeAPIError(w, http.StatusInternalServerError)
			return
		}
		ok(w, r)
	})
	client := newTestClient(t, mux)

	vectors, err := client.Embed(context.Background(), []string{"abc"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestEmbed_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeAPIError(w, http.StatusBadRequest)
	})
	client := newTestClient(t, mux)

	_, err := client.Embed(context.Background(), []string{"abc"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindEmbeddingService))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func streamHandler(deltas ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, d := range deltas {
			chunk := map[string]any{
				"id":      "chatcmpl-test",
				"object":  "chat.completion.chunk",
				"model":   "test-model",
				"choices": []map[string]any{{"index": 0, "delta": map[string]string{"content": d}}},
			}
			payload, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

func TestStreamChat_DeliversDeltas(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", streamHandler("Hel", "lo", " world"))
	client := newTestClient(t, mux)

	var got strings.Builder
	err := client.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, func(delta string) error {
		got.WriteString(delta)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", got.String())
}

func TestStreamChat_CallbackErrorStops(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", streamHandler("a", "b", "c"))
	client := newTestClient(t, mux)

	stop := errors.New("stop")
	seen := 0
	err := client.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, func(string) error {
		seen++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, seen)
}

func TestStreamChat_OpenFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusUnauthorized)
	})
	client := newTestClient(t, mux)

	err := client.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, func(string) error { return nil })
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindGeneration))
}
