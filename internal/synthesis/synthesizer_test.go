package synthesis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docchat/backend/internal/llm"
	"github.com/docchat/backend/internal/retrieval"
	"github.com/docchat/backend/internal/storage/models"
)

type scriptedStreamer struct {
	deltas []string
	err    error

	mu       sync.Mutex
	calls    int
	messages []llm.Message
}

func (s *scriptedStreamer) StreamChat(ctx context.Context, messages []llm.Message, onDelta func(string) error) error {
	s.mu.Lock()
	s.calls++
	s.messages = messages
	s.mu.Unlock()

	for _, d := range s.deltas {
		if err := onDelta(d); err != nil {
			return err
		}
	}
	return s.err
}

func matches(sims ...float64) []retrieval.Match {
	out := make([]retrieval.Match, len(sims))
	for i, s := range sims {
		out[i] = retrieval.Match{
			ChunkID:    "c" + string(rune('0'+i)),
			DocumentID: "doc",
			Filename:   "doc.pdf",
			Text:       "chunk text",
			PageNumber: i + 1,
			ChunkIndex: i,
			Language:   "en",
			Similarity: s,
		}
	}
	return out
}

func collect(ch <-chan Snapshot) []Snapshot {
	var snaps []Snapshot
	for s := range ch {
		snaps = append(snaps, s)
	}
	return snaps
}

func TestSynthesize_NoSources(t *testing.T) {
	streamer := &scriptedStreamer{deltas: []string{"never"}}
	s := NewSynthesizer(streamer, Config{})

	snaps := collect(s.Synthesize(context.Background(), Input{Query: "what?"}))

	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].IsComplete)
	assert.Equal(t, NoInformationAnswer, snaps[0].Content)
	assert.Zero(t, snaps[0].Confidence)
	assert.Empty(t, snaps[0].Sources)
	assert.Zero(t, streamer.calls)
}

func TestSynthesize_AccretesContent(t *testing.T) {
	streamer := &scriptedStreamer{deltas: []string{"The ", "", "answer ", "is 42."}}
	s := NewSynthesizer(streamer, Config{})

	snaps := collect(s.Synthesize(context.Background(), Input{Query: "q", Matches: matches(0.9, 0.5)}))

	require.Len(t, snaps, 4)
	assert.Equal(t, "The ", snaps[0].Content)
	assert.Equal(t, "The answer ", snaps[1].Content)
	assert.Equal(t, "The answer is 42.", snaps[2].Content)

	last := snaps[len(snaps)-1]
	assert.True(t, last.IsComplete)
	assert.False(t, last.Degraded)
	assert.Equal(t, "The answer is 42.", last.Content)

	for i, snap := range snaps {
		assert.Equal(t, i == len(snaps)-1, snap.IsComplete)
		assert.Equal(t, snaps[0].Sources, snap.Sources)
		assert.Equal(t, snaps[0].Confidence, snap.Confidence)
		if i > 0 {
			assert.True(t, strings.HasPrefix(snap.Content, snaps[i-1].Content))
		}
	}
	assert.InDelta(t, 0.82, last.Confidence, 1e-9)
}

func TestSynthesize_MidStreamFailureApologizes(t *testing.T) {
	streamer := &scriptedStreamer{deltas: []string{"Partial"}, err: errors.New("stream reset")}
	s := NewSynthesizer(streamer, Config{})

	snaps := collect(s.Synthesize(context.Background(), Input{Query: "q", Matches: matches(0.7)}))

	require.Len(t, snaps, 2)
	last := snaps[1]
	assert.True(t, last.IsComplete)
	assert.True(t, last.Degraded)
	assert.Equal(t, "Partial\n\n"+ApologyAnswer, last.Content)
	assert.Len(t, last.Sources, 1)
}

func TestSynthesize_FailureBeforeAnyContent(t *testing.T) {
	streamer := &scriptedStreamer{err: errors.New("unavailable")}
	s := NewSynthesizer(streamer, Config{})

	snaps := collect(s.Synthesize(context.Background(), Input{Query: "q", Matches: matches(0.7)}))

	require.Len(t, snaps, 1)
	assert.Equal(t, ApologyAnswer, snaps[0].Content)
	assert.True(t, snaps[0].IsComplete)
}

func TestSynthesize_CancelledStopsWithoutTerminal(t *testing.T) {
	streamer := &scriptedStreamer{deltas: []string{"a", "b", "c"}}
	s := NewSynthesizer(streamer, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	ch := s.Synthesize(ctx, Input{Query: "q", Matches: matches(0.7)})
	first := <-ch
	assert.Equal(t, "a", first.Content)
	cancel()

	for snap := range ch {
		assert.False(t, snap.IsComplete)
	}
}

func TestBuildMessages_HistoryWindowAndContext(t *testing.T) {
	streamer := &scriptedStreamer{}
	s := NewSynthesizer(streamer, Config{HistoryWindow: 2})

	history := []models.ChatMessage{
		{Role: models.RoleUser, Content: "old question"},
		{Role: models.RoleAssistant, Content: "old answer"},
		{Role: models.RoleUser, Content: "recent question"},
		{Role: models.RoleAssistant, Content: "recent answer"},
	}
	msgs := s.buildMessages(Input{Query: "new question", Matches: matches(0.876), History: history})

	require.Len(t, msgs, 4)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "expert document analyst")
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "recent question"}, msgs[1])
	assert.Equal(t, llm.Message{Role: llm.RoleAssistant, Content: "recent answer"}, msgs[2])
	assert.Equal(t, llm.RoleUser, msgs[3].Role)
	assert.Contains(t, msgs[3].Content, "Source 1 (Page 1, Similarity: 0.88):\nchunk text")
	assert.Contains(t, msgs[3].Content, "User Question: new question")
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name string
		sims []float64
		want float64
	}{
		{"none", nil, 0},
		{"single", []float64{0.5}, 0.5},
		{"max and mean", []float64{0.9, 0.5}, 0.82},
		{"clamped high", []float64{1.2, 1.1}, 1},
		{"clamped low", []float64{-0.4}, 0},
		{"rounded", []float64{0.3333, 0.3333, 0.3333}, 0.333},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Confidence(matches(tt.sims...)), 1e-9)
		})
	}
}

func TestSources_TruncatesByRunes(t *testing.T) {
	long := strings.Repeat("ə", 250)
	m := matches(0.5)
	m[0].Text = long

	sources := Sources(m)

	require.Len(t, sources, 1)
	assert.Equal(t, strings.Repeat("ə", 200)+"...", sources[0].Text)
	assert.Equal(t, 1, sources[0].PageNumber)
	assert.Equal(t, "doc.pdf", sources[0].Filename)

	m[0].Text = "short"
	assert.Equal(t, "short", Sources(m)[0].Text)
}
