// Package synthesis turns retrieved chunks and recent chat history into a
// streamed, source-attributed answer.
package synthesis

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/docchat/backend/internal/llm"
	"github.com/docchat/backend/internal/retrieval"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/pkg/logger"
)

const (
	NoInformationAnswer = "I don't have enough information to answer that question based on the uploaded documents."
	ApologyAnswer       = "I'm sorry, something went wrong while generating the answer. Please try again."

	sourceTextLimit      = 200
	defaultHistoryWindow = 6
)

const systemPrompt = `You are an expert document analyst. Answer questions based ONLY on the provided context from uploaded documents.

If the context doesn't contain enough information, clearly state what's missing.
Always cite specific sources (page numbers) when making claims.
For multilingual documents, answer in the language of the user's question.
Structure your response clearly with relevant details.`

// ChatStreamer streams a chat completion, calling onDelta for every piece of
// generated text.
type ChatStreamer interface {
	StreamChat(ctx context.Context, messages []llm.Message, onDelta func(string) error) error
}

// Snapshot is the state of an answer at one point of the stream. Content is
// cumulative; Sources and Confidence are identical across the snapshots of
// one answer.
type Snapshot struct {
	Content    string          `json:"content"`
	Sources    []models.Source `json:"sources"`
	Confidence float64         `json:"confidence"`
	IsComplete bool            `json:"is_complete"`
	// Degraded marks a terminal snapshot produced after a generation failure.
	Degraded bool `json:"-"`
}

type Input struct {
	Query   string
	Matches []retrieval.Match
	History []models.ChatMessage
}

type Config struct {
	HistoryWindow int
}

type Synthesizer struct {
	streamer      ChatStreamer
	historyWindow int
	log           *zap.Logger
}

func NewSynthesizer(streamer ChatStreamer, cfg Config) *Synthesizer {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	return &Synthesizer{
		streamer:      streamer,
		historyWindow: cfg.HistoryWindow,
		log:           logger.Named("synthesis"),
	}
}

// Synthesize streams snapshots of the answer to in.Query. The channel is
// closed after the terminal snapshot, or early when ctx is cancelled, in
// which case no terminal snapshot is sent.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) <-chan Snapshot {
	out := make(chan Snapshot)
	sources := Sources(in.Matches)
	confidence := Confidence(in.Matches)

	go func() {
		defer close(out)

		send := func(snap Snapshot) bool {
			snap.Sources = sources
			snap.Confidence = confidence
			if ctx.Err() != nil {
				return false
			}
			select {
			case out <- snap:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if len(in.Matches) == 0 {
			send(Snapshot{Content: NoInformationAnswer, IsComplete: true})
			return
		}

		var content strings.Builder
		err := s.streamer.StreamChat(ctx, s.buildMessages(in), func(delta string) error {
			if delta == "" {
				return nil
			}
			content.WriteString(delta)
			if !send(Snapshot{Content: content.String()}) {
				return ctx.Err()
			}
			return nil
		})

		switch {
		case err == nil:
			send(Snapshot{Content: content.String(), IsComplete: true})
		case ctx.Err() != nil:
			s.log.Debug("Answer generation cancelled", zap.Int("partial_length", content.Len()))
		default:
			s.log.Error("Answer generation failed", zap.Error(err), zap.Int("partial_length", content.Len()))
			send(Snapshot{Content: WithApology(content.String()), IsComplete: true, Degraded: true})
		}
	}()

	return out
}

// WithApology appends the apology to partial answer content.
func WithApology(partial string) string {
	if strings.TrimSpace(partial) == "" {
		return ApologyAnswer
	}
	return partial + "\n\n" + ApologyAnswer
}

// Sources converts ranked matches into client-facing citations.
func Sources(matches []retrieval.Match) []models.Source {
	sources := make([]models.Source, len(matches))
	for i, m := range matches {
		sources[i] = models.Source{
			DocumentID:      m.DocumentID,
			ChunkID:         m.ChunkID,
			Filename:        m.Filename,
			PageNumber:      m.PageNumber,
			ChunkIndex:      m.ChunkIndex,
			Text:            truncate(m.Text, sourceTextLimit),
			SimilarityScore: m.Similarity,
			Language:        m.Language,
		}
	}
	return sources
}

// Confidence scores grounding as 0.6*max + 0.4*mean of the similarities,
// clamped to [0,1] and rounded to three decimals. No matches score 0.
func Confidence(matches []retrieval.Match) float64 {
	if len(matches) == 0 {
		return 0
	}
	var best, sum float64
	for i, m := range matches {
		if i == 0 || m.Similarity > best {
			best = m.Similarity
		}
		sum += m.Similarity
	}
	c := 0.6*best + 0.4*(sum/float64(len(matches)))
	c = math.Max(0, math.Min(1, c))
	return math.Round(c*1000) / 1000
}

func (s *Synthesizer) buildMessages(in Input) []llm.Message {
	history := in.History
	if len(history) > s.historyWindow {
		history = history[len(history)-s.historyWindow:]
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == models.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: m.Content})
	}

	prompt := fmt.Sprintf("Context from documents:\n%s\nUser Question: %s\n\nPlease provide a comprehensive answer based on the context above.",
		buildContext(in.Matches), in.Query)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})
	return messages
}

func buildContext(matches []retrieval.Match) string {
	parts := make([]string, len(matches))
	for i, m := range matches {
		parts[i] = fmt.Sprintf("Source %d (Page %d, Similarity: %.2f):\n%s\n", i+1, m.PageNumber, m.Similarity, m.Text)
	}
	return strings.Join(parts, "\n")
}

func truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + "..."
}
