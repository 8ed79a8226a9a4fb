package llm

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/apperr"
	"github.com/docchat/backend/pkg/logger"
	"github.com/docchat/backend/pkg/retry"
)

const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
)

type Message struct {
	Role    string
	Content string
}

// StreamChat generates a completion for messages and hands every text delta
// to onDelta as it arrives. Only opening the stream is retried; an error
// after the first delta ends the call. A non-nil error from onDelta stops the
// stream and is returned as is.
func (c *Client) StreamChat(ctx context.Context, messages []Message, onDelta func(delta string) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.generationTimeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    make([]openai.ChatCompletionMessage, len(messages)),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Stream:      true,
	}
	for i, m := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	var stream *openai.ChatCompletionStream
	err := c.chatCB.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retryFor("chat_stream"), func(ctx context.Context) error {
			s, err := c.client.CreateChatCompletionStream(ctx, req)
			if err != nil {
				return err
			}
			stream = s
			return nil
		})
	})
	if err != nil {
		return apperr.Wrap(apperr.KindGeneration, "failed to start generation", err)
	}
	defer stream.Close()

	deltas := 0
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			logger.Debug("Generation stream finished", zap.Int("deltas", deltas))
			return nil
		}
		if err != nil {
			return apperr.Wrap(apperr.KindGeneration, "generation stream failed", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		deltas++
		if err := onDelta(delta); err != nil {
			return err
		}
	}
}
