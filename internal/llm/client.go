package llm

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/pkg/circuitbreaker"
	"github.com/docchat/backend/pkg/config"
	"github.com/docchat/backend/pkg/logger"
	"github.com/docchat/backend/pkg/retry"
)

// Client talks to an OpenAI-compatible API for embeddings and streamed chat
// completions.
type Client struct {
	client            *openai.Client
	model             string
	embeddingModel    string
	dimension         int
	temperature       float32
	maxTokens         int
	batchSize         int
	embedTimeout      time.Duration
	generationTimeout time.Duration
	embedCB           *circuitbreaker.CircuitBreaker
	chatCB            *circuitbreaker.CircuitBreaker
	retryConfig       retry.Config
}

func NewClient(cfg config.LLMConfig) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	batchSize := cfg.EmbedBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	embedTimeout := time.Duration(cfg.EmbedTimeoutSec) * time.Second
	if embedTimeout <= 0 {
		embedTimeout = 30 * time.Second
	}
	generationTimeout := time.Duration(cfg.GenerationTimeoutSec) * time.Second
	if generationTimeout <= 0 {
		generationTimeout = 120 * time.Second
	}

	breakerConfig := circuitbreaker.Config{
		MaxRequests:      1,
		OpenTimeout:      30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		IsFailure:        IsTransient,
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			metrics.CircuitBreakerTransitions.WithLabelValues(name, to.String()).Inc()
		},
		Logger: logger.GetLogger(),
	}

	retryConfig := retry.Config{
		MaxAttempts:    cfg.MaxRetries + 1,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		ShouldRetry:    IsTransient,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
		zap.Int("embedding_dim", cfg.EmbeddingDim),
	)

	return &Client{
		client:            openai.NewClientWithConfig(clientConfig),
		model:             cfg.Model,
		embeddingModel:    cfg.EmbeddingModel,
		dimension:         cfg.EmbeddingDim,
		temperature:       cfg.Temperature,
		maxTokens:         cfg.MaxTokens,
		batchSize:         batchSize,
		embedTimeout:      embedTimeout,
		generationTimeout: generationTimeout,
		embedCB:           circuitbreaker.NewCircuitBreaker("llm-embeddings", breakerConfig),
		chatCB:            circuitbreaker.NewCircuitBreaker("llm-chat", breakerConfig),
		retryConfig:       retryConfig,
	}
}

func (c *Client) retryFor(name string) retry.Config {
	cfg := c.retryConfig
	cfg.Name = name
	return cfg
}

// IsTransient reports whether err is worth retrying: rate limiting, server
// errors, network failures and per-attempt deadlines. Other 4xx responses
// and cancellations are not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return transientStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return transientStatus(reqErr.HTTPStatusCode)
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
