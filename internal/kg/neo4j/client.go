package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/pkg/circuitbreaker"
	"github.com/docchat/backend/pkg/config"
	"github.com/docchat/backend/pkg/logger"
	"github.com/docchat/backend/pkg/retry"
)

// Client records which documents each assistant answer cited:
// (:Session)-[:HAS_MESSAGE]->(:Message)-[:CITES]->(:Document).
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

// Citation is one answer citing a document.
type Citation struct {
	SessionID  string    `json:"session_id"`
	MessageID  string    `json:"message_id"`
	ChunkID    string    `json:"chunk_id"`
	PageNumber int       `json:"page_number"`
	Similarity float64   `json:"similarity_score"`
	CitedAt    time.Time `json:"cited_at"`
}

func NewClient(cfg config.Neo4jConfig) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		OpenTimeout:      20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			metrics.CircuitBreakerTransitions.WithLabelValues(name, to.String()).Inc()
		},
		Logger: logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
		Name:           "neo4j",
	}

	c := &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}
	if err := c.ensureConstraints(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}

	logger.Info("Neo4j citation graph initialized", zap.String("uri", cfg.URI), zap.String("database", database))
	return c, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(ctx context.Context, session neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retryConfig, func(ctx context.Context) error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(ctx, session)
		})
	})
}

func (c *Client) run(ctx context.Context, query string, params map[string]any) error {
	return c.executeWithRetry(ctx, func(ctx context.Context, session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, query, params)
		if err != nil {
			return err
		}
		_, err = result.Consume(ctx)
		return err
	})
}

func (c *Client) ensureConstraints(ctx context.Context) error {
	for _, q := range []string{
		`CREATE CONSTRAINT session_id IF NOT EXISTS FOR (s:Session) REQUIRE s.id IS UNIQUE`,
		`CREATE CONSTRAINT message_id IF NOT EXISTS FOR (m:Message) REQUIRE m.id IS UNIQUE`,
		`CREATE CONSTRAINT document_id IF NOT EXISTS FOR (d:Document) REQUIRE d.id IS UNIQUE`,
	} {
		if err := c.run(ctx, q, nil); err != nil {
			return fmt.Errorf("failed to create constraint: %w", err)
		}
	}
	return nil
}

// RecordCitations links an assistant message to every document its sources
// came from.
func (c *Client) RecordCitations(ctx context.Context, sessionID, messageID string, sources []models.Source) error {
	if len(sources) == 0 {
		return nil
	}

	query := `
		MERGE (s:Session {id: $session_id})
		MERGE (m:Message {id: $message_id})
		SET m.created_at = timestamp()
		MERGE (s)-[:HAS_MESSAGE]->(m)
		WITH m
		UNWIND $citations AS c
		MERGE (d:Document {id: c.document_id})
		SET d.filename = c.filename
		MERGE (m)-[r:CITES {chunk_id: c.chunk_id}]->(d)
		SET r.page_number = c.page_number,
		    r.similarity = c.similarity
	`

	err := c.run(ctx, query, map[string]any{
		"session_id": sessionID,
		"message_id": messageID,
		"citations":  citationParams(sources),
	})
	if err != nil {
		return fmt.Errorf("failed to record citations: %w", err)
	}

	logger.Debug("Citations recorded",
		zap.String("session_id", sessionID),
		zap.String("message_id", messageID),
		zap.Int("sources", len(sources)),
	)
	return nil
}

func (c *Client) DeleteDocument(ctx context.Context, documentID string) error {
	if err := c.run(ctx, `MATCH (d:Document {id: $id}) DETACH DELETE d`, map[string]any{"id": documentID}); err != nil {
		return fmt.Errorf("failed to delete document node: %w", err)
	}
	return nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	query := `
		MATCH (s:Session {id: $id})
		OPTIONAL MATCH (s)-[:HAS_MESSAGE]->(m:Message)
		DETACH DELETE s, m
	`
	if err := c.run(ctx, query, map[string]any{"id": sessionID}); err != nil {
		return fmt.Errorf("failed to delete session nodes: %w", err)
	}
	return nil
}

// DocumentCitations lists the answers that cited a document, newest first.
func (c *Client) DocumentCitations(ctx context.Context, documentID string) ([]Citation, error) {
	citations := make([]Citation, 0)

	err := c.executeWithRetry(ctx, func(ctx context.Context, session neo4j.SessionWithContext) error {
		citations = citations[:0]
		query := `
			MATCH (s:Session)-[:HAS_MESSAGE]->(m:Message)-[r:CITES]->(d:Document {id: $id})
			RETURN s.id AS session_id, m.id AS message_id, r.chunk_id AS chunk_id,
			       r.page_number AS page_number, r.similarity AS similarity, m.created_at AS created_at
			ORDER BY m.created_at DESC, r.page_number ASC
			LIMIT 200
		`

		result, err := session.Run(ctx, query, map[string]any{"id": documentID})
		if err != nil {
			return fmt.Errorf("failed to query citations: %w", err)
		}
		for result.Next(ctx) {
			citations = append(citations, citationFromRecord(result.Record()))
		}
		if err := result.Err(); err != nil {
			return fmt.Errorf("error iterating results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return citations, nil
}

func citationParams(sources []models.Source) []map[string]any {
	params := make([]map[string]any, 0, len(sources))
	for _, s := range sources {
		if s.DocumentID == "" {
			continue
		}
		params = append(params, map[string]any{
			"document_id": s.DocumentID,
			"filename":    s.Filename,
			"chunk_id":    s.ChunkID,
			"page_number": int64(s.PageNumber),
			"similarity":  s.SimilarityScore,
		})
	}
	return params
}

func citationFromRecord(record *neo4j.Record) Citation {
	var c Citation
	if v, ok := record.Get("session_id"); ok {
		c.SessionID, _ = v.(string)
	}
	if v, ok := record.Get("message_id"); ok {
		c.MessageID, _ = v.(string)
	}
	if v, ok := record.Get("chunk_id"); ok {
		c.ChunkID, _ = v.(string)
	}
	if v, ok := record.Get("page_number"); ok {
		if n, ok := v.(int64); ok {
			c.PageNumber = int(n)
		}
	}
	if v, ok := record.Get("similarity"); ok {
		c.Similarity, _ = v.(float64)
	}
	if v, ok := record.Get("created_at"); ok {
		if ms, ok := v.(int64); ok {
			c.CitedAt = time.UnixMilli(ms).UTC()
		}
	}
	return c
}
