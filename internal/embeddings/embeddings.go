// Package embeddings provides the embedding capability client used to
// vectorize transaction summaries and queries.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/lumenlabs/lumen/internal/config"
)

// ErrEmbeddingUnavailable indicates the embedding backend could not be
// reached or returned a server error. Callers may retry later.
var ErrEmbeddingUnavailable = errors.New("embedding backend unavailable")

// Embedder turns text into dense vectors.
type Embedder interface {
	// EmbedDocuments embeds a batch of documents.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Client talks to a text-embeddings-inference style HTTP backend.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates an embedding client from config.
func NewClient(cfg config.EmbeddingConfig, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("embedding base URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey.Value(),
		http:    &http.Client{Timeout: cfg.Timeout.Duration()},
		logger:  logger.Named("embeddings"),
	}, nil
}

type embedRequest struct {
	Inputs []string `json:"inputs"`
}

// EmbedDocuments embeds a batch of texts in one request.
func (c *Client) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{Inputs: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingUnavailable, resp.StatusCode, payload)
		}
		return nil, fmt.Errorf("embed request failed: status %d: %s", resp.StatusCode, payload)
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embed response count mismatch: sent %d, got %d", len(texts), len(vectors))
	}
	return vectors, nil
}

// EmbedQuery embeds one query string.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}
