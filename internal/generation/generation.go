// Package generation synthesizes natural-language answers from
// retrieved transaction context.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lumenlabs/lumen/internal/config"
)

// ErrGenerationUnavailable indicates answer synthesis failed. Callers
// degrade to returning the raw transaction list.
var ErrGenerationUnavailable = errors.New("answer generation unavailable")

const (
	defaultBaseURL = "https://api.anthropic.com"
	defaultModel   = "claude-3-5-haiku-latest"

	maxRetries  = 3
	baseBackoff = 500 * time.Millisecond
)

const answerPrompt = `You are a personal finance assistant. Answer the
user's question using only the transactions listed below. Mention
amounts and merchants explicitly. If the transactions do not answer the
question, say so briefly.

Transactions:
%s

Question: %s`

// Generator produces a natural-language answer over context snippets.
type Generator interface {
	Answer(ctx context.Context, query string, snippets []string) (string, error)
}

// Client calls a messages-API model for answer synthesis.
type Client struct {
	model     string
	apiKey    config.Secret
	baseURL   string
	maxTokens int
	http      *http.Client
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// NewClient creates the generation client from config.
func NewClient(cfg config.GenerationConfig, logger *zap.Logger) (*Client, error) {
	if !cfg.APIKey.IsSet() {
		return nil, fmt.Errorf("generation requires an API key")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		model:     model,
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		maxTokens: cfg.MaxTokens,
		http:      &http.Client{Timeout: cfg.Timeout.Duration()},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:    logger.Named("generation"),
	}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Messages    []message `json:"messages"`
}

type response struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Answer prompts the model with the snippets and question. Failures
// wrap ErrGenerationUnavailable.
func (c *Client) Answer(ctx context.Context, query string, snippets []string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	prompt := fmt.Sprintf(answerPrompt, strings.Join(snippets, "\n"), query)
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		text, retryable, err := c.doRequest(ctx, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return "", fmt.Errorf("%w: %w", ErrGenerationUnavailable, lastErr)
}

func (c *Client) doRequest(ctx context.Context, prompt string) (text string, retryable bool, err error) {
	body, err := json.Marshal(request{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: 0,
		Messages:    []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", false, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey.Value())
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", true, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return "", retryable, fmt.Errorf("generation status %d", resp.StatusCode)
	}

	var parsed response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", false, fmt.Errorf("decode response: %w", err)
	}
	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", false, errors.New("empty model reply")
	}
	return sb.String(), false, nil
}
