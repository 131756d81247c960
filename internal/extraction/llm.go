package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lumenlabs/lumen/internal/config"
	"github.com/lumenlabs/lumen/internal/ledger"
)

const (
	defaultLLMBaseURL = "https://api.anthropic.com"
	defaultLLMModel   = "claude-3-5-haiku-latest"
	defaultLLMTimeout = 30 * time.Second

	llmMaxRetries  = 3
	llmBaseBackoff = 500 * time.Millisecond
	llmRateLimit   = 2 // requests per second
)

const extractPrompt = `Extract the financial transaction from the message below.
Respond with a single JSON object and nothing else:
{"found": bool, "amount": number, "currency": string, "merchant": string,
 "channel": string, "reference": string, "confidence": number}
Set found=false if the message is not a payment notification.

Message:
%s`

// LLMExtractor extracts candidates by prompting a messages-API model.
type LLMExtractor struct {
	model         string
	apiKey        config.Secret
	baseURL       string
	maxTokens     int
	minConfidence float64
	client        *http.Client
	limiter       *rate.Limiter
	logger        *zap.Logger
}

// NewLLMExtractor creates an LLM-backed extractor.
func NewLLMExtractor(cfg config.ExtractionConfig, logger *zap.Logger) (*LLMExtractor, error) {
	if !cfg.LLM.APIKey.IsSet() {
		return nil, fmt.Errorf("llm extraction requires an API key")
	}
	model := cfg.LLM.Model
	if model == "" {
		model = defaultLLMModel
	}
	baseURL := cfg.LLM.BaseURL
	if baseURL == "" {
		baseURL = defaultLLMBaseURL
	}
	timeout := cfg.LLM.Timeout.Duration()
	if timeout == 0 {
		timeout = defaultLLMTimeout
	}
	maxTokens := cfg.LLM.MaxTokens
	if maxTokens == 0 {
		maxTokens = 512
	}
	minConfidence := cfg.MinConfidence
	if minConfidence == 0 {
		minConfidence = 0.5
	}
	return &LLMExtractor{
		model:         model,
		apiKey:        cfg.LLM.APIKey,
		baseURL:       baseURL,
		maxTokens:     maxTokens,
		minConfidence: minConfidence,
		client:        &http.Client{Timeout: timeout},
		limiter:       rate.NewLimiter(rate.Limit(llmRateLimit), 1),
		logger:        logger.Named("extraction.llm"),
	}, nil
}

type llmMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type llmRequest struct {
	Model       string       `json:"model"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature float64      `json:"temperature"`
	Messages    []llmMessage `json:"messages"`
}

type llmResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// llmCandidate is the JSON shape the model is asked to produce.
type llmCandidate struct {
	Found      bool    `json:"found"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	Merchant   string  `json:"merchant"`
	Channel    string  `json:"channel"`
	Reference  string  `json:"reference"`
	Confidence float64 `json:"confidence"`
}

// Extract prompts the model with the payload and parses its JSON reply.
// A model reply with found=false or confidence below the threshold
// yields no candidate; transport failures are returned as errors so the
// message stays unprocessed for the next cycle.
func (e *LLMExtractor) Extract(ctx context.Context, msg ledger.RawMessage) (Candidate, bool, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return Candidate{}, false, err
	}

	text, err := e.complete(ctx, fmt.Sprintf(extractPrompt, msg.RawPayload))
	if err != nil {
		return Candidate{}, false, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	var parsed llmCandidate
	if err := json.Unmarshal([]byte(extractJSONObject(text)), &parsed); err != nil {
		e.logger.Warn("unparseable extraction reply",
			zap.String("external_id", msg.ExternalID), zap.Error(err))
		return Candidate{}, false, nil
	}
	if !parsed.Found || parsed.Amount <= 0 || parsed.Confidence < e.minConfidence {
		return Candidate{}, false, nil
	}

	currency := parsed.Currency
	if currency == "" {
		currency = "INR"
	}
	return Candidate{
		Amount:         parsed.Amount,
		Currency:       currency,
		MerchantRaw:    parsed.Merchant,
		Timestamp:      msg.FetchedAt,
		PaymentChannel: strings.ToUpper(parsed.Channel),
		Reference:      parsed.Reference,
		Confidence:     parsed.Confidence,
	}, true, nil
}

// complete sends one messages-API request with retries on transient
// failures.
func (e *LLMExtractor) complete(ctx context.Context, prompt string) (string, error) {
	req := llmRequest{
		Model:       e.model,
		MaxTokens:   e.maxTokens,
		Temperature: 0,
		Messages:    []llmMessage{{Role: "user", Content: prompt}},
	}

	var lastErr error
	for attempt := 0; attempt <= llmMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := llmBaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		text, retryable, err := e.doRequest(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (e *LLMExtractor) doRequest(ctx context.Context, req llmRequest) (text string, retryable bool, err error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", false, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", e.apiKey.Value())
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := e.client.Do(httpReq)
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
		return "", retryable, fmt.Errorf("llm status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed llmResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", false, fmt.Errorf("decode response: %w", err)
	}
	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), false, nil
}

// extractJSONObject returns the first {...} span so prose around the
// object does not break parsing.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
