package generation_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlabs/lumen/internal/config"
	"github.com/lumenlabs/lumen/internal/generation"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *generation.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.GenerationConfig{
		BaseURL:           srv.URL,
		APIKey:            "test-key",
		MaxTokens:         256,
		Timeout:           config.Duration(5 * time.Second),
		RequestsPerSecond: 100,
	}
	c, err := generation.NewClient(cfg, nil)
	require.NoError(t, err)
	return c
}

func modelReply(text string) map[string]any {
	return map[string]any{
		"content": []map[string]string{{"type": "text", "text": text}},
	}
}

func TestAnswer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))

		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 1)
		assert.Contains(t, req.Messages[0].Content, "zomato")
		assert.Contains(t, req.Messages[0].Content, "how much on food")

		json.NewEncoder(w).Encode(modelReply("You spent 299 INR at zomato."))
	})

	answer, err := c.Answer(context.Background(), "how much on food",
		[]string{"spent 299.00 INR at zomato (Food) via upi on 2025-06-02 Monday"})
	require.NoError(t, err)
	assert.Equal(t, "You spent 299 INR at zomato.", answer)
}

func TestAnswerRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(modelReply("ok"))
	})

	answer, err := c.Answer(context.Background(), "q", []string{"s"})
	require.NoError(t, err)
	assert.Equal(t, "ok", answer)
	assert.EqualValues(t, 2, calls.Load())
}

func TestAnswerUnavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := c.Answer(context.Background(), "q", []string{"s"})
	assert.ErrorIs(t, err, generation.ErrGenerationUnavailable)
}
