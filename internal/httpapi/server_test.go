package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlabs/lumen/internal/anomaly"
	"github.com/lumenlabs/lumen/internal/config"
	"github.com/lumenlabs/lumen/internal/extraction"
	"github.com/lumenlabs/lumen/internal/gate"
	"github.com/lumenlabs/lumen/internal/httpapi"
	"github.com/lumenlabs/lumen/internal/ledger"
	"github.com/lumenlabs/lumen/internal/pipeline"
	"github.com/lumenlabs/lumen/internal/retrieval"
	"github.com/lumenlabs/lumen/internal/scheduler"
	"github.com/lumenlabs/lumen/internal/source"
	"github.com/lumenlabs/lumen/internal/vectorindex"
)

// emptySource serves no messages; API tests exercise control flow, not
// ingestion.
type emptySource struct{}

func (emptySource) ListUnread(context.Context, source.ListQuery) ([]source.InboundMessage, error) {
	return nil, nil
}
func (emptySource) MarkRead(context.Context, string) error { return nil }

// staticEmbedder returns a constant vector; the API tests only hit the
// exact retrieval path.
type staticEmbedder struct{}

func (staticEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}
func (s staticEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := s.EmbedDocuments(ctx, []string{text})
	return v[0], err
}

func newTestServer(t *testing.T) (*httpapi.Server, ledger.Store) {
	t.Helper()
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Scheduler.PollInterval = config.Duration(50 * time.Millisecond)

	store := ledger.NewMemoryStore()
	extractor, err := extraction.NewHeuristicExtractor(cfg.Extraction)
	require.NoError(t, err)

	ix, err := vectorindex.NewIndex(config.IndexConfig{Path: t.TempDir()}, staticEmbedder{}, nil)
	require.NoError(t, err)

	g := gate.New(store.RawMessages(), store.Transactions(), nil)
	scorer := anomaly.NewScorer(cfg.Anomaly, store.Models(), store.Transactions(), nil)
	pipe := pipeline.New(g, store.RawMessages(), extractor, scorer, store.Transactions(), nil, nil, nil)
	controller := scheduler.New(cfg.Scheduler, "alerts@bank.example", emptySource{}, pipe, nil, nil)
	t.Cleanup(controller.Stop)

	engine := retrieval.NewEngine(cfg.Retrieval, store.Transactions(), ix, nil, nil)
	feedback := httpapi.NewFeedbackService(store, scorer, ix, nil)

	srv, err := httpapi.NewServer(cfg.Server, controller, engine, feedback, store, nil)
	require.NoError(t, err)
	return srv, store
}

func doJSON(t *testing.T, srv *httpapi.Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMonitorLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/monitor/start", `{"owner_ref":"owner-a"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var st scheduler.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Running)
	assert.Equal(t, "owner-a", st.CurrentOwner)

	// Redirect to another owner without stopping.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/monitor/start", `{"owner_ref":"owner-b"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "owner-b", st.CurrentOwner)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/monitor/check-now", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// The source is empty, so the on-demand cycle committed nothing.
	var check httpapi.CheckNowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &check))
	assert.True(t, check.Running)
	assert.Zero(t, check.Processed)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/monitor/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/monitor/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.False(t, st.Running)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/monitor/check-now", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartRequiresOwner(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/monitor/start", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.Transactions().Insert(ctx, &ledger.Transaction{
		ID: "t1", OwnerRef: "owner-a", Amount: 299, Currency: "INR",
		MerchantNormalized: "zomato", Category: "Food",
		PaymentChannel: ledger.ChannelUPI,
		Timestamp:      time.Now().UTC(), CreatedAt: time.Now().UTC(),
	}))

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/query",
		`{"owner_ref":"owner-a","query":"how much did i spend at zomato"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var answer retrieval.Answer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &answer))
	assert.Equal(t, "exact", answer.Mode)
	require.Len(t, answer.Transactions, 1)
	assert.Equal(t, "t1", answer.Transactions[0].ID)
}

func TestFeedbackApproveAndReject(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2"} {
		require.NoError(t, store.Transactions().Insert(ctx, &ledger.Transaction{
			ID: id, OwnerRef: "owner-a", Amount: 5000, Currency: "INR",
			MerchantNormalized: "zomato", Category: "Food",
			PaymentChannel: ledger.ChannelUPI,
			Timestamp:      time.Now().UTC(), CreatedAt: time.Now().UTC(),
			AnomalyFlag:    true, AnomalySeverity: ledger.SeverityWarning,
		}))
	}

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/feedback",
		`{"transaction_id":"t1","decision":"approve"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp httpapi.FeedbackResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp.ModelVersion)

	tx, err := store.Transactions().Get(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, tx.UserConfirmed)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/feedback",
		`{"transaction_id":"t2","decision":"reject"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 2, resp.ModelVersion)

	tx, err = store.Transactions().Get(ctx, "t2")
	require.NoError(t, err)
	assert.True(t, tx.Deleted())

	events, err := store.Feedback().ListByTransaction(ctx, "t2")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.DecisionReject, events[0].Decision)
}

func TestFeedbackValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/feedback",
		`{"transaction_id":"missing","decision":"approve"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/feedback",
		`{"transaction_id":"t1","decision":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteTransaction(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.Transactions().Insert(ctx, &ledger.Transaction{
		ID: "t1", OwnerRef: "owner-a", Amount: 100, Currency: "INR",
		MerchantNormalized: "zomato", Category: "Food",
		PaymentChannel: ledger.ChannelUPI,
		Timestamp:      time.Now().UTC(), CreatedAt: time.Now().UTC(),
	}))

	rec := doJSON(t, srv, http.MethodDelete, "/api/v1/transactions/t1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	tx, err := store.Transactions().Get(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, tx.Deleted())

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/transactions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
