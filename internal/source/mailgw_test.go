package source_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumenlabs/lumen/internal/config"
	"github.com/lumenlabs/lumen/internal/ledger"
	"github.com/lumenlabs/lumen/internal/source"
)

func newGateway(t *testing.T, handler http.Handler) *source.MailGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gw, err := source.NewMailGateway(config.SourceConfig{
		BaseURL:           srv.URL,
		Token:             "tok",
		Mailbox:           "txn@lumen.local",
		RequestsPerSecond: 100,
		Timeout:           config.Duration(5 * time.Second),
	}, zap.NewNop())
	require.NoError(t, err)
	return gw
}

func TestListUnread(t *testing.T) {
	gw := newGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages/unread", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "txn@lumen.local", r.URL.Query().Get("mailbox"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[
			{"id":"m1","kind":"mail","body":"Paid 299 to Zomato","received_at":"2025-06-02T09:30:00Z"},
			{"id":"m2","kind":"sms","body":"INR 120 debited","received_at":"2025-06-02T09:31:00Z"}
		]}`))
	}))

	msgs, err := gw.ListUnread(context.Background(), source.ListQuery{Limit: 20})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, ledger.SourceMail, msgs[0].SourceType)
	assert.Equal(t, "m1", msgs[0].ExternalID)
	assert.Equal(t, ledger.SourceSMS, msgs[1].SourceType)
}

func TestListUnreadErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"server error is transient", http.StatusInternalServerError, source.ErrUnavailable},
		{"throttling is transient", http.StatusTooManyRequests, source.ErrUnavailable},
		{"unauthorized is auth expiry", http.StatusUnauthorized, source.ErrAuthExpired},
		{"forbidden is auth expiry", http.StatusForbidden, source.ErrAuthExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			_, err := gw.ListUnread(context.Background(), source.ListQuery{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMarkRead(t *testing.T) {
	var marked string
	gw := newGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		marked = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, gw.MarkRead(context.Background(), "m1"))
	assert.Equal(t, "/v1/messages/m1/read", marked)
}

func TestMarkReadMissingIsNoop(t *testing.T) {
	gw := newGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	assert.NoError(t, gw.MarkRead(context.Background(), "gone"))
}
