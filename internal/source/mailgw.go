package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lumenlabs/lumen/internal/config"
	"github.com/lumenlabs/lumen/internal/ledger"
)

// MailGateway is a Source backed by a REST mail gateway. The gateway
// fronts the monitored mailbox that receives transaction mails and
// forwarded SMS notifications.
type MailGateway struct {
	baseURL string
	token   config.Secret
	mailbox string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewMailGateway creates a mail gateway client from config.
func NewMailGateway(cfg config.SourceConfig, logger *zap.Logger) (*MailGateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("source base URL required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MailGateway{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		mailbox: cfg.Mailbox,
		client:  &http.Client{Timeout: cfg.Timeout.Duration()},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger.Named("source"),
	}, nil
}

// gatewayMessage is the wire shape of one message.
type gatewayMessage struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"` // "mail" or "sms"
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

type listResponse struct {
	Messages []gatewayMessage `json:"messages"`
}

// ListUnread returns unread messages from the gateway, oldest first.
func (g *MailGateway) ListUnread(ctx context.Context, q ListQuery) ([]InboundMessage, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u, err := url.Parse(g.baseURL + "/v1/messages/unread")
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	query := u.Query()
	query.Set("mailbox", g.mailbox)
	if !q.After.IsZero() {
		query.Set("after", strconv.FormatInt(q.After.Unix(), 10))
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	g.authorize(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode)
	}

	var body listResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}

	out := make([]InboundMessage, 0, len(body.Messages))
	for _, m := range body.Messages {
		out = append(out, InboundMessage{
			SourceType: sourceTypeForKind(m.Kind),
			ExternalID: m.ID,
			Payload:    m.Body,
			ReceivedAt: m.ReceivedAt,
		})
	}
	g.logger.Debug("listed unread messages", zap.Int("count", len(out)))
	return out, nil
}

// MarkRead acknowledges a message at the gateway.
func (g *MailGateway) MarkRead(ctx context.Context, externalID string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	u := g.baseURL + "/v1/messages/" + url.PathEscape(externalID) + "/read"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	g.authorize(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		// Already read or expired upstream. Not a failure.
		return nil
	default:
		return classifyStatus(resp.StatusCode)
	}
}

func (g *MailGateway) authorize(req *http.Request) {
	if g.token.IsSet() {
		req.Header.Set("Authorization", "Bearer "+g.token.Value())
	}
}

func sourceTypeForKind(kind string) ledger.SourceType {
	switch kind {
	case "sms":
		return ledger.SourceSMS
	default:
		return ledger.SourceMail
	}
}

// IsAuthError reports whether err represents an authentication failure
// requiring external re-authentication.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}
