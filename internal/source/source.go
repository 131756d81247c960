// Package source defines the external message source capability and its
// mail-gateway client implementation.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lumenlabs/lumen/internal/ledger"
)

// Sentinel errors for source operations.
var (
	// ErrUnavailable indicates a transient source failure; the caller
	// retries on the next cycle.
	ErrUnavailable = errors.New("message source unavailable")

	// ErrAuthExpired indicates the source rejected our credentials.
	// Recovery requires external re-authentication.
	ErrAuthExpired = errors.New("source authentication expired")
)

// InboundMessage is one unread message as reported by the source.
type InboundMessage struct {
	SourceType ledger.SourceType
	ExternalID string
	Payload    string
	ReceivedAt time.Time
}

// ListQuery constrains an unread listing.
type ListQuery struct {
	// After excludes messages received at or before this instant.
	After time.Time
	// Limit caps the number of returned messages. Zero means the
	// source's default page size.
	Limit int
}

// Source is the abstract message source consumed by the scheduler.
//
// Delivery is at-least-once: a message stays unread (and is returned by
// subsequent ListUnread calls) until MarkRead succeeds, so callers must
// deduplicate downstream.
type Source interface {
	// ListUnread returns unread messages matching the query, oldest
	// first. Returns ErrUnavailable for transient failures and
	// ErrAuthExpired when credentials are no longer accepted.
	ListUnread(ctx context.Context, q ListQuery) ([]InboundMessage, error)

	// MarkRead acknowledges a message at the source so it is not
	// returned by future ListUnread calls.
	MarkRead(ctx context.Context, externalID string) error
}

// classifyStatus maps an HTTP status to the source error taxonomy.
func classifyStatus(status int) error {
	switch {
	case status == 401 || status == 403:
		return fmt.Errorf("%w: status %d", ErrAuthExpired, status)
	case status >= 500 || status == 429:
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)
	default:
		return fmt.Errorf("unexpected source status %d", status)
	}
}
