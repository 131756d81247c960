// Package extraction turns raw source message payloads into candidate
// transactions. It supports a heuristic (pattern-based) extractor and an
// LLM-backed extractor, selected by configuration.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lumenlabs/lumen/internal/config"
	"github.com/lumenlabs/lumen/internal/ledger"
)

// ErrExtractionFailed indicates the extractor itself failed (as opposed
// to a payload that simply contains no transaction).
var ErrExtractionFailed = errors.New("extraction failed")

// Candidate is an extractor's view of a transaction before validation
// and deduplication. It is ephemeral and never persisted on its own.
type Candidate struct {
	Amount         float64
	Currency       string
	MerchantRaw    string
	Timestamp      time.Time
	PaymentChannel string // raw channel token, e.g. "UPI", "NEFT"
	Reference      string
	Confidence     float64
}

// Extractor produces at most one candidate from a message payload.
//
// A payload with no recognizable transaction yields ok=false and a nil
// error; the message is then rejected, not retried. Errors are reserved
// for extractor failures (e.g. LLM transport errors).
type Extractor interface {
	Extract(ctx context.Context, msg ledger.RawMessage) (c Candidate, ok bool, err error)
}

// New creates an extractor from config, dispatching on the provider tag.
func New(cfg config.ExtractionConfig, logger *zap.Logger) (Extractor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case "heuristic":
		return NewHeuristicExtractor(cfg)
	case "llm":
		return NewLLMExtractor(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown extraction provider %q", cfg.Provider)
	}
}
