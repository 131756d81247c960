// Package gate enforces at-most-once commits and candidate validation
// between extraction and the canonical transaction store.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenlabs/lumen/internal/extraction"
	"github.com/lumenlabs/lumen/internal/ledger"
)

// Sentinel errors for gate decisions. Duplicates are not failures:
// callers treat ErrDuplicate as an idempotent no-op.
var (
	// ErrDuplicate indicates the message or an equivalent transaction
	// was already committed.
	ErrDuplicate = errors.New("duplicate transaction")

	// ErrInvalidCandidate indicates the candidate failed validation.
	ErrInvalidCandidate = errors.New("invalid candidate")
)

const (
	// fuzzyAmountEpsilon is the amount tolerance for fuzzy dedup.
	fuzzyAmountEpsilon = 0.01

	// fuzzyWindow is the timestamp tolerance for fuzzy dedup. Re-sent
	// notifications with fresh external ids typically arrive within a
	// day of the original.
	fuzzyWindow = 24 * time.Hour
)

// Gate validates and deduplicates candidates before commit.
type Gate struct {
	messages ledger.RawMessageStore
	txs      ledger.TransactionStore
	logger   *zap.Logger
}

// New creates a gate over the given stores.
func New(messages ledger.RawMessageStore, txs ledger.TransactionStore, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{messages: messages, txs: txs, logger: logger.Named("gate")}
}

// Claim atomically records a fetched message as unprocessed. A second
// claim for the same (sourceType, externalID) — from a concurrent cycle
// or a source redelivery — returns ErrDuplicate.
func (g *Gate) Claim(ctx context.Context, msg ledger.RawMessage) error {
	err := g.messages.InsertIfAbsent(ctx, msg)
	if errors.Is(err, ledger.ErrDuplicateMessage) {
		return ErrDuplicate
	}
	return err
}

// Reject resolves a claimed message without a transaction.
func (g *Gate) Reject(ctx context.Context, msg ledger.RawMessage) error {
	err := g.messages.MarkProcessed(ctx, msg.SourceType, msg.ExternalID, ledger.StateRejected)
	if errors.Is(err, ledger.ErrAlreadyProcessed) {
		return nil
	}
	return err
}

// Commit validates and normalizes a candidate, applies fuzzy dedup, and
// inserts the canonical transaction. The message is resolved either way:
// committed on success, rejected on validation failure or duplicate.
func (g *Gate) Commit(ctx context.Context, ownerRef string, msg ledger.RawMessage, c extraction.Candidate) (*ledger.Transaction, error) {
	if err := validate(c); err != nil {
		if rejectErr := g.Reject(ctx, msg); rejectErr != nil {
			return nil, rejectErr
		}
		return nil, err
	}

	merchantNorm := NormalizeMerchant(c.MerchantRaw)
	category, classifyConfidence := ClassifyCategory(merchantNorm)

	// Fuzzy dedup: a re-sent notification carries a fresh external id
	// but the same amount, merchant and date.
	similar, err := g.txs.FindSimilar(ctx, ownerRef, merchantNorm, c.Amount, fuzzyAmountEpsilon, c.Timestamp, fuzzyWindow)
	if err != nil {
		return nil, fmt.Errorf("fuzzy dedup lookup: %w", err)
	}
	if len(similar) > 0 {
		g.logger.Info("fuzzy duplicate rejected",
			zap.String("owner", ownerRef),
			zap.String("merchant", merchantNorm),
			zap.Float64("amount", c.Amount),
			zap.String("existing", similar[0].ID))
		if err := g.Reject(ctx, msg); err != nil {
			return nil, err
		}
		return nil, ErrDuplicate
	}

	tx := &ledger.Transaction{
		ID:                 uuid.NewString(),
		OwnerRef:           ownerRef,
		Amount:             c.Amount,
		Currency:           NormalizeCurrency(c.Currency),
		MerchantRaw:        c.MerchantRaw,
		MerchantNormalized: merchantNorm,
		Category:           category,
		ClassifyConfidence: classifyConfidence,
		PaymentChannel:     NormalizeChannel(c.PaymentChannel),
		Timestamp:          c.Timestamp.UTC(),
		SourceType:         msg.SourceType,
		SourceExternalID:   msg.ExternalID,
		CreatedAt:          time.Now().UTC(),
	}

	if err := g.txs.Insert(ctx, tx); err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	if err := g.messages.MarkProcessed(ctx, msg.SourceType, msg.ExternalID, ledger.StateCommitted); err != nil {
		// The transaction is durable; a resolution race only means
		// another path already settled the message.
		if !errors.Is(err, ledger.ErrAlreadyProcessed) {
			return nil, err
		}
	}

	g.logger.Info("transaction committed",
		zap.String("id", tx.ID),
		zap.String("owner", ownerRef),
		zap.String("merchant", merchantNorm),
		zap.Float64("amount", tx.Amount))
	return tx, nil
}

// validate checks the candidate's mandatory fields.
func validate(c extraction.Candidate) error {
	if c.Amount <= 0 {
		return fmt.Errorf("%w: non-positive amount %v", ErrInvalidCandidate, c.Amount)
	}
	if c.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidCandidate)
	}
	return nil
}
