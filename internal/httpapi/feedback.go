package httpapi

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenlabs/lumen/internal/anomaly"
	"github.com/lumenlabs/lumen/internal/ledger"
	"github.com/lumenlabs/lumen/internal/vectorindex"
)

// FeedbackService applies user decisions on flagged transactions:
// the append-only event, the ledger state change, and the model
// evolution all happen here.
type FeedbackService struct {
	store  ledger.Store
	scorer *anomaly.Scorer
	index  *vectorindex.Index
	logger *zap.Logger
	now    func() time.Time
}

// NewFeedbackService creates the service. index may be nil when the
// vector index is disabled.
func NewFeedbackService(store ledger.Store, scorer *anomaly.Scorer, index *vectorindex.Index, logger *zap.Logger) *FeedbackService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedbackService{
		store:  store,
		scorer: scorer,
		index:  index,
		logger: logger.Named("feedback"),
		now:    time.Now,
	}
}

// Apply records a decision and evolves the owner's anomaly model.
// Approve confirms the transaction; Reject soft-deletes it, removes it
// from the index and tightens the merchant's thresholds.
func (f *FeedbackService) Apply(ctx context.Context, transactionID string, decision ledger.Decision) (int64, error) {
	tx, err := f.store.Transactions().Get(ctx, transactionID)
	if err != nil {
		return 0, err
	}

	if err := f.store.Feedback().Append(ctx, ledger.FeedbackEvent{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		Decision:      decision,
		OccurredAt:    f.now().UTC(),
	}); err != nil {
		return 0, fmt.Errorf("append feedback event: %w", err)
	}

	switch decision {
	case ledger.DecisionApprove:
		if err := f.store.Transactions().SetConfirmed(ctx, tx.ID, true); err != nil {
			return 0, fmt.Errorf("confirm transaction: %w", err)
		}
	case ledger.DecisionReject:
		if err := f.Delete(ctx, tx.ID); err != nil {
			return 0, err
		}
	}

	version, err := f.scorer.ApplyFeedback(ctx, &tx, decision)
	if err != nil {
		return 0, fmt.Errorf("evolve anomaly model: %w", err)
	}

	f.logger.Info("feedback recorded",
		zap.String("transaction", tx.ID),
		zap.String("owner", tx.OwnerRef),
		zap.String("decision", string(decision)),
		zap.Int64("model_version", version))
	return version, nil
}

// Delete soft-deletes a transaction and removes its index document.
// The ledger row is retained for audit.
func (f *FeedbackService) Delete(ctx context.Context, transactionID string) error {
	tx, err := f.store.Transactions().Get(ctx, transactionID)
	if err != nil {
		return err
	}
	if err := f.store.Transactions().SoftDelete(ctx, tx.ID); err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	if f.index != nil {
		if err := f.index.Remove(ctx, tx.OwnerRef, tx.ID); err != nil {
			// The ledger is authoritative; a stale index document only
			// costs a post-filter miss.
			f.logger.Warn("failed to remove index document",
				zap.String("transaction", tx.ID), zap.Error(err))
		}
	}
	return nil
}
