// Package pipeline runs one message through extraction, the commit
// gate, anomaly scoring and index scheduling.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lumenlabs/lumen/internal/anomaly"
	"github.com/lumenlabs/lumen/internal/extraction"
	"github.com/lumenlabs/lumen/internal/gate"
	"github.com/lumenlabs/lumen/internal/ledger"
	"github.com/lumenlabs/lumen/internal/source"
	"github.com/lumenlabs/lumen/internal/vectorindex"
)

// Outcome is the terminal state of processing one message.
type Outcome string

const (
	// OutcomeCommitted means a transaction was created.
	OutcomeCommitted Outcome = "committed"
	// OutcomeRejected means the message was resolved without a
	// transaction (no match, validation failure).
	OutcomeRejected Outcome = "rejected"
	// OutcomeDuplicate means the message or its transaction already
	// existed. Idempotent no-op.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeError means processing failed transiently; the message
	// stays unresolved and is retried next cycle.
	OutcomeError Outcome = "error"
)

// Resolved reports whether the source message can be marked read.
// Only resolved messages are acknowledged; errored ones must be
// re-fetched by a later cycle.
func (o Outcome) Resolved() bool {
	return o != OutcomeError
}

// Pipeline wires the per-message processing stages.
type Pipeline struct {
	gate      *gate.Gate
	messages  ledger.RawMessageStore
	extractor extraction.Extractor
	scorer    *anomaly.Scorer
	txs       ledger.TransactionStore
	indexer   *vectorindex.Indexer
	metrics   *Metrics
	logger    *zap.Logger
}

// New creates a pipeline. metrics may be nil in tests.
func New(g *gate.Gate, messages ledger.RawMessageStore, extractor extraction.Extractor, scorer *anomaly.Scorer, txs ledger.TransactionStore, indexer *vectorindex.Indexer, metrics *Metrics, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		gate:      g,
		messages:  messages,
		extractor: extractor,
		scorer:    scorer,
		txs:       txs,
		indexer:   indexer,
		metrics:   metrics,
		logger:    logger.Named("pipeline"),
	}
}

// Process runs one inbound message to a terminal outcome for the given
// owner. The caller marks the source message read only when the
// outcome is resolved.
func (p *Pipeline) Process(ctx context.Context, ownerRef string, msg source.InboundMessage) (Outcome, error) {
	raw := ledger.RawMessage{
		SourceType: msg.SourceType,
		ExternalID: msg.ExternalID,
		RawPayload: msg.Payload,
		FetchedAt:  msg.ReceivedAt,
	}

	outcome, err := p.process(ctx, ownerRef, raw)
	if p.metrics != nil {
		p.metrics.MessagesProcessed.WithLabelValues(string(outcome)).Inc()
	}
	return outcome, err
}

func (p *Pipeline) process(ctx context.Context, ownerRef string, raw ledger.RawMessage) (Outcome, error) {
	if err := p.gate.Claim(ctx, raw); err != nil {
		if !errors.Is(err, gate.ErrDuplicate) {
			return OutcomeError, fmt.Errorf("claim message: %w", err)
		}
		// Already claimed. A resolved message is a redelivery; an
		// unresolved one failed transiently last cycle and is retried.
		existing, getErr := p.messages.Get(ctx, raw.SourceType, raw.ExternalID)
		if getErr != nil {
			return OutcomeError, fmt.Errorf("inspect claimed message: %w", getErr)
		}
		if existing.State != ledger.StateUnprocessed {
			return OutcomeDuplicate, nil
		}
	}

	candidate, ok, err := p.extractor.Extract(ctx, raw)
	if err != nil {
		// Transient extraction failure: leave the message claimed but
		// unresolved so the next cycle retries it.
		return OutcomeError, fmt.Errorf("extract: %w", err)
	}
	if !ok {
		if err := p.gate.Reject(ctx, raw); err != nil {
			return OutcomeError, fmt.Errorf("reject message: %w", err)
		}
		p.logger.Debug("no transaction in message",
			zap.String("source_type", string(raw.SourceType)),
			zap.String("external_id", raw.ExternalID))
		return OutcomeRejected, nil
	}

	tx, err := p.gate.Commit(ctx, ownerRef, raw, candidate)
	switch {
	case errors.Is(err, gate.ErrDuplicate):
		return OutcomeDuplicate, nil
	case errors.Is(err, gate.ErrInvalidCandidate):
		return OutcomeRejected, nil
	case err != nil:
		return OutcomeError, fmt.Errorf("commit: %w", err)
	}

	p.score(ctx, tx)

	if p.indexer != nil {
		p.indexer.Enqueue(tx.ID)
	}
	return OutcomeCommitted, nil
}

// score runs anomaly scoring and records the result. The transaction
// is already durable; a scoring problem is logged, never propagated.
func (p *Pipeline) score(ctx context.Context, tx *ledger.Transaction) {
	res, err := p.scorer.Score(ctx, tx)
	if err != nil {
		p.logger.Warn("anomaly scoring failed", zap.String("transaction", tx.ID), zap.Error(err))
		return
	}

	if err := p.txs.UpdateScore(ctx, tx.ID, res.Flagged, res.Score, res.Severity, res.ModelVersion); err != nil {
		p.logger.Warn("failed to record anomaly score", zap.String("transaction", tx.ID), zap.Error(err))
	}
	if err := p.scorer.Observe(ctx, tx); err != nil {
		p.logger.Warn("failed to fold transaction into baseline", zap.String("transaction", tx.ID), zap.Error(err))
	}

	if res.Flagged && p.metrics != nil {
		p.metrics.Flagged.WithLabelValues(string(res.Severity)).Inc()
	}
}
