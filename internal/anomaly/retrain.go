package anomaly

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lumenlabs/lumen/internal/ledger"
)

// Retrain rebuilds the owner's forest and baselines from the rolling
// transaction window and installs the result under a new version. On
// failure the prior version stays authoritative and the error wraps
// ErrModelTraining. Owners with too little history are skipped without
// error.
func (s *Scorer) Retrain(ctx context.Context, ownerRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.modelLocked(ctx, ownerRef)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrModelTraining, err)
	}

	window := s.cfg.RetrainWindow.Duration()
	txs, err := s.txs.List(ctx, ownerRef, ledger.TransactionQuery{From: s.now().Add(-window)})
	if err != nil {
		return fmt.Errorf("%w: list window: %w", ErrModelTraining, err)
	}
	if len(txs) < s.cfg.MinOwnerHistory {
		s.logger.Debug("retrain skipped, insufficient history",
			zap.String("owner", ownerRef),
			zap.Int("transactions", len(txs)))
		return nil
	}

	// Rebuild baselines from the window, then derive each transaction's
	// features against the aggregates accumulated before it.
	m := newModel(ownerRef)
	m.Version = current.Version + 1
	m.TrainedAt = s.now()
	for k, v := range current.Adjust {
		m.Adjust[k] = v
	}
	for k, v := range current.Watchlist {
		m.Watchlist[k] = v
	}

	data := make([][]float64, 0, len(txs))
	for i := len(txs) - 1; i >= 0; i-- { // List is newest first
		tx := &txs[i]
		if tx.Deleted() {
			continue
		}
		data = append(data, m.features(tx))
		m.observe(tx)
	}

	forest := TrainForest(data, s.cfg.Trees, s.cfg.SampleSize, m.Version)
	if forest == nil {
		return fmt.Errorf("%w: empty training set", ErrModelTraining)
	}
	m.Forest = forest

	if err := s.swapLocked(ctx, m); err != nil {
		return fmt.Errorf("%w: %w", ErrModelTraining, err)
	}

	s.logger.Info("anomaly model retrained",
		zap.String("owner", ownerRef),
		zap.Int64("model_version", m.Version),
		zap.Int("transactions", len(data)))
	return nil
}

// RunRetrainLoop periodically retrains every owner seen by this scorer
// until the context is cancelled. Retrain failures are logged; the
// affected owner keeps its prior model version.
func (s *Scorer) RunRetrainLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RetrainInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, owner := range s.owners() {
				if err := s.Retrain(ctx, owner); err != nil {
					s.logger.Warn("retrain failed, keeping prior model",
						zap.String("owner", owner),
						zap.Error(err))
				}
			}
		}
	}
}

// owners snapshots the owner refs with loaded models.
func (s *Scorer) owners() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make([]string, 0, len(s.models))
	for ref := range s.models {
		refs = append(refs, ref)
	}
	return refs
}
