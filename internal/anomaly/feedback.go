package anomaly

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lumenlabs/lumen/internal/ledger"
)

// maxAdjust bounds the per-merchant threshold shift in either direction
// so repeated feedback cannot disable or saturate a stage.
const maxAdjust = 0.3

// ApplyFeedback evolves the owner's model from a user decision on a
// flagged transaction. Approve loosens the merchant's threshold; Reject
// tightens it and puts the merchant on the watch-list. Each application
// produces a new persisted model version; the returned version is the
// one now authoritative.
func (s *Scorer) ApplyFeedback(ctx context.Context, tx *ledger.Transaction, decision ledger.Decision) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.modelLocked(ctx, tx.OwnerRef)
	if err != nil {
		return 0, err
	}

	m := current.clone()
	m.Version = current.Version + 1
	merchant := tx.MerchantNormalized

	switch decision {
	case ledger.DecisionApprove:
		m.Adjust[merchant] = clampAdjust(m.Adjust[merchant] + s.cfg.ThresholdStep)
		delete(m.Watchlist, merchant)
	case ledger.DecisionReject:
		m.Adjust[merchant] = clampAdjust(m.Adjust[merchant] - s.cfg.ThresholdStep)
		m.Watchlist[merchant] = s.now().Add(s.cfg.WatchlistTTL.Duration())
	default:
		return 0, fmt.Errorf("unknown feedback decision %q", decision)
	}

	if err := s.swapLocked(ctx, m); err != nil {
		return 0, err
	}

	s.logger.Info("feedback applied",
		zap.String("owner", tx.OwnerRef),
		zap.String("merchant", merchant),
		zap.String("decision", string(decision)),
		zap.Float64("adjust", m.Adjust[merchant]),
		zap.Int64("model_version", m.Version))
	return m.Version, nil
}

// clampAdjust keeps a threshold shift within [-maxAdjust, maxAdjust].
func clampAdjust(v float64) float64 {
	if v > maxAdjust {
		return maxAdjust
	}
	if v < -maxAdjust {
		return -maxAdjust
	}
	return v
}
