package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumenlabs/lumen/internal/config"
	"github.com/lumenlabs/lumen/internal/ledger"
)

// ErrModelTraining indicates a retrain attempt failed. The prior model
// version remains authoritative.
var ErrModelTraining = errors.New("anomaly model training failed")

// watchlistPenalty tightens the forest threshold for watchlisted
// merchants on top of any feedback adjustment.
const watchlistPenalty = 0.05

// Result is the outcome of scoring one transaction.
type Result struct {
	Flagged      bool
	Score        float64
	Severity     ledger.Severity
	ModelVersion int64
}

// Scorer runs the two-stage anomaly check: a per-merchant statistical
// rule that works from the first few transactions, and an isolation
// forest over the owner's spending profile once enough history exists.
type Scorer struct {
	cfg    config.AnomalyConfig
	store  ledger.ModelStore
	txs    ledger.TransactionStore
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	models map[string]*Model
}

// NewScorer creates a scorer over the given stores.
func NewScorer(cfg config.AnomalyConfig, store ledger.ModelStore, txs ledger.TransactionStore, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{
		cfg:    cfg,
		store:  store,
		txs:    txs,
		logger: logger.Named("anomaly"),
		now:    time.Now,
		models: make(map[string]*Model),
	}
}

// Score evaluates a committed transaction against the owner's current
// model. With insufficient history both stages abstain and the
// transaction passes unflagged; a scoring problem never blocks commit.
func (s *Scorer) Score(ctx context.Context, tx *ledger.Transaction) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.modelLocked(ctx, tx.OwnerRef)
	if err != nil {
		return Result{}, err
	}

	res := Result{ModelVersion: m.Version}
	now := s.now()
	merchant := tx.MerchantNormalized
	watched := m.watchlisted(merchant, now)

	// Stage one: statistical rule against the merchant baseline.
	if st := m.Stats[merchant]; st != nil && st.Count >= int64(s.cfg.MinMerchantHistory) {
		z := st.ZScore(tx.Amount)
		warning := s.cfg.ZWarning
		if watched {
			warning /= 2
		}
		switch {
		case z > s.cfg.ZCritical:
			res.Flagged = true
			res.Severity = ledger.SeverityCritical
		case z > warning:
			res.Flagged = true
			res.Severity = ledger.SeverityWarning
		}
		if res.Flagged {
			res.Score = z
		}
	}

	// Stage two: isolation forest over the full spending profile.
	if m.Forest != nil && m.OwnerCount >= int64(s.cfg.MinOwnerHistory) {
		score := m.Forest.Score(m.features(tx))
		res.Score = score
		threshold := s.cfg.Threshold + m.Adjust[merchant]
		if watched {
			threshold -= watchlistPenalty
		}
		if score >= threshold {
			res.Flagged = true
			if res.Severity == ledger.SeverityNone {
				res.Severity = ledger.SeverityWarning
			}
		}
	}

	if res.Flagged {
		s.logger.Info("transaction flagged",
			zap.String("transaction", tx.ID),
			zap.String("owner", tx.OwnerRef),
			zap.String("merchant", merchant),
			zap.Float64("score", res.Score),
			zap.String("severity", string(res.Severity)),
			zap.Int64("model_version", m.Version))
	}
	return res, nil
}

// Observe folds a committed transaction into the owner's running
// aggregates. Call after Score so a transaction cannot shift the
// baseline it is judged against.
func (s *Scorer) Observe(ctx context.Context, tx *ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.modelLocked(ctx, tx.OwnerRef)
	if err != nil {
		return err
	}
	m.observe(tx)
	return nil
}

// modelLocked returns the owner's current model, loading it from the
// store on first use and replaying transactions newer than the stored
// aggregates. Callers must hold s.mu.
func (s *Scorer) modelLocked(ctx context.Context, ownerRef string) (*Model, error) {
	if m, ok := s.models[ownerRef]; ok {
		return m, nil
	}

	var m *Model
	version, blob, err := s.store.LoadLatest(ctx, ownerRef)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		m = newModel(ownerRef)
	case err != nil:
		return nil, fmt.Errorf("load anomaly model: %w", err)
	default:
		if m, err = decodeModel(blob); err != nil {
			return nil, err
		}
		m.Version = version
	}

	if err := s.replayLocked(ctx, m); err != nil {
		return nil, err
	}
	s.models[ownerRef] = m
	return m, nil
}

// replayLocked folds transactions newer than the model's aggregate
// watermark back into the aggregates after a restart.
func (s *Scorer) replayLocked(ctx context.Context, m *Model) error {
	q := ledger.TransactionQuery{From: m.ObservedThrough.Add(time.Nanosecond)}
	if m.ObservedThrough.IsZero() {
		q.From = s.now().Add(-s.cfg.RetrainWindow.Duration())
	}
	txs, err := s.txs.List(ctx, m.OwnerRef, q)
	if err != nil {
		return fmt.Errorf("replay transactions: %w", err)
	}
	// List returns newest first; replay in time order.
	for i := len(txs) - 1; i >= 0; i-- {
		m.observe(&txs[i])
	}
	return nil
}

// swapLocked installs an evolved model and persists it under its new
// version. Callers must hold s.mu.
func (s *Scorer) swapLocked(ctx context.Context, m *Model) error {
	blob, err := m.encode()
	if err != nil {
		return err
	}
	if err := s.store.Save(ctx, m.OwnerRef, m.Version, m.TrainedAt, blob); err != nil {
		return fmt.Errorf("save anomaly model v%d: %w", m.Version, err)
	}
	s.models[m.OwnerRef] = m
	return nil
}
