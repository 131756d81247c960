package anomaly

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlabs/lumen/internal/config"
	"github.com/lumenlabs/lumen/internal/ledger"
)

func testConfig() config.AnomalyConfig {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	return cfg.Anomaly
}

func newTestScorer(t *testing.T, cfg config.AnomalyConfig) (*Scorer, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	s := NewScorer(cfg, store.Models(), store.Transactions(), nil)
	s.now = func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }
	return s, store
}

func mkTx(owner, merchant string, amount float64, ts time.Time) *ledger.Transaction {
	return &ledger.Transaction{
		ID:                 fmt.Sprintf("%s-%s-%v-%d", owner, merchant, amount, ts.Unix()),
		OwnerRef:           owner,
		Amount:             amount,
		Currency:           "INR",
		MerchantNormalized: merchant,
		Category:           "Food",
		Timestamp:          ts,
		CreatedAt:          ts,
	}
}

func TestMerchantStatsWelford(t *testing.T) {
	var st MerchantStats
	for _, v := range []float64{240, 270, 300, 330, 360} {
		st.Update(v)
	}
	assert.EqualValues(t, 5, st.Count)
	assert.InDelta(t, 300, st.Mean, 1e-9)
	assert.InDelta(t, 47.43, st.Std(), 0.01)
	assert.InDelta(t, 25.3, st.ZScore(1500), 0.1)
}

func TestScoreExtremeDeviationIsCritical(t *testing.T) {
	s, _ := newTestScorer(t, testConfig())
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	for i, amount := range []float64{240, 270, 300, 330, 360} {
		require.NoError(t, s.Observe(ctx, mkTx("owner-1", "zomato", amount, base.AddDate(0, 0, i))))
	}

	res, err := s.Score(ctx, mkTx("owner-1", "zomato", 1500, base.AddDate(0, 0, 6)))
	require.NoError(t, err)
	assert.True(t, res.Flagged)
	assert.Equal(t, ledger.SeverityCritical, res.Severity)
}

func TestScoreModerateDeviationIsWarning(t *testing.T) {
	s, _ := newTestScorer(t, testConfig())
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	for i, amount := range []float64{240, 270, 300, 330, 360} {
		require.NoError(t, s.Observe(ctx, mkTx("owner-1", "zomato", amount, base.AddDate(0, 0, i))))
	}

	// z ~= 4.2: above the warning threshold, below critical.
	res, err := s.Score(ctx, mkTx("owner-1", "zomato", 500, base.AddDate(0, 0, 6)))
	require.NoError(t, err)
	assert.True(t, res.Flagged)
	assert.Equal(t, ledger.SeverityWarning, res.Severity)
}

func TestScoreColdStartNeverFlags(t *testing.T) {
	s, _ := newTestScorer(t, testConfig())
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Observe(ctx, mkTx("owner-1", "zomato", 100, base)))
	require.NoError(t, s.Observe(ctx, mkTx("owner-1", "zomato", 120, base.AddDate(0, 0, 1))))

	// Wildly different amount, but two observations are below the
	// minimum history for either stage.
	res, err := s.Score(ctx, mkTx("owner-1", "zomato", 50000, base.AddDate(0, 0, 2)))
	require.NoError(t, err)
	assert.False(t, res.Flagged)
	assert.Equal(t, ledger.SeverityNone, res.Severity)
}

func TestScoreOwnersAreIsolated(t *testing.T) {
	s, _ := newTestScorer(t, testConfig())
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	for i, amount := range []float64{240, 270, 300, 330, 360} {
		require.NoError(t, s.Observe(ctx, mkTx("owner-1", "zomato", amount, base.AddDate(0, 0, i))))
	}

	// owner-2 has no history at this merchant; the same extreme amount
	// is not judged against owner-1's baseline.
	res, err := s.Score(ctx, mkTx("owner-2", "zomato", 1500, base.AddDate(0, 0, 6)))
	require.NoError(t, err)
	assert.False(t, res.Flagged)
}

func TestRejectTightensAndWatchlists(t *testing.T) {
	s, store := newTestScorer(t, testConfig())
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	for i, amount := range []float64{240, 270, 300, 330, 360} {
		require.NoError(t, s.Observe(ctx, mkTx("owner-1", "zomato", amount, base.AddDate(0, 0, i))))
	}

	// z ~= 1.9: below the normal warning threshold.
	probe := mkTx("owner-1", "zomato", 390, base.AddDate(0, 0, 6))
	res, err := s.Score(ctx, probe)
	require.NoError(t, err)
	assert.False(t, res.Flagged)

	version, err := s.ApplyFeedback(ctx, probe, ledger.DecisionReject)
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)

	// On the watch-list the warning threshold is halved, so the same
	// profile now flags.
	res, err = s.Score(ctx, probe)
	require.NoError(t, err)
	assert.True(t, res.Flagged)
	assert.Equal(t, ledger.SeverityWarning, res.Severity)

	latest, err := store.Models().LatestVersion(ctx, "owner-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, latest)
}

func TestFeedbackAdjustmentsAreMonotonicAndBounded(t *testing.T) {
	s, _ := newTestScorer(t, testConfig())
	ctx := context.Background()
	probe := mkTx("owner-1", "zomato", 300, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))

	var prev float64
	for i := 0; i < 30; i++ {
		_, err := s.ApplyFeedback(ctx, probe, ledger.DecisionReject)
		require.NoError(t, err)
		adjust := s.models["owner-1"].Adjust["zomato"]
		assert.LessOrEqual(t, adjust, prev, "reject must never loosen")
		assert.GreaterOrEqual(t, adjust, -maxAdjust)
		prev = adjust
	}
	assert.InDelta(t, -maxAdjust, prev, 1e-9)
}

func TestApproveClearsWatchlist(t *testing.T) {
	s, _ := newTestScorer(t, testConfig())
	ctx := context.Background()
	probe := mkTx("owner-1", "zomato", 300, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))

	_, err := s.ApplyFeedback(ctx, probe, ledger.DecisionReject)
	require.NoError(t, err)
	assert.True(t, s.models["owner-1"].watchlisted("zomato", s.now()))

	_, err = s.ApplyFeedback(ctx, probe, ledger.DecisionApprove)
	require.NoError(t, err)
	assert.False(t, s.models["owner-1"].watchlisted("zomato", s.now()))
}

func TestForestDeterministicAndSeparates(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	data := make([][]float64, 0, 200)
	for i := 0; i < 200; i++ {
		v := make([]float64, featureDims)
		for d := range v {
			v[d] = 0.5 + rng.Float64()*0.1
		}
		data = append(data, v)
	}

	f1 := TrainForest(data, 50, 64, 42)
	f2 := TrainForest(data, 50, 64, 42)
	require.NotNil(t, f1)

	typical := data[0]
	outlier := []float64{5, 0.9, 0.9, 0, 0, 1, 4}

	assert.Equal(t, f1.Score(typical), f2.Score(typical))
	assert.Equal(t, f1.Score(outlier), f2.Score(outlier))
	assert.Greater(t, f1.Score(outlier), f1.Score(typical))
}

func TestRetrainInstallsNewVersion(t *testing.T) {
	cfg := testConfig()
	cfg.MinOwnerHistory = 10
	s, store := newTestScorer(t, cfg)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 30; i++ {
		tx := mkTx("owner-1", "zomato", 250+rng.Float64()*100, base.Add(time.Duration(i)*6*time.Hour))
		require.NoError(t, store.Transactions().Insert(ctx, tx))
	}

	require.NoError(t, s.Retrain(ctx, "owner-1"))

	latest, err := store.Models().LatestVersion(ctx, "owner-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, latest)

	res, err := s.Score(ctx, mkTx("owner-1", "zomato", 300, base.AddDate(0, 0, 10)))
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.ModelVersion)
	assert.Greater(t, res.Score, 0.0)
}

func TestRetrainSkipsThinHistory(t *testing.T) {
	s, store := newTestScorer(t, testConfig())
	ctx := context.Background()

	require.NoError(t, s.Retrain(ctx, "owner-1"))

	latest, err := store.Models().LatestVersion(ctx, "owner-1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, latest)
}
