package anomaly

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/lumenlabs/lumen/internal/ledger"
)

// featureDims is the width of the feature vector fed to the forest.
const featureDims = 7

// Model is one owner's anomaly state: per-merchant running statistics,
// owner-level aggregates for feature construction, the trained forest,
// and the feedback-derived threshold adjustments. Models are immutable
// once shared; evolution produces a copy under a higher version.
type Model struct {
	OwnerRef  string    `json:"owner_ref"`
	Version   int64     `json:"version"`
	TrainedAt time.Time `json:"trained_at"`

	// ObservedThrough is the newest transaction timestamp folded into
	// the aggregates. On load, later transactions are replayed.
	ObservedThrough time.Time `json:"observed_through"`

	Stats         map[string]*MerchantStats `json:"stats"`
	OwnerCount    int64                     `json:"owner_count"`
	OwnerSum      float64                   `json:"owner_sum"`
	CategorySpend map[string]float64        `json:"category_spend"`
	MerchantLast  map[string]time.Time      `json:"merchant_last"`

	Forest *Forest `json:"forest,omitempty"`

	// Adjust shifts the forest flagging threshold per merchant. Positive
	// values loosen (fewer flags), negative values tighten.
	Adjust map[string]float64 `json:"adjust,omitempty"`

	// Watchlist maps merchants to the expiry of their reduced tolerance.
	Watchlist map[string]time.Time `json:"watchlist,omitempty"`
}

// newModel returns an empty model at version 0 (nothing trained yet).
func newModel(ownerRef string) *Model {
	return &Model{
		OwnerRef:      ownerRef,
		Stats:         make(map[string]*MerchantStats),
		CategorySpend: make(map[string]float64),
		MerchantLast:  make(map[string]time.Time),
		Adjust:        make(map[string]float64),
		Watchlist:     make(map[string]time.Time),
	}
}

// decodeModel unmarshals a stored blob, restoring nil maps.
func decodeModel(blob []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("decode anomaly model: %w", err)
	}
	if m.Stats == nil {
		m.Stats = make(map[string]*MerchantStats)
	}
	if m.CategorySpend == nil {
		m.CategorySpend = make(map[string]float64)
	}
	if m.MerchantLast == nil {
		m.MerchantLast = make(map[string]time.Time)
	}
	if m.Adjust == nil {
		m.Adjust = make(map[string]float64)
	}
	if m.Watchlist == nil {
		m.Watchlist = make(map[string]time.Time)
	}
	return &m, nil
}

// encode marshals the model for the model store.
func (m *Model) encode() ([]byte, error) {
	blob, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode anomaly model: %w", err)
	}
	return blob, nil
}

// clone deep-copies the model so the original can keep serving reads.
func (m *Model) clone() *Model {
	c := newModel(m.OwnerRef)
	c.Version = m.Version
	c.TrainedAt = m.TrainedAt
	c.ObservedThrough = m.ObservedThrough
	c.OwnerCount = m.OwnerCount
	c.OwnerSum = m.OwnerSum
	c.Forest = m.Forest // immutable after training
	for k, v := range m.Stats {
		s := *v
		c.Stats[k] = &s
	}
	for k, v := range m.CategorySpend {
		c.CategorySpend[k] = v
	}
	for k, v := range m.MerchantLast {
		c.MerchantLast[k] = v
	}
	for k, v := range m.Adjust {
		c.Adjust[k] = v
	}
	for k, v := range m.Watchlist {
		c.Watchlist[k] = v
	}
	return c
}

// observe folds a committed transaction into the aggregates. Called
// after scoring so a transaction never shifts its own baseline.
func (m *Model) observe(tx *ledger.Transaction) {
	merchant := tx.MerchantNormalized
	st := m.Stats[merchant]
	if st == nil {
		st = &MerchantStats{}
		m.Stats[merchant] = st
	}
	st.Update(tx.Amount)

	m.OwnerCount++
	m.OwnerSum += tx.Amount
	m.CategorySpend[tx.Category] += tx.Amount
	if tx.Timestamp.After(m.MerchantLast[merchant]) {
		m.MerchantLast[merchant] = tx.Timestamp
	}
	if tx.Timestamp.After(m.ObservedThrough) {
		m.ObservedThrough = tx.Timestamp
	}
}

// watchlisted reports whether the merchant is under reduced tolerance.
func (m *Model) watchlisted(merchant string, now time.Time) bool {
	expiry, ok := m.Watchlist[merchant]
	return ok && now.Before(expiry)
}

// features builds the vector describing one transaction against the
// owner's spending profile. All dimensions are scaled to roughly [0, 1]
// bands so no single axis dominates the random splits.
func (m *Model) features(tx *ledger.Transaction) []float64 {
	merchant := tx.MerchantNormalized

	ownerAvg := 1.0
	if m.OwnerCount > 0 {
		ownerAvg = m.OwnerSum / float64(m.OwnerCount)
	}

	merchantFreq := 0.0
	merchantDeviation := 0.0
	if st := m.Stats[merchant]; st != nil && m.OwnerCount > 0 {
		merchantFreq = float64(st.Count) / float64(m.OwnerCount)
		if st.Mean > 0 {
			merchantDeviation = (tx.Amount - st.Mean) / st.Mean
		}
	}

	categoryShare := 0.0
	if m.OwnerSum > 0 {
		categoryShare = m.CategorySpend[tx.Category] / m.OwnerSum
	}

	daysSince := 30.0
	if last, ok := m.MerchantLast[merchant]; ok {
		daysSince = math.Min(tx.Timestamp.Sub(last).Hours()/24, 30)
		if daysSince < 0 {
			daysSince = 0
		}
	}

	ts := tx.Timestamp.UTC()
	return []float64{
		tx.Amount / math.Max(ownerAvg, 1),
		float64(ts.Hour()) / 23,
		float64(ts.Weekday()) / 6,
		merchantFreq,
		categoryShare,
		daysSince / 30,
		merchantDeviation,
	}
}
