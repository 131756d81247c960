// Package anomaly scores committed transactions with a statistical rule
// and a learned isolation-forest model, adapting per owner via feedback.
package anomaly

import "math"

// MerchantStats tracks a running mean/std of amounts for one
// (owner, merchant) pair using Welford's algorithm.
type MerchantStats struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
}

// Update folds one amount into the running statistics.
func (s *MerchantStats) Update(amount float64) {
	s.Count++
	delta := amount - s.Mean
	s.Mean += delta / float64(s.Count)
	s.M2 += delta * (amount - s.Mean)
}

// Std returns the sample standard deviation, or 0 with fewer than two
// observations.
func (s *MerchantStats) Std() float64 {
	if s.Count < 2 {
		return 0
	}
	return math.Sqrt(s.M2 / float64(s.Count-1))
}

// ZScore returns how many standard deviations amount sits from the
// merchant mean. Returns 0 when the deviation is undefined (no spread).
func (s *MerchantStats) ZScore(amount float64) float64 {
	std := s.Std()
	if std == 0 {
		return 0
	}
	return (amount - s.Mean) / std
}
