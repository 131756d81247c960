package extraction

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lumenlabs/lumen/internal/config"
	"github.com/lumenlabs/lumen/internal/ledger"
)

// Field weights for confidence scoring. Amount is mandatory but alone
// stays below the default 0.5 threshold; the other fields each raise
// confidence when matched.
const (
	weightAmount   = 0.45
	weightMerchant = 0.25
	weightChannel  = 0.15
	weightRef      = 0.1
)

var (
	// amountPattern matches "Rs. 1,299.50", "INR 120", "₹45" and verbs
	// like "debited ... 120.00" seen in bank mails and forwarded SMS.
	amountPattern = regexp.MustCompile(`(?i)(?:rs\.?|inr|₹)\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)

	bareAmountPattern = regexp.MustCompile(`(?i)(?:paid|debited|credited|charged|payment of|sent)\s+([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)

	merchantPattern = regexp.MustCompile(`(?i)\b(?:to|at|towards)\s+([A-Za-z][A-Za-z0-9&@.' -]{1,40}?)(?:\s+(?:on|via|using|ref|from)\b|[.,;\n]|$)`)

	channelPattern = regexp.MustCompile(`(?i)\b(UPI|IMPS|NEFT|RTGS|netbanking|net banking|card)\b`)

	refPattern = regexp.MustCompile(`(?i)\bref(?:erence)?(?:\s*(?:no|number|id))?\.?\s*[:#-]?\s*([A-Za-z0-9-]{6,24})\b`)

	datePattern = regexp.MustCompile(`\b(\d{2}[-/]\d{2}[-/]\d{4}|\d{4}-\d{2}-\d{2})\b`)
)

// HeuristicExtractor extracts candidates with compiled regex patterns.
// It handles the common Indian bank mail and SMS notification formats.
type HeuristicExtractor struct {
	minConfidence float64
}

// NewHeuristicExtractor creates a pattern-based extractor.
func NewHeuristicExtractor(cfg config.ExtractionConfig) (*HeuristicExtractor, error) {
	minConfidence := cfg.MinConfidence
	if minConfidence == 0 {
		minConfidence = 0.5
	}
	return &HeuristicExtractor{minConfidence: minConfidence}, nil
}

// Extract scans the payload for transaction fields. Payloads below the
// confidence threshold yield no candidate.
func (h *HeuristicExtractor) Extract(_ context.Context, msg ledger.RawMessage) (Candidate, bool, error) {
	payload := msg.RawPayload

	amount, ok := h.findAmount(payload)
	if !ok {
		return Candidate{}, false, nil
	}

	c := Candidate{
		Amount:     amount,
		Currency:   "INR",
		Timestamp:  h.findTimestamp(payload, msg.FetchedAt),
		Confidence: weightAmount,
	}

	if m := merchantPattern.FindStringSubmatch(payload); m != nil {
		c.MerchantRaw = strings.TrimSpace(m[1])
		c.Confidence += weightMerchant
	}
	if m := channelPattern.FindStringSubmatch(payload); m != nil {
		c.PaymentChannel = strings.ToUpper(strings.ReplaceAll(m[1], " ", ""))
		c.Confidence += weightChannel
	}
	if m := refPattern.FindStringSubmatch(payload); m != nil {
		c.Reference = m[1]
		c.Confidence += weightRef
	}

	if c.Confidence < h.minConfidence {
		return Candidate{}, false, nil
	}
	return c, true, nil
}

// findAmount returns the first currency-tagged amount, falling back to
// verb-adjacent bare numbers.
func (h *HeuristicExtractor) findAmount(payload string) (float64, bool) {
	m := amountPattern.FindStringSubmatch(payload)
	if m == nil {
		m = bareAmountPattern.FindStringSubmatch(payload)
	}
	if m == nil {
		return 0, false
	}
	raw := strings.ReplaceAll(m[1], ",", "")
	amount, err := strconv.ParseFloat(raw, 64)
	if err != nil || amount <= 0 {
		return 0, false
	}
	return amount, true
}

// findTimestamp prefers an explicit date in the payload and falls back
// to the message fetch time.
func (h *HeuristicExtractor) findTimestamp(payload string, fallback time.Time) time.Time {
	m := datePattern.FindStringSubmatch(payload)
	if m == nil {
		return fallback
	}
	for _, layout := range []string{"02-01-2006", "02/01/2006", "2006-01-02"} {
		if ts, err := time.Parse(layout, m[1]); err == nil {
			return ts
		}
	}
	return fallback
}
