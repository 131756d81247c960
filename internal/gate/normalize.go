package gate

import (
	"strings"

	"github.com/lumenlabs/lumen/internal/ledger"
)

// legalSuffixes are stripped from merchant names before matching.
var legalSuffixes = []string{"pvt ltd", "private limited", "ltd", "llp", "inc", "llc", "co"}

// NormalizeMerchant lowercases, trims and collapses whitespace, and
// strips trailing legal suffixes so "ZOMATO LTD" and "Zomato" compare
// equal. Empty input normalizes to "unknown".
func NormalizeMerchant(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, ".,-")
	for _, suffix := range legalSuffixes {
		s = strings.TrimSuffix(s, " "+suffix)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return s
}

// NormalizeCurrency uppercases the code and defaults to INR.
func NormalizeCurrency(raw string) string {
	c := strings.ToUpper(strings.TrimSpace(raw))
	if c == "" || c == "RS" || c == "₹" {
		return "INR"
	}
	return c
}

// NormalizeChannel maps raw channel tokens to canonical payment
// channels. IMPS, NEFT and RTGS are all bank transfers.
func NormalizeChannel(raw string) ledger.PaymentChannel {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "UPI":
		return ledger.ChannelUPI
	case "CARD", "DEBIT CARD", "CREDIT CARD":
		return ledger.ChannelCard
	case "IMPS", "NEFT", "RTGS":
		return ledger.ChannelBankTransfer
	case "NETBANKING", "NET BANKING":
		return ledger.ChannelNetbanking
	default:
		return ledger.ChannelUnknown
	}
}

// categoryKeywords maps merchant substrings to spend categories. The
// order is fixed and ties go to the longest keyword, so "dmart" is
// Groceries even though "mart" alone would read as Shopping.
var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{"Food", []string{"zomato", "swiggy", "dominos", "mcdonald", "kfc", "cafe", "restaurant", "chai"}},
	{"Groceries", []string{"bigbasket", "blinkit", "zepto", "grofers", "dmart", "grocery"}},
	{"Shopping", []string{"amazon", "flipkart", "myntra", "ajio", "store", "mart"}},
	{"Travel", []string{"uber", "ola", "rapido", "irctc", "makemytrip", "indigo", "airlines"}},
	{"Entertainment", []string{"netflix", "spotify", "hotstar", "bookmyshow", "prime video"}},
	{"Utilities", []string{"electricity", "airtel", "jio", "vodafone", "broadband", "recharge", "gas"}},
}

// ClassifyCategory assigns a spend category from merchant keywords.
// The longest matching keyword wins. Unknown merchants get category
// "Other" with zero confidence.
func ClassifyCategory(merchantNorm string) (string, float64) {
	best := ""
	bestLen := 0
	for _, entry := range categoryKeywords {
		for _, kw := range entry.keywords {
			if len(kw) > bestLen && strings.Contains(merchantNorm, kw) {
				best = entry.category
				bestLen = len(kw)
			}
		}
	}
	if best == "" {
		return "Other", 0
	}
	return best, 0.9
}
