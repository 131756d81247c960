package retrieval

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Constraints is the structured form of a query. Zero fields mean the
// query does not constrain that axis.
type Constraints struct {
	Merchant  string
	Category  string
	MinAmount *float64
	MaxAmount *float64
	From      time.Time
	To        time.Time

	// FreeText holds the words no structured constraint consumed. When
	// it is empty the query is answerable by filtering alone.
	FreeText string
}

// Structured reports whether any structured constraint was parsed.
func (c Constraints) Structured() bool {
	return c.Merchant != "" || c.Category != "" || c.MinAmount != nil ||
		c.MaxAmount != nil || !c.From.IsZero() || !c.To.IsZero()
}

// Exact reports whether the query can bypass semantic search: at least
// one structured constraint and no residual free text.
func (c Constraints) Exact() bool {
	return c.Structured() && c.FreeText == ""
}

// KnownTerms are the owner-specific vocabularies merchants and
// categories are vetted against. A word only becomes a merchant
// constraint if the owner actually has history with that merchant.
type KnownTerms struct {
	Merchants  []string
	Categories []string
}

var (
	amountMinPattern = regexp.MustCompile(`(?i)\b(?:over|above|more than|greater than|at least)\s+(?:rs\.?|inr|₹)?\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)
	amountMaxPattern = regexp.MustCompile(`(?i)\b(?:under|below|less than|at most|cheaper than)\s+(?:rs\.?|inr|₹)?\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)
	lastNDaysPattern = regexp.MustCompile(`(?i)\b(?:last|past)\s+(\d{1,3})\s+days?\b`)

	monthsByName = map[string]time.Month{
		"january": time.January, "february": time.February, "march": time.March,
		"april": time.April, "may": time.May, "june": time.June,
		"july": time.July, "august": time.August, "september": time.September,
		"october": time.October, "november": time.November, "december": time.December,
	}

	// stopwords are query scaffolding that never carries semantic
	// content on its own.
	stopwords = map[string]bool{
		"how": true, "much": true, "many": true, "what": true, "show": true,
		"me": true, "my": true, "i": true, "did": true, "do": true, "have": true,
		"spend": true, "spent": true, "pay": true, "paid": true, "buy": true,
		"bought": true, "on": true, "in": true, "at": true, "to": true,
		"the": true, "a": true, "an": true, "of": true, "for": true,
		"transactions": true, "transaction": true, "payments": true,
		"payment": true, "purchases": true, "expenses": true, "was": true,
		"were": true, "all": true, "list": true, "and": true, "about": true,
		"total": true, "money": true, "rs": true, "inr": true,
	}
)

// Parse turns a natural-language query into structured constraints,
// vetting merchant words against the owner's vocabulary. now anchors
// relative temporal expressions.
func Parse(query string, known KnownTerms, now time.Time) Constraints {
	var c Constraints
	rest := strings.ToLower(query)

	rest = parseAmounts(rest, &c)
	rest = parseTemporal(rest, &c, now.UTC())

	// Merchant and category words must match the owner's own data;
	// this is what separates "zomato" from an arbitrary noun.
	for _, m := range known.Merchants {
		if m != "" && strings.Contains(rest, m) {
			c.Merchant = m
			rest = strings.ReplaceAll(rest, m, " ")
			break
		}
	}
	for _, cat := range known.Categories {
		if cat != "" && strings.Contains(rest, strings.ToLower(cat)) {
			c.Category = cat
			rest = strings.ReplaceAll(rest, strings.ToLower(cat), " ")
			break
		}
	}

	var leftover []string
	for _, w := range strings.Fields(rest) {
		w = strings.Trim(w, "?.,!;:")
		if w == "" || stopwords[w] {
			continue
		}
		leftover = append(leftover, w)
	}
	c.FreeText = strings.Join(leftover, " ")
	return c
}

func parseAmounts(rest string, c *Constraints) string {
	if m := amountMinPattern.FindStringSubmatch(rest); m != nil {
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
			c.MinAmount = &v
			rest = strings.Replace(rest, m[0], " ", 1)
		}
	}
	if m := amountMaxPattern.FindStringSubmatch(rest); m != nil {
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
			c.MaxAmount = &v
			rest = strings.Replace(rest, m[0], " ", 1)
		}
	}
	return rest
}

func parseTemporal(rest string, c *Constraints, now time.Time) string {
	consume := func(phrase string, from, to time.Time) bool {
		if !strings.Contains(rest, phrase) {
			return false
		}
		c.From, c.To = from, to
		rest = strings.ReplaceAll(rest, phrase, " ")
		return true
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	weekStart := today.AddDate(0, 0, -int((now.Weekday()+6)%7)) // Monday

	switch {
	case consume("today", today, now):
	case consume("yesterday", today.AddDate(0, 0, -1), today):
	case consume("this week", weekStart, now):
	case consume("last week", weekStart.AddDate(0, 0, -7), weekStart):
	case consume("this month", monthStart, now):
	case consume("last month", monthStart.AddDate(0, -1, 0), monthStart):
	case consume("this year", time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC), now):
	default:
		if m := lastNDaysPattern.FindStringSubmatch(rest); m != nil {
			n, _ := strconv.Atoi(m[1])
			c.From, c.To = today.AddDate(0, 0, -n), now
			rest = strings.Replace(rest, m[0], " ", 1)
			break
		}
		for _, w := range strings.Fields(rest) {
			name := strings.Trim(w, "?.,!;:")
			month, ok := monthsByName[name]
			if !ok {
				continue
			}
			year := now.Year()
			if month > now.Month() {
				year--
			}
			from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
			c.From, c.To = from, from.AddDate(0, 1, 0)
			rest = strings.Replace(rest, name, " ", 1)
			break
		}
	}
	return rest
}

// merge fills the receiver's unset fields from prior session
// constraints so follow-up questions inherit context.
func (c Constraints) merge(prior Constraints) Constraints {
	if c.Merchant == "" {
		c.Merchant = prior.Merchant
	}
	if c.Category == "" {
		c.Category = prior.Category
	}
	if c.MinAmount == nil {
		c.MinAmount = prior.MinAmount
	}
	if c.MaxAmount == nil {
		c.MaxAmount = prior.MaxAmount
	}
	if c.From.IsZero() && c.To.IsZero() {
		c.From, c.To = prior.From, prior.To
	}
	return c
}
