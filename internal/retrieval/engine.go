// Package retrieval answers natural-language questions over an owner's
// transaction history with hybrid exact and semantic retrieval.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumenlabs/lumen/internal/config"
	"github.com/lumenlabs/lumen/internal/generation"
	"github.com/lumenlabs/lumen/internal/ledger"
	"github.com/lumenlabs/lumen/internal/vectorindex"
)

// vocabularyWindow caps how many recent transactions seed the
// owner-specific merchant and category vocabularies.
const vocabularyWindow = 500

// exactLimit caps exact-path result sets.
const exactLimit = 100

// Answer is the result of one query.
type Answer struct {
	// Text is the synthesized reply. Empty when generation degraded.
	Text string `json:"text,omitempty"`
	// Transactions are the records backing the answer.
	Transactions []ledger.Transaction `json:"transactions"`
	// Mode is "exact" or "semantic".
	Mode string `json:"mode"`
	// Degraded is set when answer synthesis was unavailable and the
	// caller gets the raw transaction list only.
	Degraded bool `json:"degraded,omitempty"`
}

type sessionState struct {
	constraints Constraints
	touched     time.Time
}

// Engine parses queries into constraints and retrieves over the exact
// or semantic path. Sessions carry constraints into follow-ups.
type Engine struct {
	cfg    config.RetrievalConfig
	txs    ledger.TransactionStore
	index  *vectorindex.Index
	gen    generation.Generator
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]sessionState
}

// NewEngine creates a query engine. gen may be nil; answers then carry
// only the transaction list.
func NewEngine(cfg config.RetrievalConfig, txs ledger.TransactionStore, index *vectorindex.Index, gen generation.Generator, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		txs:      txs,
		index:    index,
		gen:      gen,
		logger:   logger.Named("retrieval"),
		now:      time.Now,
		sessions: make(map[string]sessionState),
	}
}

// Query answers one question for the owner. sessionID may be empty for
// one-shot queries.
func (e *Engine) Query(ctx context.Context, ownerRef, sessionID, query string) (Answer, error) {
	known, err := e.knownTerms(ctx, ownerRef)
	if err != nil {
		return Answer{}, err
	}

	c := Parse(query, known, e.now())
	c = e.applySession(ownerRef, sessionID, c)

	var answer Answer
	if c.Exact() {
		answer, err = e.exact(ctx, ownerRef, c)
	} else {
		answer, err = e.semantic(ctx, ownerRef, query, c)
	}
	if err != nil {
		return Answer{}, err
	}

	e.synthesize(ctx, query, &answer)
	return answer, nil
}

// knownTerms builds the owner's merchant and category vocabularies
// from recent history.
func (e *Engine) knownTerms(ctx context.Context, ownerRef string) (KnownTerms, error) {
	recent, err := e.txs.List(ctx, ownerRef, ledger.TransactionQuery{Limit: vocabularyWindow})
	if err != nil {
		return KnownTerms{}, fmt.Errorf("load vocabulary: %w", err)
	}

	var known KnownTerms
	merchants := make(map[string]bool)
	categories := make(map[string]bool)
	for i := range recent {
		if m := recent[i].MerchantNormalized; m != "" && m != "unknown" && !merchants[m] {
			merchants[m] = true
			known.Merchants = append(known.Merchants, m)
		}
		if c := recent[i].Category; c != "" && c != "Other" && !categories[c] {
			categories[c] = true
			known.Categories = append(known.Categories, c)
		}
	}
	return known, nil
}

// applySession merges prior session constraints into the parsed ones
// and records the merged result for the next follow-up.
func (e *Engine) applySession(ownerRef, sessionID string, c Constraints) Constraints {
	if sessionID == "" {
		return c
	}
	key := ownerRef + "\x00" + sessionID
	now := e.now()
	ttl := e.cfg.SessionTTL.Duration()

	e.mu.Lock()
	defer e.mu.Unlock()
	if prior, ok := e.sessions[key]; ok && now.Sub(prior.touched) <= ttl {
		c = c.merge(prior.constraints)
	}
	e.sessions[key] = sessionState{constraints: c, touched: now}

	for k, st := range e.sessions {
		if now.Sub(st.touched) > ttl {
			delete(e.sessions, k)
		}
	}
	return c
}

// exact answers from the canonical store alone.
func (e *Engine) exact(ctx context.Context, ownerRef string, c Constraints) (Answer, error) {
	txs, err := e.txs.List(ctx, ownerRef, ledger.TransactionQuery{
		Merchant:  c.Merchant,
		Category:  c.Category,
		MinAmount: c.MinAmount,
		MaxAmount: c.MaxAmount,
		From:      c.From,
		To:        c.To,
		Limit:     exactLimit,
	})
	if err != nil {
		return Answer{}, fmt.Errorf("exact retrieval: %w", err)
	}
	return Answer{Transactions: txs, Mode: "exact"}, nil
}

// semantic searches the vector index and post-filters by the parsed
// constraints. Index trouble degrades to the exact path rather than
// failing the query.
func (e *Engine) semantic(ctx context.Context, ownerRef, query string, c Constraints) (Answer, error) {
	matches, err := e.index.Search(ctx, ownerRef, query, e.cfg.TopK)
	if err != nil {
		e.logger.Warn("semantic search failed, degrading to exact path",
			zap.String("owner", ownerRef), zap.Error(err))
		answer, err := e.exact(ctx, ownerRef, c)
		answer.Mode = "semantic"
		answer.Degraded = true
		return answer, err
	}

	txs := make([]ledger.Transaction, 0, len(matches))
	for _, m := range matches {
		tx, err := e.txs.Get(ctx, m.TransactionID)
		if errors.Is(err, ledger.ErrNotFound) {
			continue
		}
		if err != nil {
			return Answer{}, fmt.Errorf("load match: %w", err)
		}
		if tx.Deleted() || !matchesConstraints(&tx, c) {
			continue
		}
		txs = append(txs, tx)
	}
	return Answer{Transactions: txs, Mode: "semantic"}, nil
}

// synthesize fills Answer.Text, degrading gracefully when generation
// is unavailable.
func (e *Engine) synthesize(ctx context.Context, query string, answer *Answer) {
	if e.gen == nil || len(answer.Transactions) == 0 {
		answer.Degraded = answer.Degraded || e.gen == nil
		return
	}

	snippets := make([]string, len(answer.Transactions))
	for i := range answer.Transactions {
		snippets[i] = vectorindex.Summarize(&answer.Transactions[i])
	}
	text, err := e.gen.Answer(ctx, query, snippets)
	if err != nil {
		e.logger.Warn("answer synthesis unavailable, returning raw results", zap.Error(err))
		answer.Degraded = true
		return
	}
	answer.Text = text
}

// matchesConstraints applies structured constraints to one semantic hit.
func matchesConstraints(tx *ledger.Transaction, c Constraints) bool {
	if c.Merchant != "" && tx.MerchantNormalized != c.Merchant {
		return false
	}
	if c.Category != "" && tx.Category != c.Category {
		return false
	}
	if c.MinAmount != nil && tx.Amount < *c.MinAmount {
		return false
	}
	if c.MaxAmount != nil && tx.Amount > *c.MaxAmount {
		return false
	}
	if !c.From.IsZero() && tx.Timestamp.Before(c.From) {
		return false
	}
	if !c.To.IsZero() && tx.Timestamp.After(c.To) {
		return false
	}
	return true
}
