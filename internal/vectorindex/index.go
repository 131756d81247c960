// Package vectorindex maintains per-owner embedded vector collections
// of transaction summaries for semantic retrieval.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/lumenlabs/lumen/internal/config"
	"github.com/lumenlabs/lumen/internal/embeddings"
	"github.com/lumenlabs/lumen/internal/ledger"
)

// ErrIndexing indicates a transaction could not be appended to the
// owner's index. The transaction itself is already durable; indexing is
// retried asynchronously.
var ErrIndexing = errors.New("vector indexing failed")

// Match is one semantic search hit.
type Match struct {
	TransactionID string
	Summary       string
	Similarity    float32
	Metadata      map[string]string
}

// Index wraps an embedded chromem database with one collection per
// owner. Collections never mix owners; search always targets exactly
// one collection.
type Index struct {
	db       *chromem.DB
	embedder embeddings.Embedder
	logger   *zap.Logger
}

// NewIndex opens (or creates) the persistent index at cfg.Path.
func NewIndex(cfg config.IndexConfig, embedder embeddings.Embedder, logger *zap.Logger) (*Index, error) {
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	path, err := expandPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding index path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	db, err := chromem.NewPersistentDB(path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("opening vector index: %w", err)
	}

	logger = logger.Named("vectorindex")
	logger.Info("vector index opened", zap.String("path", path), zap.Bool("compress", cfg.Compress))
	return &Index{db: db, embedder: embedder, logger: logger}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// CollectionName returns the owner's collection name. Owner refs are
// sanitized to the character set chromem accepts.
func CollectionName(ownerRef string) string {
	var b strings.Builder
	for _, r := range ownerRef {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return "owner_" + b.String() + "_transactions"
}

// Summarize renders the fixed-shape text that gets embedded for a
// transaction. A stable shape keeps summary embeddings comparable
// across the whole collection.
func Summarize(tx *ledger.Transaction) string {
	ts := tx.Timestamp.UTC()
	s := fmt.Sprintf("spent %.2f %s at %s (%s) via %s on %s %s",
		tx.Amount, tx.Currency, tx.MerchantNormalized, tx.Category,
		tx.PaymentChannel, ts.Format("2006-01-02"), ts.Weekday())
	if tx.Note != "" {
		s += ": " + tx.Note
	}
	return s
}

// embeddingFunc adapts the embedder for chromem. It is only invoked on
// query text; document vectors are supplied pre-computed.
func (ix *Index) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return ix.embedder.EmbedQuery(ctx, text)
	}
}

// Add embeds and appends one transaction summary to the owner's
// collection. Failures wrap ErrIndexing so callers can route them to
// the retry queue.
func (ix *Index) Add(ctx context.Context, tx *ledger.Transaction) error {
	summary := Summarize(tx)
	vectors, err := ix.embedder.EmbedDocuments(ctx, []string{summary})
	if err != nil {
		return fmt.Errorf("%w: embed summary: %w", ErrIndexing, err)
	}

	collection, err := ix.db.GetOrCreateCollection(CollectionName(tx.OwnerRef), nil, ix.embeddingFunc())
	if err != nil {
		return fmt.Errorf("%w: collection: %w", ErrIndexing, err)
	}

	doc := chromem.Document{
		ID:        tx.ID,
		Content:   summary,
		Embedding: vectors[0],
		Metadata: map[string]string{
			"transaction_id": tx.ID,
			"merchant":       tx.MerchantNormalized,
			"category":       tx.Category,
			"channel":        string(tx.PaymentChannel),
			"amount":         strconv.FormatFloat(tx.Amount, 'f', 2, 64),
			"timestamp":      tx.Timestamp.UTC().Format(time.RFC3339),
		},
	}
	if err := collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("%w: add document: %w", ErrIndexing, err)
	}
	return nil
}

// Search runs semantic search in the owner's collection. An owner
// without a collection yet gets an empty result, not an error.
func (ix *Index) Search(ctx context.Context, ownerRef, query string, k int) ([]Match, error) {
	collection := ix.db.GetCollection(CollectionName(ownerRef), ix.embeddingFunc())
	if collection == nil {
		return nil, nil
	}

	count := collection.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{
			TransactionID: r.ID,
			Summary:       r.Content,
			Similarity:    r.Similarity,
			Metadata:      r.Metadata,
		}
	}
	return matches, nil
}

// Remove deletes a transaction's document from the owner's collection.
// Missing collections and documents are no-ops.
func (ix *Index) Remove(ctx context.Context, ownerRef, transactionID string) error {
	collection := ix.db.GetCollection(CollectionName(ownerRef), ix.embeddingFunc())
	if collection == nil {
		return nil
	}
	if err := collection.Delete(ctx, nil, nil, transactionID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}
