package ledger

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for store operations.
var (
	// ErrDuplicateMessage is returned by InsertIfAbsent when the
	// (sourceType, externalID) pair already exists.
	ErrDuplicateMessage = errors.New("raw message already recorded")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyProcessed is returned when a raw message is resolved twice.
	ErrAlreadyProcessed = errors.New("raw message already processed")

	// ErrStaleVersion is returned when saving a model version that does
	// not exceed the owner's current version.
	ErrStaleVersion = errors.New("model version not monotonically increasing")
)

// RawMessageStore persists fetched source messages and enforces
// at-most-once processing per (sourceType, externalID).
type RawMessageStore interface {
	// InsertIfAbsent atomically records a message in StateUnprocessed.
	// Returns ErrDuplicateMessage if the identity already exists. The
	// check-and-insert must be atomic so concurrent cycles cannot both
	// claim the same message.
	InsertIfAbsent(ctx context.Context, msg RawMessage) error

	// MarkProcessed transitions a message to committed or rejected.
	// A message may be resolved exactly once; a second call returns
	// ErrAlreadyProcessed.
	MarkProcessed(ctx context.Context, sourceType SourceType, externalID string, state MessageState) error

	// ListUnprocessed returns unprocessed messages, oldest first.
	ListUnprocessed(ctx context.Context, limit int) ([]RawMessage, error)

	// Get returns a message by identity, or ErrNotFound.
	Get(ctx context.Context, sourceType SourceType, externalID string) (RawMessage, error)
}

// TransactionStore persists canonical transactions.
type TransactionStore interface {
	// Insert stores a new transaction.
	Insert(ctx context.Context, tx *Transaction) error

	// Get returns a transaction by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (Transaction, error)

	// UpdateScore sets the anomaly fields on a transaction.
	UpdateScore(ctx context.Context, id string, flag bool, score float64, severity Severity, modelVersion int64) error

	// SetConfirmed records the user's confirmation state.
	SetConfirmed(ctx context.Context, id string, confirmed bool) error

	// MarkIndexed records that the transaction's embedding has been
	// appended to the owner's vector index.
	MarkIndexed(ctx context.Context, id string) error

	// SoftDelete sets DeletedAt; the row is never physically removed.
	SoftDelete(ctx context.Context, id string) error

	// ListUnindexed returns non-deleted transactions whose embedding
	// has not reached the vector index, oldest first. Feeds the
	// indexer's recovery sweep.
	ListUnindexed(ctx context.Context, limit int) ([]Transaction, error)

	// List returns an owner's transactions matching the query,
	// newest first.
	List(ctx context.Context, ownerRef string, q TransactionQuery) ([]Transaction, error)

	// FindSimilar returns an owner's non-deleted transactions with the
	// same normalized merchant, an amount within epsilon, and a timestamp
	// within the window around ts. Used for fuzzy deduplication.
	FindSimilar(ctx context.Context, ownerRef, merchantNorm string, amount, epsilon float64, ts time.Time, window time.Duration) ([]Transaction, error)
}

// FeedbackStore persists append-only feedback events.
type FeedbackStore interface {
	// Append stores a feedback event.
	Append(ctx context.Context, ev FeedbackEvent) error

	// ListByTransaction returns events for one transaction, oldest first.
	ListByTransaction(ctx context.Context, transactionID string) ([]FeedbackEvent, error)
}

// ModelStore persists versioned anomaly model blobs per owner. Prior
// versions are retained so a failed retrain can fall back.
type ModelStore interface {
	// Save stores a model blob under (ownerRef, version). Version must be
	// greater than any existing version for the owner.
	Save(ctx context.Context, ownerRef string, version int64, trainedAt time.Time, blob []byte) error

	// LoadLatest returns the highest-version blob for the owner, or
	// ErrNotFound.
	LoadLatest(ctx context.Context, ownerRef string) (version int64, blob []byte, err error)

	// LoadVersion returns a specific version's blob, or ErrNotFound.
	LoadVersion(ctx context.Context, ownerRef string, version int64) ([]byte, error)

	// LatestVersion returns the highest stored version, or 0 when the
	// owner has no model yet.
	LatestVersion(ctx context.Context, ownerRef string) (int64, error)
}

// Store bundles the individual stores behind one backend.
type Store interface {
	RawMessages() RawMessageStore
	Transactions() TransactionStore
	Feedback() FeedbackStore
	Models() ModelStore
	Close() error
}
