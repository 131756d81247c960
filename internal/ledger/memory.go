package ledger

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation guarded by a single
// mutex. It backs tests and the "memory" driver.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[msgKey]RawMessage
	txs      map[string]Transaction
	txOrder  []string
	feedback []FeedbackEvent
	models   map[string][]modelBlob
}

type msgKey struct {
	sourceType SourceType
	externalID string
}

type modelBlob struct {
	version   int64
	trainedAt time.Time
	blob      []byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[msgKey]RawMessage),
		txs:      make(map[string]Transaction),
		models:   make(map[string][]modelBlob),
	}
}

func (s *MemoryStore) RawMessages() RawMessageStore   { return (*memoryRawMessages)(s) }
func (s *MemoryStore) Transactions() TransactionStore { return (*memoryTransactions)(s) }
func (s *MemoryStore) Feedback() FeedbackStore        { return (*memoryFeedback)(s) }
func (s *MemoryStore) Models() ModelStore             { return (*memoryModels)(s) }
func (s *MemoryStore) Close() error                   { return nil }

type memoryRawMessages MemoryStore

func (s *memoryRawMessages) InsertIfAbsent(_ context.Context, msg RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := msgKey{msg.SourceType, msg.ExternalID}
	if _, ok := s.messages[key]; ok {
		return ErrDuplicateMessage
	}
	msg.State = StateUnprocessed
	s.messages[key] = msg
	return nil
}

func (s *memoryRawMessages) MarkProcessed(_ context.Context, sourceType SourceType, externalID string, state MessageState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := msgKey{sourceType, externalID}
	msg, ok := s.messages[key]
	if !ok {
		return ErrNotFound
	}
	if msg.State != StateUnprocessed {
		return ErrAlreadyProcessed
	}
	msg.State = state
	s.messages[key] = msg
	return nil
}

func (s *memoryRawMessages) ListUnprocessed(_ context.Context, limit int) ([]RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []RawMessage
	for _, msg := range s.messages {
		if msg.State == StateUnprocessed {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FetchedAt.Before(out[j].FetchedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryRawMessages) Get(_ context.Context, sourceType SourceType, externalID string) (RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[msgKey{sourceType, externalID}]
	if !ok {
		return RawMessage{}, ErrNotFound
	}
	return msg, nil
}

type memoryTransactions MemoryStore

func (s *memoryTransactions) Insert(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	s.txs[tx.ID] = *tx
	s.txOrder = append(s.txOrder, tx.ID)
	return nil
}

func (s *memoryTransactions) Get(_ context.Context, id string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txs[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return tx, nil
}

func (s *memoryTransactions) UpdateScore(_ context.Context, id string, flag bool, score float64, severity Severity, modelVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok {
		return ErrNotFound
	}
	tx.AnomalyFlag = flag
	tx.AnomalyScore = score
	tx.AnomalySeverity = severity
	tx.ModelVersion = modelVersion
	s.txs[id] = tx
	return nil
}

func (s *memoryTransactions) SetConfirmed(_ context.Context, id string, confirmed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok {
		return ErrNotFound
	}
	tx.UserConfirmed = confirmed
	s.txs[id] = tx
	return nil
}

func (s *memoryTransactions) MarkIndexed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok {
		return ErrNotFound
	}
	tx.Indexed = true
	s.txs[id] = tx
	return nil
}

func (s *memoryTransactions) SoftDelete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	tx.DeletedAt = &now
	s.txs[id] = tx
	return nil
}

func (s *memoryTransactions) ListUnindexed(_ context.Context, limit int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Transaction
	for _, id := range s.txOrder {
		tx := s.txs[id]
		if tx.Indexed || tx.Deleted() {
			continue
		}
		out = append(out, tx)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memoryTransactions) List(_ context.Context, ownerRef string, q TransactionQuery) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Transaction
	for _, id := range s.txOrder {
		tx := s.txs[id]
		if tx.OwnerRef != ownerRef {
			continue
		}
		if !matchesQuery(&tx, q) {
			continue
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memoryTransactions) FindSimilar(_ context.Context, ownerRef, merchantNorm string, amount, epsilon float64, ts time.Time, window time.Duration) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Transaction
	for _, tx := range s.txs {
		if tx.OwnerRef != ownerRef || tx.Deleted() {
			continue
		}
		if tx.MerchantNormalized != merchantNorm {
			continue
		}
		if math.Abs(tx.Amount-amount) > epsilon {
			continue
		}
		diff := tx.Timestamp.Sub(ts)
		if diff < 0 {
			diff = -diff
		}
		if diff > window {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func matchesQuery(tx *Transaction, q TransactionQuery) bool {
	if !q.IncludeDeleted && tx.Deleted() {
		return false
	}
	if q.Merchant != "" && tx.MerchantNormalized != q.Merchant {
		return false
	}
	if q.Category != "" && tx.Category != q.Category {
		return false
	}
	if q.MinAmount != nil && tx.Amount < *q.MinAmount {
		return false
	}
	if q.MaxAmount != nil && tx.Amount > *q.MaxAmount {
		return false
	}
	if !q.From.IsZero() && tx.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && tx.Timestamp.After(q.To) {
		return false
	}
	return true
}

type memoryFeedback MemoryStore

func (s *memoryFeedback) Append(_ context.Context, ev FeedbackEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = append(s.feedback, ev)
	return nil
}

func (s *memoryFeedback) ListByTransaction(_ context.Context, transactionID string) ([]FeedbackEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []FeedbackEvent
	for _, ev := range s.feedback {
		if ev.TransactionID == transactionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

type memoryModels MemoryStore

func (s *memoryModels) Save(_ context.Context, ownerRef string, version int64, trainedAt time.Time, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blobs := s.models[ownerRef]
	if len(blobs) > 0 && version <= blobs[len(blobs)-1].version {
		return ErrStaleVersion
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	s.models[ownerRef] = append(blobs, modelBlob{version: version, trainedAt: trainedAt, blob: cp})
	return nil
}

func (s *memoryModels) LoadLatest(_ context.Context, ownerRef string) (int64, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blobs := s.models[ownerRef]
	if len(blobs) == 0 {
		return 0, nil, ErrNotFound
	}
	last := blobs[len(blobs)-1]
	return last.version, last.blob, nil
}

func (s *memoryModels) LoadVersion(_ context.Context, ownerRef string, version int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.models[ownerRef] {
		if b.version == version {
			return b.blob, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryModels) LatestVersion(_ context.Context, ownerRef string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blobs := s.models[ownerRef]
	if len(blobs) == 0 {
		return 0, nil
	}
	return blobs[len(blobs)-1].version, nil
}
