package vectorindex

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lumenlabs/lumen/internal/config"
	"github.com/lumenlabs/lumen/internal/ledger"
)

// maxBackoff caps the retry delay regardless of attempt count.
const maxBackoff = 5 * time.Minute

type task struct {
	transactionID string
	attempt       int
}

// Indexer appends committed transactions to the vector index in the
// background. Enqueue never blocks the commit path: the queue is
// bounded and failures are retried with exponential backoff until the
// attempt budget is spent.
type Indexer struct {
	index  *Index
	txs    ledger.TransactionStore
	logger *zap.Logger

	queue         chan task
	retryMax      int
	baseBackoff   time.Duration
	sweepInterval time.Duration
}

// NewIndexer creates the background indexer.
func NewIndexer(cfg config.IndexConfig, index *Index, txs ledger.TransactionStore, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	sweep := cfg.SweepInterval.Duration()
	if sweep <= 0 {
		sweep = 10 * time.Minute
	}
	return &Indexer{
		index:         index,
		txs:           txs,
		logger:        logger.Named("indexer"),
		queue:         make(chan task, cfg.QueueSize),
		retryMax:      cfg.RetryMax,
		baseBackoff:   cfg.RetryBaseBackoff.Duration(),
		sweepInterval: sweep,
	}
}

// Enqueue schedules a transaction for indexing. If the queue is full
// the task is dropped with a warning; the transaction stays marked
// unindexed and commit is never delayed.
func (in *Indexer) Enqueue(transactionID string) {
	in.enqueue(task{transactionID: transactionID})
}

func (in *Indexer) enqueue(t task) {
	select {
	case in.queue <- t:
	default:
		in.logger.Warn("index queue full, dropping task",
			zap.String("transaction", t.transactionID),
			zap.Int("attempt", t.attempt))
	}
}

// Run processes the queue until the context is cancelled. On start
// and every sweep interval it rescans the ledger for committed
// transactions still marked unindexed, so restarts, dropped tasks and
// spent retry budgets never leave a transaction out of the index for
// good.
func (in *Indexer) Run(ctx context.Context) {
	in.sweep(ctx)
	ticker := time.NewTicker(in.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.sweep(ctx)
		case t := <-in.queue:
			in.process(ctx, t)
		}
	}
}

// sweep re-enqueues transactions the ledger knows are unindexed. The
// batch is capped at the queue capacity; anything beyond that waits
// for the next sweep.
func (in *Indexer) sweep(ctx context.Context) {
	txs, err := in.txs.ListUnindexed(ctx, cap(in.queue))
	if err != nil {
		in.logger.Warn("unindexed sweep failed", zap.Error(err))
		return
	}
	for i := range txs {
		in.enqueue(task{transactionID: txs[i].ID})
	}
	if len(txs) > 0 {
		in.logger.Info("re-enqueued unindexed transactions", zap.Int("count", len(txs)))
	}
}

// process indexes one transaction and records the result. Transient
// failures reschedule the task after a backoff delay.
func (in *Indexer) process(ctx context.Context, t task) {
	tx, err := in.txs.Get(ctx, t.transactionID)
	if errors.Is(err, ledger.ErrNotFound) {
		return
	}
	if err != nil {
		in.retry(t, err)
		return
	}
	if tx.Indexed || tx.Deleted() {
		return
	}

	if err := in.index.Add(ctx, &tx); err != nil {
		in.retry(t, err)
		return
	}
	if err := in.txs.MarkIndexed(ctx, tx.ID); err != nil {
		in.logger.Error("indexed but failed to record flag",
			zap.String("transaction", tx.ID), zap.Error(err))
		return
	}
	in.logger.Debug("transaction indexed",
		zap.String("transaction", tx.ID),
		zap.String("owner", tx.OwnerRef))
}

// retry reschedules a failed task with exponential backoff, or gives
// up once the attempt budget is spent. A given-up transaction keeps
// Indexed=false and the next sweep picks it up with a fresh budget.
func (in *Indexer) retry(t task, cause error) {
	t.attempt++
	if t.attempt >= in.retryMax {
		in.logger.Error("giving up on indexing",
			zap.String("transaction", t.transactionID),
			zap.Int("attempts", t.attempt),
			zap.Error(cause))
		return
	}

	delay := in.baseBackoff << (t.attempt - 1)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	in.logger.Warn("indexing failed, scheduling retry",
		zap.String("transaction", t.transactionID),
		zap.Int("attempt", t.attempt),
		zap.Duration("delay", delay),
		zap.Error(cause))

	time.AfterFunc(delay, func() { in.enqueue(t) })
}
