// Package scheduler drives the ingestion polling loop. One controller
// monitors one source; the owner receiving new transactions is
// whoever called Start last.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumenlabs/lumen/internal/config"
	"github.com/lumenlabs/lumen/internal/pipeline"
	"github.com/lumenlabs/lumen/internal/source"
)

// ErrNotRunning is returned by CheckNow when monitoring is stopped.
var ErrNotRunning = errors.New("monitoring is not running")

// Status is a snapshot of the controller state.
type Status struct {
	Running         bool      `json:"running"`
	MonitoredSource string    `json:"monitored_source"`
	CurrentOwner    string    `json:"current_owner"`
	LastCheckTime   time.Time `json:"last_check_time"`
	ProcessedCount  int64     `json:"processed_count"`
	Degraded        bool      `json:"degraded"`
}

// Controller runs ingestion cycles on a timer and on demand. All
// cycles execute on one loop goroutine, so cycles never overlap. The
// owner is latched when a cycle starts: a Start call mid-cycle
// redirects only subsequent cycles.
type Controller struct {
	cfg       config.SchedulerConfig
	mailbox   string
	src       source.Source
	pipe      *pipeline.Pipeline
	metrics   *pipeline.Metrics
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	running   bool
	owner     string
	since     time.Time // lower bound for unread listing, set on first start
	cancel    context.CancelFunc
	loopDone  chan struct{}
	trigger   chan *checkReply
	pending   *checkReply
	lastCheck time.Time
	processed int64
	degraded  bool
}

// checkReply carries the result of one on-demand cycle back to its
// CheckNow waiters. processed and err are written before done closes.
type checkReply struct {
	done      chan struct{}
	processed int
	err       error
}

// New creates a stopped controller.
func New(cfg config.SchedulerConfig, mailbox string, src source.Source, pipe *pipeline.Pipeline, metrics *pipeline.Metrics, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:     cfg,
		mailbox: mailbox,
		src:     src,
		pipe:    pipe,
		metrics: metrics,
		logger:  logger.Named("scheduler"),
		now:     time.Now,
		trigger: make(chan *checkReply, 1),
	}
}

// Start begins monitoring for the given owner. If monitoring is
// already running the subscription is redirected: the new owner
// receives all transactions from the next cycle on, and no cycle ever
// splits its messages between owners.
func (c *Controller) Start(ownerRef string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		if c.owner != ownerRef {
			c.logger.Info("monitoring redirected",
				zap.String("from", c.owner), zap.String("to", ownerRef))
			c.owner = ownerRef
		}
		c.degraded = false
		return
	}

	c.owner = ownerRef
	c.running = true
	c.degraded = false
	c.processed = 0
	if c.since.IsZero() {
		c.since = c.now().Add(-c.cfg.Lookback.Duration())
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.loopDone = make(chan struct{})
	go c.loop(ctx, c.loopDone)

	c.logger.Info("monitoring started",
		zap.String("owner", ownerRef),
		zap.String("mailbox", c.mailbox),
		zap.Duration("poll_interval", c.cfg.PollInterval.Duration()))
}

// Stop halts monitoring. The in-flight message, if any, runs to
// completion; remaining messages in the cycle are left unread for the
// next start.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.loopDone
	c.mu.Unlock()

	cancel()
	<-done

	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.loopDone = nil
	if c.pending != nil {
		// Release CheckNow waiters; no cycle ran for them, so they
		// get an error rather than a silent success.
		c.pending.err = ErrNotRunning
		close(c.pending.done)
		c.pending = nil
	}
	// Drop any triggered-but-unserved request.
	select {
	case <-c.trigger:
	default:
	}
	c.mu.Unlock()
	c.logger.Info("monitoring stopped")
}

// CheckNow requests an immediate cycle, waits for it to finish and
// returns the number of transactions that cycle committed. Concurrent
// callers share one cycle.
func (c *Controller) CheckNow(ctx context.Context) (int, error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return 0, ErrNotRunning
	}
	if c.pending == nil {
		c.pending = &checkReply{done: make(chan struct{})}
		c.trigger <- c.pending
	}
	wait := c.pending
	c.mu.Unlock()

	select {
	case <-wait.done:
		return wait.processed, wait.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Running:         c.running,
		MonitoredSource: c.mailbox,
		CurrentOwner:    c.owner,
		LastCheckTime:   c.lastCheck,
		ProcessedCount:  c.processed,
		Degraded:        c.degraded,
	}
}

// loop runs an immediate first cycle, then polls until cancelled.
func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	c.runCycle(ctx, nil)
	ticker := time.NewTicker(c.cfg.PollInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runCycle(ctx, nil)
		case reply := <-c.trigger:
			// Shutting down: leave the reply pending so Stop fails its
			// waiters instead of running one more cycle.
			select {
			case <-ctx.Done():
				return
			default:
			}
			// Clear pending before the cycle runs: a CheckNow arriving
			// mid-cycle must wait for a cycle that starts after it.
			c.mu.Lock()
			if c.pending == reply {
				c.pending = nil
			}
			c.mu.Unlock()
			c.runCycle(ctx, reply)
		}
	}
}

// runCycle executes one fetch-and-commit cycle. The owner is latched
// before any message is fetched.
func (c *Controller) runCycle(ctx context.Context, reply *checkReply) {
	var committed int
	if reply != nil {
		defer func() {
			reply.processed = committed
			close(reply.done)
		}()
	}

	c.mu.Lock()
	owner := c.owner
	since := c.since
	c.lastCheck = c.now()
	c.mu.Unlock()

	start := c.now()
	// The cycle context is independent of the loop context so Stop
	// does not abort the in-flight message mid-commit.
	cycleCtx, cancelCycle := context.WithTimeout(context.Background(), c.cfg.CycleTimeout.Duration())
	defer cancelCycle()

	messages, err := c.src.ListUnread(cycleCtx, source.ListQuery{After: since, Limit: c.cfg.BatchSize})
	if err != nil {
		c.recordFetchFailure(err)
		return
	}

	c.mu.Lock()
	c.degraded = false
	c.mu.Unlock()

	for i := range messages {
		select {
		case <-ctx.Done():
			c.logger.Info("cycle interrupted by stop",
				zap.Int("remaining", len(messages)-i))
			c.countCycle("interrupted", start)
			return
		default:
		}

		msg := messages[i]
		outcome, perr := c.pipe.Process(cycleCtx, owner, msg)
		if perr != nil {
			c.logger.Warn("message processing failed",
				zap.String("external_id", msg.ExternalID),
				zap.Error(perr))
		}
		if outcome == pipeline.OutcomeCommitted {
			committed++
		}
		if outcome.Resolved() {
			if err := c.src.MarkRead(cycleCtx, msg.ExternalID); err != nil {
				// The message stays unread and reappears next cycle,
				// where dedup resolves it as a no-op.
				c.logger.Warn("failed to mark message read",
					zap.String("external_id", msg.ExternalID),
					zap.Error(err))
			}
		}
	}

	c.mu.Lock()
	c.processed += int64(committed)
	c.mu.Unlock()

	c.countCycle("ok", start)
	if len(messages) > 0 {
		c.logger.Info("cycle complete",
			zap.String("owner", owner),
			zap.Int("fetched", len(messages)),
			zap.Int("committed", committed))
	}
}

// recordFetchFailure classifies a source listing failure. Expired
// credentials put the controller in degraded mode until the next
// successful Start; availability blips just wait for the next tick.
func (c *Controller) recordFetchFailure(err error) {
	status := "source_unavailable"
	if source.IsAuthError(err) {
		status = "auth_expired"
		c.mu.Lock()
		c.degraded = true
		c.mu.Unlock()
		c.logger.Error("source credentials expired, entering degraded mode", zap.Error(err))
	} else {
		c.logger.Warn("source unavailable, will retry next cycle", zap.Error(err))
	}
	if c.metrics != nil {
		c.metrics.Cycles.WithLabelValues(status).Inc()
	}
}

func (c *Controller) countCycle(status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.Cycles.WithLabelValues(status).Inc()
	c.metrics.CycleDuration.Observe(c.now().Sub(start).Seconds())
}
