package outbox

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cardrisk/monitor/pkg/logger"
)

// ProcessFunc drives one outbox event: publish(upstream decision),
// evaluate MONITORING, publish(derived decision), in that order. An
// error leaves the entry unacked and eligible for redelivery.
type ProcessFunc func(ctx context.Context, event Event) error

// Consumer implements the single-logical-consumer-per-partition
// contract of spec §4.I: read, process, ack-only-on-success, with
// periodic pending-entry recovery for a crashed sibling's work.
type Consumer struct {
	q              Outbox
	process        ProcessFunc
	batchSize      int
	blockMs        int
	claimIdleAfter time.Duration
	log            *logger.Logger

	degenerateCount int64
	processedCount  int64
	failedCount     int64
}

// Option customizes a Consumer.
type Option func(*Consumer)

func WithBatchSize(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

func WithBlockMs(ms int) Option {
	return func(c *Consumer) {
		if ms > 0 {
			c.blockMs = ms
		}
	}
}

func WithClaimIdleAfter(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.claimIdleAfter = d
		}
	}
}

// NewConsumer builds a Consumer over q, invoking process for every
// non-degenerate entry.
func NewConsumer(q Outbox, process ProcessFunc, log *logger.Logger, opts ...Option) *Consumer {
	if log == nil {
		log = logger.NewDefault("outbox-consumer")
	}
	c := &Consumer{
		q:              q,
		process:        process,
		batchSize:      50,
		blockMs:        1000,
		claimIdleAfter: 30 * time.Second,
		log:            log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DegenerateCount reports how many poison entries have been acked and
// skipped, for operator visibility per spec §4.I / §9.
func (c *Consumer) DegenerateCount() int64 { return atomic.LoadInt64(&c.degenerateCount) }

// Run drives the consumer loop until stop is closed or ctx is
// cancelled. It is intended to run on a dedicated background
// goroutine via infrastructure/worker.Group.Add.
func (c *Consumer) Run(ctx context.Context, stop <-chan struct{}) {
	if err := c.q.EnsureGroup(ctx); err != nil {
		c.log.WithError(err).Error("outbox: failed to ensure consumer group")
	}

	recoverTicker := time.NewTicker(c.claimIdleAfter)
	defer recoverTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-recoverTicker.C:
			c.recoverPending(ctx)
		default:
			c.cycle(ctx)
		}
	}
}

func (c *Consumer) cycle(ctx context.Context) {
	entries, err := c.q.ReadBatch(ctx, c.batchSize, c.blockMs)
	if err != nil {
		c.log.WithError(err).Warn("outbox: read batch failed")
		return
	}
	for _, e := range entries {
		c.handle(ctx, e)
	}
}

func (c *Consumer) recoverPending(ctx context.Context) {
	entries, err := c.q.ClaimIdle(ctx, c.claimIdleAfter, c.batchSize)
	if err != nil {
		c.log.WithError(err).Warn("outbox: claim idle failed")
		return
	}
	for _, e := range entries {
		c.handle(ctx, e)
	}
}

func (c *Consumer) handle(ctx context.Context, e Entry) {
	if err := e.Event.Validate(); err != nil {
		atomic.AddInt64(&c.degenerateCount, 1)
		if ackErr := c.q.Ack(ctx, e.ID); ackErr != nil {
			c.log.WithField("entry_id", e.ID).WithError(ackErr).Warn("outbox: ack of degenerate entry failed")
		}
		return
	}

	if err := c.process(ctx, e.Event); err != nil {
		atomic.AddInt64(&c.failedCount, 1)
		c.log.WithField("entry_id", e.ID).WithError(err).Warn("outbox: processing failed, leaving unacked for redelivery")
		return
	}

	atomic.AddInt64(&c.processedCount, 1)
	if err := c.q.Ack(ctx, e.ID); err != nil {
		c.log.WithField("entry_id", e.ID).WithError(err).Warn("outbox: ack failed")
	}
}
