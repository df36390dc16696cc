// Package worker provides a small background-worker scaffold used by
// the hot-reload coordinator and the outbox consumer: ticker-driven
// loops with idempotent shutdown and an error callback, extracted from
// a richer service-lifecycle type this codebase used elsewhere for its
// per-service background jobs.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/cardrisk/monitor/infrastructure/utils"
	"github.com/cardrisk/monitor/pkg/logger"
)

// Group owns a set of background loops started together and stopped
// together via a single stop channel, guarded by sync.Once so Stop is
// safe to call more than once.
type Group struct {
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      *logger.Logger
}

// NewGroup constructs an empty worker group.
func NewGroup(log *logger.Logger) *Group {
	if log == nil {
		log = logger.NewDefault("worker")
	}
	return &Group{stopCh: make(chan struct{}), log: log}
}

// StopChan exposes the stop channel so a worker can select on it
// directly when it needs finer control than AddTicker gives it.
func (g *Group) StopChan() <-chan struct{} {
	return g.stopCh
}

type tickerConfig struct {
	name           string
	runImmediately bool
}

// TickerOption configures AddTicker.
type TickerOption func(*tickerConfig)

// WithName sets the worker name used in error logs.
func WithName(name string) TickerOption {
	return func(c *tickerConfig) { c.name = name }
}

// WithImmediate runs the worker once before waiting for the first tick.
func WithImmediate() TickerOption {
	return func(c *tickerConfig) { c.runImmediately = true }
}

// AddTicker starts a background loop that calls fn every interval until
// the group is stopped or ctx is cancelled. A returned error is logged
// and does not stop the loop — each cycle is independent.
func (g *Group) AddTicker(ctx context.Context, interval time.Duration, fn func(context.Context) error, opts ...TickerOption) {
	cfg := tickerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		logErr := func(err error) {
			if err == nil {
				return
			}
			entry := g.log.WithField("worker", cfg.name)
			entry.WithError(err).Warn("worker cycle failed")
		}

		if cfg.runImmediately {
			select {
			case <-ctx.Done():
				return
			case <-g.stopCh:
				return
			default:
				logErr(fn(ctx))
			}
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stopCh:
				return
			case <-ticker.C:
				logErr(fn(ctx))
			}
		}
	}()
}

// Add starts a long-running worker that owns its own loop (e.g. a
// blocking stream consumer) rather than a fixed-interval cycle. A panic
// in fn is recovered and logged rather than taking down the process —
// the worker simply stops, same as if it had returned normally.
func (g *Group) Add(fn func(ctx context.Context, stop <-chan struct{})) {
	g.wg.Add(1)
	utils.SafeGo(func() {
		defer g.wg.Done()
		fn(context.Background(), g.stopCh)
	}, func(err error) {
		g.log.WithError(err).Error("worker panicked")
	})
}

// Stop signals all workers to exit and waits for them to return, up to
// the given timeout. Safe to call more than once.
func (g *Group) Stop(timeout time.Duration) {
	g.stopOnce.Do(func() {
		close(g.stopCh)
	})

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		g.log.Warn("worker group stop timed out, proceeding with shutdown")
	}
}
