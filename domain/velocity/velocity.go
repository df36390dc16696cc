// Package velocity implements the per-rule rate-counter check: an
// atomic increment-with-TTL against Redis, keyed by a dimension field
// and value, with bounded-latency fail-open semantics.
package velocity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cardrisk/monitor/pkg/logger"
)

// DefaultWindowSeconds and DefaultThreshold are the process-configured
// fallbacks substituted when a rule's VelocityConfig carries a
// non-positive window or threshold, per spec §4.E.
const (
	DefaultWindowSeconds = 3600
	DefaultThreshold     = 10
)

// DefaultDeadline bounds a single velocity round-trip. The counter
// never blocks the request past this deadline; on timeout the call
// returns an "unavailable" result instead of erroring the evaluation.
const DefaultDeadline = 50 * time.Millisecond

// incrWithTTL is the server-side script that performs the atomic
// increment-and-conditionally-set-TTL in one round-trip. INCR always
// runs; EXPIRE only runs on the first increment (count == 1) so a
// counter's TTL is set once at creation and never refreshed by later
// increments — this is a sliding-TTL-from-creation counter, not a
// sliding window, per spec §3.
var incrWithTTL = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Config describes one velocity check: the dimension to key on and
// the window/threshold it fires at.
type Config struct {
	DimensionFieldKey string
	WindowSeconds     int
	Threshold         int
}

// Result is the outcome of one velocity check.
type Result struct {
	Count    int64
	Exceeded bool
	Error    string
}

// Counter is the velocity-check façade over a remote KV. Counter is
// safe for concurrent use by many request goroutines; it holds no
// per-request state itself.
type Counter struct {
	client   *redis.Client
	scopeKey string
	deadline time.Duration
	log      *logger.Logger
}

// defaultScopeKey is the {scope_prefix} segment used when no explicit
// scope is configured, kept distinct from the literal "vel:" prefix so
// the key always carries the four segments spec §4.E documents:
// vel:{scope_prefix}:{dimension_key}:{dimension_value}.
const defaultScopeKey = "default"

// Option customizes a Counter.
type Option func(*Counter)

// WithDeadline overrides the per-call bounded deadline.
func WithDeadline(d time.Duration) Option {
	return func(c *Counter) {
		if d > 0 {
			c.deadline = d
		}
	}
}

// WithScopePrefix sets the {scope_prefix} component of the key, used
// to namespace counters across environments sharing one Redis.
func WithScopePrefix(prefix string) Option {
	return func(c *Counter) {
		if prefix != "" {
			c.scopeKey = prefix
		}
	}
}

// New builds a Counter against an already-connected redis.Client.
func New(client *redis.Client, log *logger.Logger, opts ...Option) *Counter {
	if log == nil {
		log = logger.NewDefault("velocity")
	}
	c := &Counter{client: client, scopeKey: defaultScopeKey, deadline: DefaultDeadline, log: log}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// buildKey constructs vel:{scope_prefix}:{dimension_key}:{dimension_value},
// percent-escaping the dimension value so it is always key-safe.
func (c *Counter) buildKey(dimensionKey, dimensionValue string) string {
	return fmt.Sprintf("vel:%s:%s:%s", c.scopeKey, dimensionKey, url.QueryEscape(dimensionValue))
}

// normalize substitutes process defaults for a non-positive window or
// threshold, per spec §4.E.
func normalize(cfg Config) Config {
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = DefaultWindowSeconds
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	return cfg
}

// Check performs the atomic increment-with-TTL for one dimension value
// and reports whether the resulting count meets or exceeds threshold.
// It is always exactly one round-trip to Redis (EVALSHA, falling back
// to EVAL on NOSCRIPT) and never does a read-then-write sequence. On
// timeout or transport error it returns an "unavailable" result within
// the bounded deadline rather than propagating the error — the caller
// (the rule evaluator) records this and continues.
func (c *Counter) Check(ctx context.Context, cfg Config, dimensionValue string) Result {
	if c.client == nil {
		return Result{Error: "VELOCITY_UNAVAILABLE"}
	}
	cfg = normalize(cfg)

	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	key := c.buildKey(cfg.DimensionFieldKey, dimensionValue)
	count, err := incrWithTTL.Run(ctx, c.client, []string{key}, cfg.WindowSeconds).Int64()
	if err != nil {
		c.log.WithField("key", key).WithError(err).Warn("velocity counter unavailable")
		return Result{Error: "VELOCITY_UNAVAILABLE"}
	}

	return Result{Count: count, Exceeded: count >= int64(cfg.Threshold)}
}

// Reset clears a counter. Exposed only for tests; production key-space
// hygiene relies on TTL expiry, never explicit deletion, per spec §4.E.
func (c *Counter) Reset(ctx context.Context, dimensionKey, dimensionValue string) error {
	if c.client == nil {
		return errors.New("velocity: no client configured")
	}
	key := c.buildKey(dimensionKey, dimensionValue)
	return c.client.Del(ctx, key).Err()
}
