package outbox

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/cardrisk/monitor/pkg/logger"
)

// DecisionPublisher durably appends a Decision (or an upstream-decision
// echo) to the downstream event stream a Decision is published to, per
// spec §1/§4.K. This is the egress side of the service — distinct from
// the Outbox above, which is the ingress side driving derived
// MONITORING evaluations from upstream AUTH events.
type DecisionPublisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// RedisDecisionPublisher appends JSON payloads to a Redis stream via
// XADD, reusing the same go-redis dependency as the Stream outbox.
type RedisDecisionPublisher struct {
	client *redis.Client
	key    string
	log    *logger.Logger
}

// NewRedisDecisionPublisher builds a publisher targeting streamKey.
func NewRedisDecisionPublisher(client *redis.Client, streamKey string, log *logger.Logger) *RedisDecisionPublisher {
	if log == nil {
		log = logger.NewDefault("decision-publisher")
	}
	return &RedisDecisionPublisher{client: client, key: streamKey, log: log}
}

var _ DecisionPublisher = (*RedisDecisionPublisher)(nil)

func (p *RedisDecisionPublisher) Publish(ctx context.Context, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.key,
		Values: map[string]any{payloadField: string(raw)},
	}).Result()
	if err != nil {
		return "", err
	}
	return id, nil
}

// MemoryDecisionPublisher records published payloads in process, for
// tests and for the "memory" outbox backend's matching egress side.
type MemoryDecisionPublisher struct {
	mu    sync.Mutex
	items []any
}

// NewMemoryDecisionPublisher builds an in-memory DecisionPublisher.
func NewMemoryDecisionPublisher() *MemoryDecisionPublisher {
	return &MemoryDecisionPublisher{}
}

var _ DecisionPublisher = (*MemoryDecisionPublisher)(nil)

func (p *MemoryDecisionPublisher) Publish(_ context.Context, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, payload)
	return uuid.NewString(), nil
}

// Items returns a snapshot of everything published so far, for tests.
func (p *MemoryDecisionPublisher) Items() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]any, len(p.items))
	copy(out, p.items)
	return out
}
