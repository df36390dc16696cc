package outbox

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cardrisk/monitor/pkg/logger"
)

// payloadField is the single hash field under which the JSON-encoded
// Event is stored in each Redis Streams entry.
const payloadField = "payload"

// Stream is the production Outbox backend: Redis Streams with a
// single consumer group, XADD/XREADGROUP/XACK/XPENDING/XCLAIM per
// spec §4.I.
type Stream struct {
	client   *redis.Client
	key      string
	group    string
	consumer string
	log      *logger.Logger
}

// NewStream builds a Stream outbox against an already-connected
// redis.Client.
func NewStream(client *redis.Client, streamKey, group, consumer string, log *logger.Logger) *Stream {
	if log == nil {
		log = logger.NewDefault("outbox")
	}
	return &Stream{client: client, key: streamKey, group: group, consumer: consumer, log: log}
}

var _ Outbox = (*Stream)(nil)

// EnsureGroup idempotently creates the consumer group, tolerating the
// BUSYGROUP error Redis returns when it already exists.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.key, s.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (s *Stream) Append(ctx context.Context, event Event) (string, error) {
	raw, err := marshalEvent(event)
	if err != nil {
		return "", err
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key,
		Values: map[string]any{payloadField: raw},
	}).Result()
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Stream) ReadBatch(ctx context.Context, n int, blockMs int) ([]Entry, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.key, ">"},
		Count:    int64(n),
		Block:    time.Duration(blockMs) * time.Millisecond,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var out []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			out = append(out, toEntry(msg))
		}
	}
	return out, nil
}

func toEntry(msg redis.XMessage) Entry {
	raw, _ := msg.Values[payloadField].(string)
	event, _ := unmarshalEvent(raw)
	return Entry{ID: msg.ID, Event: event}
}

func (s *Stream) Ack(ctx context.Context, id string) error {
	return s.client.XAck(ctx, s.key, s.group, id).Err()
}

func (s *Stream) ClaimIdle(ctx context.Context, idleFor time.Duration, n int) ([]Entry, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.key,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  idleFor,
		Start:    "0",
		Count:    int64(n),
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, toEntry(msg))
	}
	return out, nil
}

func (s *Stream) PendingSummary(ctx context.Context) (PendingSummary, error) {
	summary, err := s.client.XPending(ctx, s.key, s.group).Result()
	if err != nil {
		if err == redis.Nil {
			return PendingSummary{}, nil
		}
		return PendingSummary{}, err
	}

	var oldestIdleMs int64
	if summary.Count > 0 {
		ext, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: s.key,
			Group:  s.group,
			Start:  "-",
			End:    "+",
			Count:  1,
		}).Result()
		if err == nil && len(ext) > 0 {
			oldestIdleMs = ext[0].Idle.Milliseconds()
		}
	}

	return PendingSummary{TotalPending: summary.Count, OldestIdleMs: oldestIdleMs}, nil
}
