// Package outbox implements the durable single-consumer queue that
// drives derived MONITORING evaluations from upstream AUTH events
// (component 4.I). Two backends share one façade: an in-memory queue
// for tests, and Redis Streams for production.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Event is the payload carried by one outbox entry: the transaction
// plus the upstream AUTH decision that must drive a derived
// MONITORING evaluation, per spec §3.
type Event struct {
	Transaction     map[string]any `json:"transaction"`
	UpstreamDecision string        `json:"upstream_decision"`
}

// Entry is one durable queue entry.
type Entry struct {
	ID    string
	Event Event
}

// PendingSummary reports the consumer group's backlog.
type PendingSummary struct {
	TotalPending int64
	OldestIdleMs int64
}

// Outbox is the façade both backends implement.
type Outbox interface {
	// Append durably enqueues event and returns its monotonic entry id.
	Append(ctx context.Context, event Event) (string, error)
	// EnsureGroup idempotently creates the consumer group.
	EnsureGroup(ctx context.Context) error
	// ReadBatch pulls up to n entries for this consumer, blocking up to
	// blockMs when none are immediately available.
	ReadBatch(ctx context.Context, n int, blockMs int) ([]Entry, error)
	// Ack marks an entry delivered.
	Ack(ctx context.Context, id string) error
	// ClaimIdle reclaims entries idle beyond idleFor so a crashed
	// sibling's work resumes.
	ClaimIdle(ctx context.Context, idleFor time.Duration, n int) ([]Entry, error)
	// PendingSummary reports the consumer group's backlog.
	PendingSummary(ctx context.Context) (PendingSummary, error)
}

// ErrDegenerateEntry marks an entry with a null payload, null
// transaction, or null upstream decision — it must be acked and
// skipped to avoid a poison-message redelivery loop, per spec §4.I.
var ErrDegenerateEntry = errors.New("outbox: degenerate entry")

// Validate reports ErrDegenerateEntry for a payload that cannot drive
// an evaluation.
func (e Event) Validate() error {
	if e.Transaction == nil {
		return ErrDegenerateEntry
	}
	if e.UpstreamDecision == "" {
		return ErrDegenerateEntry
	}
	return nil
}

func marshalEvent(e Event) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalEvent(raw string) (Event, error) {
	var e Event
	if raw == "" {
		return e, nil
	}
	err := json.Unmarshal([]byte(raw), &e)
	return e, err
}
