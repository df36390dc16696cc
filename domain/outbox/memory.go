package outbox

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// memoryEntry tracks an enqueued event plus its delivery bookkeeping.
type memoryEntry struct {
	entry    Entry
	acked    bool
	claimed  time.Time
}

// Memory is an in-process Outbox, grounded in the same mutex+map CRUD
// discipline used throughout this codebase's other in-memory stores.
// It is used by tests and by the standalone dev/demo mode; production
// deployments use the Redis Streams backend in stream.go.
type Memory struct {
	mu      sync.Mutex
	entries []*memoryEntry
	byID    map[string]*memoryEntry
	seq     int64
	cursor  int
}

// NewMemory builds an empty in-memory outbox.
func NewMemory() *Memory {
	return &Memory{byID: make(map[string]*memoryEntry)}
}

var _ Outbox = (*Memory)(nil)

func (m *Memory) EnsureGroup(ctx context.Context) error { return nil }

func (m *Memory) Append(ctx context.Context, event Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := strconv.FormatInt(m.seq, 10) + "-0"
	me := &memoryEntry{entry: Entry{ID: id, Event: event}}
	m.entries = append(m.entries, me)
	m.byID[id] = me
	return id, nil
}

// ReadBatch returns immediately with whatever undelivered entries are
// present; blockMs is ignored and the call never waits for new entries.
func (m *Memory) ReadBatch(ctx context.Context, n int, blockMs int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, n)
	for m.cursor < len(m.entries) && len(out) < n {
		me := m.entries[m.cursor]
		m.cursor++
		if me.acked {
			continue
		}
		me.claimed = time.Now()
		out = append(out, me.entry)
	}
	return out, nil
}

func (m *Memory) Ack(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if me, ok := m.byID[id]; ok {
		me.acked = true
	}
	return nil
}

func (m *Memory) ClaimIdle(ctx context.Context, idleFor time.Duration, n int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, n)
	for _, me := range m.entries {
		if len(out) >= n {
			break
		}
		if me.acked {
			continue
		}
		if !me.claimed.IsZero() && time.Since(me.claimed) >= idleFor {
			me.claimed = time.Now()
			out = append(out, me.entry)
		}
	}
	return out, nil
}

func (m *Memory) PendingSummary(ctx context.Context) (PendingSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	var oldestIdle time.Duration
	for _, me := range m.entries {
		if me.acked {
			continue
		}
		total++
		if !me.claimed.IsZero() {
			if idle := time.Since(me.claimed); idle > oldestIdle {
				oldestIdle = idle
			}
		}
	}
	return PendingSummary{TotalPending: total, OldestIdleMs: oldestIdle.Milliseconds()}, nil
}
