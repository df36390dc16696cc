package outbox

import (
	"context"
	"testing"
)

func TestMemoryDecisionPublisher_RecordsPublishedPayloads(t *testing.T) {
	p := NewMemoryDecisionPublisher()

	id1, err := p.Publish(context.Background(), map[string]any{"transaction_id": "txn-1"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if id1 == "" {
		t.Error("Publish() returned an empty id")
	}

	p.Publish(context.Background(), map[string]any{"transaction_id": "txn-2"})

	items := p.Items()
	if len(items) != 2 {
		t.Fatalf("Items() = %d, want 2", len(items))
	}
}

func TestMemoryDecisionPublisher_ItemsReturnsASnapshot(t *testing.T) {
	p := NewMemoryDecisionPublisher()
	p.Publish(context.Background(), "first")

	snapshot := p.Items()
	p.Publish(context.Background(), "second")

	if len(snapshot) != 1 {
		t.Errorf("prior snapshot mutated after a later Publish; len = %d, want 1", len(snapshot))
	}
	if len(p.Items()) != 2 {
		t.Errorf("Items() after second publish = %d, want 2", len(p.Items()))
	}
}
