package bus

import (
	"testing"

	"main/internal/schema"
)

func TestQueuePublishAndDrain(t *testing.T) {
	q := NewQueue(2)

	for i := 0; i < 2; i++ {
		if err := q.TryPublish(Tick{Data: schema.MarketData{SymbolID: uint32(i)}}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if err := q.TryPublish(Tick{}); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if q.Drops() != 1 {
		t.Fatalf("expected 1 drop, got %d", q.Drops())
	}

	for i := 0; i < 2; i++ {
		tick, ok := q.TryNext()
		if !ok {
			t.Fatalf("missing tick %d", i)
		}
		if tick.Data.SymbolID != uint32(i) {
			t.Fatalf("tick %d out of order: symbol %d", i, tick.Data.SymbolID)
		}
	}
	if _, ok := q.TryNext(); ok {
		t.Fatal("queue should be empty")
	}
}

func TestQueueClosedRejectsPublish(t *testing.T) {
	q := NewQueue(1)
	q.Close()
	if err := q.TryPublish(Tick{}); err != ErrQueueClosed {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}
