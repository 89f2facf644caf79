package feed

import (
	"context"
	"testing"
	"time"

	"main/internal/bus"
	"main/internal/schema"
)

func TestSyntheticProducesOrderedQuotes(t *testing.T) {
	queue := bus.NewQueue(256)
	gen := NewSynthetic(queue, 7, 100_000_000, 100, 0.02, time.Millisecond, 42)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	gen.Run(ctx)

	count := 0
	for {
		tick, ok := queue.TryNext()
		if !ok {
			break
		}
		count++
		if tick.Data.SymbolID != 7 {
			t.Fatalf("wrong symbol: %d", tick.Data.SymbolID)
		}
		if tick.Data.Kind != schema.MarketDataTrade {
			t.Fatalf("wrong kind: %d", tick.Data.Kind)
		}
		if tick.Data.Price <= 0 {
			t.Fatalf("non-positive price: %d", tick.Data.Price)
		}
		if tick.Data.BidPrice > tick.Data.Price || tick.Data.AskPrice < tick.Data.Price {
			t.Fatalf("crossed quote: bid=%d px=%d ask=%d",
				tick.Data.BidPrice, tick.Data.Price, tick.Data.AskPrice)
		}
		if tick.Data.TsEvent == 0 || tick.TsRecv == 0 {
			t.Fatal("missing timestamps")
		}
	}
	if count < 10 {
		t.Fatalf("expected a steady stream, got %d ticks", count)
	}
}

func TestSyntheticDefaultsInvalidParameters(t *testing.T) {
	gen := NewSynthetic(bus.NewQueue(1), 1, 1, -1, -1, 0, 1)
	if gen.price <= 0 || gen.vol <= 0 || gen.interval <= 0 {
		t.Fatalf("defaults not applied: price=%g vol=%g interval=%v", gen.price, gen.vol, gen.interval)
	}
}
