package feed

import (
	"context"
	"math"
	"math/rand"
	"time"

	"main/internal/bus"
	"main/internal/schema"
)

// Synthetic produces a geometric random-walk tick stream. It stands in
// for a live venue during development and replay-free testing.
type Synthetic struct {
	queue    *bus.Queue
	symbolID uint32
	scale    int64
	price    float64
	vol      float64
	interval time.Duration
	rng      *rand.Rand
}

// NewSynthetic builds a generator around the shared tick queue.
func NewSynthetic(queue *bus.Queue, symbolID uint32, scale int64, basePrice, dailyVol float64, interval time.Duration, seed int64) *Synthetic {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	if basePrice <= 0 {
		basePrice = 100
	}
	if dailyVol <= 0 {
		dailyVol = 0.02
	}
	return &Synthetic{
		queue:    queue,
		symbolID: symbolID,
		scale:    scale,
		price:    basePrice,
		vol:      dailyVol,
		interval: interval,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Run publishes ticks until the context is done. Queue overflow is the
// consumer's problem to surface; the generator never blocks.
func (s *Synthetic) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.queue.TryPublish(s.next(now))
		}
	}
}

func (s *Synthetic) next(now time.Time) bus.Tick {
	step := s.vol / math.Sqrt(24*60*60/s.interval.Seconds())
	s.price *= math.Exp(step * s.rng.NormFloat64())
	px := int64(s.price * float64(s.scale))
	spread := px / 10000
	return bus.Tick{
		Data: schema.MarketData{
			SymbolID: s.symbolID,
			Kind:     schema.MarketDataTrade,
			Price:    schema.Price(px),
			Size:     schema.Quantity(s.scale),
			BidPrice: schema.Price(px - spread),
			BidSize:  schema.Quantity(s.scale),
			AskPrice: schema.Price(px + spread),
			AskSize:  schema.Quantity(s.scale),
			TsEvent:  now.UnixNano(),
		},
		TsRecv: now.UnixNano(),
	}
}
