package bus

import (
	"errors"
	"sync/atomic"

	"main/internal/schema"
)

var (
	ErrQueueFull   = errors.New("tick queue full")
	ErrQueueClosed = errors.New("tick queue closed")
)

// Tick is the unit passed from feed adapters to the scheduler's
// ingest sub-task.
type Tick struct {
	Data   schema.MarketData
	TsRecv int64
}

// Queue is a bounded, non-blocking tick queue. Feed adapters publish
// from their own goroutines; the scheduler thread drains without ever
// blocking on them.
type Queue struct {
	ch     chan Tick
	closed uint32
	drops  uint64
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Tick, capacity)}
}

// TryPublish enqueues a tick without blocking. A full queue counts a
// drop; slow consumption must never stall the feed.
func (q *Queue) TryPublish(t Tick) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return ErrQueueClosed
	}
	select {
	case q.ch <- t:
		return nil
	default:
		atomic.AddUint64(&q.drops, 1)
		return ErrQueueFull
	}
}

// TryNext pops one tick without blocking.
func (q *Queue) TryNext() (Tick, bool) {
	select {
	case t, ok := <-q.ch:
		if !ok {
			return Tick{}, false
		}
		return t, true
	default:
		return Tick{}, false
	}
}

// Len returns the number of buffered ticks.
func (q *Queue) Len() int { return len(q.ch) }

// Drops returns the number of rejected publishes.
func (q *Queue) Drops() uint64 { return atomic.LoadUint64(&q.drops) }

// Close stops the queue from accepting new ticks.
func (q *Queue) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		close(q.ch)
	}
}
