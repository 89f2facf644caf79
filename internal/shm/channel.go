package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

var (
	ErrNoNewData   = errors.New("no new data")
	ErrTorn        = errors.New("torn read")
	ErrCapacity    = errors.New("capacity must be a power of two")
	ErrSlotSize    = errors.New("slot size must be > 0")
	ErrPayloadSize = errors.New("payload exceeds slot size")
	ErrShortBuffer = errors.New("read buffer smaller than slot size")
	ErrBadHeader   = errors.New("segment header mismatch")
)

const (
	channelMagic   = uint64(0x314e414843575121) // "!QWCHAN1"
	channelVersion = uint32(1)
	headerSize     = 64

	offMagic    = 0
	offVersion  = 8
	offCapacity = 12
	offSlotSize = 16
	offStride   = 20
	offWriteSeq = 24

	// tornRetryLimit bounds re-reads of a slot whose marker moved under
	// the reader before the tick's data is reported lost.
	tornRetryLimit = 3
)

// Channel is a single-writer multi-reader seqlock ring mapped over a
// shared segment. Every slot embeds the sequence it was written under,
// so a reader can detect a concurrent overwrite and retry instead of
// consuming torn bytes. Nothing here blocks across the process
// boundary: a crashed or stalled reader can never stall the writer.
type Channel struct {
	seg      *Segment
	data     []byte
	capacity uint64
	slotSize int
	stride   int

	published uint64
	consumed  uint64
	tornRetry uint64
	tornFail  uint64
	dropped   uint64
	resyncs   uint64
}

// CreateChannel allocates the named segment and formats the ring header.
// Capacity must be a power of two; both geometry values are fixed for
// the lifetime of the segment.
func CreateChannel(name string, capacity, slotSize int) (*Channel, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrCapacity, capacity)
	}
	if slotSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrSlotSize, slotSize)
	}
	stride := 8 + (slotSize+7)&^7
	seg, err := Create(name, headerSize+capacity*stride)
	if err != nil {
		return nil, err
	}
	data := seg.Bytes()
	binary.LittleEndian.PutUint64(data[offMagic:], channelMagic)
	binary.LittleEndian.PutUint32(data[offVersion:], channelVersion)
	binary.LittleEndian.PutUint32(data[offCapacity:], uint32(capacity))
	binary.LittleEndian.PutUint32(data[offSlotSize:], uint32(slotSize))
	binary.LittleEndian.PutUint32(data[offStride:], uint32(stride))
	return &Channel{
		seg:      seg,
		data:     data,
		capacity: uint64(capacity),
		slotSize: slotSize,
		stride:   stride,
	}, nil
}

// ResetChannel removes any stale segment left by a previous run and
// creates a fresh one. Meant as an idempotent startup step for the
// owning process.
func ResetChannel(name string, capacity, slotSize int) (*Channel, error) {
	if err := Unlink(name); err != nil {
		return nil, err
	}
	return CreateChannel(name, capacity, slotSize)
}

// OpenChannel maps an existing ring created by another process.
func OpenChannel(name string) (*Channel, error) {
	seg, err := Open(name)
	if err != nil {
		return nil, err
	}
	data := seg.Bytes()
	if len(data) < headerSize ||
		binary.LittleEndian.Uint64(data[offMagic:]) != channelMagic ||
		binary.LittleEndian.Uint32(data[offVersion:]) != channelVersion {
		seg.Close()
		return nil, ErrBadHeader
	}
	capacity := binary.LittleEndian.Uint32(data[offCapacity:])
	slotSize := binary.LittleEndian.Uint32(data[offSlotSize:])
	stride := binary.LittleEndian.Uint32(data[offStride:])
	if capacity == 0 || capacity&(capacity-1) != 0 || slotSize == 0 ||
		len(data) < headerSize+int(capacity)*int(stride) {
		seg.Close()
		return nil, ErrBadHeader
	}
	return &Channel{
		seg:      seg,
		data:     data,
		capacity: uint64(capacity),
		slotSize: int(slotSize),
		stride:   int(stride),
	}, nil
}

// Publish copies payload into the next slot, stamps the slot's marker
// and then advances the shared write sequence. Single writer only.
func (c *Channel) Publish(payload []byte) error {
	if len(payload) > c.slotSize {
		return fmt.Errorf("%w: %d > %d", ErrPayloadSize, len(payload), c.slotSize)
	}
	seq := atomic.LoadUint64(c.u64(offWriteSeq))
	slot := headerSize + int(seq&(c.capacity-1))*c.stride
	buf := c.data[slot+8 : slot+8+c.slotSize]
	n := copy(buf, payload)
	for i := n; i < c.slotSize; i++ {
		buf[i] = 0
	}
	atomic.StoreUint64(c.u64(slot), seq+1)
	atomic.StoreUint64(c.u64(offWriteSeq), seq+1)
	atomic.AddUint64(&c.published, 1)
	return nil
}

// TryConsume copies the payload following lastSeen into buf and returns
// its sequence. A reader lapped by the writer is resynced to the oldest
// still-safe payload with the skipped writes counted as drops; a slot
// overwritten mid-read is retried up to tornRetryLimit times before
// ErrTorn is reported.
func (c *Channel) TryConsume(buf []byte, lastSeen uint64) (int, uint64, error) {
	if len(buf) < c.slotSize {
		return 0, lastSeen, ErrShortBuffer
	}
	w := atomic.LoadUint64(c.u64(offWriteSeq))
	if w <= lastSeen {
		return 0, lastSeen, ErrNoNewData
	}
	want := lastSeen + 1
	if w-lastSeen >= c.capacity {
		// The slot holding w-capacity+1 is the writer's next target, so
		// the oldest payload safe to hand out is w-capacity+2.
		safe := w - c.capacity + 2
		atomic.AddUint64(&c.dropped, safe-want)
		atomic.AddUint64(&c.resyncs, 1)
		want = safe
	}

	for attempt := 0; attempt < tornRetryLimit; attempt++ {
		slot := headerSize + int((want-1)&(c.capacity-1))*c.stride
		m1 := atomic.LoadUint64(c.u64(slot))
		if m1 < want {
			return 0, lastSeen, ErrNoNewData
		}
		if m1 > want {
			// Writer lapped us between the sequence check and the slot
			// read. Jump forward to the oldest safe payload and retry.
			w = atomic.LoadUint64(c.u64(offWriteSeq))
			safe := w - c.capacity + 2
			atomic.AddUint64(&c.dropped, safe-want)
			atomic.AddUint64(&c.resyncs, 1)
			want = safe
			continue
		}
		n := copy(buf[:c.slotSize], c.data[slot+8:slot+8+c.slotSize])
		if atomic.LoadUint64(c.u64(slot)) == m1 {
			atomic.AddUint64(&c.consumed, 1)
			return n, want, nil
		}
		atomic.AddUint64(&c.tornRetry, 1)
	}
	atomic.AddUint64(&c.tornFail, 1)
	return 0, lastSeen, ErrTorn
}

// WriteSeq returns the number of completed publishes.
func (c *Channel) WriteSeq() uint64 {
	return atomic.LoadUint64(c.u64(offWriteSeq))
}

// Capacity returns the slot count.
func (c *Channel) Capacity() int { return int(c.capacity) }

// SlotSize returns the payload size per slot in bytes.
func (c *Channel) SlotSize() int { return c.slotSize }

// Name returns the backing segment name.
func (c *Channel) Name() string { return c.seg.Name() }

// Owner reports whether this process created the backing segment.
func (c *Channel) Owner() bool { return c.seg.Owner() }

// ChannelStats is a point-in-time view of transport counters.
type ChannelStats struct {
	Published   uint64
	Consumed    uint64
	TornRetries uint64
	TornFailed  uint64
	Dropped     uint64
	Resyncs     uint64
}

// Snapshot captures the current transport counters.
func (c *Channel) Snapshot() ChannelStats {
	return ChannelStats{
		Published:   atomic.LoadUint64(&c.published),
		Consumed:    atomic.LoadUint64(&c.consumed),
		TornRetries: atomic.LoadUint64(&c.tornRetry),
		TornFailed:  atomic.LoadUint64(&c.tornFail),
		Dropped:     atomic.LoadUint64(&c.dropped),
		Resyncs:     atomic.LoadUint64(&c.resyncs),
	}
}

// Close unmaps the ring. The owner should Unlink the name afterwards.
func (c *Channel) Close() error {
	return c.seg.Close()
}

// Unlink removes the backing segment name.
func (c *Channel) Unlink() error {
	return Unlink(c.seg.Name())
}

func (c *Channel) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&c.data[off]))
}
