package mempool

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrReleasedTwice = errors.New("block released twice")
	ErrForeignBlock  = errors.New("block does not belong to this pool")
	ErrBlockCount    = errors.New("block count must be > 0")
	ErrBlockSize     = errors.New("block size must be > 0")
)

// nilIndex marks the empty free list.
const nilIndex = uint32(^uint32(0))

// Block is a fixed-size lease from a Pool. The slice aliases the pool's
// arena and stays owned by the caller until Release.
type Block struct {
	Buf   []byte
	index uint32
}

// Pool is a fixed-block arena allocator. Acquire and Release are O(1),
// allocation-free and safe for concurrent use. The free list is a lock-free
// stack of block indices; the head word packs a 32-bit index with a 32-bit
// generation tag so concurrent pop/push cannot ABA.
type Pool struct {
	blockSize  int
	blockCount int
	arena      []byte
	next       []uint32
	leased     []uint32
	head       uint64

	acquired   uint64
	released   uint64
	exhausted  uint64
	misRelease uint64
}

// New builds a pool of blockCount fixed blocks of blockSize bytes each.
// Both parameters are validated here; the pool never grows afterwards.
func New(blockCount, blockSize int) (*Pool, error) {
	if blockCount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBlockCount, blockCount)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBlockSize, blockSize)
	}
	p := &Pool{
		blockSize:  blockSize,
		blockCount: blockCount,
		arena:      make([]byte, blockCount*blockSize),
		next:       make([]uint32, blockCount),
		leased:     make([]uint32, blockCount),
	}
	for i := 0; i < blockCount-1; i++ {
		p.next[i] = uint32(i + 1)
	}
	p.next[blockCount-1] = nilIndex
	p.head = packHead(0, 0)
	return p, nil
}

// Acquire pops a free block. ok is false when the pool is exhausted;
// hot-path callers must treat that as degrade-and-skip, never as fatal.
func (p *Pool) Acquire() (Block, bool) {
	for {
		old := atomic.LoadUint64(&p.head)
		idx, tag := unpackHead(old)
		if idx == nilIndex {
			atomic.AddUint64(&p.exhausted, 1)
			return Block{}, false
		}
		next := atomic.LoadUint32(&p.next[idx])
		if atomic.CompareAndSwapUint64(&p.head, old, packHead(next, tag+1)) {
			atomic.StoreUint32(&p.leased[idx], 1)
			atomic.AddUint64(&p.acquired, 1)
			off := int(idx) * p.blockSize
			return Block{
				Buf:   p.arena[off : off+p.blockSize : off+p.blockSize],
				index: idx,
			}, true
		}
	}
}

// Release returns a block to the free list. Double releases and blocks
// foreign to this pool are counted and rejected rather than corrupting
// the free list.
func (p *Pool) Release(b Block) error {
	if int(b.index) >= p.blockCount || b.Buf == nil {
		atomic.AddUint64(&p.misRelease, 1)
		return ErrForeignBlock
	}
	if !atomic.CompareAndSwapUint32(&p.leased[b.index], 1, 0) {
		atomic.AddUint64(&p.misRelease, 1)
		return ErrReleasedTwice
	}
	for {
		old := atomic.LoadUint64(&p.head)
		idx, tag := unpackHead(old)
		atomic.StoreUint32(&p.next[b.index], idx)
		if atomic.CompareAndSwapUint64(&p.head, old, packHead(b.index, tag+1)) {
			atomic.AddUint64(&p.released, 1)
			return nil
		}
	}
}

// BlockSize returns the fixed block size in bytes.
func (p *Pool) BlockSize() int { return p.blockSize }

// BlockCount returns the fixed number of blocks.
func (p *Pool) BlockCount() int { return p.blockCount }

// Stats is a point-in-time view of pool counters.
type Stats struct {
	Acquired   uint64
	Released   uint64
	Exhausted  uint64
	MisRelease uint64
	InUse      uint64
}

// Snapshot captures the current counters.
func (p *Pool) Snapshot() Stats {
	acq := atomic.LoadUint64(&p.acquired)
	rel := atomic.LoadUint64(&p.released)
	return Stats{
		Acquired:   acq,
		Released:   rel,
		Exhausted:  atomic.LoadUint64(&p.exhausted),
		MisRelease: atomic.LoadUint64(&p.misRelease),
		InUse:      acq - rel,
	}
}

func packHead(idx uint32, tag uint32) uint64 {
	return uint64(tag)<<32 | uint64(idx)
}

func unpackHead(v uint64) (idx uint32, tag uint32) {
	return uint32(v), uint32(v >> 32)
}
