package mempool

import (
	"sync"
	"testing"
)

func TestNewRejectsInvalidSizes(t *testing.T) {
	if _, err := New(0, 64); err == nil {
		t.Fatal("expected error for zero block count")
	}
	if _, err := New(4, 0); err == nil {
		t.Fatal("expected error for zero block size")
	}
	if _, err := New(-1, -1); err == nil {
		t.Fatal("expected error for negative sizes")
	}
}

func TestAcquireExhaustsOnFifthCall(t *testing.T) {
	p, err := New(4, 64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, ok := p.Acquire(); !ok {
			t.Fatalf("acquire %d should succeed", i+1)
		}
	}
	if _, ok := p.Acquire(); ok {
		t.Fatal("5th acquire should report exhausted")
	}
	if got := p.Snapshot().Exhausted; got != 1 {
		t.Fatalf("exhausted counter: got %d want 1", got)
	}
}

func TestAcquiredBlocksNeverAlias(t *testing.T) {
	p, err := New(8, 32)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	seen := make(map[*byte]bool)
	var blocks []Block
	for {
		b, ok := p.Acquire()
		if !ok {
			break
		}
		first := &b.Buf[0]
		if seen[first] {
			t.Fatal("two outstanding blocks alias the same memory")
		}
		seen[first] = true
		blocks = append(blocks, b)
	}
	if len(blocks) != 8 {
		t.Fatalf("expected 8 blocks, got %d", len(blocks))
	}
	for _, b := range blocks {
		if err := p.Release(b); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
}

func TestReleaseTwiceRejected(t *testing.T) {
	p, err := New(2, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, ok := p.Acquire()
	if !ok {
		t.Fatal("acquire failed")
	}
	if err := p.Release(b); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := p.Release(b); err != ErrReleasedTwice {
		t.Fatalf("second release: got %v want ErrReleasedTwice", err)
	}
}

func TestReleaseForeignBlockRejected(t *testing.T) {
	p, err := New(2, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Release(Block{Buf: make([]byte, 16), index: 99}); err != ErrForeignBlock {
		t.Fatalf("got %v want ErrForeignBlock", err)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	p, err := New(64, 128)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				b, ok := p.Acquire()
				if !ok {
					continue
				}
				b.Buf[0] = byte(i)
				if err := p.Release(b); err != nil {
					t.Errorf("release: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	stats := p.Snapshot()
	if stats.InUse != 0 {
		t.Fatalf("blocks still leased after drain: %d", stats.InUse)
	}
	if stats.MisRelease != 0 {
		t.Fatalf("unexpected mis-releases: %d", stats.MisRelease)
	}
}
