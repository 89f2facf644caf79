package shm

import (
	"encoding/binary"
	"fmt"
	"os"
	"testing"
)

func testName(t *testing.T, suffix string) string {
	name := fmt.Sprintf("qv-test-%d-%s", os.Getpid(), suffix)
	t.Cleanup(func() { Unlink(name) })
	return name
}

func seqPayload(size int, seq uint64) []byte {
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf, seq)
	return buf
}

func TestCreateChannelValidatesGeometry(t *testing.T) {
	if _, err := CreateChannel(testName(t, "geo1"), 3, 64); err == nil {
		t.Fatal("expected error for non-power-of-two capacity")
	}
	if _, err := CreateChannel(testName(t, "geo2"), 4, 0); err == nil {
		t.Fatal("expected error for zero slot size")
	}
}

func TestCreateExistingSegmentFailsThenResets(t *testing.T) {
	name := testName(t, "stale")
	ch, err := CreateChannel(name, 4, 64)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ch.Close()

	if _, err := CreateChannel(name, 4, 64); err != ErrSegmentExists {
		t.Fatalf("recreate: got %v want ErrSegmentExists", err)
	}

	ch2, err := ResetChannel(name, 4, 64)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	defer ch2.Close()
	if ch2.WriteSeq() != 0 {
		t.Fatalf("reset ring should start empty, writeSeq=%d", ch2.WriteSeq())
	}
}

func TestPublishConsumeInOrderAcrossMappings(t *testing.T) {
	name := testName(t, "order")
	w, err := CreateChannel(name, 8, 64)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer w.Close()

	r, err := OpenChannel(name)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	if r.Capacity() != 8 || r.SlotSize() != 64 {
		t.Fatalf("geometry not recovered from header: cap=%d slot=%d", r.Capacity(), r.SlotSize())
	}

	buf := make([]byte, 64)
	if _, _, err := r.TryConsume(buf, 0); err != ErrNoNewData {
		t.Fatalf("empty ring: got %v want ErrNoNewData", err)
	}

	for i := uint64(1); i <= 6; i++ {
		if err := w.Publish(seqPayload(64, i)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	last := uint64(0)
	for i := uint64(1); i <= 6; i++ {
		n, seq, err := r.TryConsume(buf, last)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if n != 64 || seq != i {
			t.Fatalf("consume %d: n=%d seq=%d", i, n, seq)
		}
		if got := binary.LittleEndian.Uint64(buf); got != i {
			t.Fatalf("payload %d observed out of order: %d", i, got)
		}
		last = seq
	}
	if _, _, err := r.TryConsume(buf, last); err != ErrNoNewData {
		t.Fatalf("drained ring: got %v want ErrNoNewData", err)
	}
}

func TestLaggedReaderResyncsToRecentPayloads(t *testing.T) {
	name := testName(t, "lap")
	w, err := CreateChannel(name, 4, 64)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer w.Close()

	for i := uint64(1); i <= 5; i++ {
		if err := w.Publish(seqPayload(64, i)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	r, err := OpenChannel(name)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	// A reader from sequence 0 was lapped: only the most recent writes
	// are recoverable, the rest are reported as drops, never as
	// corrupted payloads.
	buf := make([]byte, 64)
	var got []uint64
	last := uint64(0)
	for {
		_, seq, err := r.TryConsume(buf, last)
		if err == ErrNoNewData {
			break
		}
		if err != nil {
			t.Fatalf("consume: %v", err)
		}
		if payload := binary.LittleEndian.Uint64(buf); payload != seq {
			t.Fatalf("stale or corrupt payload: seq=%d payload=%d", seq, payload)
		}
		got = append(got, seq)
		last = seq
	}
	want := []uint64{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("recovered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("recovered %v, want %v", got, want)
		}
	}
	if stats := r.Snapshot(); stats.Dropped != 2 || stats.Resyncs != 1 {
		t.Fatalf("drop accounting: %+v", stats)
	}
}

func TestConcurrentWriterNeverYieldsCorruptPayload(t *testing.T) {
	name := testName(t, "race")
	w, err := CreateChannel(name, 4, 64)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer w.Close()

	r, err := OpenChannel(name)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	const writes = 200000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint64(1); i <= writes; i++ {
			w.Publish(seqPayload(64, i))
		}
	}()

	buf := make([]byte, 64)
	last := uint64(0)
	for last < writes {
		_, seq, err := r.TryConsume(buf, last)
		switch err {
		case nil:
			if seq <= last {
				t.Fatalf("sequence went backwards: %d after %d", seq, last)
			}
			if payload := binary.LittleEndian.Uint64(buf); payload != seq {
				t.Fatalf("corrupt read: seq=%d payload=%d", seq, payload)
			}
			last = seq
		case ErrNoNewData, ErrTorn:
			// Both are reported conditions, never silent corruption.
		default:
			t.Fatalf("consume: %v", err)
		}
	}
	<-done

	stats := r.Snapshot()
	if stats.Consumed+stats.Dropped < writes {
		t.Fatalf("accounting hole: consumed=%d dropped=%d writes=%d",
			stats.Consumed, stats.Dropped, writes)
	}
}
