package storage

import "testing"

func TestBufferPoolInsertAndGet(t *testing.T) {
	bp := newBufferPool(4)

	f := &frame{id: 1, buf: make([]byte, 16)}
	if err := bp.insert(f); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, ok := bp.get(1)
	if !ok {
		t.Fatal("expected frame 1 to be present")
	}
	if got.id != 1 {
		t.Errorf("got id %d, want 1", got.id)
	}
	if !got.refBit {
		t.Error("get should set the CLOCK reference bit")
	}
}

func TestBufferPoolEvictsUnpinned(t *testing.T) {
	bp := newBufferPool(2)

	for i := PageID(1); i <= 2; i++ {
		f := &frame{id: i, buf: make([]byte, 16)}
		if err := bp.insert(f); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		bp.unpin(i, false)
	}

	// Pool is full but both frames are unpinned; inserting a third page
	// should evict one via CLOCK rather than error.
	f3 := &frame{id: 3, buf: make([]byte, 16)}
	if err := bp.insert(f3); err != nil {
		t.Fatalf("insert 3: %v", err)
	}

	if len(bp.frames) != 2 {
		t.Fatalf("expected pool to stay at capacity 2, got %d frames", len(bp.frames))
	}
	if _, ok := bp.get(3); !ok {
		t.Fatal("expected newly inserted frame 3 to be present")
	}
}

func TestBufferPoolExhaustedWhenAllPinned(t *testing.T) {
	bp := newBufferPool(1)

	f1 := &frame{id: 1, buf: make([]byte, 16), pinCnt: 1}
	if err := bp.insert(f1); err != nil {
		t.Fatalf("insert: %v", err)
	}

	f2 := &frame{id: 2, buf: make([]byte, 16)}
	err := bp.insert(f2)
	if err == nil {
		t.Fatal("expected insert to fail when every frame is pinned")
	}
	if e, ok := err.(*Error); !ok || e.Kind() != KindCapacityErr {
		t.Errorf("expected KindCapacityErr, got %v", err)
	}
}

func TestBufferPoolPinUnpinDirty(t *testing.T) {
	bp := newBufferPool(4)
	f := &frame{id: 1, buf: make([]byte, 16)}
	bp.insert(f)

	bp.pin(1)
	if f.pinCnt != 1 {
		t.Fatalf("pinCnt = %d, want 1", f.pinCnt)
	}

	bp.unpin(1, true)
	if f.pinCnt != 0 {
		t.Errorf("pinCnt = %d, want 0", f.pinCnt)
	}
	if !f.dirty {
		t.Error("expected unpin(dirty=true) to mark the frame dirty")
	}

	dirty := bp.dirtyFrames()
	if len(dirty) != 1 || dirty[0].id != 1 {
		t.Fatalf("dirtyFrames() = %v, want [frame 1]", dirty)
	}
}

func TestBufferPoolEvictionFlushesDirtyVictim(t *testing.T) {
	bp := newBufferPool(2)
	var flushed []PageID
	bp.setFlushFunc(func(f *frame) error {
		flushed = append(flushed, f.id)
		f.dirty = false
		return nil
	})

	f1 := &frame{id: 1, buf: make([]byte, 16), dirty: true}
	if err := bp.insert(f1); err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	bp.unpin(1, true)
	f2 := &frame{id: 2, buf: make([]byte, 16)}
	if err := bp.insert(f2); err != nil {
		t.Fatalf("insert 2: %v", err)
	}
	bp.unpin(2, false)

	// Pool is full and frame 1 is dirty; inserting a third frame must run
	// the flush callback on it before dropping it.
	f3 := &frame{id: 3, buf: make([]byte, 16)}
	if err := bp.insert(f3); err != nil {
		t.Fatalf("insert 3: %v", err)
	}

	if len(flushed) != 1 || flushed[0] != 1 {
		t.Fatalf("flushed = %v, want [1] (the dirty victim)", flushed)
	}
}

func TestBufferPoolEvictionFailsWithoutFlushCallback(t *testing.T) {
	bp := newBufferPool(1)
	f1 := &frame{id: 1, buf: make([]byte, 16), dirty: true}
	if err := bp.insert(f1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	bp.unpin(1, true)

	f2 := &frame{id: 2, buf: make([]byte, 16)}
	err := bp.insert(f2)
	if err == nil {
		t.Fatal("expected insert to fail when evicting a dirty frame with no flush callback configured")
	}
}

func TestBufferPoolEvictionPropagatesFlushError(t *testing.T) {
	bp := newBufferPool(1)
	wantErr := newErrf(KindIOErr, "disk full")
	bp.setFlushFunc(func(f *frame) error { return wantErr })

	f1 := &frame{id: 1, buf: make([]byte, 16), dirty: true}
	if err := bp.insert(f1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	bp.unpin(1, true)

	f2 := &frame{id: 2, buf: make([]byte, 16)}
	err := bp.insert(f2)
	if err == nil {
		t.Fatal("expected insert to propagate the flush callback's error")
	}
	if _, ok := bp.frames[1]; !ok {
		t.Fatal("expected frame 1 to remain cached after a failed flush")
	}
}

func TestBufferPoolRemove(t *testing.T) {
	bp := newBufferPool(4)
	f := &frame{id: 1, buf: make([]byte, 16)}
	bp.insert(f)

	bp.remove(1)
	if _, ok := bp.get(1); ok {
		t.Fatal("expected frame 1 to be gone after remove")
	}
	if len(bp.clockPos) != 0 {
		t.Errorf("expected clockPos to drop removed id, got %v", bp.clockPos)
	}
}
