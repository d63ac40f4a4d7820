package storage

import "testing"

func TestFreeListPageAddAndAll(t *testing.T) {
	buf := make([]byte, 256)
	fl := initFreeListPage(buf, 9)
	if fl.next() != InvalidPageID {
		t.Fatalf("next() = %v, want InvalidPageID", fl.next())
	}
	for _, pid := range []PageID{3, 4, 5} {
		if !fl.add(pid) {
			t.Fatalf("add(%d) failed unexpectedly", pid)
		}
	}
	got := fl.all()
	want := []PageID{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("all() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("all() = %v, want %v", got, want)
		}
	}
}

func TestFreeListPageAddRejectsPastCapacity(t *testing.T) {
	buf := make([]byte, 64)
	fl := initFreeListPage(buf, 1)
	cap := freeListCapacity(len(buf))
	for i := 0; i < cap; i++ {
		if !fl.add(PageID(i)) {
			t.Fatalf("add(%d) failed before reaching capacity %d", i, cap)
		}
	}
	if fl.add(PageID(cap)) {
		t.Fatal("expected add past capacity to fail")
	}
}

func TestFreeSetAllocAndRelease(t *testing.T) {
	fs := newFreeSet()
	if fs.count() != 0 {
		t.Fatalf("count() = %d, want 0", fs.count())
	}
	if fs.alloc() != InvalidPageID {
		t.Fatal("alloc() on empty set should return InvalidPageID")
	}
	fs.release(10)
	fs.release(11)
	if fs.count() != 2 {
		t.Fatalf("count() = %d, want 2", fs.count())
	}
	got := fs.alloc()
	if got != 10 && got != 11 {
		t.Fatalf("alloc() = %d, want 10 or 11", got)
	}
	if fs.count() != 1 {
		t.Fatalf("count() after alloc = %d, want 1", fs.count())
	}
}

func TestFreeSetFlushAndReloadRoundTrip(t *testing.T) {
	fs := newFreeSet()
	for i := PageID(1); i <= 30; i++ {
		fs.release(i)
	}

	pages := map[PageID][]byte{}
	nextID := PageID(1000)
	alloc := func() PageID {
		id := nextID
		nextID++
		return id
	}
	pageSize := 128 // small page forces multiple free-list pages for 30 entries
	head, written := fs.flushToDisk(pageSize, alloc)
	if head == InvalidPageID {
		t.Fatal("flushToDisk returned InvalidPageID head for non-empty set")
	}
	for id, buf := range written {
		pages[id] = buf
	}
	if len(pages) < 2 {
		t.Fatalf("expected the 30-entry free set to span multiple %d-byte pages, got %d", pageSize, len(pages))
	}

	reloaded := newFreeSet()
	err := reloaded.loadFromDisk(head, func(pid PageID) ([]byte, error) {
		buf, ok := pages[pid]
		if !ok {
			return nil, newErrf(KindCorruptionErr, "missing free-list page %d", pid)
		}
		return buf, nil
	})
	if err != nil {
		t.Fatalf("loadFromDisk: %v", err)
	}
	if reloaded.count() != 30 {
		t.Fatalf("reloaded count = %d, want 30", reloaded.count())
	}
	for i := PageID(1); i <= 30; i++ {
		if _, ok := reloaded.free[i]; !ok {
			t.Fatalf("reloaded set missing page %d", i)
		}
	}
}

func TestFreeSetFlushEmptySetReturnsInvalid(t *testing.T) {
	fs := newFreeSet()
	head, pages := fs.flushToDisk(128, func() PageID { return 1 })
	if head != InvalidPageID {
		t.Fatalf("head = %v, want InvalidPageID for empty set", head)
	}
	if pages != nil {
		t.Fatalf("pages = %v, want nil", pages)
	}
}
