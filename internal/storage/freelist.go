package storage

import "encoding/binary"

// ───────────────────────────────────────────────────────────────────────────
// Free-list pages
// ───────────────────────────────────────────────────────────────────────────
//
// A singly linked chain of pages, each holding an array of free PageIDs.
// Delete's root-collapse and merge paths leave reclaimable pages behind;
// without a free list those pages would just leak until the file is
// recreated.
//
//   [0:32]  common page header (Kind=FreeList)
//   [32:36] NextFreeList  uint32 LE, InvalidPageID terminates the chain
//   [36:40] EntryCount    uint32 LE
//   [40:]   EntryCount PageID entries, uint32 LE each

const (
	flNextOff  = PageHeaderSize
	flCountOff = flNextOff + 4
	flDataOff  = flCountOff + 4
	flEntrySz  = 4
)

func freeListCapacity(pageSize int) int {
	return (pageSize - flDataOff) / flEntrySz
}

type freeListPage struct {
	buf []byte
}

func wrapFreeListPage(buf []byte) *freeListPage { return &freeListPage{buf: buf} }

func initFreeListPage(buf []byte, id PageID) *freeListPage {
	h := &Header{Kind: KindFreeList, ID: id}
	MarshalHeader(h, buf)
	binary.LittleEndian.PutUint32(buf[flNextOff:], uint32(InvalidPageID))
	binary.LittleEndian.PutUint32(buf[flCountOff:], 0)
	return &freeListPage{buf: buf}
}

func (fl *freeListPage) next() PageID {
	return PageID(binary.LittleEndian.Uint32(fl.buf[flNextOff:]))
}

func (fl *freeListPage) setNext(pid PageID) {
	binary.LittleEndian.PutUint32(fl.buf[flNextOff:], uint32(pid))
}

func (fl *freeListPage) count() int {
	return int(binary.LittleEndian.Uint32(fl.buf[flCountOff:]))
}

func (fl *freeListPage) entry(i int) PageID {
	off := flDataOff + i*flEntrySz
	return PageID(binary.LittleEndian.Uint32(fl.buf[off:]))
}

func (fl *freeListPage) add(pid PageID) bool {
	n := fl.count()
	if n >= freeListCapacity(len(fl.buf)) {
		return false
	}
	binary.LittleEndian.PutUint32(fl.buf[flDataOff+n*flEntrySz:], uint32(pid))
	binary.LittleEndian.PutUint32(fl.buf[flCountOff:], uint32(n+1))
	return true
}

func (fl *freeListPage) all() []PageID {
	n := fl.count()
	ids := make([]PageID, n)
	for i := 0; i < n; i++ {
		ids[i] = fl.entry(i)
	}
	return ids
}

// freeSet is the in-memory mirror of every page currently free, reloaded
// from the on-disk chain at open and flushed back to it at checkpoint.
type freeSet struct {
	free map[PageID]struct{}
}

func newFreeSet() *freeSet { return &freeSet{free: map[PageID]struct{}{}} }

func (fs *freeSet) loadFromDisk(head PageID, readPage func(PageID) ([]byte, error)) error {
	pid := head
	for pid != InvalidPageID {
		buf, err := readPage(pid)
		if err != nil {
			return err
		}
		fl := wrapFreeListPage(buf)
		for _, id := range fl.all() {
			fs.free[id] = struct{}{}
		}
		pid = fl.next()
	}
	return nil
}

func (fs *freeSet) alloc() PageID {
	for pid := range fs.free {
		delete(fs.free, pid)
		return pid
	}
	return InvalidPageID
}

func (fs *freeSet) release(pid PageID) { fs.free[pid] = struct{}{} }

func (fs *freeSet) count() int { return len(fs.free) }

// flushToDisk writes the in-memory free set into a chain of free-list pages
// via allocPage (a raw, non-recursive page allocator), returning the new
// chain's head.
func (fs *freeSet) flushToDisk(pageSize int, allocPage func() PageID) (PageID, map[PageID][]byte) {
	ids := make([]PageID, 0, len(fs.free))
	for pid := range fs.free {
		ids = append(ids, pid)
	}
	if len(ids) == 0 {
		return InvalidPageID, nil
	}
	cap := freeListCapacity(pageSize)
	pages := map[PageID][]byte{}
	var head PageID
	var prev *freeListPage
	for i := 0; i < len(ids); i += cap {
		end := i + cap
		if end > len(ids) {
			end = len(ids)
		}
		pid := allocPage()
		buf := make([]byte, pageSize)
		fl := initFreeListPage(buf, pid)
		for _, id := range ids[i:end] {
			fl.add(id)
		}
		pages[pid] = buf
		if prev == nil {
			head = pid
		} else {
			prev.setNext(pid)
		}
		prev = fl
	}
	return head, pages
}
