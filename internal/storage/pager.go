package storage

import (
	"fmt"
	"sync"
)

// Page is a pinned, latchable handle onto a cached page's bytes. Callers
// acquire RLock (shared, for reads/search descent) or Lock (exclusive, for
// mutation) before touching Bytes, and must call Pager.Unpin exactly once
// per successful Fetch/NewPage, always in the same fixed order: root-to-leaf
// descent, bottom-up propagation, left sibling before right for borrow/
// merge operations.
type Page struct {
	f *frame
}

func (p *Page) ID() PageID      { return p.f.id }
func (p *Page) Bytes() []byte   { return p.f.buf }
func (p *Page) RLock()          { p.f.latch.RLock() }
func (p *Page) RUnlock()        { p.f.latch.RUnlock() }
func (p *Page) Lock()           { p.f.latch.Lock() }
func (p *Page) Unlock()         { p.f.latch.Unlock() }

// Pager is the umbrella storage engine component: disk manager, WAL, buffer
// pool, transaction manager, free list, and superblock bookkeeping, all
// under one mutex discipline. The buffer pool here runs CLOCK eviction and
// the index catalog is itself a BTree (see bufferpool.go, internal/btree/
// catalog.go, and DESIGN.md).
type Pager struct {
	mu       sync.Mutex
	dm       *diskManager
	wal      *WAL
	pool     *bufferPool
	txm      *txManager
	free     *freeSet
	sb       *Superblock
	path     string
	walPath  string
	closed   bool
}

// SyncMode controls how aggressively the WAL is flushed to stable storage
// on commit. Root package oxidb re-exports this as oxidb.SyncMode.
type SyncMode int

const (
	SyncFsync SyncMode = iota
	SyncFdatasync
	SyncNone
)

// Options configures an open Pager.
type Options struct {
	PageSize        int
	BufferPoolPages int
	WALSyncMode     SyncMode
}

// Open opens or creates a data file at path (and path+".wal" for the log),
// running crash recovery if the WAL holds committed-but-unflushed records.
func Open(path string, opts Options) (*Pager, error) {
	ps := opts.PageSize
	if ps == 0 {
		ps = DefaultPageSize
	}
	if ps < MinPageSize || ps > MaxPageSize || ps&(ps-1) != 0 {
		return nil, newErrf(KindCapacityErr, "invalid page size %d", ps)
	}

	dm, isNew, err := openDiskManager(path, ps)
	if err != nil {
		return nil, err
	}

	p := &Pager{
		dm:      dm,
		pool:    newBufferPool(opts.BufferPoolPages),
		free:    newFreeSet(),
		path:    path,
		walPath: path + ".wal",
	}

	if isNew {
		sb := NewSuperblock(uint32(ps))
		buf := MarshalSuperblock(sb, ps)
		if err := dm.writePage(0, buf); err != nil {
			dm.close()
			return nil, err
		}
		if err := dm.sync(); err != nil {
			dm.close()
			return nil, err
		}
		p.sb = sb
	} else {
		buf, err := dm.readPage(0)
		if err != nil {
			dm.close()
			return nil, err
		}
		sb, err := UnmarshalSuperblock(buf)
		if err != nil {
			dm.close()
			return nil, err
		}
		p.sb = sb
		dm.pageSize = int(sb.PageSize)
		if sb.FreeListRoot != InvalidPageID {
			if err := p.free.loadFromDisk(sb.FreeListRoot, dm.readPage); err != nil {
				dm.close()
				return nil, fmt.Errorf("load freelist: %w", err)
			}
		}
	}

	wal, err := OpenWAL(p.walPath, dm.pageSize, opts.WALSyncMode)
	if err != nil {
		dm.close()
		return nil, err
	}
	p.wal = wal
	p.pool.setFlushFunc(p.flushForEviction)

	if !isNew {
		maxLSN, err := recover(dm, p.walPath, p.sb)
		if err != nil {
			wal.Close()
			dm.close()
			return nil, fmt.Errorf("recovery: %w", err)
		}
		wal.SetNextLSN(maxLSN + 1)
		// Persist the superblock's recovery-derived NextTxID/NextPageID/
		// LastCheckpointLSN before truncating the WAL: once the log is
		// gone, a second crash before the next explicit Checkpoint would
		// otherwise fall back to the stale on-disk values and could
		// reissue an already-used TxID.
		sbBuf := MarshalSuperblock(p.sb, dm.pageSize)
		if err := dm.writePage(0, sbBuf); err != nil {
			wal.Close()
			dm.close()
			return nil, fmt.Errorf("recovery: persist superblock: %w", err)
		}
		if err := dm.sync(); err != nil {
			wal.Close()
			dm.close()
			return nil, err
		}
		if err := wal.TruncateBefore(); err != nil {
			wal.Close()
			dm.close()
			return nil, err
		}
	}

	p.txm = newTxManager(wal, p.sb.NextTxID)
	return p, nil
}

func (p *Pager) PageSize() int { return p.dm.pageSize }

// CatalogRoot returns the index-catalog B+ tree's root page, or
// InvalidPageID if the catalog has not been created yet.
func (p *Pager) CatalogRoot() PageID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sb.CatalogRoot
}

func (p *Pager) SetCatalogRoot(id PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sb.CatalogRoot = id
}

// Begin, Commit and Abort delegate to the transaction manager.
func (p *Pager) Begin() (TxID, error)     { return p.txm.begin() }
func (p *Pager) Commit(tx TxID) error     { return p.txm.commit(tx) }
func (p *Pager) Abort(tx TxID) error      { return p.txm.abort(tx) }
func (p *Pager) RequireActive(tx TxID) error { return p.txm.requireActive(tx) }

// Fetch returns a pinned handle to page id, reading through the buffer
// pool. The caller must Unpin exactly once.
func (p *Pager) Fetch(id PageID) (*Page, error) {
	if f, ok := p.pool.get(id); ok {
		p.pool.pin(id)
		return &Page{f: f}, nil
	}
	buf, err := p.dm.readPage(id)
	if err != nil {
		return nil, err
	}
	f := &frame{id: id, buf: buf, pinCnt: 1, refBit: true}
	if err := p.pool.insert(f); err != nil {
		return nil, err
	}
	return &Page{f: f}, nil
}

// NewPage allocates a fresh page (from the free list if possible, else by
// extending the file), pins it, and returns a zeroed buffer of the given
// kind. The caller must still log a PageUpdate record to make the
// initialized contents durable.
func (p *Pager) NewPage(kind PageKind) (*Page, error) {
	p.mu.Lock()
	id := p.free.alloc()
	if id == InvalidPageID {
		id = p.dm.allocatePage()
	}
	buf := NewPage(p.dm.pageSize, kind, id)
	err := p.dm.writePage(id, buf)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	f := &frame{id: id, buf: buf, pinCnt: 1, dirty: true, refBit: true}
	if err := p.pool.insert(f); err != nil {
		return nil, err
	}
	return &Page{f: f}, nil
}

// Unpin releases a page obtained from Fetch/NewPage.
func (p *Pager) Unpin(id PageID, dirty bool) {
	p.pool.unpin(id, dirty)
}

// FreePage releases a page back to the free list and drops it from cache.
// Callers must have already unpinned it.
func (p *Pager) FreePage(id PageID) {
	p.mu.Lock()
	p.free.release(id)
	p.mu.Unlock()
	p.pool.remove(id)
}

// LogPageUpdate appends a physical after-image WAL record for page id
// (this must happen, and FlushThrough if the caller needs durability,
// before the page may be evicted to disk) and stamps the LSN into the
// page's header in place. The LSN is reserved before the page's header is
// stamped so the WAL's after-image carries the same page_lsn the record
// itself is keyed under, rather than the page's pre-update LSN. PrevLSN
// chains back to tx's previous PageUpdate record, forming the per-TxID
// backward chain the data model calls for.
func (p *Pager) LogPageUpdate(tx TxID, pg *Page) (LSN, error) {
	if err := p.txm.requireActive(tx); err != nil {
		return 0, err
	}
	prev := p.txm.lastLSN(tx)
	lsn := p.wal.ReserveLSN()
	SetPageLSN(pg.Bytes(), lsn)
	SetPageCRC(pg.Bytes())
	rec := &Record{Kind: RecPageUpdate, TxID: tx, PageID: pg.ID(), PrevLSN: prev, After: append([]byte{}, pg.Bytes()...)}
	if err := p.wal.AppendAt(rec, lsn); err != nil {
		return 0, err
	}
	p.txm.recordLSN(tx, lsn)
	return lsn, nil
}

// LogPut/LogDelete append advisory logical records. Recovery never replays
// from them (redo always comes from PageUpdate); they exist purely so
// external iter_from-based tooling can reconstruct logical history without
// decoding page images.
func (p *Pager) LogPut(tx TxID, key []byte, value ValueID) error {
	_, err := p.wal.Append(&Record{Kind: RecPut, TxID: tx, Key: key, Value: value})
	return err
}

func (p *Pager) LogDelete(tx TxID, key []byte) error {
	_, err := p.wal.Append(&Record{Kind: RecDelete, TxID: tx, Key: key})
	return err
}

// flushFrame writes a dirty frame to disk. Callers that haven't already
// forced the WAL through the frame's page_lsn (Checkpoint has, via its own
// FlushThrough call before it loops over dirtyFrames) must use
// flushForEviction instead.
func (p *Pager) flushFrame(f *frame) error {
	f.latch.RLock()
	buf := append([]byte{}, f.buf...)
	f.latch.RUnlock()
	if err := p.dm.writePage(f.id, buf); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

// flushForEviction is the buffer pool's eviction-time flush callback: it
// forces the WAL through the victim's page_lsn before writing its page,
// satisfying WAL-before-data for a frame evicted outside of Checkpoint.
func (p *Pager) flushForEviction(f *frame) error {
	if err := p.wal.FlushThrough(); err != nil {
		return err
	}
	return p.flushFrame(f)
}

// FlushAll writes every dirty frame to disk without truncating the WAL.
func (p *Pager) FlushAll() error {
	if err := p.wal.FlushThrough(); err != nil {
		return err
	}
	for _, f := range p.pool.dirtyFrames() {
		if err := p.flushFrame(f); err != nil {
			return err
		}
	}
	return p.dm.sync()
}

// Checkpoint flushes all dirty pages, persists the free list and
// superblock, fsyncs the data file, and truncates the WAL.
func (p *Pager) Checkpoint() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	lsn, err := p.wal.Append(&Record{Kind: RecCheckpoint})
	if err != nil {
		return err
	}
	if err := p.wal.FlushThrough(); err != nil {
		return err
	}

	for _, f := range p.pool.dirtyFrames() {
		if err := p.flushFrame(f); err != nil {
			return fmt.Errorf("checkpoint: flush page %d: %w", f.id, err)
		}
	}

	oldHead := p.sb.FreeListRoot
	if oldHead != InvalidPageID {
		pid := oldHead
		for pid != InvalidPageID {
			buf, err := p.dm.readPage(pid)
			if err != nil {
				break
			}
			fl := wrapFreeListPage(buf)
			next := fl.next()
			p.free.release(pid)
			pid = next
		}
	}

	newHead, pages := p.free.flushToDisk(p.dm.pageSize, p.dm.allocatePage)
	for pid, buf := range pages {
		if err := p.dm.writePage(pid, buf); err != nil {
			return fmt.Errorf("checkpoint: freelist page: %w", err)
		}
	}

	p.sb.FreeListRoot = newHead
	p.sb.LastCheckpointLSN = lsn
	p.sb.NextPageID = PageID(p.dm.numPagesCount())
	p.sb.NextTxID = p.txm.peekNext()
	sbBuf := MarshalSuperblock(p.sb, p.dm.pageSize)
	if err := p.dm.writePage(0, sbBuf); err != nil {
		return fmt.Errorf("checkpoint: superblock: %w", err)
	}
	if err := p.dm.sync(); err != nil {
		return err
	}
	return p.wal.TruncateBefore()
}

// Close checkpoints and closes the underlying files.
func (p *Pager) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.Checkpoint(); err != nil {
		p.wal.Close()
		p.dm.close()
		return err
	}
	if err := p.wal.Close(); err != nil {
		p.dm.close()
		return err
	}
	return p.dm.close()
}
