package oxidb

import (
	"log"
	"sync"

	"github.com/oxidb/oxidb/internal/btree"
	"github.com/oxidb/oxidb/internal/storage"
)

// ValueID identifies a value stored under an index key. It is opaque to
// OxiDB itself — callers decide what a ValueID points to (a row offset, a
// blob id, whatever the embedding application's unit of storage is).
type ValueID = storage.ValueID

// Engine is a handle onto one open OxiDB data file: the page/WAL/buffer-pool
// substrate plus the index catalog built on top of it.
type Engine struct {
	mu      sync.Mutex
	pager   *storage.Pager
	catalog *btree.Catalog
	indexes map[string]*btree.BTree

	autoFlushThreshold int
	dirtyPages         int
	logger             *log.Logger
}

func newEngine(pager *storage.Pager, opts Options) (*Engine, error) {
	e := &Engine{
		pager:              pager,
		indexes:            make(map[string]*btree.BTree),
		autoFlushThreshold: opts.AutoFlushThreshold,
		logger:             log.Default(),
	}

	if cat, ok := btree.OpenCatalog(pager); ok {
		e.catalog = cat
		return e, nil
	}

	tx, err := pager.Begin()
	if err != nil {
		return nil, err
	}
	cat, err := btree.CreateCatalog(pager, tx)
	if err != nil {
		pager.Abort(tx)
		return nil, err
	}
	if err := pager.Commit(tx); err != nil {
		return nil, err
	}
	// SetCatalogRoot only updates the in-memory superblock; checkpoint so
	// the new catalog's root is on disk before any index is registered.
	if err := pager.Checkpoint(); err != nil {
		return nil, err
	}
	e.catalog = cat
	return e, nil
}

// SetLogger overrides the logger used to report failures of the automatic
// checkpoint that Insert and Delete run once AutoFlushThreshold mutations
// have accumulated (see maybeCheckpoint). Passing nil restores log.Default().
func (e *Engine) SetLogger(l *log.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l == nil {
		l = log.Default()
	}
	e.logger = l
}

// Logger returns the engine's current failure logger.
func (e *Engine) Logger() *log.Logger {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.logger
}

// Begin starts a new transaction.
func (e *Engine) Begin() (*Tx, error) {
	id, err := e.pager.Begin()
	if err != nil {
		return nil, err
	}
	return &Tx{engine: e, id: id}, nil
}

// IndexCreate registers and returns a new, empty named index.
func (e *Engine) IndexCreate(name string) (*IndexHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.pager.Begin()
	if err != nil {
		return nil, err
	}
	idx, err := e.catalog.Register(e.pager, tx, name)
	if err != nil {
		e.pager.Abort(tx)
		return nil, err
	}
	if err := e.pager.Commit(tx); err != nil {
		return nil, err
	}
	e.indexes[name] = idx
	return &IndexHandle{engine: e, name: name, tree: idx}, nil
}

// IndexOpen returns a handle to an already-registered index.
func (e *Engine) IndexOpen(name string) (*IndexHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if idx, ok := e.indexes[name]; ok {
		return &IndexHandle{engine: e, name: name, tree: idx}, nil
	}
	root, err := e.catalog.Lookup(name)
	if err != nil {
		return nil, err
	}
	idx := btree.Open(e.pager, root)
	e.indexes[name] = idx
	return &IndexHandle{engine: e, name: name, tree: idx}, nil
}

// IndexDrop removes name's catalog entry. Pages belonging to the index
// itself are not reclaimed.
func (e *Engine) IndexDrop(tx *Tx, name string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ok, err := e.catalog.Drop(e.pager, tx.id, name)
	if ok {
		delete(e.indexes, name)
	}
	return ok, err
}

// noteDirty is called (through maybeCheckpoint) after every successful
// IndexHandle mutation. It counts mutations and reports true, resetting the
// count, once AutoFlushThreshold of them have accumulated; maybeCheckpoint
// then runs Checkpoint inline. A threshold of 0 or less never reports true.
func (e *Engine) noteDirty(n int) (shouldCheckpoint bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.autoFlushThreshold <= 0 {
		return false
	}
	e.dirtyPages += n
	if e.dirtyPages >= e.autoFlushThreshold {
		e.dirtyPages = 0
		return true
	}
	return false
}

// Checkpoint flushes all dirty pages and truncates the WAL.
func (e *Engine) Checkpoint() error {
	return e.pager.Checkpoint()
}

// Close checkpoints and closes the underlying data file.
func (e *Engine) Close() error {
	return e.pager.Close()
}

// Pager exposes the underlying storage.Pager for internal/checkpoint,
// internal/ioutil, and internal/inspect, which operate a layer below the
// public index API.
func (e *Engine) Pager() *storage.Pager { return e.pager }

// Tx is a handle onto one in-flight transaction.
type Tx struct {
	engine *Engine
	id     storage.TxID
}

// Commit durably commits the transaction.
func (t *Tx) Commit() error { return t.engine.pager.Commit(t.id) }

// Abort rolls the transaction's effects back (undo is "exclude, don't
// reapply" during recovery; within a live session, aborted writes simply
// leave their pages as last written — callers must not rely on an aborted
// transaction's pages being untouched in memory).
func (t *Tx) Abort() error { return t.engine.pager.Abort(t.id) }

// IndexHandle is a handle onto one named index within an Engine.
type IndexHandle struct {
	engine *Engine
	name   string
	tree   *btree.BTree
}

// Insert appends value to key's value list.
func (h *IndexHandle) Insert(tx *Tx, key []byte, value ValueID) error {
	before := h.tree.Root()
	if err := h.tree.Insert(tx.id, key, value); err != nil {
		return err
	}
	if err := h.syncRoot(tx, before); err != nil {
		return err
	}
	h.engine.maybeCheckpoint()
	return nil
}

// Delete removes one occurrence of key from the index. If value is nil the
// entire key is removed; otherwise only the matching value is removed.
func (h *IndexHandle) Delete(tx *Tx, key []byte, value *ValueID) (bool, error) {
	before := h.tree.Root()
	ok, err := h.tree.Delete(tx.id, key, value)
	if err != nil {
		return false, err
	}
	if err := h.syncRoot(tx, before); err != nil {
		return false, err
	}
	h.engine.maybeCheckpoint()
	return ok, nil
}

// syncRoot re-persists the index's catalog entry whenever a split, merge,
// or root collapse moved its tree's root page out from under the cached
// before value. h.tree.Root() mutates in place on every such operation
// (btree.go's createNewRoot, delete.go's removeFromParent); the catalog
// entry stored at Register time otherwise goes stale the first time it
// happens, exactly like the catalog's own root would without
// SetCatalogRoot.
func (h *IndexHandle) syncRoot(tx *Tx, before storage.PageID) error {
	if after := h.tree.Root(); after != before {
		return h.engine.catalog.UpdateRoot(h.engine.pager, tx.id, h.name, after)
	}
	return nil
}

// Search returns a cursor positioned over key's exact value list.
func (h *IndexHandle) Search(tx *Tx, key []byte) (*Cursor, error) {
	vals, err := h.tree.Search(key)
	if err != nil {
		return nil, err
	}
	return &Cursor{fixed: vals, fixedKey: key}, nil
}

// Range returns a cursor over keys in [lo, hi] per inclLo/inclHi.
func (h *IndexHandle) Range(tx *Tx, lo, hi []byte, inclLo, inclHi bool) (*Cursor, error) {
	c, err := h.tree.Range(lo, hi, inclLo, inclHi)
	if err != nil {
		return nil, err
	}
	return &Cursor{inner: c}, nil
}

func (e *Engine) maybeCheckpoint() {
	if e.noteDirty(1) {
		if err := e.Checkpoint(); err != nil {
			e.Logger().Printf("oxidb: auto checkpoint failed: %v", err)
		}
	}
}

// Cursor is a pull-based, restartable iterator over index results. It never
// holds page pins between Next calls.
type Cursor struct {
	inner *btree.Cursor

	// fixed backs a Search() result: a single key's already-materialized
	// value list, so Search doesn't need a one-entry range scan.
	fixed    []ValueID
	fixedKey []byte
	fixedIdx int
}

// Next advances the cursor, returning false once exhausted or on error.
func (c *Cursor) Next() (key []byte, value ValueID, ok bool) {
	if c.inner != nil {
		return c.inner.Next()
	}
	if c.fixedIdx >= len(c.fixed) {
		return nil, 0, false
	}
	v := c.fixed[c.fixedIdx]
	c.fixedIdx++
	return c.fixedKey, v, true
}

// Err returns any error encountered during iteration.
func (c *Cursor) Err() error {
	if c.inner != nil {
		return c.inner.Err()
	}
	return nil
}

// Close releases the cursor.
func (c *Cursor) Close() error {
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}
