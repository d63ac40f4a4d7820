// Package oxidb is an embedded, single-process storage engine: paged
// storage, a write-ahead log, a buffer pool, a transaction manager, and a
// multi-value B+ tree index, layered over internal/storage and
// internal/btree.
package oxidb

import (
	"github.com/oxidb/oxidb/internal/storage"
)

// SyncMode controls how aggressively the WAL is flushed to stable storage.
type SyncMode int

const (
	// SyncFsync calls fsync after every WAL flush (the safest, slowest mode).
	SyncFsync SyncMode = iota
	// SyncFdatasync flushes file data without forcing metadata sync.
	SyncFdatasync
	// SyncNone relies on the OS page cache alone; durability is only as
	// good as the last explicit Checkpoint or Close.
	SyncNone
)

// Options configures an opened Engine. The zero value is valid and selects
// DefaultPageSize, a 64-page buffer pool, SyncFsync, and no automatic
// checkpointing.
type Options struct {
	PageSize           int
	BufferPoolPages    int
	WALSyncMode        SyncMode
	AutoFlushThreshold int // Insert/Delete calls between inline automatic checkpoints; 0 disables them
}

func (o Options) toStorageOptions() storage.Options {
	return storage.Options{
		PageSize:        o.PageSize,
		BufferPoolPages: o.BufferPoolPages,
		WALSyncMode:     storage.SyncMode(o.WALSyncMode),
	}
}

const defaultBufferPoolPages = 64

// Open opens or creates an OxiDB data file at path, running crash recovery
// if necessary.
func Open(path string, opts Options) (*Engine, error) {
	so := opts.toStorageOptions()
	if so.BufferPoolPages == 0 {
		so.BufferPoolPages = defaultBufferPoolPages
	}
	pager, err := storage.Open(path, so)
	if err != nil {
		return nil, err
	}
	return newEngine(pager, opts)
}
