package storage

import (
	"path/filepath"
	"testing"
)

// TestRecoveryAppliesCommittedPageUpdateWithoutCheckpoint simulates a crash
// by closing the disk file without ever calling Checkpoint, leaving the
// only durable record of the write in the WAL, and checks that reopening
// replays it.
func TestRecoveryAppliesCommittedPageUpdateWithoutCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	p, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tx, err := p.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	pg, err := p.NewPage(KindFreeList)
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	id := pg.ID()
	pg.Lock()
	copy(pg.Bytes()[PageHeaderSize:], []byte("hello"))
	if _, err := p.LogPageUpdate(tx, pg); err != nil {
		pg.Unlock()
		t.Fatalf("LogPageUpdate: %v", err)
	}
	pg.Unlock()
	p.Unpin(id, true)

	if err := p.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Crash: close only the underlying files directly, bypassing
	// Pager.Close (which would checkpoint and make this test vacuous).
	p.wal.Close()
	p.dm.close()

	p2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen (recovery): %v", err)
	}
	defer p2.Close()

	pg2, err := p2.Fetch(id)
	if err != nil {
		t.Fatalf("Fetch after recovery: %v", err)
	}
	pg2.RLock()
	got := string(pg2.Bytes()[PageHeaderSize : PageHeaderSize+5])
	pg2.RUnlock()
	p2.Unpin(id, false)

	if got != "hello" {
		t.Fatalf("recovered page content = %q, want %q", got, "hello")
	}
}

// TestRecoveryExcludesUncommittedTransaction checks that a page update
// logged under a transaction with no Commit/Abort record at end-of-log is
// not replayed into the page's on-disk image.
func TestRecoveryExcludesUncommittedTransaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	p, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tx, err := p.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	pg, err := p.NewPage(KindFreeList)
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	id := pg.ID()
	pg.Lock()
	copy(pg.Bytes()[PageHeaderSize:], []byte("uncommitted"))
	if _, err := p.LogPageUpdate(tx, pg); err != nil {
		pg.Unlock()
		t.Fatalf("LogPageUpdate: %v", err)
	}
	pg.Unlock()
	p.Unpin(id, true)
	if err := p.wal.FlushThrough(); err != nil {
		t.Fatalf("FlushThrough: %v", err)
	}
	// Never commit tx: simulate a crash mid-transaction.

	p.wal.Close()
	p.dm.close()

	p2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen (recovery): %v", err)
	}
	defer p2.Close()

	pg2, err := p2.Fetch(id)
	if err != nil {
		t.Fatalf("Fetch after recovery: %v", err)
	}
	pg2.RLock()
	got := string(pg2.Bytes()[PageHeaderSize : PageHeaderSize+5])
	pg2.RUnlock()
	p2.Unpin(id, false)

	if got == "uncom" {
		t.Fatalf("uncommitted transaction's write was replayed, got %q", got)
	}
}

// TestRecoveryPersistsSuperblockBeforeSecondCrash checks that recovery's
// NextTxID bump survives a second crash that happens before any explicit
// Checkpoint: the WAL has already been truncated, so the only source of
// truth left is the on-disk superblock recovery itself rewrote.
func TestRecoveryPersistsSuperblockBeforeSecondCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	p, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var lastTx TxID
	for i := 0; i < 3; i++ {
		tx, err := p.Begin()
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		lastTx = tx
		if err := p.Commit(tx); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}
	p.wal.Close()
	p.dm.close()

	// First reopen triggers recovery; crash again immediately without
	// ever checkpointing.
	p2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen 1 (recovery): %v", err)
	}
	p2.wal.Close()
	p2.dm.close()

	p3, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen 2 (recovery after recovery): %v", err)
	}
	defer p3.Close()

	id, err := p3.Begin()
	if err != nil {
		t.Fatalf("Begin after second recovery: %v", err)
	}
	if id <= lastTx {
		t.Fatalf("Begin after second recovery returned TxID %d, want greater than %d", id, lastTx)
	}
}
