package storage

import (
	"path/filepath"
	"testing"
)

func openTestPagerForTxn(t *testing.T) *Pager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")
	p, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestTxLifecycleCommit(t *testing.T) {
	p := openTestPagerForTxn(t)

	id, err := p.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := p.RequireActive(id); err != nil {
		t.Fatalf("RequireActive right after Begin: %v", err)
	}
	if err := p.Commit(id); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := p.RequireActive(id); err == nil {
		t.Fatal("expected RequireActive to fail for a committed transaction")
	}
}

func TestTxLifecycleAbort(t *testing.T) {
	p := openTestPagerForTxn(t)

	id, err := p.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := p.Abort(id); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if err := p.RequireActive(id); err == nil {
		t.Fatal("expected RequireActive to fail for an aborted transaction")
	}
}

func TestCommitUnknownTxFails(t *testing.T) {
	p := openTestPagerForTxn(t)
	if err := p.Commit(TxID(99999)); err == nil {
		t.Fatal("expected Commit of an unknown TxID to fail")
	}
}

func TestDoubleCommitFails(t *testing.T) {
	p := openTestPagerForTxn(t)
	id, err := p.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := p.Commit(id); err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	if err := p.Commit(id); err == nil {
		t.Fatal("expected second Commit of the same TxID to fail")
	}
}

func TestTxIDsAreUnique(t *testing.T) {
	p := openTestPagerForTxn(t)
	seen := make(map[TxID]bool)
	for i := 0; i < 50; i++ {
		id, err := p.Begin()
		if err != nil {
			t.Fatalf("Begin %d: %v", i, err)
		}
		if seen[id] {
			t.Fatalf("TxID %d reused", id)
		}
		seen[id] = true
		p.Commit(id)
	}
}

func TestTxIDNotReusedAcrossCheckpointAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	p, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var last TxID
	for i := 0; i < 5; i++ {
		id, err := p.Begin()
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		last = id
		if err := p.Commit(id); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}
	if err := p.Close(); err != nil { // checkpoints, persisting NextTxID
		t.Fatalf("Close: %v", err)
	}

	p2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()

	id, err := p2.Begin()
	if err != nil {
		t.Fatalf("Begin after reopen: %v", err)
	}
	if id <= last {
		t.Fatalf("Begin after reopen returned TxID %d, want something greater than %d", id, last)
	}
}
