package inspect

import (
	"path/filepath"
	"testing"

	"github.com/oxidb/oxidb/internal/btree"
	"github.com/oxidb/oxidb/internal/storage"
)

func openTestPager(t *testing.T) *storage.Pager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")
	p, err := storage.Open(path, storage.Options{})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestInspectPageReportsHeaderFields(t *testing.T) {
	p := openTestPager(t)
	tx, err := p.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	tree, err := btree.Create(p, tx)
	if err != nil {
		t.Fatalf("btree.Create: %v", err)
	}
	if err := tree.Insert(tx, []byte("k"), storage.ValueID(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := p.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	info, err := InspectPage(p, tree.Root())
	if err != nil {
		t.Fatalf("InspectPage: %v", err)
	}
	if info.Kind != storage.KindBTreeLeaf {
		t.Fatalf("Kind = %v, want BTreeLeaf", info.Kind)
	}
	if !info.CRCValid {
		t.Fatal("expected CRCValid to be true for a freshly written page")
	}
}

func TestInspectCatalogCountsRegisteredIndexes(t *testing.T) {
	p := openTestPager(t)
	tx, err := p.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	cat, err := btree.CreateCatalog(p, tx)
	if err != nil {
		t.Fatalf("CreateCatalog: %v", err)
	}
	idx, err := cat.Register(p, tx, "names")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := idx.Insert(tx, []byte("a"), storage.ValueID(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := idx.Insert(tx, []byte("b"), storage.ValueID(2)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := p.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	info, err := InspectCatalog(p)
	if err != nil {
		t.Fatalf("InspectCatalog: %v", err)
	}
	if info.Indexes["names"] != 2 {
		t.Fatalf("Indexes[names] = %d, want 2", info.Indexes["names"])
	}
}

func TestInspectCatalogEmptyBeforeAnyCatalog(t *testing.T) {
	p := openTestPager(t)
	info, err := InspectCatalog(p)
	if err != nil {
		t.Fatalf("InspectCatalog: %v", err)
	}
	if len(info.Indexes) != 0 {
		t.Fatalf("expected no indexes before a catalog exists, got %v", info.Indexes)
	}
}

func TestDumpIndexUnknownNameFails(t *testing.T) {
	p := openTestPager(t)
	tx, err := p.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := btree.CreateCatalog(p, tx); err != nil {
		t.Fatalf("CreateCatalog: %v", err)
	}
	if err := p.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := DumpIndex(p, "missing"); err == nil {
		t.Fatal("expected DumpIndex to fail for an unregistered name")
	}
}
