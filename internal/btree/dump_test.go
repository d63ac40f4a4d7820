package btree

import (
	"strings"
	"testing"

	"github.com/oxidb/oxidb/internal/storage"
)

func TestDumpTreeLeafShowsKeysAndValues(t *testing.T) {
	p := openTestPager(t)
	tx, err := p.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	tree, err := Create(p, tx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := tree.Insert(tx, []byte("alpha"), storage.ValueID(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := p.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	out, err := DumpTree(p, tree.Root())
	if err != nil {
		t.Fatalf("DumpTree: %v", err)
	}
	if !strings.Contains(out, "Leaf") || !strings.Contains(out, `key="alpha"`) {
		t.Fatalf("DumpTree output missing expected leaf content: %q", out)
	}
}

func TestDumpTreeAfterSplitShowsInternalNode(t *testing.T) {
	p := openTestPager(t)
	tx, err := p.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	tree, err := Create(p, tx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 400; i++ {
		if err := tree.Insert(tx, key(i), storage.ValueID(i)); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	if err := p.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	out, err := DumpTree(p, tree.Root())
	if err != nil {
		t.Fatalf("DumpTree: %v", err)
	}
	if !strings.Contains(out, "Internal") {
		t.Fatalf("expected dump of a split tree to contain an internal node, got:\n%s", out)
	}
}
