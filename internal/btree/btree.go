package btree

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/oxidb/oxidb/internal/storage"
)

// BTree is a handle onto one multi-value B+ tree rooted at a known page.
// Multiple BTree values may share one storage.Pager (the index catalog
// itself is a BTree whose entries map index names to other BTrees' roots).
type BTree struct {
	pager *storage.Pager
	root  storage.PageID
}

// Create allocates a fresh, empty root leaf and returns a BTree over it.
func Create(pager *storage.Pager, tx storage.TxID) (*BTree, error) {
	pg, err := pager.NewPage(storage.KindBTreeLeaf)
	if err != nil {
		return nil, err
	}
	encodeLeaf(pg.Bytes(), pg.ID(), storage.InvalidPageID, nil)
	if _, err := pager.LogPageUpdate(tx, pg); err != nil {
		pager.Unpin(pg.ID(), true)
		return nil, err
	}
	root := pg.ID()
	pager.Unpin(pg.ID(), true)
	return &BTree{pager: pager, root: root}, nil
}

// Open returns a BTree handle over an already-existing root page.
func Open(pager *storage.Pager, root storage.PageID) *BTree {
	return &BTree{pager: pager, root: root}
}

// Root returns the tree's current root page ID. It changes whenever a
// split creates a new root or a merge cascade collapses one.
func (t *BTree) Root() storage.PageID { return t.root }

// pathEntry records one step of a root-to-leaf descent: the page visited
// and the child index taken out of it (used by split/merge propagation to
// know where to patch the parent).
type pathEntry struct {
	pid      storage.PageID
	childIdx int
}

// descend walks from the root to the leaf that should contain key,
// returning the ancestor path (root-first) and the leaf's page ID.
func (t *BTree) descend(key []byte) ([]pathEntry, storage.PageID, error) {
	var path []pathEntry
	pid := t.root
	for {
		pg, err := t.pager.Fetch(pid)
		if err != nil {
			return nil, 0, err
		}
		pg.RLock()
		kind := storage.PageKindOf(pg.Bytes())
		if kind == storage.KindBTreeLeaf {
			pg.RUnlock()
			t.pager.Unpin(pid, false)
			return path, pid, nil
		}
		keys, children := decodeInternal(pg.Bytes())
		pg.RUnlock()
		t.pager.Unpin(pid, false)

		idx := sort.Search(len(keys), func(i int) bool { return bytes.Compare(key, keys[i]) < 0 })
		path = append(path, pathEntry{pid: pid, childIdx: idx})
		pid = children[idx]
	}
}

// Search returns the value list for key, or storage.ErrNotFound if absent.
func (t *BTree) Search(key []byte) ([]storage.ValueID, error) {
	_, leaf, err := t.descend(key)
	if err != nil {
		return nil, err
	}
	pg, err := t.pager.Fetch(leaf)
	if err != nil {
		return nil, err
	}
	defer t.pager.Unpin(leaf, false)
	pg.RLock()
	defer pg.RUnlock()
	_, entries := decodeLeaf(pg.Bytes())
	i := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].key, key) >= 0 })
	if i < len(entries) && bytes.Equal(entries[i].key, key) {
		return append([]storage.ValueID{}, entries[i].vals...), nil
	}
	return nil, storage.ErrNotFound(key)
}

// Insert appends value to key's value list, inserting a new entry if key
// is not yet present. Duplicates within one key's list are allowed.
func (t *BTree) Insert(tx storage.TxID, key []byte, value storage.ValueID) error {
	if len(key) > maxKeyLen(t.pager.PageSize()) {
		return storage.ErrKeyTooLarge(len(key), maxKeyLen(t.pager.PageSize()))
	}
	path, leafID, err := t.descend(key)
	if err != nil {
		return err
	}
	pg, err := t.pager.Fetch(leafID)
	if err != nil {
		return err
	}
	pg.Lock()
	next, entries := decodeLeaf(pg.Bytes())
	i := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].key, key) >= 0 })
	if i < len(entries) && bytes.Equal(entries[i].key, key) {
		entries[i].vals = append(entries[i].vals, value)
	} else {
		entries = append(entries, leafEntry{})
		copy(entries[i+1:], entries[i:])
		entries[i] = leafEntry{key: append([]byte{}, key...), vals: []storage.ValueID{value}}
	}

	if encodeLeaf(pg.Bytes(), leafID, next, entries) {
		_, err := t.pager.LogPageUpdate(tx, pg)
		pg.Unlock()
		t.pager.Unpin(leafID, true)
		return err
	}
	pg.Unlock()
	t.pager.Unpin(leafID, false)

	// Doesn't fit: split the leaf and propagate the new separator upward.
	return t.splitLeafAndPropagate(tx, leafID, next, entries, path)
}

// splitLeafAndPropagate splits an overfull leaf in half, links the new
// right sibling into the leaf chain, and pushes the separator key into the
// parent (recursively splitting internal nodes up to a new root if
// necessary).
func (t *BTree) splitLeafAndPropagate(tx storage.TxID, leafID storage.PageID, oldNext storage.PageID, entries []leafEntry, path []pathEntry) error {
	mid := len(entries) / 2
	left := entries[:mid]
	right := entries[mid:]

	rightPg, err := t.pager.NewPage(storage.KindBTreeLeaf)
	if err != nil {
		return err
	}
	rightID := rightPg.ID()
	rightPg.Lock()
	if !encodeLeaf(rightPg.Bytes(), rightID, oldNext, right) {
		rightPg.Unlock()
		t.pager.Unpin(rightID, false)
		return fmt.Errorf("btree: split leaf still does not fit")
	}
	if _, err := t.pager.LogPageUpdate(tx, rightPg); err != nil {
		rightPg.Unlock()
		t.pager.Unpin(rightID, true)
		return err
	}
	rightPg.Unlock()
	t.pager.Unpin(rightID, true)

	leftPg, err := t.pager.Fetch(leafID)
	if err != nil {
		return err
	}
	leftPg.Lock()
	if !encodeLeaf(leftPg.Bytes(), leafID, rightID, left) {
		leftPg.Unlock()
		t.pager.Unpin(leafID, false)
		return fmt.Errorf("btree: split leaf left half still does not fit")
	}
	if _, err := t.pager.LogPageUpdate(tx, leftPg); err != nil {
		leftPg.Unlock()
		t.pager.Unpin(leafID, true)
		return err
	}
	leftPg.Unlock()
	t.pager.Unpin(leafID, true)

	sep := append([]byte{}, right[0].key...)
	return t.insertIntoParent(tx, path, leafID, sep, rightID)
}

// insertIntoParent pushes separator key with right-child childID into the
// parent named by the last entry of path (ancestors are root-first, so the
// last entry is the immediate parent of the node that just split). If path
// is empty the node that split was the root, and a new internal root is
// created above both halves.
func (t *BTree) insertIntoParent(tx storage.TxID, path []pathEntry, leftChild storage.PageID, sep []byte, rightChild storage.PageID) error {
	if len(path) == 0 {
		return t.createNewRoot(tx, leftChild, sep, rightChild)
	}
	parentEntry := path[len(path)-1]
	rest := path[:len(path)-1]

	pg, err := t.pager.Fetch(parentEntry.pid)
	if err != nil {
		return err
	}
	pg.Lock()
	keys, children := decodeInternal(pg.Bytes())
	idx := parentEntry.childIdx // children[idx] == leftChild

	newKeys := make([][]byte, 0, len(keys)+1)
	newKeys = append(newKeys, keys[:idx]...)
	newKeys = append(newKeys, sep)
	newKeys = append(newKeys, keys[idx:]...)

	newChildren := make([]storage.PageID, 0, len(children)+1)
	newChildren = append(newChildren, children[:idx+1]...)
	newChildren = append(newChildren, rightChild)
	newChildren = append(newChildren, children[idx+1:]...)

	if encodeInternal(pg.Bytes(), parentEntry.pid, newKeys, newChildren) {
		_, err := t.pager.LogPageUpdate(tx, pg)
		pg.Unlock()
		t.pager.Unpin(parentEntry.pid, true)
		return err
	}
	pg.Unlock()
	t.pager.Unpin(parentEntry.pid, false)

	// Parent overflowed too: split it and propagate further up.
	return t.splitInternalAndPropagate(tx, parentEntry.pid, newKeys, newChildren, rest)
}

func (t *BTree) splitInternalAndPropagate(tx storage.TxID, nodeID storage.PageID, keys [][]byte, children []storage.PageID, path []pathEntry) error {
	mid := len(keys) / 2
	sep := keys[mid]

	leftKeys := keys[:mid]
	leftChildren := children[:mid+1]
	rightKeys := keys[mid+1:]
	rightChildren := children[mid+1:]

	rightPg, err := t.pager.NewPage(storage.KindBTreeInternal)
	if err != nil {
		return err
	}
	rightID := rightPg.ID()
	rightPg.Lock()
	if !encodeInternal(rightPg.Bytes(), rightID, rightKeys, rightChildren) {
		rightPg.Unlock()
		t.pager.Unpin(rightID, false)
		return fmt.Errorf("btree: split internal right half still does not fit")
	}
	if _, err := t.pager.LogPageUpdate(tx, rightPg); err != nil {
		rightPg.Unlock()
		t.pager.Unpin(rightID, true)
		return err
	}
	rightPg.Unlock()
	t.pager.Unpin(rightID, true)

	leftPg, err := t.pager.Fetch(nodeID)
	if err != nil {
		return err
	}
	leftPg.Lock()
	if !encodeInternal(leftPg.Bytes(), nodeID, leftKeys, leftChildren) {
		leftPg.Unlock()
		t.pager.Unpin(nodeID, false)
		return fmt.Errorf("btree: split internal left half still does not fit")
	}
	if _, err := t.pager.LogPageUpdate(tx, leftPg); err != nil {
		leftPg.Unlock()
		t.pager.Unpin(nodeID, true)
		return err
	}
	leftPg.Unlock()
	t.pager.Unpin(nodeID, true)

	return t.insertIntoParent(tx, path, nodeID, sep, rightID)
}

func (t *BTree) createNewRoot(tx storage.TxID, leftChild storage.PageID, sep []byte, rightChild storage.PageID) error {
	pg, err := t.pager.NewPage(storage.KindBTreeInternal)
	if err != nil {
		return err
	}
	pg.Lock()
	if !encodeInternal(pg.Bytes(), pg.ID(), [][]byte{sep}, []storage.PageID{leftChild, rightChild}) {
		pg.Unlock()
		t.pager.Unpin(pg.ID(), false)
		return fmt.Errorf("btree: new root does not fit a single separator")
	}
	if _, err := t.pager.LogPageUpdate(tx, pg); err != nil {
		pg.Unlock()
		t.pager.Unpin(pg.ID(), true)
		return err
	}
	pg.Unlock()
	t.pager.Unpin(pg.ID(), true)
	t.root = pg.ID()
	return nil
}

// Count returns the total number of keys in the tree, by walking the leaf
// chain left to right. Intended for diagnostics and tests, not hot paths.
func (t *BTree) Count() (int, error) {
	leftmost, err := t.leftmostLeaf()
	if err != nil {
		return 0, err
	}
	n := 0
	pid := leftmost
	for pid != storage.InvalidPageID {
		pg, err := t.pager.Fetch(pid)
		if err != nil {
			return 0, err
		}
		pg.RLock()
		next, entries := decodeLeaf(pg.Bytes())
		pg.RUnlock()
		t.pager.Unpin(pid, false)
		n += len(entries)
		pid = next
	}
	return n, nil
}

func (t *BTree) leftmostLeaf() (storage.PageID, error) {
	pid := t.root
	for {
		pg, err := t.pager.Fetch(pid)
		if err != nil {
			return 0, err
		}
		pg.RLock()
		kind := storage.PageKindOf(pg.Bytes())
		if kind == storage.KindBTreeLeaf {
			pg.RUnlock()
			t.pager.Unpin(pid, false)
			return pid, nil
		}
		_, children := decodeInternal(pg.Bytes())
		pg.RUnlock()
		t.pager.Unpin(pid, false)
		pid = children[0]
	}
}
