package btree

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/oxidb/oxidb/internal/storage"
)

// Delete removes a key (or one value of a multi-valued key) and rebalances
// the tree: borrow from a sibling when possible, otherwise merge, with
// root collapse when an internal root is left with a single child. Uses
// the same idiom as the rest of the package: slotted-page helpers,
// PageID-only child references, and a full ancestor stack built by
// descend() instead of parent pointers.

// leafUnderflow/internalUnderflow report whether a node's encoded content
// uses less than half of its page's data capacity. Because pages are variable-
// length slotted pages rather than fixed-order nodes, occupancy is judged
// by bytes used rather than a fixed entry count.
func leafUnderflow(pageSize int, entries []leafEntry) bool {
	used := 0
	for _, e := range entries {
		used += len(e.key) + len(e.vals)*8 + leafSlotSize
	}
	capacity := pageSize - leafSlotDirOff
	return used < capacity/2
}

func internalUnderflow(pageSize int, keys [][]byte, children []storage.PageID) bool {
	used := 0
	for _, k := range keys {
		used += len(k) + intSlotSize
	}
	used += len(children) * 4
	capacity := pageSize - intSlotDirOff
	return used < capacity/2
}

// leftmostKeyOf descends into pid's subtree and returns the smallest key it
// contains. Used to (re)compute an internal separator by direct
// observation after a borrow or merge moves a subtree, rather than by
// reusing a key that may no longer describe the new boundary.
func (t *BTree) leftmostKeyOf(pid storage.PageID) ([]byte, error) {
	for {
		pg, err := t.pager.Fetch(pid)
		if err != nil {
			return nil, err
		}
		pg.RLock()
		kind := storage.PageKindOf(pg.Bytes())
		if kind == storage.KindBTreeLeaf {
			_, entries := decodeLeaf(pg.Bytes())
			pg.RUnlock()
			t.pager.Unpin(pid, false)
			if len(entries) == 0 {
				return nil, fmt.Errorf("btree: empty leaf while recomputing separator")
			}
			return entries[0].key, nil
		}
		_, children := decodeInternal(pg.Bytes())
		pg.RUnlock()
		t.pager.Unpin(pid, false)
		pid = children[0]
	}
}

// Delete removes one occurrence of key from the tree. If value is nil, the
// entire key (and all of its values) is removed; otherwise only the
// matching value is removed, and the key itself is dropped once its value
// list becomes empty. Reports whether anything was removed.
func (t *BTree) Delete(tx storage.TxID, key []byte, value *storage.ValueID) (bool, error) {
	path, leafID, err := t.descend(key)
	if err != nil {
		return false, err
	}
	pg, err := t.pager.Fetch(leafID)
	if err != nil {
		return false, err
	}
	pg.Lock()
	next, entries := decodeLeaf(pg.Bytes())
	i := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].key, key) >= 0 })
	if i >= len(entries) || !bytes.Equal(entries[i].key, key) {
		pg.Unlock()
		t.pager.Unpin(leafID, false)
		return false, nil
	}

	removed := false
	if value == nil {
		entries = append(entries[:i], entries[i+1:]...)
		removed = true
	} else {
		vals := entries[i].vals
		for j, v := range vals {
			if v == *value {
				entries[i].vals = append(vals[:j], vals[j+1:]...)
				removed = true
				break
			}
		}
		if removed && len(entries[i].vals) == 0 {
			entries = append(entries[:i], entries[i+1:]...)
		}
	}
	if !removed {
		pg.Unlock()
		t.pager.Unpin(leafID, false)
		return false, nil
	}

	if !encodeLeaf(pg.Bytes(), leafID, next, entries) {
		pg.Unlock()
		t.pager.Unpin(leafID, false)
		return false, fmt.Errorf("btree: shrinking leaf unexpectedly failed to encode")
	}
	if _, err := t.pager.LogPageUpdate(tx, pg); err != nil {
		pg.Unlock()
		t.pager.Unpin(leafID, true)
		return false, err
	}
	pg.Unlock()
	t.pager.Unpin(leafID, true)

	if len(path) == 0 {
		// Leaf is the root; no occupancy floor applies to it.
		return true, nil
	}
	if !leafUnderflow(t.pager.PageSize(), entries) {
		return true, nil
	}
	return true, t.rebalanceLeaf(tx, leafID, path)
}

// rebalanceLeaf fixes an underfull leaf by borrowing from a sibling
// (left preferred, then right) or, failing that, merging with a sibling
// (left preferred: merge node into its left sibling; otherwise merge the
// right sibling into node).
func (t *BTree) rebalanceLeaf(tx storage.TxID, nodeID storage.PageID, path []pathEntry) error {
	parentEntry := path[len(path)-1]
	rest := path[:len(path)-1]

	parentPg, err := t.pager.Fetch(parentEntry.pid)
	if err != nil {
		return err
	}
	parentPg.Lock()
	pKeys, pChildren := decodeInternal(parentPg.Bytes())
	idx := parentEntry.childIdx

	nodePg, err := t.pager.Fetch(nodeID)
	if err != nil {
		parentPg.Unlock()
		t.pager.Unpin(parentEntry.pid, false)
		return err
	}
	nodePg.Lock()
	nodeNext, nodeEntries := decodeLeaf(nodePg.Bytes())

	// Try borrowing from the left sibling.
	if idx > 0 {
		leftID := pChildren[idx-1]
		leftPg, err := t.pager.Fetch(leftID)
		if err != nil {
			nodePg.Unlock()
			t.pager.Unpin(nodeID, false)
			parentPg.Unlock()
			t.pager.Unpin(parentEntry.pid, false)
			return err
		}
		leftPg.Lock()
		leftNext, leftEntries := decodeLeaf(leftPg.Bytes())
		if len(leftEntries) > 1 {
			moved := leftEntries[len(leftEntries)-1]
			leftEntries = leftEntries[:len(leftEntries)-1]
			nodeEntries = append([]leafEntry{moved}, nodeEntries...)

			okL := encodeLeaf(leftPg.Bytes(), leftID, leftNext, leftEntries)
			okN := encodeLeaf(nodePg.Bytes(), nodeID, nodeNext, nodeEntries)
			if okL && okN {
				pKeys[idx-1] = append([]byte{}, nodeEntries[0].key...)
				okP := encodeInternal(parentPg.Bytes(), parentEntry.pid, pKeys, pChildren)
				if okP {
					if _, err := t.pager.LogPageUpdate(tx, leftPg); err != nil {
						return err
					}
					if _, err := t.pager.LogPageUpdate(tx, nodePg); err != nil {
						return err
					}
					if _, err := t.pager.LogPageUpdate(tx, parentPg); err != nil {
						return err
					}
					leftPg.Unlock()
					t.pager.Unpin(leftID, true)
					nodePg.Unlock()
					t.pager.Unpin(nodeID, true)
					parentPg.Unlock()
					t.pager.Unpin(parentEntry.pid, true)
					return nil
				}
			}
		}
		leftPg.Unlock()
		t.pager.Unpin(leftID, false)
	}

	// Try borrowing from the right sibling.
	if idx < len(pChildren)-1 {
		rightID := pChildren[idx+1]
		rightPg, err := t.pager.Fetch(rightID)
		if err != nil {
			nodePg.Unlock()
			t.pager.Unpin(nodeID, false)
			parentPg.Unlock()
			t.pager.Unpin(parentEntry.pid, false)
			return err
		}
		rightPg.Lock()
		rightNext, rightEntries := decodeLeaf(rightPg.Bytes())
		if len(rightEntries) > 1 {
			moved := rightEntries[0]
			rightEntries = rightEntries[1:]
			nodeEntries = append(nodeEntries, moved)

			okN := encodeLeaf(nodePg.Bytes(), nodeID, rightID, nodeEntries)
			okR := encodeLeaf(rightPg.Bytes(), rightID, rightNext, rightEntries)
			if okN && okR {
				pKeys[idx] = append([]byte{}, rightEntries[0].key...)
				okP := encodeInternal(parentPg.Bytes(), parentEntry.pid, pKeys, pChildren)
				if okP {
					if _, err := t.pager.LogPageUpdate(tx, nodePg); err != nil {
						return err
					}
					if _, err := t.pager.LogPageUpdate(tx, rightPg); err != nil {
						return err
					}
					if _, err := t.pager.LogPageUpdate(tx, parentPg); err != nil {
						return err
					}
					nodePg.Unlock()
					t.pager.Unpin(nodeID, true)
					rightPg.Unlock()
					t.pager.Unpin(rightID, true)
					parentPg.Unlock()
					t.pager.Unpin(parentEntry.pid, true)
					return nil
				}
			}
		}
		rightPg.Unlock()
		t.pager.Unpin(rightID, false)
	}

	// Neither sibling can donate: merge. Prefer merging node into its left
	// sibling; otherwise merge the right sibling into node.
	nodePg.Unlock()
	t.pager.Unpin(nodeID, false)
	parentPg.Unlock()
	t.pager.Unpin(parentEntry.pid, false)

	if idx > 0 {
		return t.mergeLeaves(tx, pChildren[idx-1], nodeID, idx-1, parentEntry.pid, rest)
	}
	return t.mergeLeaves(tx, nodeID, pChildren[idx+1], idx, parentEntry.pid, rest)
}

// mergeLeaves merges rightID's entries into leftID, removes the separator
// key at pKeys[sepIdx] (and the corresponding child pointer) from the
// parent, frees rightID, and recurses if the parent now underflows.
func (t *BTree) mergeLeaves(tx storage.TxID, leftID, rightID storage.PageID, sepIdx int, parentID storage.PageID, rest []pathEntry) error {
	leftPg, err := t.pager.Fetch(leftID)
	if err != nil {
		return err
	}
	rightPg, err := t.pager.Fetch(rightID)
	if err != nil {
		t.pager.Unpin(leftID, false)
		return err
	}
	leftPg.Lock()
	rightPg.Lock()
	_, leftEntries := decodeLeaf(leftPg.Bytes())
	rightNext, rightEntries := decodeLeaf(rightPg.Bytes())
	merged := append(leftEntries, rightEntries...)
	ok := encodeLeaf(leftPg.Bytes(), leftID, rightNext, merged)
	if !ok {
		leftPg.Unlock()
		t.pager.Unpin(leftID, false)
		rightPg.Unlock()
		t.pager.Unpin(rightID, false)
		return fmt.Errorf("btree: merged leaf unexpectedly does not fit")
	}
	if _, err := t.pager.LogPageUpdate(tx, leftPg); err != nil {
		return err
	}
	leftPg.Unlock()
	t.pager.Unpin(leftID, true)
	rightPg.Unlock()
	t.pager.Unpin(rightID, false)
	t.pager.FreePage(rightID)

	return t.removeFromParent(tx, parentID, sepIdx, rest)
}

// removeFromParent drops parent's key at sepIdx and its child at sepIdx+1
// (the child that was just freed by a merge), then rebalances the parent
// if it is now underfull, or collapses the root if it is left with a
// single child.
func (t *BTree) removeFromParent(tx storage.TxID, parentID storage.PageID, sepIdx int, rest []pathEntry) error {
	pg, err := t.pager.Fetch(parentID)
	if err != nil {
		return err
	}
	pg.Lock()
	keys, children := decodeInternal(pg.Bytes())
	keys = append(keys[:sepIdx], keys[sepIdx+1:]...)
	children = append(children[:sepIdx+1], children[sepIdx+2:]...)

	if len(rest) == 0 {
		// Parent is the root.
		if len(children) == 1 {
			// Root collapse: the sole remaining child becomes the new root.
			pg.Unlock()
			t.pager.Unpin(parentID, false)
			t.pager.FreePage(parentID)
			t.root = children[0]
			return nil
		}
		if !encodeInternal(pg.Bytes(), parentID, keys, children) {
			pg.Unlock()
			t.pager.Unpin(parentID, false)
			return fmt.Errorf("btree: shrinking root failed to encode")
		}
		if _, err := t.pager.LogPageUpdate(tx, pg); err != nil {
			pg.Unlock()
			t.pager.Unpin(parentID, true)
			return err
		}
		pg.Unlock()
		t.pager.Unpin(parentID, true)
		return nil
	}

	if !encodeInternal(pg.Bytes(), parentID, keys, children) {
		pg.Unlock()
		t.pager.Unpin(parentID, false)
		return fmt.Errorf("btree: shrinking internal node failed to encode")
	}
	if _, err := t.pager.LogPageUpdate(tx, pg); err != nil {
		pg.Unlock()
		t.pager.Unpin(parentID, true)
		return err
	}
	pg.Unlock()
	t.pager.Unpin(parentID, true)

	if !internalUnderflow(t.pager.PageSize(), keys, children) {
		return nil
	}
	return t.rebalanceInternal(tx, parentID, rest)
}

// rebalanceInternal is rebalanceLeaf's counterpart for an underfull
// internal node: borrow a child from a sibling (left then right),
// recomputing the affected separator by descending to the moved subtree's
// leftmost leaf rather than reusing any existing key verbatim, or merge
// with a sibling, pulling the parent's separator down into the merged node.
func (t *BTree) rebalanceInternal(tx storage.TxID, nodeID storage.PageID, path []pathEntry) error {
	parentEntry := path[len(path)-1]
	rest := path[:len(path)-1]

	parentPg, err := t.pager.Fetch(parentEntry.pid)
	if err != nil {
		return err
	}
	parentPg.Lock()
	_, pChildren := decodeInternal(parentPg.Bytes())
	idx := parentEntry.childIdx

	nodePg, err := t.pager.Fetch(nodeID)
	if err != nil {
		parentPg.Unlock()
		t.pager.Unpin(parentEntry.pid, false)
		return err
	}
	nodePg.Lock()
	nodeKeys, nodeChildren := decodeInternal(nodePg.Bytes())

	if idx > 0 {
		leftID := pChildren[idx-1]
		leftPg, err := t.pager.Fetch(leftID)
		if err != nil {
			nodePg.Unlock()
			t.pager.Unpin(nodeID, false)
			parentPg.Unlock()
			t.pager.Unpin(parentEntry.pid, false)
			return err
		}
		leftPg.Lock()
		leftKeys, leftChildren := decodeInternal(leftPg.Bytes())
		if len(leftKeys) > 1 {
			movedChild := leftChildren[len(leftChildren)-1]
			newLeftKeys := leftKeys[:len(leftKeys)-1]
			newLeftChildren := leftChildren[:len(leftChildren)-1]
			newNodeChildren := append([]storage.PageID{movedChild}, nodeChildren...)

			leftPg.Unlock()
			t.pager.Unpin(leftID, false)
			nodePg.Unlock()
			t.pager.Unpin(nodeID, false)
			parentPg.Unlock()
			t.pager.Unpin(parentEntry.pid, false)

			sep, err := t.leftmostKeyOf(movedChild)
			if err != nil {
				return err
			}
			inner, err := t.leftmostKeyOf(nodeChildren[0])
			if err != nil {
				return err
			}
			newNodeKeys := append([][]byte{inner}, nodeKeys...)
			return t.commitInternalBorrow(tx, leftID, newLeftKeys, newLeftChildren, nodeID, newNodeKeys, newNodeChildren, parentEntry.pid, idx-1, sep)
		}
		leftPg.Unlock()
		t.pager.Unpin(leftID, false)
	}

	if idx < len(pChildren)-1 {
		rightID := pChildren[idx+1]
		rightPg, err := t.pager.Fetch(rightID)
		if err != nil {
			nodePg.Unlock()
			t.pager.Unpin(nodeID, false)
			parentPg.Unlock()
			t.pager.Unpin(parentEntry.pid, false)
			return err
		}
		rightPg.Lock()
		rightKeys, rightChildren := decodeInternal(rightPg.Bytes())
		if len(rightKeys) > 1 {
			movedChild := rightChildren[0]
			newRightKeys := rightKeys[1:]
			newRightChildren := rightChildren[1:]
			newNodeChildren := append(nodeChildren, movedChild)

			rightPg.Unlock()
			t.pager.Unpin(rightID, false)
			nodePg.Unlock()
			t.pager.Unpin(nodeID, false)
			parentPg.Unlock()
			t.pager.Unpin(parentEntry.pid, false)

			sep, err := t.leftmostKeyOf(movedChild)
			if err != nil {
				return err
			}
			sepForRight, err := t.leftmostKeyOf(newRightChildren[0])
			if err != nil {
				return err
			}
			newNodeKeys := append(nodeKeys, sep)
			return t.commitInternalBorrowRight(tx, nodeID, newNodeKeys, newNodeChildren, rightID, newRightKeys, newRightChildren, parentEntry.pid, idx, sepForRight)
		}
		rightPg.Unlock()
		t.pager.Unpin(rightID, false)
	}

	nodePg.Unlock()
	t.pager.Unpin(nodeID, false)
	parentPg.Unlock()
	t.pager.Unpin(parentEntry.pid, false)

	if idx > 0 {
		return t.mergeInternal(tx, pChildren[idx-1], nodeID, idx-1, parentEntry.pid, rest)
	}
	return t.mergeInternal(tx, nodeID, pChildren[idx+1], idx, parentEntry.pid, rest)
}

func (t *BTree) commitInternalBorrow(tx storage.TxID, leftID storage.PageID, leftKeys [][]byte, leftChildren []storage.PageID, nodeID storage.PageID, nodeKeys [][]byte, nodeChildren []storage.PageID, parentID storage.PageID, sepIdx int, sep []byte) error {
	leftPg, err := t.pager.Fetch(leftID)
	if err != nil {
		return err
	}
	leftPg.Lock()
	if !encodeInternal(leftPg.Bytes(), leftID, leftKeys, leftChildren) {
		leftPg.Unlock()
		t.pager.Unpin(leftID, false)
		return fmt.Errorf("btree: internal borrow left shrink failed to encode")
	}
	if _, err := t.pager.LogPageUpdate(tx, leftPg); err != nil {
		leftPg.Unlock()
		t.pager.Unpin(leftID, true)
		return err
	}
	leftPg.Unlock()
	t.pager.Unpin(leftID, true)

	nodePg, err := t.pager.Fetch(nodeID)
	if err != nil {
		return err
	}
	nodePg.Lock()
	if !encodeInternal(nodePg.Bytes(), nodeID, nodeKeys, nodeChildren) {
		nodePg.Unlock()
		t.pager.Unpin(nodeID, false)
		return fmt.Errorf("btree: internal borrow node grow failed to encode")
	}
	if _, err := t.pager.LogPageUpdate(tx, nodePg); err != nil {
		nodePg.Unlock()
		t.pager.Unpin(nodeID, true)
		return err
	}
	nodePg.Unlock()
	t.pager.Unpin(nodeID, true)

	parentPg, err := t.pager.Fetch(parentID)
	if err != nil {
		return err
	}
	parentPg.Lock()
	pKeys, pChildren := decodeInternal(parentPg.Bytes())
	pKeys[sepIdx] = sep
	if !encodeInternal(parentPg.Bytes(), parentID, pKeys, pChildren) {
		parentPg.Unlock()
		t.pager.Unpin(parentID, false)
		return fmt.Errorf("btree: internal borrow parent sep update failed to encode")
	}
	if _, err := t.pager.LogPageUpdate(tx, parentPg); err != nil {
		parentPg.Unlock()
		t.pager.Unpin(parentID, true)
		return err
	}
	parentPg.Unlock()
	t.pager.Unpin(parentID, true)
	return nil
}

func (t *BTree) commitInternalBorrowRight(tx storage.TxID, nodeID storage.PageID, nodeKeys [][]byte, nodeChildren []storage.PageID, rightID storage.PageID, rightKeys [][]byte, rightChildren []storage.PageID, parentID storage.PageID, sepIdx int, sepForRight []byte) error {
	nodePg, err := t.pager.Fetch(nodeID)
	if err != nil {
		return err
	}
	nodePg.Lock()
	if !encodeInternal(nodePg.Bytes(), nodeID, nodeKeys, nodeChildren) {
		nodePg.Unlock()
		t.pager.Unpin(nodeID, false)
		return fmt.Errorf("btree: internal borrow-right node grow failed to encode")
	}
	if _, err := t.pager.LogPageUpdate(tx, nodePg); err != nil {
		nodePg.Unlock()
		t.pager.Unpin(nodeID, true)
		return err
	}
	nodePg.Unlock()
	t.pager.Unpin(nodeID, true)

	rightPg, err := t.pager.Fetch(rightID)
	if err != nil {
		return err
	}
	rightPg.Lock()
	if !encodeInternal(rightPg.Bytes(), rightID, rightKeys, rightChildren) {
		rightPg.Unlock()
		t.pager.Unpin(rightID, false)
		return fmt.Errorf("btree: internal borrow-right sibling shrink failed to encode")
	}
	if _, err := t.pager.LogPageUpdate(tx, rightPg); err != nil {
		rightPg.Unlock()
		t.pager.Unpin(rightID, true)
		return err
	}
	rightPg.Unlock()
	t.pager.Unpin(rightID, true)

	parentPg, err := t.pager.Fetch(parentID)
	if err != nil {
		return err
	}
	parentPg.Lock()
	pKeys, pChildren := decodeInternal(parentPg.Bytes())
	pKeys[sepIdx] = sepForRight
	if !encodeInternal(parentPg.Bytes(), parentID, pKeys, pChildren) {
		parentPg.Unlock()
		t.pager.Unpin(parentID, false)
		return fmt.Errorf("btree: internal borrow-right parent sep update failed to encode")
	}
	if _, err := t.pager.LogPageUpdate(tx, parentPg); err != nil {
		parentPg.Unlock()
		t.pager.Unpin(parentID, true)
		return err
	}
	parentPg.Unlock()
	t.pager.Unpin(parentID, true)
	return nil
}

// mergeInternal merges rightID's keys/children into leftID (pulling the
// parent's separator at sepIdx down as the joining key, per the standard
// B+ tree internal-merge rule), removes that separator and rightID's
// child pointer from the parent, frees rightID, and recurses upward.
func (t *BTree) mergeInternal(tx storage.TxID, leftID, rightID storage.PageID, sepIdx int, parentID storage.PageID, rest []pathEntry) error {
	parentPg, err := t.pager.Fetch(parentID)
	if err != nil {
		return err
	}
	parentPg.RLock()
	pKeys, _ := decodeInternal(parentPg.Bytes())
	sepKey := append([]byte{}, pKeys[sepIdx]...)
	parentPg.RUnlock()
	t.pager.Unpin(parentID, false)

	leftPg, err := t.pager.Fetch(leftID)
	if err != nil {
		return err
	}
	rightPg, err := t.pager.Fetch(rightID)
	if err != nil {
		t.pager.Unpin(leftID, false)
		return err
	}
	leftPg.Lock()
	rightPg.Lock()
	leftKeys, leftChildren := decodeInternal(leftPg.Bytes())
	rightKeys, rightChildren := decodeInternal(rightPg.Bytes())

	mergedKeys := append(append(append([][]byte{}, leftKeys...), sepKey), rightKeys...)
	mergedChildren := append(append([]storage.PageID{}, leftChildren...), rightChildren...)

	ok := encodeInternal(leftPg.Bytes(), leftID, mergedKeys, mergedChildren)
	if !ok {
		leftPg.Unlock()
		t.pager.Unpin(leftID, false)
		rightPg.Unlock()
		t.pager.Unpin(rightID, false)
		return fmt.Errorf("btree: merged internal node unexpectedly does not fit")
	}
	if _, err := t.pager.LogPageUpdate(tx, leftPg); err != nil {
		return err
	}
	leftPg.Unlock()
	t.pager.Unpin(leftID, true)
	rightPg.Unlock()
	t.pager.Unpin(rightID, false)
	t.pager.FreePage(rightID)

	return t.removeFromParent(tx, parentID, sepIdx, rest)
}
