package btree

import (
	"bytes"
	"sort"

	"github.com/oxidb/oxidb/internal/storage"
)

// Cursor is a pull-based, restartable iterator over a contiguous key range.
// It holds no page pins between calls to Next: each call fetches, reads,
// and unpins its current leaf, so a long-lived cursor never blocks
// concurrent writers from evicting that page. Pull-based next() semantics
// also avoid needing a goroutine-backed generator per cursor.
type Cursor struct {
	t       *BTree
	hi      []byte
	inclHi  bool
	leaf    storage.PageID
	entries []leafEntry
	idx     int
	valIdx  int
	done    bool
	err     error
}

// Range returns a cursor over keys in [lo, hi] (bounds inclusive/exclusive
// per inclLo/inclHi). A nil lo starts at the smallest key; a nil hi runs to
// the largest.
func (t *BTree) Range(lo, hi []byte, inclLo, inclHi bool) (*Cursor, error) {
	var leaf storage.PageID
	var err error
	if lo == nil {
		leaf, err = t.leftmostLeaf()
	} else {
		_, leaf, err = t.descend(lo)
	}
	if err != nil {
		return nil, err
	}

	c := &Cursor{t: t, hi: hi, inclHi: inclHi, leaf: leaf}
	if err := c.loadLeaf(leaf); err != nil {
		return nil, err
	}
	if lo != nil {
		c.idx = sort.Search(len(c.entries), func(i int) bool {
			cmp := bytes.Compare(c.entries[i].key, lo)
			if inclLo {
				return cmp >= 0
			}
			return cmp > 0
		})
	}
	return c, nil
}

func (c *Cursor) loadLeaf(pid storage.PageID) error {
	pg, err := c.t.pager.Fetch(pid)
	if err != nil {
		return err
	}
	pg.RLock()
	next, entries := decodeLeaf(pg.Bytes())
	pg.RUnlock()
	c.t.pager.Unpin(pid, false)
	c.leaf = next
	c.entries = entries
	c.idx = 0
	c.valIdx = 0
	return nil
}

func (c *Cursor) withinHi(key []byte) bool {
	if c.hi == nil {
		return true
	}
	cmp := bytes.Compare(key, c.hi)
	if c.inclHi {
		return cmp <= 0
	}
	return cmp < 0
}

// Next advances the cursor and returns the next (key, value) pair. ok is
// false once the range is exhausted or an error occurred (check Err).
func (c *Cursor) Next() (key []byte, value storage.ValueID, ok bool) {
	if c.done || c.err != nil {
		return nil, 0, false
	}
	for {
		if c.idx >= len(c.entries) {
			if c.leaf == storage.InvalidPageID {
				c.done = true
				return nil, 0, false
			}
			if err := c.loadLeaf(c.leaf); err != nil {
				c.err = err
				return nil, 0, false
			}
			continue
		}
		entry := c.entries[c.idx]
		if !c.withinHi(entry.key) {
			c.done = true
			return nil, 0, false
		}
		if c.valIdx >= len(entry.vals) {
			c.idx++
			c.valIdx = 0
			continue
		}
		v := entry.vals[c.valIdx]
		c.valIdx++
		return entry.key, v, true
	}
}

// Err returns any error encountered during iteration.
func (c *Cursor) Err() error { return c.err }

// Close releases the cursor. Since Cursor holds no pins between Next
// calls, this only marks it exhausted.
func (c *Cursor) Close() error {
	c.done = true
	return nil
}
