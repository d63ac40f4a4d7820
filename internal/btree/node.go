// Package btree implements OxiDB's multi-value B+ tree index on top of the
// page/WAL/buffer-pool substrate in internal/storage. Keys map to an
// ordered list of ValueIDs (duplicates are appended, not overwritten).
//
// Node layout is slotted. Internal pages use a flat children[num_keys+1]
// array so the children.len() == keys.len()+1 invariant is structurally
// obvious in the split/merge code in btree.go and delete.go.
package btree

import (
	"encoding/binary"

	"github.com/oxidb/oxidb/internal/storage"
)

const (
	// Leaf page layout (after the 32-byte common header).
	leafNumKeysOff  = storage.PageHeaderSize     // 32
	leafNextLeafOff = leafNumKeysOff + 2         // 34
	leafFreePtrOff  = leafNextLeafOff + 4        // 38
	leafSlotDirOff  = leafFreePtrOff + 2         // 40
	leafSlotSize    = 8                          // key_off,key_len,vals_off,vals_count: u16 each

	// Internal page layout (after the 32-byte common header).
	intNumKeysOff = storage.PageHeaderSize // 32
	intSlotDirOff = intNumKeysOff + 2      // 34
	intSlotSize   = 4                      // key_off,key_len: u16 each
)

// leafEntry is the decoded form of one leaf slot: a key and its ordered
// list of values.
type leafEntry struct {
	key  []byte
	vals []storage.ValueID
}

// decodeLeaf parses a leaf page into its next-leaf pointer and entries,
// in key order.
func decodeLeaf(buf []byte) (nextLeaf storage.PageID, entries []leafEntry) {
	numKeys := int(binary.LittleEndian.Uint16(buf[leafNumKeysOff:]))
	nextLeaf = storage.PageID(binary.LittleEndian.Uint32(buf[leafNextLeafOff:]))
	entries = make([]leafEntry, numKeys)
	for i := 0; i < numKeys; i++ {
		slotOff := leafSlotDirOff + i*leafSlotSize
		keyOff := binary.LittleEndian.Uint16(buf[slotOff:])
		keyLen := binary.LittleEndian.Uint16(buf[slotOff+2:])
		valsOff := binary.LittleEndian.Uint16(buf[slotOff+4:])
		valsCount := binary.LittleEndian.Uint16(buf[slotOff+6:])

		key := append([]byte{}, buf[keyOff:keyOff+keyLen]...)
		vals := make([]storage.ValueID, valsCount)
		for j := 0; j < int(valsCount); j++ {
			vals[j] = storage.ValueID(binary.LittleEndian.Uint64(buf[int(valsOff)+j*8:]))
		}
		entries[i] = leafEntry{key: key, vals: vals}
	}
	return nextLeaf, entries
}

// encodeLeaf rebuilds a leaf page from scratch given its entries (assumed
// already sorted by key) and next-leaf pointer. Returns false if the
// content does not fit in one page, in which case the caller must split.
func encodeLeaf(buf []byte, id storage.PageID, nextLeaf storage.PageID, entries []leafEntry) bool {
	h := &storage.Header{Kind: storage.KindBTreeLeaf, ID: id}
	storage.MarshalHeader(h, buf)

	binary.LittleEndian.PutUint16(buf[leafNumKeysOff:], uint16(len(entries)))
	binary.LittleEndian.PutUint32(buf[leafNextLeafOff:], uint32(nextLeaf))

	slotDirEnd := leafSlotDirOff + len(entries)*leafSlotSize
	dataEnd := len(buf) // tail of page, data grows downward
	tail := dataEnd

	type placed struct{ keyOff, keyLen, valsOff, valsCount int }
	placements := make([]placed, len(entries))

	// Place from the end of the page backward so offsets are known as we go.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		valsBytes := len(e.vals) * 8
		tail -= valsBytes
		valsOff := tail
		for j, v := range e.vals {
			binary.LittleEndian.PutUint64(buf[valsOff+j*8:], uint64(v))
		}
		tail -= len(e.key)
		keyOff := tail
		copy(buf[keyOff:keyOff+len(e.key)], e.key)
		placements[i] = placed{keyOff, len(e.key), valsOff, len(e.vals)}
	}

	if tail < slotDirEnd {
		return false // doesn't fit
	}

	for i, p := range placements {
		slotOff := leafSlotDirOff + i*leafSlotSize
		binary.LittleEndian.PutUint16(buf[slotOff:], uint16(p.keyOff))
		binary.LittleEndian.PutUint16(buf[slotOff+2:], uint16(p.keyLen))
		binary.LittleEndian.PutUint16(buf[slotOff+4:], uint16(p.valsOff))
		binary.LittleEndian.PutUint16(buf[slotOff+6:], uint16(p.valsCount))
	}
	binary.LittleEndian.PutUint16(buf[leafFreePtrOff:], uint16(tail))

	// Zero any stale bytes between the slot directory and the new data
	// start so a partially-shrunk page never leaks old key/value bytes.
	for i := slotDirEnd; i < tail; i++ {
		buf[i] = 0
	}
	return true
}

// decodeInternal parses an internal page into its keys (num_keys of them)
// and children (num_keys+1 of them).
func decodeInternal(buf []byte) (keys [][]byte, children []storage.PageID) {
	numKeys := int(binary.LittleEndian.Uint16(buf[intNumKeysOff:]))
	keys = make([][]byte, numKeys)
	for i := 0; i < numKeys; i++ {
		slotOff := intSlotDirOff + i*intSlotSize
		keyOff := binary.LittleEndian.Uint16(buf[slotOff:])
		keyLen := binary.LittleEndian.Uint16(buf[slotOff+2:])
		keys[i] = append([]byte{}, buf[keyOff:keyOff+keyLen]...)
	}
	childrenOff := intSlotDirOff + numKeys*intSlotSize
	children = make([]storage.PageID, numKeys+1)
	for i := 0; i < numKeys+1; i++ {
		children[i] = storage.PageID(binary.LittleEndian.Uint32(buf[childrenOff+i*4:]))
	}
	return keys, children
}

// encodeInternal rebuilds an internal page from scratch. len(children) must
// equal len(keys)+1. Returns false if the content does not fit.
func encodeInternal(buf []byte, id storage.PageID, keys [][]byte, children []storage.PageID) bool {
	if len(children) != len(keys)+1 {
		panic("btree: children.len() != keys.len()+1")
	}
	h := &storage.Header{Kind: storage.KindBTreeInternal, ID: id}
	storage.MarshalHeader(h, buf)
	binary.LittleEndian.PutUint16(buf[intNumKeysOff:], uint16(len(keys)))

	slotDirEnd := intSlotDirOff + len(keys)*intSlotSize
	childrenOff := slotDirEnd
	childrenEnd := childrenOff + len(children)*4
	tail := len(buf)

	type placed struct{ keyOff, keyLen int }
	placements := make([]placed, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		tail -= len(keys[i])
		copy(buf[tail:tail+len(keys[i])], keys[i])
		placements[i] = placed{tail, len(keys[i])}
	}
	if tail < childrenEnd {
		return false
	}

	for i, p := range placements {
		slotOff := intSlotDirOff + i*intSlotSize
		binary.LittleEndian.PutUint16(buf[slotOff:], uint16(p.keyOff))
		binary.LittleEndian.PutUint16(buf[slotOff+2:], uint16(p.keyLen))
	}
	for i, c := range children {
		binary.LittleEndian.PutUint32(buf[childrenOff+i*4:], uint32(c))
	}
	for i := childrenEnd; i < tail; i++ {
		buf[i] = 0
	}
	return true
}

// maxKeyLen returns the largest key length guaranteed to let a leaf hold
// at least two entries with one value each, derived from pageSize the same
// way a size budget scales with page size elsewhere in this package.
func maxKeyLen(pageSize int) int {
	usable := pageSize - leafSlotDirOff
	perEntryOverhead := leafSlotSize + 8 // slot + one ValueID
	return usable/2 - perEntryOverhead
}
