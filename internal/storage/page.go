// Package storage implements OxiDB's paged storage substrate: a disk
// manager, a write-ahead log, a latch-protected buffer pool, a transaction
// manager, crash recovery, and the superblock field that records the index
// catalog's root page. The B+ tree node format, structural algorithms and
// the index catalog itself, built on top of this package, live in sibling
// package internal/btree.
//
// The storage format is a single data file (fixed-size pages, page 0 is the
// superblock) paired with a sequential WAL file. Every page carries a
// 32-byte header (kind, page ID, page LSN, CRC32-C) followed by a
// kind-specific payload. Crash recovery replays the WAL from the last
// checkpoint LSN; see recovery.go.
package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	// DefaultPageSize is the default page size in bytes.
	DefaultPageSize = 4096

	// MinPageSize and MaxPageSize bound the configurable page size.
	MinPageSize = 4096
	MaxPageSize = 65536

	// PageHeaderSize is the size of the common page header in bytes.
	// Layout:
	//   [0]     Kind      (1 byte)
	//   [1]     Flags     (1 byte)
	//   [2:4]   Reserved  (2 bytes)
	//   [4:8]   ID        (4 bytes, uint32 LE)
	//   [8:16]  PageLSN   (8 bytes, uint64 LE)
	//   [16:20] CRC32     (4 bytes, uint32 LE)
	//   [20:32] Pad       (12 bytes)
	PageHeaderSize = 32

	// InvalidPageID represents a null page pointer.
	InvalidPageID PageID = 0
)

// PageKind identifies the kind of data stored in a page.
type PageKind uint8

const (
	KindSuperblock    PageKind = 1
	KindBTreeLeaf     PageKind = 2
	KindBTreeInternal PageKind = 3
	KindFreeList      PageKind = 4
)

func (k PageKind) String() string {
	switch k {
	case KindSuperblock:
		return "Superblock"
	case KindBTreeLeaf:
		return "BTreeLeaf"
	case KindBTreeInternal:
		return "BTreeInternal"
	case KindFreeList:
		return "FreeList"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(k))
	}
}

// PageID is the stable 32-bit identifier of a page within the data file.
// Page 0 is always the superblock.
type PageID uint32

// LSN is a monotonically increasing Log Sequence Number.
type LSN uint64

// TxID identifies a transaction, unique within the lifetime of an open file.
type TxID uint64

// ValueID is the value referenced by a B+ tree leaf entry. The core engine
// treats it as an opaque 64-bit identifier; callers map it to rows, graph
// nodes, vectors, or whatever else lives above the index. The index catalog
// also uses ValueID to store a target index's root PageID.
type ValueID uint64

// Header is the 32-byte header present at the start of every page.
type Header struct {
	Kind     PageKind
	Flags    uint8
	Reserved uint16
	ID       PageID
	PageLSN  LSN
	CRC      uint32
	Pad      [12]byte
}

// MarshalHeader writes a Header into the first PageHeaderSize bytes of buf.
func MarshalHeader(h *Header, buf []byte) {
	if len(buf) < PageHeaderSize {
		panic("storage: buffer too small for page header")
	}
	buf[0] = byte(h.Kind)
	buf[1] = h.Flags
	binary.LittleEndian.PutUint16(buf[2:4], h.Reserved)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.ID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.PageLSN))
	binary.LittleEndian.PutUint32(buf[16:20], h.CRC)
	copy(buf[20:32], h.Pad[:])
}

// UnmarshalHeader reads a Header from the first PageHeaderSize bytes of buf.
func UnmarshalHeader(buf []byte) Header {
	var h Header
	h.Kind = PageKind(buf[0])
	h.Flags = buf[1]
	h.Reserved = binary.LittleEndian.Uint16(buf[2:4])
	h.ID = PageID(binary.LittleEndian.Uint32(buf[4:8]))
	h.PageLSN = LSN(binary.LittleEndian.Uint64(buf[8:16]))
	h.CRC = binary.LittleEndian.Uint32(buf[16:20])
	copy(h.Pad[:], buf[20:32])
	return h
}

// PageIDOf reads just the id field out of a page buffer.
func PageIDOf(buf []byte) PageID {
	return PageID(binary.LittleEndian.Uint32(buf[4:8]))
}

// PageKindOf reads just the kind field out of a page buffer.
func PageKindOf(buf []byte) PageKind {
	return PageKind(buf[0])
}

// PageLSNOf reads just the page_lsn field out of a page buffer.
func PageLSNOf(buf []byte) LSN {
	return LSN(binary.LittleEndian.Uint64(buf[8:16]))
}

// SetPageLSN stamps the page_lsn field of a page buffer in place. Every
// caller that mutates a page must call this with the LSN of the WAL record
// describing the mutation before the page is unlatched: a page may only
// reach disk after the WAL record covering it is durable.
func SetPageLSN(buf []byte, lsn LSN) {
	binary.LittleEndian.PutUint64(buf[8:16], uint64(lsn))
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ComputePageCRC computes the CRC32-C of a full page, treating the CRC
// field (bytes 16:20) as zero during computation.
func ComputePageCRC(page []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(page[:16])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(page[20:])
	return h.Sum32()
}

// SetPageCRC computes and writes the CRC into the page header.
func SetPageCRC(page []byte) {
	binary.LittleEndian.PutUint32(page[16:20], ComputePageCRC(page))
}

// VerifyPageCRC checks the CRC32 checksum of a page.
func VerifyPageCRC(page []byte) error {
	if len(page) < PageHeaderSize {
		return newErr(KindCorruptionErr, fmt.Errorf("page too short: %d bytes", len(page)))
	}
	stored := binary.LittleEndian.Uint32(page[16:20])
	computed := ComputePageCRC(page)
	if stored != computed {
		pid := PageIDOf(page)
		return newErr(KindCorruptionErr, fmt.Errorf("CRC mismatch on page %d: stored=%08x computed=%08x", pid, stored, computed))
	}
	return nil
}

// NewPage allocates a zeroed page buffer of the given size and writes its
// header (kind and ID only; kind-specific fields are the caller's job).
func NewPage(pageSize int, kind PageKind, id PageID) []byte {
	buf := make([]byte, pageSize)
	h := &Header{Kind: kind, ID: id}
	MarshalHeader(h, buf)
	return buf
}
