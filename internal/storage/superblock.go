package storage

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Superblock — page 0
// ───────────────────────────────────────────────────────────────────────────
//
// Layout (fits in one page):
//
//  Offset  Size  Field
//  ──────  ────  ───────────────────
//  0       32    Common page header (Kind=Superblock, ID=0)
//  32      8     Magic             [8]byte "OXIDBDB\0"
//  40      4     Version           uint32 LE
//  44      4     PageSize          uint32 LE
//  48      4     CatalogRoot       uint32 LE (PageID of the index-name catalog root)
//  52      4     NextPageID        uint32 LE
//  56      8     LastCheckpointLSN uint64 LE
//  64      4     FreeListRoot      uint32 LE
//  68      8     NextTxID          uint64 LE
//  76      16    Reserved          [16]byte, zero-filled
//
// The common header's CRC covers the entire page.

const (
	SuperblockMagic    = "OXIDBDB\x00"
	CurrentFormatVersion uint32 = 1

	sbMagicOff         = PageHeaderSize         // 32
	sbVersionOff       = sbMagicOff + 8         // 40
	sbPageSizeOff      = sbVersionOff + 4       // 44
	sbCatalogRootOff   = sbPageSizeOff + 4      // 48
	sbNextPageIDOff    = sbCatalogRootOff + 4   // 52
	sbCheckpointLSNOff = sbNextPageIDOff + 4    // 56
	sbFreeListRootOff  = sbCheckpointLSNOff + 8 // 64
	sbNextTxIDOff      = sbFreeListRootOff + 4  // 68
)

// Superblock holds the parsed contents of page 0.
type Superblock struct {
	Version           uint32
	PageSize          uint32
	CatalogRoot       PageID
	NextPageID        PageID
	LastCheckpointLSN LSN
	FreeListRoot      PageID
	NextTxID          TxID
}

// NewSuperblock returns the initial superblock for a freshly created file.
func NewSuperblock(pageSize uint32) *Superblock {
	return &Superblock{
		Version:           CurrentFormatVersion,
		PageSize:          pageSize,
		CatalogRoot:       InvalidPageID,
		NextPageID:        1, // page 0 is the superblock
		LastCheckpointLSN: 0,
		FreeListRoot:       InvalidPageID,
		NextTxID:           1,
	}
}

// MarshalSuperblock serializes sb into a full page buffer of pageSize bytes.
func MarshalSuperblock(sb *Superblock, pageSize int) []byte {
	buf := NewPage(pageSize, KindSuperblock, 0)
	copy(buf[sbMagicOff:sbMagicOff+8], SuperblockMagic)
	binary.LittleEndian.PutUint32(buf[sbVersionOff:], sb.Version)
	binary.LittleEndian.PutUint32(buf[sbPageSizeOff:], sb.PageSize)
	binary.LittleEndian.PutUint32(buf[sbCatalogRootOff:], uint32(sb.CatalogRoot))
	binary.LittleEndian.PutUint32(buf[sbNextPageIDOff:], uint32(sb.NextPageID))
	binary.LittleEndian.PutUint64(buf[sbCheckpointLSNOff:], uint64(sb.LastCheckpointLSN))
	binary.LittleEndian.PutUint32(buf[sbFreeListRootOff:], uint32(sb.FreeListRoot))
	binary.LittleEndian.PutUint64(buf[sbNextTxIDOff:], uint64(sb.NextTxID))
	SetPageCRC(buf)
	return buf
}

// UnmarshalSuperblock decodes page 0, validating magic, version, page size
// and CRC.
func UnmarshalSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) < MinPageSize {
		return nil, newErrf(KindCorruptionErr, "superblock too small: %d bytes", len(buf))
	}
	if err := VerifyPageCRC(buf); err != nil {
		return nil, fmt.Errorf("superblock: %w", err)
	}
	magic := string(buf[sbMagicOff : sbMagicOff+8])
	if magic != SuperblockMagic {
		return nil, newErrf(KindCorruptionErr, "bad magic %q, expected %q", magic, SuperblockMagic)
	}
	sb := &Superblock{
		Version:           binary.LittleEndian.Uint32(buf[sbVersionOff:]),
		PageSize:          binary.LittleEndian.Uint32(buf[sbPageSizeOff:]),
		CatalogRoot:       PageID(binary.LittleEndian.Uint32(buf[sbCatalogRootOff:])),
		NextPageID:        PageID(binary.LittleEndian.Uint32(buf[sbNextPageIDOff:])),
		LastCheckpointLSN: LSN(binary.LittleEndian.Uint64(buf[sbCheckpointLSNOff:])),
		FreeListRoot:      PageID(binary.LittleEndian.Uint32(buf[sbFreeListRootOff:])),
		NextTxID:          TxID(binary.LittleEndian.Uint64(buf[sbNextTxIDOff:])),
	}
	if sb.Version != CurrentFormatVersion {
		return nil, newErrf(KindCorruptionErr, "unsupported format version %d (this build supports %d)", sb.Version, CurrentFormatVersion)
	}
	if sb.PageSize < MinPageSize || sb.PageSize > MaxPageSize || sb.PageSize&(sb.PageSize-1) != 0 {
		return nil, newErrf(KindCorruptionErr, "invalid page size %d", sb.PageSize)
	}
	return sb, nil
}
