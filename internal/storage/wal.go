package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"syscall"
)

// ───────────────────────────────────────────────────────────────────────────
// WAL wire format
// ───────────────────────────────────────────────────────────────────────────
//
// File header (fixed 24 bytes):
//   [0:8]   Magic     "OXIDBWAL"
//   [8:12]  Version   uint32 LE
//   [12:16] PageSize  uint32 LE
//   [16:24] Reserved
//
// Record (variable length, physical after-image logging):
//   [0:4]   Length    uint32 LE — byte count of (kind + payload)
//   [4:12]  LSN       uint64 LE
//   [12]    Kind      uint8
//   [13:13+len(payload)] Payload
//   [...4]  CRC32     uint32 LE — CRC32-C over LSN, Kind, Payload
//
// A CRC mismatch while reading a record terminates replay immediately
// without error: the remainder of the file is treated as a torn tail write
// from a crash mid-append.

const (
	walMagic       = "OXIDBWAL"
	walVersion     = uint32(1)
	walFileHdrSize = 24
	// walRecFixedSize is Length(4) + LSN(8) + Kind(1) ... + CRC(4), excluding payload.
	walRecFixedSize = 4 + 8 + 1 + 4
)

// RecordKind tags the variant of a WAL record.
type RecordKind uint8

const (
	RecBegin      RecordKind = 1
	RecPut        RecordKind = 2
	RecDelete     RecordKind = 3
	RecPageUpdate RecordKind = 4
	RecCommit     RecordKind = 5
	RecAbort      RecordKind = 6
	RecCheckpoint RecordKind = 7
)

func (k RecordKind) String() string {
	switch k {
	case RecBegin:
		return "Begin"
	case RecPut:
		return "Put"
	case RecDelete:
		return "Delete"
	case RecPageUpdate:
		return "PageUpdate"
	case RecCommit:
		return "Commit"
	case RecAbort:
		return "Abort"
	case RecCheckpoint:
		return "Checkpoint"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// Record is the in-memory representation of one WAL entry.
type Record struct {
	LSN  LSN
	Kind RecordKind
	TxID TxID

	// PageUpdate-only fields.
	PageID  PageID
	PrevLSN LSN
	After   []byte // after-image of the page

	// Put/Delete-only fields (advisory, for external iter_from tooling;
	// recovery never replays from these, only from PageUpdate).
	Key   []byte
	Value ValueID
}

// WAL is the append-only write-ahead log.
type WAL struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	pageSize int
	nextLSN  LSN
	writePos int64
	syncMode SyncMode
}

// OpenWAL opens or creates a WAL file, validating its header if it
// already existed.
func OpenWAL(path string, pageSize int, syncMode SyncMode) (*WAL, error) {
	existed := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		existed = false
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, newErr(KindIOErr, fmt.Errorf("open WAL: %w", err))
	}
	w := &WAL{f: f, path: path, pageSize: pageSize, nextLSN: 1, syncMode: syncMode}
	if existed {
		if err := w.validateHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, newErr(KindIOErr, err)
	}
	w.writePos = end
	return w, nil
}

func (w *WAL) writeHeader() error {
	var hdr [walFileHdrSize]byte
	copy(hdr[0:8], walMagic)
	binary.LittleEndian.PutUint32(hdr[8:12], walVersion)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(w.pageSize))
	if _, err := w.f.WriteAt(hdr[:], 0); err != nil {
		return newErr(KindIOErr, fmt.Errorf("write WAL header: %w", err))
	}
	return w.sync()
}

func (w *WAL) validateHeader() error {
	var hdr [walFileHdrSize]byte
	n, err := w.f.ReadAt(hdr[:], 0)
	if err != nil && err != io.EOF {
		return newErr(KindIOErr, fmt.Errorf("read WAL header: %w", err))
	}
	if n < walFileHdrSize {
		return newErrf(KindCorruptionErr, "WAL header too short: %d bytes", n)
	}
	if string(hdr[0:8]) != walMagic {
		return newErrf(KindCorruptionErr, "bad WAL magic")
	}
	if v := binary.LittleEndian.Uint32(hdr[8:12]); v != walVersion {
		return newErrf(KindCorruptionErr, "unsupported WAL version %d", v)
	}
	if ps := binary.LittleEndian.Uint32(hdr[12:16]); int(ps) != w.pageSize {
		return newErrf(KindCorruptionErr, "WAL page size %d != expected %d", ps, w.pageSize)
	}
	return nil
}

// sync flushes the WAL file per w.syncMode: a full fsync (durable against
// power loss), an fdatasync (skips metadata that doesn't affect readback),
// or nothing at all if the caller has opted out of durability between
// explicit Checkpoints.
func (w *WAL) sync() error {
	switch w.syncMode {
	case SyncNone:
		return nil
	case SyncFdatasync:
		if err := syscall.Fdatasync(int(w.f.Fd())); err != nil {
			return newErr(KindIOErr, err)
		}
		return nil
	default:
		if err := w.f.Sync(); err != nil {
			return newErr(KindIOErr, err)
		}
		return nil
	}
}

// Append writes rec, assigning it the next LSN, and returns that LSN.
// The caller supplies everything except LSN.
func (w *WAL) Append(rec *Record) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := w.nextLSN
	w.nextLSN++
	rec.LSN = lsn
	if err := w.writeRecordLocked(rec); err != nil {
		return 0, err
	}
	return lsn, nil
}

// ReserveLSN hands out the next LSN without writing a record, so a caller
// can stamp it into a page's header before the page's bytes are captured
// into a WAL record. Must be followed by AppendAt with the same LSN.
func (w *WAL) ReserveLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	lsn := w.nextLSN
	w.nextLSN++
	return lsn
}

// AppendAt writes rec under a previously reserved LSN, instead of
// self-assigning the next one.
func (w *WAL) AppendAt(rec *Record, lsn LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec.LSN = lsn
	return w.writeRecordLocked(rec)
}

// writeRecordLocked serializes and appends rec, which must already carry
// its final LSN. Callers hold w.mu.
func (w *WAL) writeRecordLocked(rec *Record) error {
	payload := marshalPayload(rec)
	buf := make([]byte, walRecFixedSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(1+len(payload)))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(rec.LSN))
	buf[12] = byte(rec.Kind)
	copy(buf[13:13+len(payload)], payload)
	crc := crc32.New(crcTable)
	crc.Write(buf[4:13])
	crc.Write(payload)
	binary.LittleEndian.PutUint32(buf[13+len(payload):], crc.Sum32())

	if _, err := w.f.WriteAt(buf, w.writePos); err != nil {
		return newErr(KindIOErr, fmt.Errorf("WAL append: %w", err))
	}
	w.writePos += int64(len(buf))
	return nil
}

// FlushThrough fsyncs the WAL file so every record up to and including the
// most recent Append is durable.
func (w *WAL) FlushThrough() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sync()
}

// TruncateBefore resets the WAL to just its header, discarding records made
// redundant by a checkpoint.
func (w *WAL) TruncateBefore() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Truncate(walFileHdrSize); err != nil {
		return newErr(KindIOErr, err)
	}
	w.writePos = walFileHdrSize
	return w.sync()
}

func (w *WAL) SetNextLSN(lsn LSN) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if lsn > w.nextLSN {
		w.nextLSN = lsn
	}
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Close(); err != nil {
		return newErr(KindIOErr, err)
	}
	return nil
}

// IterFrom reads every well-formed record from the WAL file at path in
// order. A CRC failure on a record silently stops iteration — the rest of
// the file is treated as a torn tail write.
func IterFrom(path string, pageSize int) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newErr(KindIOErr, err)
	}
	defer f.Close()
	if _, err := f.Seek(walFileHdrSize, io.SeekStart); err != nil {
		return nil, newErr(KindIOErr, err)
	}
	var out []*Record
	for {
		rec, err := readRecord(f, pageSize)
		if err != nil {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

func readRecord(r io.Reader, pageSize int) (*Record, error) {
	var fixed [12]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(fixed[0:4])
	lsn := LSN(binary.LittleEndian.Uint64(fixed[4:12]))
	if length == 0 {
		return nil, fmt.Errorf("zero-length record")
	}
	body := make([]byte, length-1)
	kindByte := make([]byte, 1)
	if _, err := io.ReadFull(r, kindByte); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, err
	}
	storedCRC := binary.LittleEndian.Uint32(crcBuf[:])

	crc := crc32.New(crcTable)
	crc.Write(fixed[4:12])
	crc.Write(kindByte)
	crc.Write(body)
	if crc.Sum32() != storedCRC {
		return nil, fmt.Errorf("WAL record CRC mismatch at LSN %d", lsn)
	}

	rec := &Record{LSN: lsn, Kind: RecordKind(kindByte[0])}
	if err := unmarshalPayload(rec, body, pageSize); err != nil {
		return nil, err
	}
	return rec, nil
}

func marshalPayload(rec *Record) []byte {
	switch rec.Kind {
	case RecBegin, RecCommit, RecAbort:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(rec.TxID))
		return buf
	case RecCheckpoint:
		return nil
	case RecPageUpdate:
		buf := make([]byte, 8+4+8+len(rec.After))
		binary.LittleEndian.PutUint64(buf[0:8], uint64(rec.TxID))
		binary.LittleEndian.PutUint32(buf[8:12], uint32(rec.PageID))
		binary.LittleEndian.PutUint64(buf[12:20], uint64(rec.PrevLSN))
		copy(buf[20:], rec.After)
		return buf
	case RecPut:
		buf := make([]byte, 8+4+len(rec.Key)+8)
		binary.LittleEndian.PutUint64(buf[0:8], uint64(rec.TxID))
		binary.LittleEndian.PutUint32(buf[8:12], uint32(len(rec.Key)))
		off := 12
		copy(buf[off:], rec.Key)
		off += len(rec.Key)
		binary.LittleEndian.PutUint64(buf[off:], uint64(rec.Value))
		return buf
	case RecDelete:
		buf := make([]byte, 8+4+len(rec.Key))
		binary.LittleEndian.PutUint64(buf[0:8], uint64(rec.TxID))
		binary.LittleEndian.PutUint32(buf[8:12], uint32(len(rec.Key)))
		copy(buf[12:], rec.Key)
		return buf
	default:
		return nil
	}
}

func unmarshalPayload(rec *Record, body []byte, pageSize int) error {
	switch rec.Kind {
	case RecBegin, RecCommit, RecAbort:
		if len(body) < 8 {
			return fmt.Errorf("short payload")
		}
		rec.TxID = TxID(binary.LittleEndian.Uint64(body[0:8]))
	case RecCheckpoint:
		// no payload
	case RecPageUpdate:
		if len(body) < 20 {
			return fmt.Errorf("short payload")
		}
		rec.TxID = TxID(binary.LittleEndian.Uint64(body[0:8]))
		rec.PageID = PageID(binary.LittleEndian.Uint32(body[8:12]))
		rec.PrevLSN = LSN(binary.LittleEndian.Uint64(body[12:20]))
		rec.After = append([]byte{}, body[20:]...)
	case RecPut:
		if len(body) < 12 {
			return fmt.Errorf("short payload")
		}
		rec.TxID = TxID(binary.LittleEndian.Uint64(body[0:8]))
		klen := int(binary.LittleEndian.Uint32(body[8:12]))
		if len(body) < 12+klen+8 {
			return fmt.Errorf("short payload")
		}
		rec.Key = append([]byte{}, body[12:12+klen]...)
		rec.Value = ValueID(binary.LittleEndian.Uint64(body[12+klen:]))
	case RecDelete:
		if len(body) < 12 {
			return fmt.Errorf("short payload")
		}
		rec.TxID = TxID(binary.LittleEndian.Uint64(body[0:8]))
		klen := int(binary.LittleEndian.Uint32(body[8:12]))
		if len(body) < 12+klen {
			return fmt.Errorf("short payload")
		}
		rec.Key = append([]byte{}, body[12:12+klen]...)
	default:
		return fmt.Errorf("unknown record kind %d", rec.Kind)
	}
	return nil
}
