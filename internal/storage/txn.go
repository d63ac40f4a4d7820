package storage

import "sync"

// txState is one transaction's lifecycle position, tracked only in memory
// — once committed or aborted an entry is dropped and its TxID can never
// be reused.
type txState struct {
	lastLSN LSN
}

// txManager assigns TxIDs and writes the Begin/Commit/Abort WAL records
// that recovery's analysis pass groups PageUpdate records by. Keeps an
// active-transaction table so RequireActive can reject a page mutation
// logged against an already-committed or unknown TxID.
type txManager struct {
	mu     sync.Mutex
	wal    *WAL
	next   TxID
	active map[TxID]*txState
}

func newTxManager(wal *WAL, startTxID TxID) *txManager {
	if startTxID == 0 {
		startTxID = 1
	}
	return &txManager{wal: wal, next: startTxID, active: make(map[TxID]*txState)}
}

// begin assigns a fresh TxID, records it active, and durably marks its
// start in the WAL so recovery's analysis pass can associate later
// PageUpdate records with it.
func (tm *txManager) begin() (TxID, error) {
	tm.mu.Lock()
	id := tm.next
	tm.next++
	tm.active[id] = &txState{}
	tm.mu.Unlock()

	if _, err := tm.wal.Append(&Record{Kind: RecBegin, TxID: id}); err != nil {
		tm.mu.Lock()
		delete(tm.active, id)
		tm.mu.Unlock()
		return 0, err
	}
	return id, nil
}

// commit appends a Commit record and flushes the WAL through it so the
// transaction's effects are durable before commit returns (I1's durability
// half), then retires the TxID.
func (tm *txManager) commit(tx TxID) error {
	if err := tm.requireActive(tx); err != nil {
		return err
	}
	if _, err := tm.wal.Append(&Record{Kind: RecCommit, TxID: tx}); err != nil {
		return err
	}
	if err := tm.wal.FlushThrough(); err != nil {
		return err
	}
	tm.mu.Lock()
	delete(tm.active, tx)
	tm.mu.Unlock()
	return nil
}

// abort appends an Abort record and retires the TxID. Its already-written
// PageUpdate records simply never get replayed by recovery (see
// recovery.go); there is no separate undo of in-memory buffer pool state.
func (tm *txManager) abort(tx TxID) error {
	if err := tm.requireActive(tx); err != nil {
		return err
	}
	if _, err := tm.wal.Append(&Record{Kind: RecAbort, TxID: tx}); err != nil {
		return err
	}
	tm.mu.Lock()
	delete(tm.active, tx)
	tm.mu.Unlock()
	return nil
}

// requireActive returns ErrTxNotActive if tx has not been begun, or has
// already committed or aborted.
func (tm *txManager) requireActive(tx TxID) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if _, ok := tm.active[tx]; !ok {
		return ErrTxNotActive(tx)
	}
	return nil
}

// peekNext returns the TxID that will be assigned to the next begin call,
// so the superblock can persist it across a checkpoint.
func (tm *txManager) peekNext() TxID {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.next
}

// recordLSN notes the most recent PageUpdate LSN written under tx, so the
// next PageUpdate logged for the same transaction can chain its PrevLSN
// back to it.
func (tm *txManager) recordLSN(tx TxID, lsn LSN) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if ts, ok := tm.active[tx]; ok {
		ts.lastLSN = lsn
	}
}

// lastLSN returns the most recent PageUpdate LSN recorded for tx, or 0 if
// tx has not logged one yet (the chain's root).
func (tm *txManager) lastLSN(tx TxID) LSN {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if ts, ok := tm.active[tx]; ok {
		return ts.lastLSN
	}
	return 0
}
