package storage

import "fmt"

// ───────────────────────────────────────────────────────────────────────────
// Crash recovery
// ───────────────────────────────────────────────────────────────────────────
//
// Analysis pass: replay every record, building the set of committed
// transactions and, per transaction, its PageUpdate records. Redo pass:
// for every committed transaction's PageUpdate whose LSN exceeds the
// page's on-disk page_lsn, the after-image replaces the page outright
// (physical logging makes redo last-writer-wins by LSN). Undo pass:
// transactions with no Commit/Abort record at end-of-log are simply
// excluded from redo — WAL-before-data guarantees their dirty pages were
// never flushed ahead of the corresponding WAL record, so "never reapply"
// is equivalent to rolling them back.
func recover(dm *diskManager, walPath string, sb *Superblock) (appliedThrough LSN, err error) {
	records, err := IterFrom(walPath, dm.pageSize)
	if err != nil {
		return 0, fmt.Errorf("recovery: read WAL: %w", err)
	}
	if len(records) == 0 {
		return sb.LastCheckpointLSN, nil
	}

	type txState struct {
		pages     []*Record
		committed bool
		aborted   bool
	}
	txs := make(map[TxID]*txState)

	var maxLSN LSN
	var maxTxID TxID
	for _, rec := range records {
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
		switch rec.Kind {
		case RecBegin:
			txs[rec.TxID] = &txState{}
			if rec.TxID > maxTxID {
				maxTxID = rec.TxID
			}
		case RecPageUpdate:
			ts, ok := txs[rec.TxID]
			if !ok {
				ts = &txState{}
				txs[rec.TxID] = ts
			}
			ts.pages = append(ts.pages, rec)
			if rec.TxID > maxTxID {
				maxTxID = rec.TxID
			}
		case RecCommit:
			if ts, ok := txs[rec.TxID]; ok {
				ts.committed = true
			}
		case RecAbort:
			if ts, ok := txs[rec.TxID]; ok {
				ts.aborted = true
			}
		}
	}

	var applied int
	for _, ts := range txs {
		if !ts.committed || ts.aborted {
			continue
		}
		for _, rec := range ts.pages {
			if rec.LSN <= sb.LastCheckpointLSN {
				continue
			}
			buf, readErr := dm.readPage(rec.PageID)
			onDiskLSN := LSN(0)
			if readErr == nil {
				onDiskLSN = PageLSNOf(buf)
			}
			if rec.LSN <= onDiskLSN {
				continue
			}
			if err := dm.writePage(rec.PageID, rec.After); err != nil {
				return 0, fmt.Errorf("recovery: apply page %d: %w", rec.PageID, err)
			}
			applied++
		}
	}

	if applied > 0 {
		if err := dm.sync(); err != nil {
			return 0, err
		}
	}
	if TxID(maxTxID+1) > sb.NextTxID {
		sb.NextTxID = maxTxID + 1
	}
	for _, ts := range txs {
		if !ts.committed {
			continue
		}
		for _, rec := range ts.pages {
			if PageID(rec.PageID+1) > sb.NextPageID {
				sb.NextPageID = rec.PageID + 1
			}
		}
	}
	sb.LastCheckpointLSN = maxLSN
	return maxLSN, nil
}
