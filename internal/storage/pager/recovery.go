package pager

import (
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Physical WAL replay (page-image redo)
// ───────────────────────────────────────────────────────────────────────────
//
// RedoPages replays the physical, whole-page-image WAL on startup: it
// re-applies only committed transactions' page images newer than the last
// checkpoint. This is distinct from, and sits below, the logical
// RecoveryManager/LogRec redo+undo protocol in package
// internal/storage/recovery, which spec.md §4.7 describes; that package
// operates over an in-memory key→value map, and database startup runs only
// this physical replay, not that logical one. This layer has no undo phase — it only ever re-applies the last
// committed image of a page, which is redo-idempotent by construction
// (testable property 10: RedoPhase();RedoPhase() == RedoPhase()).
//
// Algorithm:
//  1. Read all WAL records.
//  2. Build a map TxID → list of PAGE_IMAGE records.
//  3. Track which TxIDs have a COMMIT record (committed set).
//  4. In LSN (file) order, apply the PAGE_IMAGE records of committed TXs
//     whose LSN > the checkpoint LSN.
//  5. Fsync the database file.
//  6. Update and flush the disk-meta page with the new checkpoint LSN.
//  7. Truncate the WAL.

// RedoPages replays the WAL and applies committed transactions' page
// images.
func (p *Pager) RedoPages() error {
	records, err := ReadAllRecords(p.walPath)
	if err != nil {
		return fmt.Errorf("recover read WAL: %w", err)
	}
	if len(records) == 0 {
		p.wal.SetNextLSN(p.sb.CheckpointLSN + 1)
		return nil
	}

	type txRecords struct {
		pages     []*WALRecord
		committed bool
		aborted   bool
	}
	txMap := make(map[TxID]*txRecords)

	var maxLSN LSN
	var maxTxID TxID

	for _, rec := range records {
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
		if rec.TxID > maxTxID {
			maxTxID = rec.TxID
		}

		switch rec.Type {
		case WALRecordBegin:
			txMap[rec.TxID] = &txRecords{}
		case WALRecordPageImage:
			tr, ok := txMap[rec.TxID]
			if !ok {
				tr = &txRecords{}
				txMap[rec.TxID] = tr
			}
			tr.pages = append(tr.pages, rec)
		case WALRecordCommit:
			if tr, ok := txMap[rec.TxID]; ok {
				tr.committed = true
			}
		case WALRecordAbort:
			if tr, ok := txMap[rec.TxID]; ok {
				tr.aborted = true
			}
		case WALRecordCheckpoint:
			// all prior transactions are already flushed
		}
	}

	var applied int
	var maxLogicalID PageID
	for _, rec := range records {
		if rec.Type != WALRecordPageImage {
			continue
		}
		if tr := txMap[rec.TxID]; !tr.committed || tr.aborted {
			continue
		}
		if rec.LSN <= p.sb.CheckpointLSN {
			continue
		}
		if err := p.disk.WritePage(rec.PageID, rec.Data); err != nil {
			return fmt.Errorf("recover apply page %d: %w", rec.PageID, err)
		}
		if rec.PageID > maxLogicalID {
			maxLogicalID = rec.PageID
		}
		applied++
	}

	if applied > 0 {
		if err := p.file.Sync(); err != nil {
			return err
		}

		p.sb.CheckpointLSN = maxLSN
		if maxTxID+1 > p.sb.NextTxID {
			p.sb.NextTxID = maxTxID + 1
		}
		if maxLogicalID+1 > p.sb.NextLogicalPageID {
			p.sb.NextLogicalPageID = maxLogicalID + 1
		}

		sbBuf := MarshalSuperblock(p.sb, p.pageSize)
		if _, err := p.file.WriteAt(sbBuf, 0); err != nil {
			return fmt.Errorf("recover disk-meta: %w", err)
		}
		if err := p.file.Sync(); err != nil {
			return err
		}
	}

	if maxLSN < p.sb.CheckpointLSN {
		maxLSN = p.sb.CheckpointLSN
	}
	p.wal.SetNextLSN(maxLSN + 1)

	return p.wal.Truncate()
}
