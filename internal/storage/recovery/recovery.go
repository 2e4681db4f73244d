// Package recovery implements the logical redo/undo recovery protocol of
// spec.md §4.7: an in-memory LogRec stream over a generic key→value map,
// distinct from and sitting above the physical page-image WAL in
// internal/storage/pager. The log and the key→value state live only in
// memory: RecoverFrom/RedoPhase/UndoPhase replay them against a Checkpoint
// when called, but the storage Engine starts each Open with an empty
// RecoveryManager and does not call them, and nothing here flushes the
// state to pages — this package never touches a page itself.
package recovery

import (
	"sync"

	"github.com/google/uuid"
)

// OpType tags what a LogRec did.
type OpType int

const (
	OpInsert OpType = iota
	OpDelete
	OpUpdate
	OpBegin
	OpCommit
	OpAbort
)

func (op OpType) String() string {
	switch op {
	case OpInsert:
		return "Insert"
	case OpDelete:
		return "Delete"
	case OpUpdate:
		return "Update"
	case OpBegin:
		return "Begin"
	case OpCommit:
		return "Commit"
	case OpAbort:
		return "Abort"
	default:
		return "Unknown"
	}
}

// LogRec is one entry in the log stream, keyed by LSN. PrevLSN chains
// records belonging to the same transaction, terminating at its Begin
// record; UndoPhase walks this chain backwards.
type LogRec struct {
	LSN     uint64
	PrevLSN uint64
	TxnID   uint64
	Op      OpType

	// Key/Val hold the record's forward (redo) effect: the key and value
	// to write for Insert/Update, or the key to erase for Delete.
	Key string
	Val any

	// OldKey/OldVal hold what the key/value was before this record, for
	// Delete and Update's undo (restore) path. Update's OldKey is always set;
	// it equals Key when the key itself did not change.
	OldKey string
	OldVal any
}

// Checkpoint captures a consistent recovery snapshot: the LSN below which
// every record is already durable, the still-active transactions at that
// point (and the last LSN each had written), and the key→value data itself.
// RunID tags the checkpoint with a unique identifier so two checkpoints can
// be told apart even when their LSNs collide across a restored/cloned
// database file.
type Checkpoint struct {
	RunID         uuid.UUID
	CheckpointLSN uint64
	ActiveTxns    map[uint64]uint64
	PersistData   map[string]any
}

// RecoveryManager replays a LogRec stream against an in-memory key→value
// map. Used live, its Log*/Commit/Abort methods are the system of record
// for that map; used for recovery (via RecoverFrom), RedoPhase/UndoPhase
// reconstruct the map from a checkpoint plus the records written since.
type RecoveryManager struct {
	mu sync.Mutex

	nextLSN      uint64
	persistLSN   uint64
	activeTxns   map[uint64]uint64 // txn -> last LSN
	lastLSNByTxn map[uint64]uint64 // txn -> last LSN, for PrevLSN chaining

	data  map[string]any
	byLSN map[uint64]*LogRec
	order []uint64 // LSNs in append order
}

// NewRecoveryManager creates an empty, checkpoint-free manager.
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{
		activeTxns:   make(map[uint64]uint64),
		lastLSNByTxn: make(map[uint64]uint64),
		data:         make(map[string]any),
		byLSN:        make(map[uint64]*LogRec),
	}
}

// RecoverFrom seeds a manager from a checkpoint and the log records written
// since it, per spec.md §4.7's Init. It does not run RedoPhase/UndoPhase —
// callers do that explicitly so a caller can inspect state in between.
func RecoverFrom(cp Checkpoint, records []LogRec) *RecoveryManager {
	rm := NewRecoveryManager()
	rm.persistLSN = cp.CheckpointLSN
	for txn, lsn := range cp.ActiveTxns {
		rm.activeTxns[txn] = lsn
	}
	for k, v := range cp.PersistData {
		rm.data[k] = v
	}
	for i := range records {
		rec := records[i]
		rm.byLSN[rec.LSN] = &rec
		rm.order = append(rm.order, rec.LSN)
		if rec.LSN > rm.nextLSN {
			rm.nextLSN = rec.LSN
		}
		rm.lastLSNByTxn[rec.TxnID] = rec.LSN
	}
	return rm
}

func (rm *RecoveryManager) append(txnID uint64, op OpType, key string, val any, oldKey string, oldVal any) uint64 {
	rm.nextLSN++
	lsn := rm.nextLSN
	rec := &LogRec{
		LSN:     lsn,
		PrevLSN: rm.lastLSNByTxn[txnID],
		TxnID:   txnID,
		Op:      op,
		Key:     key,
		Val:     val,
		OldKey:  oldKey,
		OldVal:  oldVal,
	}
	rm.byLSN[lsn] = rec
	rm.order = append(rm.order, lsn)
	rm.lastLSNByTxn[txnID] = lsn
	rm.activeTxns[txnID] = lsn
	return lsn
}

// Begin logs the start of a transaction.
func (rm *RecoveryManager) Begin(txnID uint64) uint64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.append(txnID, OpBegin, "", nil, "", nil)
}

// LogInsert logs and applies data[key] = val.
func (rm *RecoveryManager) LogInsert(txnID uint64, key string, val any) uint64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	lsn := rm.append(txnID, OpInsert, key, val, "", nil)
	rm.data[key] = val
	return lsn
}

// LogDelete logs and applies erase(key). oldVal is the value being erased,
// recorded so Abort/UndoPhase can restore it.
func (rm *RecoveryManager) LogDelete(txnID uint64, key string, oldVal any) uint64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	lsn := rm.append(txnID, OpDelete, key, nil, "", oldVal)
	delete(rm.data, key)
	return lsn
}

// LogUpdate logs and applies erase(oldKey); data[newKey] = newVal. Pass
// oldKey == newKey when a row's key does not change.
func (rm *RecoveryManager) LogUpdate(txnID uint64, oldKey, newKey string, oldVal, newVal any) uint64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	lsn := rm.append(txnID, OpUpdate, newKey, newVal, oldKey, oldVal)
	if oldKey != newKey {
		delete(rm.data, oldKey)
	}
	rm.data[newKey] = newVal
	return lsn
}

// Commit logs the transaction's commit and drops it from the active set.
func (rm *RecoveryManager) Commit(txnID uint64) uint64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	lsn := rm.append(txnID, OpCommit, "", nil, "", nil)
	delete(rm.activeTxns, txnID)
	return lsn
}

// Abort logs the transaction's abort, immediately rolls its effects back,
// and drops it from the active set.
func (rm *RecoveryManager) Abort(txnID uint64) uint64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	prev := rm.lastLSNByTxn[txnID]
	lsn := rm.append(txnID, OpAbort, "", nil, "", nil)
	rm.undoChain(prev)
	delete(rm.activeTxns, txnID)
	return lsn
}

// undoChain walks a transaction's PrevLSN chain backwards from lsn,
// inverse-applying each record, and stops at (and including) its Begin
// record.
func (rm *RecoveryManager) undoChain(lsn uint64) {
	for lsn != 0 {
		rec, ok := rm.byLSN[lsn]
		if !ok {
			return
		}
		switch rec.Op {
		case OpInsert:
			delete(rm.data, rec.Key)
		case OpDelete:
			rm.data[rec.Key] = rec.OldVal
		case OpUpdate:
			delete(rm.data, rec.Key)
			oldKey := rec.OldKey
			if oldKey == "" {
				oldKey = rec.Key
			}
			rm.data[oldKey] = rec.OldVal
		case OpBegin:
			return
		}
		lsn = rec.PrevLSN
	}
}

// RedoPhase iterates every record in LSN order, skipping those already
// durable (LSN <= persistLSN), and reapplies each one's forward effect.
// An Abort record encountered here triggers an immediate rollback of that
// transaction's chain, exactly as Abort does live.
func (rm *RecoveryManager) RedoPhase() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for _, lsn := range rm.order {
		if lsn <= rm.persistLSN {
			continue
		}
		rec := rm.byLSN[lsn]
		rm.activeTxns[rec.TxnID] = lsn

		switch rec.Op {
		case OpInsert:
			rm.data[rec.Key] = rec.Val
		case OpDelete:
			delete(rm.data, rec.Key)
		case OpUpdate:
			oldKey := rec.OldKey
			if oldKey != "" && oldKey != rec.Key {
				delete(rm.data, oldKey)
			}
			rm.data[rec.Key] = rec.Val
		case OpBegin:
			// no data change
		case OpCommit:
			delete(rm.activeTxns, rec.TxnID)
		case OpAbort:
			rm.undoChain(rec.PrevLSN)
			delete(rm.activeTxns, rec.TxnID)
		}
	}
}

// UndoPhase rolls back every transaction still active after RedoPhase —
// i.e. every transaction that was in flight when the crash happened and
// neither committed nor aborted before it. Idempotent: calling it again
// with an empty active set is a no-op.
func (rm *RecoveryManager) UndoPhase() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for txnID, lastLSN := range rm.activeTxns {
		rm.undoChain(lastLSN)
		delete(rm.activeTxns, txnID)
	}
}

// Checkpoint captures the manager's current state as a Checkpoint.
func (rm *RecoveryManager) Checkpoint() Checkpoint {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	cp := Checkpoint{
		RunID:         uuid.New(),
		CheckpointLSN: rm.nextLSN,
		ActiveTxns:    make(map[uint64]uint64, len(rm.activeTxns)),
		PersistData:   make(map[string]any, len(rm.data)),
	}
	for txn, lsn := range rm.activeTxns {
		cp.ActiveTxns[txn] = lsn
	}
	for k, v := range rm.data {
		cp.PersistData[k] = v
	}
	return cp
}

// Get reads a key from the manager's current data view.
func (rm *RecoveryManager) Get(key string) (any, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	v, ok := rm.data[key]
	return v, ok
}

// Records returns every LogRec in LSN order, for inspection or persisting
// across a restart.
func (rm *RecoveryManager) Records() []LogRec {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]LogRec, 0, len(rm.order))
	for _, lsn := range rm.order {
		out = append(out, *rm.byLSN[lsn])
	}
	return out
}

// ActiveTxns returns the set of transactions still open (no Commit or
// Abort record seen yet).
func (rm *RecoveryManager) ActiveTxns() map[uint64]uint64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make(map[uint64]uint64, len(rm.activeTxns))
	for k, v := range rm.activeTxns {
		out[k] = v
	}
	return out
}
