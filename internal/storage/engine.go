// Package storage wires the pager, catalog, lock manager and recovery
// manager into a single transaction-scoped Engine, per spec.md §2's data
// flow: a request takes row locks, mutates a table's heap, and logs each
// mutation for crash recovery, all before the surrounding transaction
// commits. Row operations do not add, change or remove index entries.
package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/SimonWaldherr/storageengine/internal/storage/lock"
	"github.com/SimonWaldherr/storageengine/internal/storage/pager"
	"github.com/SimonWaldherr/storageengine/internal/storage/recovery"
)

// Config controls how an Engine opens its underlying database file and
// background maintenance schedules.
type Config struct {
	DBPath             string
	WALPath            string
	PageSize           int
	MaxCachePages      int
	CheckpointSchedule string // cron expression, e.g. "@every 30s"; "" disables
	DeadlockSchedule   string // cron expression, e.g. "@every 50ms"; "" disables
}

// Engine is the top-level handle a caller opens a database through. It owns
// exactly one Pager, one Catalog, one LockManager and one RecoveryManager,
// and a TableHeap per open table.
type Engine struct {
	RunID uuid.UUID

	mu       sync.RWMutex
	pager    *pager.Pager
	cat      *pager.Catalog
	locks    *lock.LockManager
	recovery *recovery.RecoveryManager
	heaps    map[uint32]*pager.TableHeap

	maintenance *cron.Cron
}

// Txn is a handle to an in-flight transaction. It is not safe for
// concurrent use by multiple goroutines.
type Txn struct {
	id  pager.TxID
	ctx *lock.TxnContext

	pendingDeletes []pendingDelete
}

type pendingDelete struct {
	tableID uint32
	rid     pager.RID
}

// Open creates or reuses a database file at cfg.DBPath, replays any
// physical WAL left by an unclean shutdown, and opens the system catalog.
func Open(cfg Config) (*Engine, error) {
	p, err := pager.OpenPager(pager.PagerConfig{
		DBPath:        cfg.DBPath,
		WALPath:       cfg.WALPath,
		PageSize:      cfg.PageSize,
		MaxCachePages: cfg.MaxCachePages,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open pager")
	}

	txID, err := p.BeginTx()
	if err != nil {
		return nil, errors.Wrap(err, "begin catalog transaction")
	}
	cat, err := pager.OpenCatalog(p, txID)
	if err != nil {
		p.AbortTx(txID)
		return nil, errors.Wrap(err, "open catalog")
	}
	if err := p.CommitTx(txID); err != nil {
		return nil, errors.Wrap(err, "commit catalog open")
	}

	e := &Engine{
		RunID:    uuid.New(),
		pager:    p,
		cat:      cat,
		locks:    lock.NewLockManager(),
		recovery: recovery.NewRecoveryManager(),
		heaps:    make(map[uint32]*pager.TableHeap),
	}

	entries, err := cat.AllEntries()
	if err != nil {
		return nil, errors.Wrap(err, "enumerate catalog tables")
	}
	for _, info := range entries {
		e.heaps[info.TableID] = pager.OpenTableHeap(p, info.FirstPageID, e.recovery)
	}

	if cfg.CheckpointSchedule != "" || cfg.DeadlockSchedule != "" {
		e.maintenance = cron.New()
		if cfg.CheckpointSchedule != "" {
			if _, err := e.maintenance.AddFunc(cfg.CheckpointSchedule, func() { e.pager.Checkpoint() }); err != nil {
				return nil, errors.Wrap(err, "schedule checkpoint")
			}
		}
		e.maintenance.Start()
	}
	if cfg.DeadlockSchedule != "" {
		if err := e.locks.StartDeadlockDetector(cfg.DeadlockSchedule); err != nil {
			return nil, errors.Wrap(err, "start deadlock detector")
		}
	}

	return e, nil
}

// Close stops background maintenance and flushes a final checkpoint.
func (e *Engine) Close() error {
	if e.maintenance != nil {
		ctx := e.maintenance.Stop()
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}
	e.locks.StopDeadlockDetector()
	return e.pager.Checkpoint()
}

// BeginTxn starts a new transaction at the given isolation level, opening
// both the physical (pager) transaction and the logical lock/recovery
// bookkeeping for it.
func (e *Engine) BeginTxn(level lock.IsolationLevel) (*Txn, error) {
	id, err := e.pager.BeginTx()
	if err != nil {
		return nil, errors.Wrap(err, "begin pager transaction")
	}
	ctx := e.locks.BeginTxn(id, level)
	e.recovery.Begin(uint64(id))
	return &Txn{id: id, ctx: ctx}, nil
}

// Commit applies every row this transaction mark-deleted, records the
// commit in the recovery log, releases its locks, and commits the
// underlying page-level transaction.
func (e *Engine) Commit(txn *Txn) error {
	e.mu.RLock()
	for _, pd := range txn.pendingDeletes {
		heap, ok := e.heaps[pd.tableID]
		if !ok {
			continue
		}
		if err := heap.ApplyDelete(txn.id, pd.rid); err != nil {
			e.mu.RUnlock()
			return errors.Wrapf(err, "apply delete %s on commit", pd.rid)
		}
	}
	e.mu.RUnlock()

	e.recovery.Commit(uint64(txn.id))
	e.locks.EndTxn(txn.ctx)
	return e.pager.CommitTx(txn.id)
}

// Abort rolls back every row this transaction mark-deleted, records the
// abort in the recovery log (which itself undoes any Insert/Update this
// transaction logged), releases its locks, and aborts the underlying
// page-level transaction.
func (e *Engine) Abort(txn *Txn) error {
	e.mu.RLock()
	for _, pd := range txn.pendingDeletes {
		heap, ok := e.heaps[pd.tableID]
		if !ok {
			continue
		}
		if err := heap.RollbackDelete(txn.id, pd.rid); err != nil {
			e.mu.RUnlock()
			return errors.Wrapf(err, "rollback delete %s on abort", pd.rid)
		}
	}
	e.mu.RUnlock()

	e.recovery.Abort(uint64(txn.id))
	e.locks.EndTxn(txn.ctx)
	return e.pager.AbortTx(txn.id)
}

// CreateTable allocates a fresh TableHeap and registers it in the catalog.
func (e *Engine) CreateTable(txn *Txn, tenant, table string, schema pager.Schema) (*pager.TableInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	heap, err := pager.NewTableHeap(e.pager, txn.id, e.recovery)
	if err != nil {
		return nil, errors.Wrap(err, "allocate table heap")
	}
	info, err := e.cat.CreateTable(txn.id, tenant, table, schema, heap.FirstPageID())
	if err != nil {
		return nil, errors.Wrap(err, "register table")
	}
	e.heaps[info.TableID] = heap
	return info, nil
}

// CreateIndex allocates a fresh B+-Tree and registers it in the catalog as
// an index over tableID.
func (e *Engine) CreateIndex(txn *Txn, tableID uint32, name string, schema pager.Schema) (*pager.IndexInfo, error) {
	bt, err := pager.CreateBTree(e.pager, txn.id)
	if err != nil {
		return nil, errors.Wrap(err, "allocate index root")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	info, err := e.cat.CreateIndex(txn.id, tableID, name, schema, bt.Root())
	if err != nil {
		return nil, errors.Wrap(err, "register index")
	}
	return info, nil
}

// Table looks up a table's TableInfo by tenant and name.
func (e *Engine) Table(tenant, name string) (*pager.TableInfo, error) {
	return e.cat.GetEntry(tenant, name)
}

// ListTables returns every table name registered for tenant, sorted.
func (e *Engine) ListTables(tenant string) ([]string, error) {
	return e.cat.ListTables(tenant)
}

// DBPath returns the path of the underlying database file, for tools that
// need to inspect it directly (e.g. the storagectl admin surface).
func (e *Engine) DBPath() string { return e.pager.Path() }

// PageSize returns the configured page size in bytes.
func (e *Engine) PageSize() int { return e.pager.PageSize() }

// Stats reports the superblock's allocation bookkeeping.
func (e *Engine) Stats() (*pager.SuperblockInfo, error) {
	return pager.InspectSuperblock(e.DBPath())
}

// InspectPage reports the on-disk contents of a single logical page.
func (e *Engine) InspectPage(logical pager.PageID) (*pager.PageInfo, error) {
	return pager.InspectLogicalPage(e.DBPath(), logical, e.PageSize())
}

func (e *Engine) heapFor(tableID uint32) (*pager.TableHeap, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	heap, ok := e.heaps[tableID]
	if !ok {
		return nil, fmt.Errorf("table id %d is not open", tableID)
	}
	return heap, nil
}

// Insert appends row to tableID's heap and takes an exclusive lock on its
// freshly assigned RID so no other transaction can read it uncommitted.
func (e *Engine) Insert(txn *Txn, tableID uint32, row []any) (pager.RID, error) {
	heap, err := e.heapFor(tableID)
	if err != nil {
		return pager.InvalidRID, err
	}
	rid, err := heap.InsertTuple(txn.id, row)
	if err != nil {
		return pager.InvalidRID, errors.Wrap(err, "insert tuple")
	}
	if err := e.locks.LockExclusive(txn.ctx, rid); err != nil {
		return pager.InvalidRID, errors.Wrap(err, "lock new row")
	}
	return rid, nil
}

// Get takes a shared lock on rid and returns its current row.
func (e *Engine) Get(txn *Txn, tableID uint32, rid pager.RID) ([]any, error) {
	heap, err := e.heapFor(tableID)
	if err != nil {
		return nil, err
	}
	if err := e.locks.LockShared(txn.ctx, rid); err != nil {
		return nil, errors.Wrap(err, "lock row for read")
	}
	return heap.GetTuple(rid)
}

// Update takes an exclusive lock on rid and replaces its row. If the update
// could not fit in place, the heap assigns a new RID, which Update also
// locks before returning it.
func (e *Engine) Update(txn *Txn, tableID uint32, rid pager.RID, newRow []any) (pager.RID, error) {
	heap, err := e.heapFor(tableID)
	if err != nil {
		return pager.InvalidRID, err
	}
	if err := e.locks.LockExclusive(txn.ctx, rid); err != nil {
		return pager.InvalidRID, errors.Wrap(err, "lock row for update")
	}
	newRID, err := heap.UpdateTuple(txn.id, rid, newRow)
	if err != nil {
		return pager.InvalidRID, errors.Wrap(err, "update tuple")
	}
	if newRID != rid {
		if err := e.locks.LockExclusive(txn.ctx, newRID); err != nil {
			return pager.InvalidRID, errors.Wrap(err, "lock relocated row")
		}
	}
	return newRID, nil
}

// Delete takes an exclusive lock on rid and marks it deleted. The row stays
// addressable (for concurrent readers already holding a shared lock) until
// Commit calls ApplyDelete, or Abort calls RollbackDelete.
func (e *Engine) Delete(txn *Txn, tableID uint32, rid pager.RID) error {
	heap, err := e.heapFor(tableID)
	if err != nil {
		return err
	}
	if err := e.locks.LockExclusive(txn.ctx, rid); err != nil {
		return errors.Wrap(err, "lock row for delete")
	}
	if err := heap.MarkDelete(txn.id, rid); err != nil {
		return errors.Wrap(err, "mark delete")
	}
	txn.pendingDeletes = append(txn.pendingDeletes, pendingDelete{tableID: tableID, rid: rid})
	return nil
}

// Scan calls fn with every live row in tableID, in heap order, taking a
// shared lock on each RID as it is visited. fn returning false stops the
// scan early.
func (e *Engine) Scan(txn *Txn, tableID uint32, fn func(rid pager.RID, row []any) bool) error {
	heap, err := e.heapFor(tableID)
	if err != nil {
		return err
	}
	it, err := heap.Begin()
	if err != nil {
		return errors.Wrap(err, "begin scan")
	}
	for it.Valid() {
		if err := e.locks.LockShared(txn.ctx, it.RID()); err != nil {
			return errors.Wrap(err, "lock scanned row")
		}
		if !fn(it.RID(), it.Row()) {
			break
		}
		if err := it.Next(); err != nil {
			return errors.Wrap(err, "advance scan")
		}
	}
	return nil
}

// GC runs the reachability-based garbage collector. It must be called when
// no other transaction is active.
func (e *Engine) GC() (*pager.GCResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return pager.GC(e.pager, e.cat)
}

// Checkpoint flushes a physical-WAL checkpoint on demand, outside the
// scheduled cadence.
func (e *Engine) Checkpoint() error {
	return e.pager.Checkpoint()
}
