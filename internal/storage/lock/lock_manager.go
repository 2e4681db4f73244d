// Package lock implements row-level two-phase locking with deadlock
// detection, per spec.md §4.6.
package lock

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/SimonWaldherr/storageengine/internal/storage/pager"
)

// LockMode is the mode a lock request wants or holds on a row.
type LockMode int

const (
	ModeNone LockMode = iota
	ModeShared
	ModeExclusive
)

// TxnState is a transaction's position in the 2PL state machine:
// Growing → Shrinking → (Committed | Aborted).
type TxnState int

const (
	Growing TxnState = iota
	Shrinking
	Committed
	Aborted
)

// IsolationLevel controls whether a transaction may take shared locks at
// all (ReadUncommitted never does).
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

var (
	ErrLockOnShrinking = errors.New("lock: cannot acquire a new lock while shrinking")
	ErrSharedOnRU      = errors.New("lock: shared locks are not taken under read-uncommitted")
	ErrUpgradeConflict = errors.New("lock: another upgrade is already in progress on this row")
	ErrDeadlock        = errors.New("lock: transaction aborted by deadlock detector")
	ErrNotHolding      = errors.New("lock: transaction does not hold a lock on this row")
)

// TxnContext tracks one transaction's lock state. The LockManager's latch
// guards every field here too — there is no per-txn mutex, matching the
// single-latch model spec.md §4.6 describes.
type TxnContext struct {
	ID        pager.TxID
	Isolation IsolationLevel
	State     TxnState

	shared    map[pager.RID]struct{}
	exclusive map[pager.RID]struct{}
}

func newTxnContext(id pager.TxID, level IsolationLevel) *TxnContext {
	return &TxnContext{
		ID:        id,
		Isolation: level,
		State:     Growing,
		shared:    make(map[pager.RID]struct{}),
		exclusive: make(map[pager.RID]struct{}),
	}
}

// request is one entry in a row's wait queue.
type request struct {
	txnID   pager.TxID
	mode    LockMode
	granted bool
}

// rowQueue is the per-row state spec.md §4.6 names
// {request_list, sharing_cnt, is_writing, is_upgrading, cond_var}.
type rowQueue struct {
	requests    []*request
	sharingCnt  int
	isWriting   bool
	isUpgrading bool
	cond        *sync.Cond
}

// LockManager grants and releases row locks under two-phase locking and
// detects deadlocks among waiting transactions.
//
// A single mutex (latch) guards the whole manager; every row's condition
// variable shares that same Locker, so Wait()/Broadcast() calls on distinct
// rows never race with each other or with the table/txn maps.
type LockManager struct {
	latch sync.Mutex
	table map[pager.RID]*rowQueue
	txns  map[pager.TxID]*TxnContext

	detector *cron.Cron
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{
		table: make(map[pager.RID]*rowQueue),
		txns:  make(map[pager.TxID]*TxnContext),
	}
}

// BeginTxn registers a new transaction under the given isolation level and
// returns its lock context. Callers acquire and release locks through this
// context, not through the raw TxID.
func (lm *LockManager) BeginTxn(id pager.TxID, level IsolationLevel) *TxnContext {
	lm.latch.Lock()
	defer lm.latch.Unlock()
	txn := newTxnContext(id, level)
	lm.txns[id] = txn
	return txn
}

// EndTxn releases every row lock the transaction still holds, wakes the
// waiters on those rows, and drops the transaction's bookkeeping.
func (lm *LockManager) EndTxn(txn *TxnContext) {
	lm.latch.Lock()
	defer lm.latch.Unlock()
	for _, held := range []map[pager.RID]struct{}{txn.shared, txn.exclusive} {
		for rid := range held {
			q, ok := lm.table[rid]
			if !ok {
				continue
			}
			if req := removeRequestByTxn(q, txn.ID); req != nil && req.granted {
				if req.mode == ModeShared {
					q.sharingCnt--
				} else {
					q.isWriting = false
				}
			}
			q.cond.Broadcast()
			if len(q.requests) == 0 {
				delete(lm.table, rid)
			}
		}
	}
	delete(lm.txns, txn.ID)
}

func (lm *LockManager) queueFor(rid pager.RID) *rowQueue {
	q, ok := lm.table[rid]
	if !ok {
		q = &rowQueue{cond: sync.NewCond(&lm.latch)}
		lm.table[rid] = q
	}
	return q
}

// LockShared acquires a shared lock on rid, blocking until granted.
func (lm *LockManager) LockShared(txn *TxnContext, rid pager.RID) error {
	lm.latch.Lock()
	defer lm.latch.Unlock()

	if txn.State == Aborted {
		return ErrDeadlock
	}
	if _, held := txn.shared[rid]; held {
		return nil
	}
	if _, held := txn.exclusive[rid]; held {
		return nil // exclusive already subsumes shared
	}
	if txn.Isolation == ReadUncommitted {
		txn.State = Aborted
		return ErrSharedOnRU
	}
	if txn.State == Shrinking {
		txn.State = Aborted
		return ErrLockOnShrinking
	}

	q := lm.queueFor(rid)
	req := &request{txnID: txn.ID, mode: ModeShared}
	q.requests = append(q.requests, req)

	for q.isWriting {
		q.cond.Wait()
		if txn.State == Aborted {
			removeRequest(q, req)
			q.cond.Broadcast()
			return ErrDeadlock
		}
	}

	req.granted = true
	q.sharingCnt++
	txn.shared[rid] = struct{}{}
	return nil
}

// LockExclusive acquires an exclusive lock on rid, blocking until granted.
func (lm *LockManager) LockExclusive(txn *TxnContext, rid pager.RID) error {
	lm.latch.Lock()
	defer lm.latch.Unlock()

	if txn.State == Aborted {
		return ErrDeadlock
	}
	if _, held := txn.exclusive[rid]; held {
		return nil
	}
	if txn.State == Shrinking {
		txn.State = Aborted
		return ErrLockOnShrinking
	}

	q := lm.queueFor(rid)
	req := &request{txnID: txn.ID, mode: ModeExclusive}
	q.requests = append(q.requests, req)

	for q.isWriting || q.sharingCnt > 0 {
		q.cond.Wait()
		if txn.State == Aborted {
			removeRequest(q, req)
			q.cond.Broadcast()
			return ErrDeadlock
		}
	}

	req.granted = true
	q.isWriting = true
	txn.exclusive[rid] = struct{}{}
	return nil
}

// LockUpgrade promotes an already-held shared lock to exclusive. Only one
// upgrade may be pending on a given row at a time.
func (lm *LockManager) LockUpgrade(txn *TxnContext, rid pager.RID) error {
	lm.latch.Lock()
	defer lm.latch.Unlock()

	if _, held := txn.exclusive[rid]; held {
		return nil
	}
	if _, held := txn.shared[rid]; !held {
		return ErrNotHolding
	}
	if txn.State == Shrinking {
		txn.State = Aborted
		return ErrLockOnShrinking
	}

	q := lm.table[rid]
	if q.isUpgrading {
		return ErrUpgradeConflict
	}
	q.isUpgrading = true
	defer func() { q.isUpgrading = false }()

	var req *request
	for _, r := range q.requests {
		if r.txnID == txn.ID && r.mode == ModeShared {
			req = r
			break
		}
	}

	for q.isWriting || q.sharingCnt != 1 {
		q.cond.Wait()
		if txn.State == Aborted {
			return ErrDeadlock
		}
	}

	req.mode = ModeExclusive
	q.sharingCnt--
	q.isWriting = true
	delete(txn.shared, rid)
	txn.exclusive[rid] = struct{}{}
	return nil
}

// Unlock releases whatever lock txn holds on rid. The first Unlock call in
// a transaction's lifetime moves it from Growing to Shrinking.
func (lm *LockManager) Unlock(txn *TxnContext, rid pager.RID) error {
	lm.latch.Lock()
	defer lm.latch.Unlock()

	q, ok := lm.table[rid]
	if !ok {
		return ErrNotHolding
	}
	req := removeRequestByTxn(q, txn.ID)
	if req == nil {
		return ErrNotHolding
	}

	if req.granted {
		switch req.mode {
		case ModeShared:
			q.sharingCnt--
		case ModeExclusive:
			q.isWriting = false
		}
	}
	delete(txn.shared, rid)
	delete(txn.exclusive, rid)

	if txn.State == Growing {
		txn.State = Shrinking
	}

	q.cond.Broadcast()
	if len(q.requests) == 0 {
		delete(lm.table, rid)
	}
	return nil
}

func removeRequest(q *rowQueue, target *request) {
	for i, r := range q.requests {
		if r == target {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return
		}
	}
}

func removeRequestByTxn(q *rowQueue, txnID pager.TxID) *request {
	for i, r := range q.requests {
		if r.txnID == txnID {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return r
		}
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Deadlock detection
// ───────────────────────────────────────────────────────────────────────────

// buildWaitsForGraph adds an edge waiter→holder for every ungranted request
// that shares a row with a granted one.
func (lm *LockManager) buildWaitsForGraph() map[pager.TxID]map[pager.TxID]struct{} {
	graph := make(map[pager.TxID]map[pager.TxID]struct{})
	for _, q := range lm.table {
		var waiters, holders []pager.TxID
		for _, r := range q.requests {
			if r.granted {
				holders = append(holders, r.txnID)
			} else {
				waiters = append(waiters, r.txnID)
			}
		}
		for _, w := range waiters {
			for _, h := range holders {
				if w == h {
					continue
				}
				if graph[w] == nil {
					graph[w] = make(map[pager.TxID]struct{})
				}
				graph[w][h] = struct{}{}
			}
		}
	}
	return graph
}

// findCycle runs DFS over the waits-for graph in ascending txn-id order and
// returns the newest (highest) txn id in the first cycle it finds.
func findCycle(graph map[pager.TxID]map[pager.TxID]struct{}) (pager.TxID, bool) {
	nodes := make([]pager.TxID, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	visited := make(map[pager.TxID]bool)
	onPath := make(map[pager.TxID]bool)
	var path []pager.TxID

	var dfs func(n pager.TxID) (pager.TxID, bool)
	dfs = func(n pager.TxID) (pager.TxID, bool) {
		visited[n] = true
		onPath[n] = true
		path = append(path, n)

		neighbors := make([]pager.TxID, 0, len(graph[n]))
		for m := range graph[n] {
			neighbors = append(neighbors, m)
		}
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })

		for _, m := range neighbors {
			if onPath[m] {
				var newest pager.TxID
				inCycle := false
				for _, p := range path {
					if p == m {
						inCycle = true
					}
					if inCycle && p > newest {
						newest = p
					}
				}
				return newest, true
			}
			if !visited[m] {
				if victim, found := dfs(m); found {
					return victim, true
				}
			}
		}

		onPath[n] = false
		path = path[:len(path)-1]
		return 0, false
	}

	for _, n := range nodes {
		if !visited[n] {
			if victim, found := dfs(n); found {
				return victim, true
			}
		}
	}
	return 0, false
}

// RunCycleDetection builds the waits-for graph, aborts the newest txn in
// every cycle it finds, and wakes the rows those txns were waiting on. It
// repeats until no cycle remains, since aborting one victim can still leave
// another cycle standing. Returns the txn ids it aborted.
func (lm *LockManager) RunCycleDetection() []pager.TxID {
	lm.latch.Lock()
	defer lm.latch.Unlock()

	var victims []pager.TxID
	for {
		graph := lm.buildWaitsForGraph()
		victim, found := findCycle(graph)
		if !found {
			break
		}
		victims = append(victims, victim)
		if txn, ok := lm.txns[victim]; ok {
			txn.State = Aborted
		}

		for _, q := range lm.table {
			woke := false
			for i := 0; i < len(q.requests); {
				if q.requests[i].txnID == victim && !q.requests[i].granted {
					q.requests = append(q.requests[:i], q.requests[i+1:]...)
					woke = true
					continue
				}
				i++
			}
			if woke {
				q.cond.Broadcast()
			}
		}
	}
	return victims
}

// StartDeadlockDetector runs RunCycleDetection on the given cron schedule
// (e.g. "@every 50ms") until StopDeadlockDetector is called.
func (lm *LockManager) StartDeadlockDetector(schedule string) error {
	lm.detector = cron.New()
	if _, err := lm.detector.AddFunc(schedule, func() { lm.RunCycleDetection() }); err != nil {
		return err
	}
	lm.detector.Start()
	return nil
}

// StopDeadlockDetector stops the background detector and waits for the
// in-flight run, if any, to finish.
func (lm *LockManager) StopDeadlockDetector() {
	if lm.detector == nil {
		return
	}
	ctx := lm.detector.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
	lm.detector = nil
}
