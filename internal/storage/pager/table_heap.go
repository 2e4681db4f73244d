package pager

import (
	"errors"
	"fmt"
)

// RowLogger is the logging hook TableHeap calls on every mutation, keyed by
// RID string (spec.md §4.4's "every mutation first emits a LogRec"). Its
// method set matches internal/storage/recovery.RecoveryManager exactly, so
// that type satisfies it without pager importing recovery (which would
// create an import cycle, since recovery sits above pager in the stack).
type RowLogger interface {
	LogInsert(txnID uint64, key string, val any) uint64
	LogDelete(txnID uint64, key string, oldVal any) uint64
	LogUpdate(txnID uint64, oldKey, newKey string, oldVal, newVal any) uint64
}

var (
	ErrRowNotFound  = errors.New("table heap: row not found")
	ErrRowDeleted   = errors.New("table heap: row already deleted")
	ErrNoRoomOnPage = errors.New("table heap: no room on any page")
)

// TableHeap is a singly-linked list of TablePages holding one table's rows,
// accessed only through RIDs (spec.md §4.4). Row locking happens one layer
// up, at the transaction boundary that owns both the LockManager and this
// heap — TableHeap itself only assigns and moves slots.
type TableHeap struct {
	pager       *Pager
	firstPageID PageID
	lastPageID  PageID
	log         RowLogger
}

// NewTableHeap allocates a fresh single-page heap.
func NewTableHeap(p *Pager, txID TxID, log RowLogger) (*TableHeap, error) {
	pid, buf, err := p.AllocPage()
	if err != nil {
		return nil, err
	}
	InitTablePage(buf, pid, InvalidPageID)
	SetPageCRC(buf)
	if err := p.WritePage(txID, pid, buf); err != nil {
		p.UnpinPage(pid)
		return nil, err
	}
	p.UnpinPage(pid)
	return &TableHeap{pager: p, firstPageID: pid, lastPageID: pid, log: log}, nil
}

// OpenTableHeap reopens a heap whose first page is already known (read from
// a TableInfo). lastPageID is discovered lazily on first insert.
func OpenTableHeap(p *Pager, firstPageID PageID, log RowLogger) *TableHeap {
	return &TableHeap{pager: p, firstPageID: firstPageID, lastPageID: InvalidPageID, log: log}
}

// FirstPageID returns the heap's head page, for persisting in the catalog.
func (h *TableHeap) FirstPageID() PageID { return h.firstPageID }

func (h *TableHeap) logKey(rid RID) string { return rid.String() }

// InsertTuple appends row to the heap, trying the cached last page first,
// then walking next_page_id links, then growing the list (spec.md §4.4's
// TableHeap.insert_tuple policy).
func (h *TableHeap) InsertTuple(txID TxID, row []any) (RID, error) {
	data := MarshalRow(row, nil)

	if h.lastPageID == InvalidPageID {
		if err := h.findLastPage(); err != nil {
			return InvalidRID, err
		}
	}

	pid := h.lastPageID
	for pid != InvalidPageID {
		buf, err := h.pager.ReadPage(pid)
		if err != nil {
			return InvalidRID, err
		}
		tp := WrapTablePage(buf)
		slot, insErr := tp.InsertRecord(data)
		if insErr == nil {
			SetPageCRC(buf)
			if err := h.pager.WritePage(txID, pid, buf); err != nil {
				h.pager.UnpinPage(pid)
				return InvalidRID, err
			}
			h.pager.UnpinPage(pid)
			h.lastPageID = pid
			rid := RID{PageID: pid, Slot: uint16(slot)}
			if h.log != nil {
				h.log.LogInsert(uint64(txID), h.logKey(rid), row)
			}
			return rid, nil
		}
		next := tp.NextPageID()
		h.pager.UnpinPage(pid)
		if next == InvalidPageID {
			newPID, err := h.appendPage(txID, pid)
			if err != nil {
				return InvalidRID, err
			}
			pid = newPID
			continue
		}
		pid = next
	}
	return InvalidRID, ErrNoRoomOnPage
}

// appendPage allocates a new page, links it after prev, and returns its id.
func (h *TableHeap) appendPage(txID TxID, prev PageID) (PageID, error) {
	newPID, newBuf, err := h.pager.AllocPage()
	if err != nil {
		return InvalidPageID, err
	}
	InitTablePage(newBuf, newPID, prev)
	SetPageCRC(newBuf)
	if err := h.pager.WritePage(txID, newPID, newBuf); err != nil {
		h.pager.UnpinPage(newPID)
		return InvalidPageID, err
	}
	h.pager.UnpinPage(newPID)

	prevBuf, err := h.pager.ReadPage(prev)
	if err != nil {
		return InvalidPageID, err
	}
	WrapTablePage(prevBuf).SetNextPageID(newPID)
	SetPageCRC(prevBuf)
	if err := h.pager.WritePage(txID, prev, prevBuf); err != nil {
		h.pager.UnpinPage(prev)
		return InvalidPageID, err
	}
	h.pager.UnpinPage(prev)
	return newPID, nil
}

// findLastPage walks the link chain from firstPageID to discover the tail.
func (h *TableHeap) findLastPage() error {
	pid := h.firstPageID
	for {
		buf, err := h.pager.ReadPage(pid)
		if err != nil {
			return err
		}
		next := WrapTablePage(buf).NextPageID()
		h.pager.UnpinPage(pid)
		if next == InvalidPageID {
			h.lastPageID = pid
			return nil
		}
		pid = next
	}
}

// GetTuple reads the row at rid.
func (h *TableHeap) GetTuple(rid RID) ([]any, error) {
	buf, err := h.pager.ReadPage(rid.PageID)
	if err != nil {
		return nil, err
	}
	defer h.pager.UnpinPage(rid.PageID)

	tp := WrapTablePage(buf)
	if tp.IsMarkDeleted(int(rid.Slot)) {
		return nil, ErrRowDeleted
	}
	rec := tp.GetRecord(int(rid.Slot))
	if rec == nil {
		return nil, ErrRowNotFound
	}
	return UnmarshalRow(rec)
}

// MarkDelete tombstones rid; the row remains addressable until ApplyDelete.
func (h *TableHeap) MarkDelete(txID TxID, rid RID) error {
	buf, err := h.pager.ReadPage(rid.PageID)
	if err != nil {
		return err
	}
	tp := WrapTablePage(buf)
	rec := tp.GetRecord(int(rid.Slot))
	if rec == nil {
		h.pager.UnpinPage(rid.PageID)
		return ErrRowNotFound
	}
	if err := tp.MarkDelete(int(rid.Slot)); err != nil {
		h.pager.UnpinPage(rid.PageID)
		return err
	}
	SetPageCRC(buf)
	if err := h.pager.WritePage(txID, rid.PageID, buf); err != nil {
		h.pager.UnpinPage(rid.PageID)
		return err
	}
	h.pager.UnpinPage(rid.PageID)
	return nil
}

// RollbackDelete clears rid's tombstone, restoring the row.
func (h *TableHeap) RollbackDelete(txID TxID, rid RID) error {
	buf, err := h.pager.ReadPage(rid.PageID)
	if err != nil {
		return err
	}
	tp := WrapTablePage(buf)
	if err := tp.RollbackDelete(int(rid.Slot)); err != nil {
		h.pager.UnpinPage(rid.PageID)
		return err
	}
	SetPageCRC(buf)
	if err := h.pager.WritePage(txID, rid.PageID, buf); err != nil {
		h.pager.UnpinPage(rid.PageID)
		return err
	}
	h.pager.UnpinPage(rid.PageID)
	return nil
}

// ApplyDelete frees rid's slot for reuse. Must already be marked-deleted.
func (h *TableHeap) ApplyDelete(txID TxID, rid RID) error {
	buf, err := h.pager.ReadPage(rid.PageID)
	if err != nil {
		return err
	}
	tp := WrapTablePage(buf)
	var row []any
	if rec := tp.GetRecord(int(rid.Slot)); rec != nil {
		row, _ = UnmarshalRow(rec)
	}
	if err := tp.ApplyDelete(int(rid.Slot)); err != nil {
		h.pager.UnpinPage(rid.PageID)
		return err
	}
	SetPageCRC(buf)
	if err := h.pager.WritePage(txID, rid.PageID, buf); err != nil {
		h.pager.UnpinPage(rid.PageID)
		return err
	}
	h.pager.UnpinPage(rid.PageID)
	if h.log != nil && row != nil {
		h.log.LogDelete(uint64(txID), h.logKey(rid), row)
	}
	return nil
}

// UpdateTuple replaces the row at rid in place when it fits. When it does
// not, it applies the delete and reinserts, returning a new RID — the
// caller is responsible for updating any index entries pointing at the old
// one (spec.md §4.4).
func (h *TableHeap) UpdateTuple(txID TxID, rid RID, newRow []any) (RID, error) {
	buf, err := h.pager.ReadPage(rid.PageID)
	if err != nil {
		return InvalidRID, err
	}
	tp := WrapTablePage(buf)
	oldRec := tp.GetRecord(int(rid.Slot))
	var oldRow []any
	if oldRec != nil {
		oldRow, _ = UnmarshalRow(oldRec)
	}
	data := MarshalRow(newRow, nil)
	status := tp.UpdateRecord(int(rid.Slot), data)

	switch status {
	case UpdateOK:
		SetPageCRC(buf)
		if err := h.pager.WritePage(txID, rid.PageID, buf); err != nil {
			h.pager.UnpinPage(rid.PageID)
			return InvalidRID, err
		}
		h.pager.UnpinPage(rid.PageID)
		if h.log != nil {
			h.log.LogUpdate(uint64(txID), h.logKey(rid), h.logKey(rid), oldRow, newRow)
		}
		return rid, nil
	case UpdateNotFound:
		h.pager.UnpinPage(rid.PageID)
		return InvalidRID, ErrRowNotFound
	case UpdateDeleted:
		h.pager.UnpinPage(rid.PageID)
		return InvalidRID, ErrRowDeleted
	case UpdateTooLarge:
		// Mark (not apply) the old slot first, so InsertTuple's freed-slot
		// scan can't hand the new tuple the very slot we're vacating —
		// spec.md §4.4 requires the reinsert to land on a genuinely new
		// RowId. Only apply the delete once the new RID is secured.
		if err := tp.MarkDelete(int(rid.Slot)); err != nil {
			h.pager.UnpinPage(rid.PageID)
			return InvalidRID, err
		}
		SetPageCRC(buf)
		if err := h.pager.WritePage(txID, rid.PageID, buf); err != nil {
			h.pager.UnpinPage(rid.PageID)
			return InvalidRID, err
		}
		h.pager.UnpinPage(rid.PageID)

		newRID, err := h.InsertTuple(txID, newRow)
		if err != nil {
			return InvalidRID, err
		}
		if err := h.ApplyDelete(txID, rid); err != nil {
			return InvalidRID, err
		}
		if h.log != nil {
			h.log.LogUpdate(uint64(txID), h.logKey(rid), h.logKey(newRID), oldRow, newRow)
		}
		return newRID, nil
	default:
		h.pager.UnpinPage(rid.PageID)
		return InvalidRID, fmt.Errorf("table heap: unknown update status %d", status)
	}
}

// ───────────────────────────────────────────────────────────────────────────
// TableIterator
// ───────────────────────────────────────────────────────────────────────────

// TableIterator walks every live tuple in a TableHeap in page order,
// skipping tombstones, and stops at the InvalidRID sentinel (spec.md §4.4 —
// fixing the infinite-loop bug a naive End() implementation has when it
// reuses a live page/slot pair instead of {InvalidPageID, 0}).
type TableIterator struct {
	heap *TableHeap
	rid  RID
	row  []any
	done bool
}

// Begin returns an iterator positioned at the heap's first live tuple.
func (h *TableHeap) Begin() (*TableIterator, error) {
	it := &TableIterator{heap: h}
	pid := h.firstPageID
	for pid != InvalidPageID {
		buf, err := h.pager.ReadPage(pid)
		if err != nil {
			return nil, err
		}
		tp := WrapTablePage(buf)
		slot, ok := tp.FirstTupleSlot()
		if ok {
			rec := tp.GetRecord(slot)
			row, err := UnmarshalRow(rec)
			h.pager.UnpinPage(pid)
			if err != nil {
				return nil, err
			}
			it.rid = RID{PageID: pid, Slot: uint16(slot)}
			it.row = row
			return it, nil
		}
		next := tp.NextPageID()
		h.pager.UnpinPage(pid)
		pid = next
	}
	it.rid = InvalidRID
	it.done = true
	return it, nil
}

// End is the sentinel RID every TableIterator eventually reaches.
func (h *TableHeap) End() RID { return InvalidRID }

// Valid reports whether the iterator is positioned at a live tuple.
func (it *TableIterator) Valid() bool { return !it.done }

// RID returns the iterator's current position.
func (it *TableIterator) RID() RID { return it.rid }

// Row returns the cached current row.
func (it *TableIterator) Row() []any { return it.row }

// Next advances to the next live tuple, or marks the iterator done.
func (it *TableIterator) Next() error {
	if it.done {
		return nil
	}
	h := it.heap
	pid := it.rid.PageID
	buf, err := h.pager.ReadPage(pid)
	if err != nil {
		return err
	}
	tp := WrapTablePage(buf)
	if slot, ok := tp.NextTupleSlot(int(it.rid.Slot)); ok {
		rec := tp.GetRecord(slot)
		row, err := UnmarshalRow(rec)
		h.pager.UnpinPage(pid)
		if err != nil {
			return err
		}
		it.rid = RID{PageID: pid, Slot: uint16(slot)}
		it.row = row
		return nil
	}
	next := tp.NextPageID()
	h.pager.UnpinPage(pid)

	for next != InvalidPageID {
		buf, err := h.pager.ReadPage(next)
		if err != nil {
			return err
		}
		tp := WrapTablePage(buf)
		slot, ok := tp.FirstTupleSlot()
		if ok {
			rec := tp.GetRecord(slot)
			row, err := UnmarshalRow(rec)
			h.pager.UnpinPage(next)
			if err != nil {
				return err
			}
			it.rid = RID{PageID: next, Slot: uint16(slot)}
			it.row = row
			return nil
		}
		nextNext := tp.NextPageID()
		h.pager.UnpinPage(next)
		next = nextNext
	}

	it.rid = InvalidRID
	it.row = nil
	it.done = true
	return nil
}
