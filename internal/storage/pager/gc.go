package pager

import "fmt"

// ───────────────────────────────────────────────────────────────────────────
// Garbage Collector (VACUUM)
// ───────────────────────────────────────────────────────────────────────────
//
// GC performs a reachability scan over all logical pages in the database. It
// starts from the CatalogMeta page, walks every table's meta page and
// TableHeap chain and every index's meta page and B+-Tree, and marks every
// page visited along the way. Any allocated page that was not visited is an
// orphan and gets reclaimed through the normal bitmap-extent free path.
//
// This reclaims pages lost to:
//   - a crash between allocating a new root and linking it into its parent
//   - overflow chains orphaned by a key update that didn't free the old chain
//   - aborted transactions that allocated pages before rolling back

// GCResult holds statistics about a garbage collection run.
type GCResult struct {
	TotalPages     int      // logical pages ever allocated (high-water mark)
	ReachablePages int      // pages reachable from the catalog
	Reclaimed      int      // newly freed orphan pages
	Errors         []string // non-fatal issues found during the scan
}

// GC performs a full reachability-based garbage collection on the database.
// It must be called when no other writers are active (exclusive access).
func GC(p *Pager, cat *Catalog) (*GCResult, error) {
	sb := p.Superblock()
	totalPages := int(sb.NextLogicalPageID) // high-water mark of logical ids
	if totalPages < 1 {
		return &GCResult{}, nil
	}
	result := &GCResult{TotalPages: totalPages}

	reachable := make(map[PageID]struct{}, totalPages)
	if cat.Root() != InvalidPageID {
		reachable[cat.Root()] = struct{}{} // CatalogMeta page itself, always live
	}
	if sb.IndexRootsRoot != InvalidPageID {
		reachable[sb.IndexRootsRoot] = struct{}{}
	}

	entries, err := cat.AllEntries()
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("catalog scan: %v", err))
	}
	for _, entry := range entries {
		reachable[entry.lastMetaPageID] = struct{}{} // TableMeta page
		walkTableHeap(p, entry.FirstPageID, reachable, result)
	}

	indexes, err := cat.AllIndexes()
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("index catalog scan: %v", err))
	}
	for _, idx := range indexes {
		reachable[idx.lastMetaPageID] = struct{}{} // IndexMeta page
		walkBTreePage(p, idx.RootPageID, reachable, result)
	}
	result.ReachablePages = len(reachable)

	var reclaimed int
	for pid := PageID(0); pid < PageID(totalPages); pid++ {
		if _, isReachable := reachable[pid]; isReachable {
			continue
		}
		free, err := p.IsPageFree(pid)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("check page %d: %v", pid, err))
			continue
		}
		if free {
			continue
		}
		if err := p.FreePage(pid); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("reclaim page %d: %v", pid, err))
			continue
		}
		reclaimed++
	}
	result.Reclaimed = reclaimed

	if reclaimed > 0 {
		if err := p.Checkpoint(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("checkpoint: %v", err))
		}
	}
	return result, nil
}

// walkTableHeap marks every page of a TableHeap's page chain as reachable,
// following NextPageID links rather than recursing into a tree.
func walkTableHeap(p *Pager, firstPageID PageID, reachable map[PageID]struct{}, result *GCResult) {
	pid := firstPageID
	for pid != InvalidPageID {
		if _, seen := reachable[pid]; seen {
			break
		}
		reachable[pid] = struct{}{}

		buf, err := p.ReadPage(pid)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("read table page %d: %v", pid, err))
			return
		}
		tp := WrapTablePage(buf)
		next := tp.NextPageID()
		p.UnpinPage(pid)
		pid = next
	}
}

// walkBTreePage recursively marks all pages of a B+Tree as reachable.
func walkBTreePage(p *Pager, pid PageID, reachable map[PageID]struct{}, result *GCResult) {
	if pid == InvalidPageID {
		return
	}
	if _, seen := reachable[pid]; seen {
		return
	}
	reachable[pid] = struct{}{}

	buf, err := p.ReadPage(pid)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("read page %d: %v", pid, err))
		return
	}

	bp := WrapBTreePage(buf)
	if bp.IsLeaf() {
		sc := bp.slotCount()
		for i := 0; i < sc; i++ {
			entry := bp.GetLeafEntry(i)
			if entry.Overflow {
				walkOverflowChain(p, entry.OverflowPageID, reachable, result)
			}
		}
		p.UnpinPage(pid)
		return
	}

	sc := bp.slotCount()
	children := make([]PageID, 0, sc+1)
	for i := 0; i < sc; i++ {
		children = append(children, bp.GetInternalEntry(i).ChildID)
	}
	children = append(children, bp.RightChild())
	p.UnpinPage(pid)

	for _, child := range children {
		walkBTreePage(p, child, reachable, result)
	}
}

func walkOverflowChain(p *Pager, headID PageID, reachable map[PageID]struct{}, result *GCResult) {
	pid := headID
	for pid != InvalidPageID {
		if _, seen := reachable[pid]; seen {
			break
		}
		reachable[pid] = struct{}{}

		buf, err := p.ReadPage(pid)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("read overflow %d: %v", pid, err))
			return
		}
		op := WrapOverflowPage(buf)
		next := op.NextOverflow()
		p.UnpinPage(pid)
		pid = next
	}
}
