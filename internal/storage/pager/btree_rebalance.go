package pager

import "fmt"

// ───────────────────────────────────────────────────────────────────────────
// Underflow handling — redistribute or coalesce on delete (spec.md §4.5)
// ───────────────────────────────────────────────────────────────────────────
//
// Pages here are variable-length slotted pages, not the fixed-fanout arrays
// a textbook B+Tree assumes, so "minimum occupancy" is judged by bytes used
// rather than a ceil(max_size/2) entry count: a node is underflowing once it
// holds less than half of its usable space. Whether a sibling can *lend* an
// entry without itself underflowing is judged by a simpler entry-count
// headroom check (at least one entry left after lending) — precise
// byte-accounting for a donor after losing one arbitrary-length entry isn't
// worth the complexity here. Both checks only gate internal/leaf non-root
// pages; the root is exempt (it may be smaller than any other node, down to
// a single leaf with zero entries).

// isUnderflow reports whether the page holds less than half its usable
// capacity.
func (bp *BTreePage) isUnderflow(pageSize int) bool {
	used := (pageSize - bp.freeSpaceEnd()) + bp.slotCount()*slotEntrySize
	return used < (pageSize-btreeSlotDirOff)/2
}

// canLend reports whether this page can give up one entry to a sibling and
// remain non-trivial.
func (bp *BTreePage) canLend() bool {
	return bp.KeyCount() > 1
}

// childrenOf returns the full ordered child-pointer list of an internal
// page: entries[0].ChildID, entries[1].ChildID, ..., RightChild.
func childrenOf(bp *BTreePage) []PageID {
	entries := bp.GetAllInternalEntries()
	out := make([]PageID, len(entries)+1)
	for i, e := range entries {
		out[i] = e.ChildID
	}
	out[len(entries)] = bp.RightChild()
	return out
}

// keysOf returns the separator keys of an internal page, in order.
func keysOf(bp *BTreePage) [][]byte {
	entries := bp.GetAllInternalEntries()
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}

// reinitInternal rewrites an internal page in place from a child list and a
// key list (len(children) == len(keys)+1), the same reinit-and-reinsert
// technique insertWithSplit/splitInternal use when rebuilding a page.
func reinitInternal(bp *BTreePage, children []PageID, keys [][]byte) error {
	id := bp.PageID()
	InitBTreePage(bp.buf, id, false)
	for i, k := range keys {
		if err := bp.InsertInternalEntry(InternalEntry{ChildID: children[i], Key: k}); err != nil {
			return fmt.Errorf("rebalance: reinit internal: %w", err)
		}
	}
	bp.SetRightChild(children[len(children)-1])
	return nil
}

// rebalanceAfterDelete walks from the modified leaf up toward the root,
// fixing any page left underflowing by the delete. path[len(path)-1] is the
// leaf that was just modified; path[0] is the root.
func (bt *BTree) rebalanceAfterDelete(txID TxID, path []PageID) error {
	idx := len(path) - 1
	for idx > 0 {
		nodeID := path[idx]
		buf, err := bt.pager.ReadPage(nodeID)
		if err != nil {
			return err
		}
		bp := WrapBTreePage(buf)
		under := bp.isUnderflow(bt.pager.pageSize)
		bt.pager.UnpinPage(nodeID)
		if !under {
			return nil
		}

		parentID := path[idx-1]
		merged, err := bt.rebalanceNode(txID, parentID, nodeID)
		if err != nil {
			return err
		}
		if !merged {
			return nil // redistribution resolved it; ancestors are unaffected
		}
		idx-- // the parent lost a separator — it may now underflow itself
	}
	return bt.collapseRootIfNeeded(txID, path[0])
}

// rebalanceNode resolves an underflowing child of parentID by redistributing
// from a sibling, or failing that, coalescing with one. Returns merged=true
// if a sibling was freed and the parent lost an entry (the caller must then
// re-check the parent for underflow).
func (bt *BTree) rebalanceNode(txID TxID, parentID, nodeID PageID) (merged bool, err error) {
	pbuf, err := bt.pager.ReadPage(parentID)
	if err != nil {
		return false, err
	}
	pbp := WrapBTreePage(pbuf)
	children := childrenOf(pbp)
	keys := keysOf(pbp)

	nodeIdx := -1
	for i, c := range children {
		if c == nodeID {
			nodeIdx = i
			break
		}
	}
	if nodeIdx == -1 {
		bt.pager.UnpinPage(parentID)
		return false, fmt.Errorf("btree rebalance: child %d not found under parent %d", nodeID, parentID)
	}

	nbuf, err := bt.pager.ReadPage(nodeID)
	if err != nil {
		bt.pager.UnpinPage(parentID)
		return false, err
	}
	nbp := WrapBTreePage(nbuf)
	isLeaf := nbp.IsLeaf()

	// Prefer the right sibling, then the left.
	if nodeIdx+1 < len(children) {
		rightID := children[nodeIdx+1]
		rbuf, rerr := bt.pager.ReadPage(rightID)
		if rerr != nil {
			bt.pager.UnpinPage(parentID)
			bt.pager.UnpinPage(nodeID)
			return false, rerr
		}
		rbp := WrapBTreePage(rbuf)

		if rbp.canLend() {
			if err := bt.redistributeRight(pbp, keys, nodeIdx, nbp, rbp, isLeaf); err != nil {
				bt.pager.UnpinPage(rightID)
				bt.pager.UnpinPage(nodeID)
				bt.pager.UnpinPage(parentID)
				return false, err
			}
			return bt.writeRebalanced(txID, parentID, pbuf, nodeID, nbuf, rightID, rbuf, false)
		}

		if err := bt.mergeInto(nbp, rbp, keys[nodeIdx], isLeaf); err != nil {
			bt.pager.UnpinPage(rightID)
			bt.pager.UnpinPage(nodeID)
			bt.pager.UnpinPage(parentID)
			return false, err
		}
		if err := deleteParentEntry(pbp, nodeIdx); err != nil {
			bt.pager.UnpinPage(rightID)
			bt.pager.UnpinPage(nodeID)
			bt.pager.UnpinPage(parentID)
			return false, err
		}
		bt.pager.UnpinPage(rightID)
		if err := bt.pager.FreePage(rightID); err != nil {
			bt.pager.UnpinPage(nodeID)
			bt.pager.UnpinPage(parentID)
			return false, err
		}
		return bt.writeRebalanced(txID, parentID, pbuf, nodeID, nbuf, InvalidPageID, nil, true)
	}

	// No right sibling — must have a left one (root-level single-child
	// pages are handled by collapseRootIfNeeded, not here).
	leftIdx := nodeIdx - 1
	leftID := children[leftIdx]
	lbuf, lerr := bt.pager.ReadPage(leftID)
	if lerr != nil {
		bt.pager.UnpinPage(parentID)
		bt.pager.UnpinPage(nodeID)
		return false, lerr
	}
	lbp := WrapBTreePage(lbuf)

	if lbp.canLend() {
		if err := bt.redistributeLeft(pbp, keys, leftIdx, lbp, nbp, isLeaf); err != nil {
			bt.pager.UnpinPage(leftID)
			bt.pager.UnpinPage(nodeID)
			bt.pager.UnpinPage(parentID)
			return false, err
		}
		return bt.writeRebalanced(txID, parentID, pbuf, leftID, lbuf, nodeID, nbuf, false)
	}

	if err := bt.mergeInto(lbp, nbp, keys[leftIdx], isLeaf); err != nil {
		bt.pager.UnpinPage(leftID)
		bt.pager.UnpinPage(nodeID)
		bt.pager.UnpinPage(parentID)
		return false, err
	}
	if err := deleteParentEntry(pbp, leftIdx); err != nil {
		bt.pager.UnpinPage(leftID)
		bt.pager.UnpinPage(nodeID)
		bt.pager.UnpinPage(parentID)
		return false, err
	}
	bt.pager.UnpinPage(nodeID)
	if err := bt.pager.FreePage(nodeID); err != nil {
		bt.pager.UnpinPage(leftID)
		bt.pager.UnpinPage(parentID)
		return false, err
	}
	return bt.writeRebalanced(txID, parentID, pbuf, leftID, lbuf, InvalidPageID, nil, true)
}

// writeRebalanced persists the parent and the one or two surviving children
// touched by a redistribute/merge step, then unpins them. Pass InvalidPageID
// for the second child slot when only one survives (the merge case).
func (bt *BTree) writeRebalanced(txID TxID, parentID PageID, pbuf []byte, id1 PageID, buf1 []byte, id2 PageID, buf2 []byte, didMerge bool) (bool, error) {
	SetPageCRC(pbuf)
	if err := bt.pager.WritePage(txID, parentID, pbuf); err != nil {
		bt.pager.UnpinPage(parentID)
		bt.pager.UnpinPage(id1)
		if id2 != InvalidPageID {
			bt.pager.UnpinPage(id2)
		}
		return false, err
	}
	bt.pager.UnpinPage(parentID)

	SetPageCRC(buf1)
	if err := bt.pager.WritePage(txID, id1, buf1); err != nil {
		bt.pager.UnpinPage(id1)
		if id2 != InvalidPageID {
			bt.pager.UnpinPage(id2)
		}
		return false, err
	}
	bt.pager.UnpinPage(id1)

	if id2 != InvalidPageID {
		SetPageCRC(buf2)
		if err := bt.pager.WritePage(txID, id2, buf2); err != nil {
			bt.pager.UnpinPage(id2)
			return false, err
		}
		bt.pager.UnpinPage(id2)
	}
	return didMerge, nil
}

// redistributeRight moves node's deficit by borrowing the right sibling's
// first entry, fixing the separator key at keys[nodeIdx] in the parent.
func (bt *BTree) redistributeRight(pbp *BTreePage, keys [][]byte, nodeIdx int, nbp, rbp *BTreePage, isLeaf bool) error {
	if isLeaf {
		entries := rbp.GetAllLeafEntries()
		moved := entries[0]
		rest := entries[1:]
		id := rbp.PageID()
		nextLeaf, prevLeaf := rbp.NextLeaf(), nbp.PageID()
		InitBTreePage(rbp.buf, id, true)
		for _, e := range rest {
			if _, err := rbp.InsertLeafEntry(e); err != nil {
				return err
			}
		}
		rbp.SetNextLeaf(nextLeaf)
		rbp.SetPrevLeaf(prevLeaf)
		if _, err := nbp.InsertLeafEntry(moved); err != nil {
			return err
		}
		return setParentKey(pbp, nodeIdx, rest[0].Key)
	}

	rEntries := rbp.GetAllInternalEntries()
	firstR := rEntries[0]
	if err := nbp.InsertInternalEntry(InternalEntry{ChildID: nbp.RightChild(), Key: keys[nodeIdx]}); err != nil {
		return err
	}
	nbp.SetRightChild(firstR.ChildID)

	rest := rEntries[1:]
	oldRight := rbp.RightChild()
	id := rbp.PageID()
	InitBTreePage(rbp.buf, id, false)
	for _, e := range rest {
		if err := rbp.InsertInternalEntry(e); err != nil {
			return err
		}
	}
	rbp.SetRightChild(oldRight)
	return setParentKey(pbp, nodeIdx, firstR.Key)
}

// redistributeLeft moves node's deficit by borrowing the left sibling's last
// entry, fixing the separator key at keys[leftIdx] in the parent.
func (bt *BTree) redistributeLeft(pbp *BTreePage, keys [][]byte, leftIdx int, lbp, nbp *BTreePage, isLeaf bool) error {
	if isLeaf {
		entries := lbp.GetAllLeafEntries()
		moved := entries[len(entries)-1]
		rest := entries[:len(entries)-1]
		id := lbp.PageID()
		prevLeaf := lbp.PrevLeaf()
		InitBTreePage(lbp.buf, id, true)
		for _, e := range rest {
			if _, err := lbp.InsertLeafEntry(e); err != nil {
				return err
			}
		}
		lbp.SetPrevLeaf(prevLeaf)
		lbp.SetNextLeaf(nbp.PageID())
		if _, err := nbp.InsertLeafEntry(moved); err != nil {
			return err
		}
		return setParentKey(pbp, leftIdx, moved.Key)
	}

	lEntries := lbp.GetAllInternalEntries()
	lastL := lEntries[len(lEntries)-1]
	if err := nbp.InsertInternalEntry(InternalEntry{ChildID: lbp.RightChild(), Key: keys[leftIdx]}); err != nil {
		return err
	}

	rest := lEntries[:len(lEntries)-1]
	id := lbp.PageID()
	InitBTreePage(lbp.buf, id, false)
	for _, e := range rest {
		if err := lbp.InsertInternalEntry(e); err != nil {
			return err
		}
	}
	lbp.SetRightChild(lastL.ChildID)
	return setParentKey(pbp, leftIdx, lastL.Key)
}

// setParentKey replaces the separator key at position idx in an internal
// page, leaving its child pointer untouched.
func setParentKey(pbp *BTreePage, idx int, newKey []byte) error {
	children := childrenOf(pbp)
	keys := keysOf(pbp)
	keys[idx] = newKey
	return reinitInternal(pbp, children, keys)
}

// mergeInto absorbs src into dst, where dst precedes src in key order. For
// leaves this concatenates entries and relinks the sibling chain; for
// internal pages it pulls down sepKey (the parent separator between dst and
// src) as the join key between dst's old RightChild and src's first child.
func (bt *BTree) mergeInto(dst, src *BTreePage, sepKey []byte, isLeaf bool) error {
	id := dst.PageID()
	if isLeaf {
		combined := append(dst.GetAllLeafEntries(), src.GetAllLeafEntries()...)
		prevLeaf := dst.PrevLeaf()
		nextLeaf := src.NextLeaf()
		InitBTreePage(dst.buf, id, true)
		for _, e := range combined {
			if _, err := dst.InsertLeafEntry(e); err != nil {
				return fmt.Errorf("merge leaf: %w", err)
			}
		}
		dst.SetPrevLeaf(prevLeaf)
		dst.SetNextLeaf(nextLeaf)
		if nextLeaf != InvalidPageID {
			if err := bt.fixPrevLeaf(nextLeaf, id); err != nil {
				return err
			}
		}
		return nil
	}

	dstEntries := dst.GetAllInternalEntries()
	srcEntries := src.GetAllInternalEntries()
	combined := make([]InternalEntry, 0, len(dstEntries)+len(srcEntries)+1)
	combined = append(combined, dstEntries...)
	combined = append(combined, InternalEntry{ChildID: dst.RightChild(), Key: sepKey})
	combined = append(combined, srcEntries...)
	newRight := src.RightChild()

	InitBTreePage(dst.buf, id, false)
	for _, e := range combined {
		if err := dst.InsertInternalEntry(e); err != nil {
			return fmt.Errorf("merge internal: %w", err)
		}
	}
	dst.SetRightChild(newRight)
	return nil
}

// fixPrevLeaf updates the PrevLeaf pointer of a leaf page still on disk,
// used after a merge relinks the leaf chain around the freed page.
func (bt *BTree) fixPrevLeaf(leafID, newPrev PageID) error {
	buf, err := bt.pager.ReadPage(leafID)
	if err != nil {
		return nil // best-effort: a dangling sibling pointer only affects prev-scans
	}
	bp := WrapBTreePage(buf)
	bp.SetPrevLeaf(newPrev)
	bt.pager.UnpinPage(leafID)
	return nil
}

// deleteParentEntry removes the separator/child pair for the freed sibling
// that used to sit immediately after children[leftIdx] (the surviving,
// absorbing node), per the merge-propagation rule: the freed child's slot is
// always taken over by the survivor, so we drop keys[leftIdx] and shift the
// survivor into position leftIdx+1's (or RightChild's) place.
func deleteParentEntry(pbp *BTreePage, leftIdx int) error {
	children := childrenOf(pbp)
	keys := keysOf(pbp)
	survivor := children[leftIdx]

	newChildren := make([]PageID, 0, len(children)-1)
	newChildren = append(newChildren, children[:leftIdx+1]...)
	newChildren = append(newChildren, children[leftIdx+2:]...)
	newChildren[leftIdx] = survivor

	newKeys := make([][]byte, 0, len(keys)-1)
	newKeys = append(newKeys, keys[:leftIdx]...)
	newKeys = append(newKeys, keys[leftIdx+1:]...)

	return reinitInternal(pbp, newChildren, newKeys)
}

// collapseRootIfNeeded promotes the root's sole remaining child to root when
// a merge has emptied the root's separator list, shrinking the tree by one
// level (spec.md §4.5's root-collapse case). A leaf root is never collapsed
// further — an empty leaf root is simply an empty tree.
func (bt *BTree) collapseRootIfNeeded(txID TxID, rootID PageID) error {
	buf, err := bt.pager.ReadPage(rootID)
	if err != nil {
		return err
	}
	bp := WrapBTreePage(buf)
	if bp.IsLeaf() || bp.KeyCount() > 0 {
		bt.pager.UnpinPage(rootID)
		return nil
	}
	newRoot := bp.RightChild()
	bt.pager.UnpinPage(rootID)
	if err := bt.pager.FreePage(rootID); err != nil {
		return err
	}
	bt.root = newRoot
	return nil
}
