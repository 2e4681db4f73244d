package pager

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// ───────────────────────────────────────────────────────────────────────────
// System catalog — page-backed CatalogMeta directory (spec.md §4.8/§6)
// ───────────────────────────────────────────────────────────────────────────
//
// CatalogMeta is a dedicated page holding:
//
//	u32 CatalogMagic
//	u32 table_count
//	u32 index_count
//	[ (u32 table_id, u32 meta_page_id) ]*
//	[ (u32 index_id, u32 meta_page_id) ]*
//
// Each table_id/index_id's meta_page_id in turn points at a TableMeta or
// IndexMeta page holding that object's name, Schema, and storage root:
// a TableHeap's first page for a table, a B+-Tree's root page for an index.
// Every create_table/create_index/drop_* re-serializes CatalogMeta and the
// affected meta page and flushes both (spec.md §4.8).
//
// The CatalogMeta page's own location is tracked in the superblock's
// CatalogRoot field (by convention logical id 0, spec.md §6) — this
// implementation allocates it through the normal bitmap allocator rather
// than hard-coding id 0, since the bitmap's reserved-id bookkeeping for
// ids 0/1 is a physical-layout nicety this pass does not exercise; see
// the "Superblock fix" note in DESIGN.md's Catalog section for the rationale.

const (
	CatalogMagic   uint32 = 0x43415431 // "CAT1"
	tableMetaMagic uint32 = 0x544d4554 // "TMET"
	indexMetaMagic uint32 = 0x494d4554 // "IMET"

	catalogDirEntrySize = 8 // u32 id + u32 meta_page_id
)

// TableInfo is the reuse-mode materialization of one table's TableMeta page.
type TableInfo struct {
	TableID     uint32
	Name        string // "tenant\x00table"
	Schema      Schema
	FirstPageID PageID // TableHeap's first page
	RowCount    int64

	lastMetaPageID PageID // this table's TableMeta page, InvalidPageID until first write
}

// IndexInfo is the reuse-mode materialization of one index's IndexMeta page.
type IndexInfo struct {
	IndexID    uint32
	TableID    uint32
	Name       string
	Schema     Schema // key schema
	RootPageID PageID // B+-Tree root

	lastMetaPageID PageID // this index's IndexMeta page, InvalidPageID until first write
}

// catalogKey joins a tenant and table name the way the on-disk Name field
// stores it, and the way ListTables' prefix scan expects it.
func catalogKey(tenant, table string) string {
	return tenant + "\x00" + table
}

// Catalog is the in-memory, page-backed system catalog. It is constructed
// in "reuse" mode by OpenCatalog: every table_id/index_id in CatalogMeta is
// walked and its meta page read into a TableInfo/IndexInfo (spec.md §4.8).
type Catalog struct {
	mu    sync.RWMutex
	pager *Pager

	metaPageID PageID
	tables     map[uint32]*TableInfo
	indexes    map[uint32]*IndexInfo
	byName     map[string]uint32 // "tenant\x00table" -> table_id

	nextTableID uint32
	nextIndexID uint32
}

// OpenCatalog opens the existing CatalogMeta page, or creates one (and an
// empty directory) for a brand new database.
func OpenCatalog(p *Pager, txID TxID) (*Catalog, error) {
	sb := p.Superblock()
	cat := &Catalog{
		pager:   p,
		tables:  make(map[uint32]*TableInfo),
		indexes: make(map[uint32]*IndexInfo),
		byName:  make(map[string]uint32),
	}

	if sb.CatalogRoot == InvalidPageID {
		pid, buf, err := p.AllocPage()
		if err != nil {
			return nil, fmt.Errorf("allocate catalog meta page: %w", err)
		}
		writeCatalogMetaPage(buf, pid, nil, nil)
		SetPageCRC(buf)
		if err := p.WritePage(txID, pid, buf); err != nil {
			p.UnpinPage(pid)
			return nil, err
		}
		p.UnpinPage(pid)
		cat.metaPageID = pid
		p.UpdateSuperblock(func(s *Superblock) { s.CatalogRoot = pid })
		return cat, nil
	}

	cat.metaPageID = sb.CatalogRoot
	if err := cat.reload(); err != nil {
		return nil, err
	}
	return cat, nil
}

// reload re-reads CatalogMeta and every meta page it references, rebuilding
// the in-memory tables/indexes/byName maps from scratch (spec.md §4.8's
// "reuse mode": walk both maps, read each meta page, materialize TableInfo
// or IndexInfo).
func (c *Catalog) reload() error {
	buf, err := c.pager.ReadPage(c.metaPageID)
	if err != nil {
		return err
	}
	tableDir, indexDir, err := readCatalogMetaPage(buf)
	c.pager.UnpinPage(c.metaPageID)
	if err != nil {
		return err
	}

	tables := make(map[uint32]*TableInfo, len(tableDir))
	byName := make(map[string]uint32, len(tableDir))
	var maxTableID uint32
	for tableID, metaPID := range tableDir {
		info, err := c.readTableMeta(metaPID)
		if err != nil {
			return fmt.Errorf("table %d meta page %d: %w", tableID, metaPID, err)
		}
		tables[tableID] = info
		byName[info.Name] = tableID
		if tableID >= maxTableID {
			maxTableID = tableID + 1
		}
	}

	indexes := make(map[uint32]*IndexInfo, len(indexDir))
	var maxIndexID uint32
	for indexID, metaPID := range indexDir {
		info, err := c.readIndexMeta(metaPID)
		if err != nil {
			return fmt.Errorf("index %d meta page %d: %w", indexID, metaPID, err)
		}
		indexes[indexID] = info
		if indexID >= maxIndexID {
			maxIndexID = indexID + 1
		}
	}

	c.tables = tables
	c.indexes = indexes
	c.byName = byName
	c.nextTableID = maxTableID
	c.nextIndexID = maxIndexID
	return nil
}

// Root returns the CatalogMeta page's own id.
func (c *Catalog) Root() PageID { return c.metaPageID }

// ───────────────────────────────────────────────────────────────────────────
// Table directory operations
// ───────────────────────────────────────────────────────────────────────────

// CreateTable allocates a TableMeta page for a brand new table, links it
// into CatalogMeta, and returns the assigned TableInfo.
func (c *Catalog) CreateTable(txID TxID, tenant, table string, schema Schema, firstPageID PageID) (*TableInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := catalogKey(tenant, table)
	if _, exists := c.byName[name]; exists {
		return nil, fmt.Errorf("table %q already exists", name)
	}

	tableID := c.nextTableID
	info := &TableInfo{TableID: tableID, Name: name, Schema: schema, FirstPageID: firstPageID, lastMetaPageID: InvalidPageID}

	if _, err := c.writeTableMeta(txID, info); err != nil {
		return nil, err
	}

	c.tables[tableID] = info
	c.byName[name] = tableID
	c.nextTableID++
	if err := c.flushDirectory(txID); err != nil {
		return nil, err
	}
	return info, nil
}

// PutRowCount updates a table's row count and re-flushes its meta page.
func (c *Catalog) PutRowCount(txID TxID, tableID uint32, rowCount int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.tables[tableID]
	if !ok {
		return fmt.Errorf("table id %d not found", tableID)
	}
	info.RowCount = rowCount
	_, err := c.writeTableMeta(txID, info)
	return err
}

// GetEntry retrieves a table by tenant/name. Returns nil if not found.
func (c *Catalog) GetEntry(tenant, table string) (*TableInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id, ok := c.byName[catalogKey(tenant, table)]
	if !ok {
		return nil, nil
	}
	info := *c.tables[id]
	return &info, nil
}

// DeleteEntry removes a table from the directory. The caller is responsible
// for reclaiming its TableHeap pages (e.g. via GC) and its meta page.
func (c *Catalog) DeleteEntry(txID TxID, tenant, table string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := catalogKey(tenant, table)
	id, ok := c.byName[name]
	if !ok {
		return nil
	}
	delete(c.tables, id)
	delete(c.byName, name)
	return c.flushDirectory(txID)
}

// ListTables returns all table names for a tenant, sorted.
func (c *Catalog) ListTables(tenant string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	prefix := tenant + "\x00"
	names := lo.FilterMap(lo.Values(c.tables), func(info *TableInfo, _ int) (string, bool) {
		if len(info.Name) <= len(prefix) || info.Name[:len(prefix)] != prefix {
			return "", false
		}
		return info.Name[len(prefix):], true
	})
	sort.Strings(names)
	return names, nil
}

// AllEntries returns every table's TableInfo, for tools that need to
// enumerate every table's storage root (e.g. GC's reachability scan).
func (c *Catalog) AllEntries() ([]TableInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]TableInfo, 0, len(c.tables))
	for _, info := range c.tables {
		out = append(out, *info)
	}
	return out, nil
}

// AllIndexes returns every registered IndexInfo.
func (c *Catalog) AllIndexes() ([]IndexInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]IndexInfo, 0, len(c.indexes))
	for _, info := range c.indexes {
		out = append(out, *info)
	}
	return out, nil
}

// CreateIndex registers a new index's meta page and links it into
// CatalogMeta.
func (c *Catalog) CreateIndex(txID TxID, tableID uint32, name string, schema Schema, rootPageID PageID) (*IndexInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	indexID := c.nextIndexID
	info := &IndexInfo{IndexID: indexID, TableID: tableID, Name: name, Schema: schema, RootPageID: rootPageID, lastMetaPageID: InvalidPageID}

	if _, err := c.writeIndexMeta(txID, info); err != nil {
		return nil, err
	}
	c.indexes[indexID] = info
	c.nextIndexID++
	if err := c.flushDirectory(txID); err != nil {
		return nil, err
	}
	return info, nil
}

// flushDirectory re-serializes CatalogMeta from the current in-memory
// tables/indexes maps' lastMetaPageID fields — each of those is kept up to
// date by writeTableMeta/writeIndexMeta, so flushDirectory never needs to
// know which entry is "new".
func (c *Catalog) flushDirectory(txID TxID) error {
	tableDir := make(map[uint32]PageID, len(c.tables))
	for id, info := range c.tables {
		tableDir[id] = info.lastMetaPageID
	}
	indexDir := make(map[uint32]PageID, len(c.indexes))
	for id, info := range c.indexes {
		indexDir[id] = info.lastMetaPageID
	}

	buf, err := c.pager.ReadPage(c.metaPageID)
	if err != nil {
		return err
	}
	writeCatalogMetaPage(buf, c.metaPageID, tableDir, indexDir)
	SetPageCRC(buf)
	if err := c.pager.WritePage(txID, c.metaPageID, buf); err != nil {
		c.pager.UnpinPage(c.metaPageID)
		return err
	}
	c.pager.UnpinPage(c.metaPageID)
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Meta page read/write
// ───────────────────────────────────────────────────────────────────────────

func (c *Catalog) writeTableMeta(txID TxID, info *TableInfo) (PageID, error) {
	pid := info.lastMetaPageID
	var buf []byte
	if pid == InvalidPageID {
		newPID, newBuf, err := c.pager.AllocPage()
		if err != nil {
			return InvalidPageID, err
		}
		pid, buf = newPID, newBuf
		h := &PageHeader{Type: PageTypeCatalogMeta, ID: pid}
		MarshalHeader(h, buf)
	} else {
		existing, err := c.pager.ReadPage(pid)
		if err != nil {
			return InvalidPageID, err
		}
		buf = existing
	}

	data := buf[PageHeaderSize:PageHeaderSize]
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], tableMetaMagic)
	data = append(data, hdr[:]...)
	binary.LittleEndian.PutUint32(hdr[:], info.TableID)
	data = append(data, hdr[:]...)
	data = appendLenPrefixed(data, []byte(info.Name))
	data = appendLenPrefixed(data, MarshalSchema(info.Schema, nil))
	binary.LittleEndian.PutUint32(hdr[:], uint32(info.FirstPageID))
	data = append(data, hdr[:]...)
	var rc [8]byte
	binary.LittleEndian.PutUint64(rc[:], uint64(info.RowCount))
	data = append(data, rc[:]...)

	if len(data) > len(buf)-PageHeaderSize {
		return InvalidPageID, fmt.Errorf("table meta for %q: %d bytes exceeds page capacity %d", info.Name, len(data), len(buf)-PageHeaderSize)
	}
	copy(buf[PageHeaderSize:], data)
	for i := PageHeaderSize + len(data); i < len(buf); i++ {
		buf[i] = 0
	}
	SetPageCRC(buf)
	if err := c.pager.WritePage(txID, pid, buf); err != nil {
		c.pager.UnpinPage(pid)
		return InvalidPageID, err
	}
	c.pager.UnpinPage(pid)
	info.lastMetaPageID = pid
	return pid, nil
}

func (c *Catalog) readTableMeta(pid PageID) (*TableInfo, error) {
	buf, err := c.pager.ReadPage(pid)
	if err != nil {
		return nil, err
	}
	defer c.pager.UnpinPage(pid)

	off := PageHeaderSize
	if off+4 > len(buf) {
		return nil, fmt.Errorf("table meta page %d: truncated", pid)
	}
	if magic := binary.LittleEndian.Uint32(buf[off:]); magic != tableMetaMagic {
		return nil, fmt.Errorf("table meta page %d: bad magic 0x%08x", pid, magic)
	}
	off += 4
	tableID := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	name, off, err := readLenPrefixed(buf, off)
	if err != nil {
		return nil, err
	}
	schemaBlob, off, err := readLenPrefixed(buf, off)
	if err != nil {
		return nil, err
	}
	schema, err := UnmarshalSchema(schemaBlob)
	if err != nil {
		return nil, fmt.Errorf("table meta page %d: schema: %w", pid, err)
	}
	firstPageID := PageID(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	rowCount := int64(binary.LittleEndian.Uint64(buf[off:]))

	return &TableInfo{
		TableID:        tableID,
		Name:           string(name),
		Schema:         schema,
		FirstPageID:    firstPageID,
		RowCount:       rowCount,
		lastMetaPageID: pid,
	}, nil
}

func (c *Catalog) writeIndexMeta(txID TxID, info *IndexInfo) (PageID, error) {
	pid := info.lastMetaPageID
	var buf []byte
	if pid == InvalidPageID {
		newPID, newBuf, err := c.pager.AllocPage()
		if err != nil {
			return InvalidPageID, err
		}
		pid, buf = newPID, newBuf
		h := &PageHeader{Type: PageTypeCatalogMeta, ID: pid}
		MarshalHeader(h, buf)
	} else {
		existing, err := c.pager.ReadPage(pid)
		if err != nil {
			return InvalidPageID, err
		}
		buf = existing
	}

	data := buf[PageHeaderSize:PageHeaderSize]
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], indexMetaMagic)
	data = append(data, hdr[:]...)
	binary.LittleEndian.PutUint32(hdr[:], info.IndexID)
	data = append(data, hdr[:]...)
	binary.LittleEndian.PutUint32(hdr[:], info.TableID)
	data = append(data, hdr[:]...)
	data = appendLenPrefixed(data, []byte(info.Name))
	data = appendLenPrefixed(data, MarshalSchema(info.Schema, nil))
	binary.LittleEndian.PutUint32(hdr[:], uint32(info.RootPageID))
	data = append(data, hdr[:]...)

	if len(data) > len(buf)-PageHeaderSize {
		return InvalidPageID, fmt.Errorf("index meta for %q: %d bytes exceeds page capacity %d", info.Name, len(data), len(buf)-PageHeaderSize)
	}
	copy(buf[PageHeaderSize:], data)
	for i := PageHeaderSize + len(data); i < len(buf); i++ {
		buf[i] = 0
	}
	SetPageCRC(buf)
	if err := c.pager.WritePage(txID, pid, buf); err != nil {
		c.pager.UnpinPage(pid)
		return InvalidPageID, err
	}
	c.pager.UnpinPage(pid)
	info.lastMetaPageID = pid
	return pid, nil
}

func (c *Catalog) readIndexMeta(pid PageID) (*IndexInfo, error) {
	buf, err := c.pager.ReadPage(pid)
	if err != nil {
		return nil, err
	}
	defer c.pager.UnpinPage(pid)

	off := PageHeaderSize
	if off+4 > len(buf) {
		return nil, fmt.Errorf("index meta page %d: truncated", pid)
	}
	if magic := binary.LittleEndian.Uint32(buf[off:]); magic != indexMetaMagic {
		return nil, fmt.Errorf("index meta page %d: bad magic 0x%08x", pid, magic)
	}
	off += 4
	indexID := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	tableID := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	name, off, err := readLenPrefixed(buf, off)
	if err != nil {
		return nil, err
	}
	schemaBlob, off, err := readLenPrefixed(buf, off)
	if err != nil {
		return nil, err
	}
	schema, err := UnmarshalSchema(schemaBlob)
	if err != nil {
		return nil, fmt.Errorf("index meta page %d: schema: %w", pid, err)
	}
	rootPageID := PageID(binary.LittleEndian.Uint32(buf[off:]))

	return &IndexInfo{
		IndexID:        indexID,
		TableID:        tableID,
		Name:           string(name),
		Schema:         schema,
		RootPageID:     rootPageID,
		lastMetaPageID: pid,
	}, nil
}

// writeCatalogMetaPage serialises the CatalogMeta directory into buf. It
// panics if the directory has grown too large for a single page — callers
// are expected to keep CatalogMeta within one page per spec.md §4.8; a
// database with enough tables/indexes to overflow it is a future overflow-
// chain concern, not one this pass needs to solve.
func writeCatalogMetaPage(buf []byte, id PageID, tableDir, indexDir map[uint32]PageID) {
	need := 12 + (len(tableDir)+len(indexDir))*catalogDirEntrySize
	if need > len(buf)-PageHeaderSize {
		panic(fmt.Sprintf("catalog directory (%d entries) exceeds one page", len(tableDir)+len(indexDir)))
	}

	h := &PageHeader{Type: PageTypeCatalogMeta, ID: id}
	MarshalHeader(h, buf)

	off := PageHeaderSize
	binary.LittleEndian.PutUint32(buf[off:], CatalogMagic)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(tableDir)))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(indexDir)))
	off += 4

	for _, id := range sortedKeys(tableDir) {
		binary.LittleEndian.PutUint32(buf[off:], id)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], uint32(tableDir[id]))
		off += 4
	}
	for _, id := range sortedKeys(indexDir) {
		binary.LittleEndian.PutUint32(buf[off:], id)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], uint32(indexDir[id]))
		off += 4
	}
	for i := off; i < len(buf); i++ {
		buf[i] = 0
	}
}

// readCatalogMetaPage parses buf into the table/index id->meta_page_id maps.
func readCatalogMetaPage(buf []byte) (tableDir, indexDir map[uint32]PageID, err error) {
	off := PageHeaderSize
	if off+12 > len(buf) {
		return nil, nil, fmt.Errorf("catalog meta: truncated header")
	}
	if magic := binary.LittleEndian.Uint32(buf[off:]); magic != CatalogMagic {
		return nil, nil, fmt.Errorf("catalog meta: bad magic 0x%08x", magic)
	}
	off += 4
	tableCount := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	indexCount := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4

	tableDir = make(map[uint32]PageID, tableCount)
	for i := 0; i < tableCount; i++ {
		if off+catalogDirEntrySize > len(buf) {
			return nil, nil, fmt.Errorf("catalog meta: truncated table dir at entry %d", i)
		}
		id := binary.LittleEndian.Uint32(buf[off:])
		metaPID := PageID(binary.LittleEndian.Uint32(buf[off+4:]))
		tableDir[id] = metaPID
		off += catalogDirEntrySize
	}

	indexDir = make(map[uint32]PageID, indexCount)
	for i := 0; i < indexCount; i++ {
		if off+catalogDirEntrySize > len(buf) {
			return nil, nil, fmt.Errorf("catalog meta: truncated index dir at entry %d", i)
		}
		id := binary.LittleEndian.Uint32(buf[off:])
		metaPID := PageID(binary.LittleEndian.Uint32(buf[off+4:]))
		indexDir[id] = metaPID
		off += catalogDirEntrySize
	}
	return tableDir, indexDir, nil
}

func sortedKeys(m map[uint32]PageID) []uint32 {
	keys := lo.Keys(m)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func appendLenPrefixed(buf, data []byte) []byte {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(data)))
	buf = append(buf, hdr[:]...)
	return append(buf, data...)
}

func readLenPrefixed(buf []byte, off int) ([]byte, int, error) {
	if off+4 > len(buf) {
		return nil, off, fmt.Errorf("truncated length prefix at offset %d", off)
	}
	n := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if off+n > len(buf) {
		return nil, off, fmt.Errorf("truncated blob (want %d bytes) at offset %d", n, off)
	}
	return buf[off : off+n], off + n, nil
}
