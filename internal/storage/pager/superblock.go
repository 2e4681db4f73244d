package pager

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// DiskFileMeta – physical page 0
// ───────────────────────────────────────────────────────────────────────────
//
// Physical page 0 holds the disk-file meta page: allocation bookkeeping for
// the bitmap-extent allocator (§4.1/§6 of the storage specification this
// package implements), plus the engine's own bootstrap fields appended after
// the documented prefix (checkpoint LSN, next transaction id, next logical
// page id, catalog root). The specification's documented wire prefix is:
//
//  Offset  Size  Field
//  ──────  ────  ───────────────────
//  0       32    Common PageHeader (Type=DiskMeta, ID=0)
//  32      8     Magic            [8]byte
//  40      4     FormatVersion    uint32 LE
//  44      4     PageSize         uint32 LE
//  48      4     NumAllocatedPages uint32 LE
//  52      4     NumExtents        uint32 LE
//  56      8     FeatureFlags      uint64 LE (bitmask)
//  64      4     CatalogRoot       uint32 LE (logical id of the CatalogMeta
//                                  page; InvalidPageID until OpenCatalog
//                                  allocates one)
//  68      4     IndexRootsRoot    uint32 LE (reserved for a future
//                                  index-roots page; unused today)
//  72      8     CheckpointLSN     uint64 LE
//  80      8     NextTxID          uint64 LE
//  88      4     NextLogicalPageID uint32 LE
//  92      ...   ExtentUsed[NumExtents] uint32 LE each, zero-padded to fill page
//
// The per-extent used-counter array is exactly spec.md §3's
// `per_extent_used[…]`.

const (
	SuperblockMagic      = "TNSQLDB\x00"
	CurrentFormatVersion uint32 = 2

	sbMagicOff          = PageHeaderSize         // 32
	sbFormatVersionOff  = sbMagicOff + 8         // 40
	sbPageSizeOff       = sbFormatVersionOff + 4 // 44
	sbNumAllocPagesOff  = sbPageSizeOff + 4      // 48
	sbNumExtentsOff     = sbNumAllocPagesOff + 4 // 52
	sbFeatureFlagsOff   = sbNumExtentsOff + 4    // 56
	sbCatalogRootOff    = sbFeatureFlagsOff + 8  // 64
	sbIndexRootsOff     = sbCatalogRootOff + 4   // 68
	sbCheckpointLSNOff  = sbIndexRootsOff + 4    // 72
	sbNextTxIDOff       = sbCheckpointLSNOff + 8 // 80
	sbNextLogicalIDOff  = sbNextTxIDOff + 8       // 88
	sbExtentUsedOff     = sbNextLogicalIDOff + 4  // 92
)

// FeatureFlag bits (bitmask). Version 1 has no flags set.
const (
	FeatureCompression FeatureFlag = 1 << iota // reserved: page-level compression
	FeatureEncryption                          // reserved: page-level encryption
	FeatureMVCC                                // reserved: multi-version concurrency
	FeaturePartitions                          // reserved: range partitioning
)

// FeatureFlag is a bitmask of optional format features.
type FeatureFlag uint64

// SupportedFeatures is the set of features understood by this build.
const SupportedFeatures FeatureFlag = 0

// Superblock holds the parsed contents of physical page 0 (DiskFileMeta
// plus engine bootstrap fields).
type Superblock struct {
	FormatVersion     uint32
	PageSize          uint32
	NumAllocatedPages uint32
	FeatureFlags      FeatureFlag
	CatalogRoot       PageID // logical id of the CatalogMeta page, InvalidPageID until allocated
	IndexRootsRoot    PageID // reserved for a future index-roots page, unused today
	CheckpointLSN     LSN
	NextTxID          TxID
	NextLogicalPageID PageID   // next unused logical page id
	ExtentUsed        []uint32 // per-extent used-page counter
}

// MarshalSuperblock serializes a Superblock into a full page buffer.
func MarshalSuperblock(sb *Superblock, pageSize int) []byte {
	buf := NewPage(pageSize, PageTypeDiskMeta, 0)

	copy(buf[sbMagicOff:sbMagicOff+8], SuperblockMagic)
	binary.LittleEndian.PutUint32(buf[sbFormatVersionOff:], sb.FormatVersion)
	binary.LittleEndian.PutUint32(buf[sbPageSizeOff:], sb.PageSize)
	binary.LittleEndian.PutUint32(buf[sbNumAllocPagesOff:], sb.NumAllocatedPages)
	binary.LittleEndian.PutUint32(buf[sbNumExtentsOff:], uint32(len(sb.ExtentUsed)))
	binary.LittleEndian.PutUint64(buf[sbFeatureFlagsOff:], uint64(sb.FeatureFlags))
	binary.LittleEndian.PutUint32(buf[sbCatalogRootOff:], uint32(sb.CatalogRoot))
	binary.LittleEndian.PutUint32(buf[sbIndexRootsOff:], uint32(sb.IndexRootsRoot))
	binary.LittleEndian.PutUint64(buf[sbCheckpointLSNOff:], uint64(sb.CheckpointLSN))
	binary.LittleEndian.PutUint64(buf[sbNextTxIDOff:], uint64(sb.NextTxID))
	binary.LittleEndian.PutUint32(buf[sbNextLogicalIDOff:], uint32(sb.NextLogicalPageID))

	off := sbExtentUsedOff
	for _, used := range sb.ExtentUsed {
		if off+4 > len(buf) {
			break // extent table overflowed the page; caller must keep NumExtents within capacity
		}
		binary.LittleEndian.PutUint32(buf[off:], used)
		off += 4
	}

	SetPageCRC(buf)
	return buf
}

// UnmarshalSuperblock decodes physical page 0 from buf.
func UnmarshalSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) < MinPageSize {
		return nil, fmt.Errorf("superblock too small: %d bytes", len(buf))
	}
	if err := VerifyPageCRC(buf); err != nil {
		return nil, fmt.Errorf("superblock CRC: %w", err)
	}
	magic := string(buf[sbMagicOff : sbMagicOff+8])
	if magic != SuperblockMagic {
		return nil, fmt.Errorf("bad magic %q, expected %q", magic, SuperblockMagic)
	}
	sb := &Superblock{
		FormatVersion:     binary.LittleEndian.Uint32(buf[sbFormatVersionOff:]),
		PageSize:          binary.LittleEndian.Uint32(buf[sbPageSizeOff:]),
		NumAllocatedPages: binary.LittleEndian.Uint32(buf[sbNumAllocPagesOff:]),
		FeatureFlags:      FeatureFlag(binary.LittleEndian.Uint64(buf[sbFeatureFlagsOff:])),
		CatalogRoot:       PageID(binary.LittleEndian.Uint32(buf[sbCatalogRootOff:])),
		IndexRootsRoot:    PageID(binary.LittleEndian.Uint32(buf[sbIndexRootsOff:])),
		CheckpointLSN:     LSN(binary.LittleEndian.Uint64(buf[sbCheckpointLSNOff:])),
		NextTxID:          TxID(binary.LittleEndian.Uint64(buf[sbNextTxIDOff:])),
		NextLogicalPageID: PageID(binary.LittleEndian.Uint32(buf[sbNextLogicalIDOff:])),
	}
	numExtents := int(binary.LittleEndian.Uint32(buf[sbNumExtentsOff:]))
	sb.ExtentUsed = make([]uint32, numExtents)
	off := sbExtentUsedOff
	for i := 0; i < numExtents && off+4 <= len(buf); i++ {
		sb.ExtentUsed[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}

	if sb.FormatVersion != CurrentFormatVersion {
		return nil, fmt.Errorf("unsupported format version %d (this build supports %d)",
			sb.FormatVersion, CurrentFormatVersion)
	}
	if sb.PageSize < MinPageSize || sb.PageSize > MaxPageSize {
		return nil, fmt.Errorf("page size %d out of range [%d..%d]",
			sb.PageSize, MinPageSize, MaxPageSize)
	}
	if sb.PageSize&(sb.PageSize-1) != 0 {
		return nil, fmt.Errorf("page size %d is not a power of two", sb.PageSize)
	}
	if sb.FeatureFlags & ^SupportedFeatures != 0 {
		return nil, fmt.Errorf("unsupported feature flags: %016x", sb.FeatureFlags)
	}

	return sb, nil
}

// NewSuperblock creates a default Superblock for a new database. CatalogRoot
// starts InvalidPageID: OpenCatalog allocates the CatalogMeta page on first
// open and stamps its real (bitmap-allocated) id here, rather than this
// constructor claiming a fixed logical id 0 that the allocator itself never
// special-cases.
func NewSuperblock(pageSize uint32) *Superblock {
	return &Superblock{
		FormatVersion:     CurrentFormatVersion,
		PageSize:          pageSize,
		NumAllocatedPages: 0,
		FeatureFlags:      0,
		CatalogRoot:       InvalidPageID,
		IndexRootsRoot:    InvalidPageID,
		CheckpointLSN:     0,
		NextTxID:          1,
		NextLogicalPageID: 0,
		ExtentUsed:        nil,
	}
}
