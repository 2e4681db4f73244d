// Package adminpb defines the wire messages and gRPC service descriptor for
// the storagectl admin surface: ListTables, GetPage, Stats and
// TriggerCheckpoint, exposed over a running Engine for out-of-process
// inspection (spec.md's storage core otherwise has no network surface of
// its own).
//
// There is no .proto/protoc-gen-go step here: the service is wired through
// grpc's pluggable codec rather than the default protobuf one, so these
// messages are plain structs with JSON tags. See codec.go.
package adminpb

// ListTablesRequest asks for every table name under tenant.
type ListTablesRequest struct {
	Tenant string `json:"tenant"`
}

// ListTablesResponse is the sorted table list for a tenant.
type ListTablesResponse struct {
	Tables []string `json:"tables"`
}

// GetPageRequest addresses a single logical page.
type GetPageRequest struct {
	LogicalPageID uint32 `json:"logical_page_id"`
}

// GetPageResponse mirrors pager.PageInfo's exported fields.
type GetPageResponse struct {
	ID            uint32 `json:"id"`
	Type          string `json:"type"`
	LSN           uint64 `json:"lsn"`
	CRC           uint32 `json:"crc"`
	CRCValid      bool   `json:"crc_valid"`
	IsLeaf        bool   `json:"is_leaf"`
	KeyCount      int32  `json:"key_count"`
	RightChild    uint32 `json:"right_child"`
	NextLeaf      uint32 `json:"next_leaf"`
	PrevLeaf      uint32 `json:"prev_leaf"`
	SlotCount     int32  `json:"slot_count"`
	FreeSpace     int32  `json:"free_space"`
	NextOverflow  uint32 `json:"next_overflow"`
	DataLen       int32  `json:"data_len"`
	PageAllocated uint32 `json:"page_allocated"`
}

// StatsRequest takes no parameters; reserved for future filters.
type StatsRequest struct{}

// StatsResponse reports the superblock's allocation bookkeeping, with sizes
// rendered both as raw byte counts and humanized strings.
type StatsResponse struct {
	FormatVersion      uint32 `json:"format_version"`
	PageSize           uint32 `json:"page_size"`
	NumAllocatedPages  uint32 `json:"num_allocated_pages"`
	NumExtents         int32  `json:"num_extents"`
	CatalogRoot        uint32 `json:"catalog_root"`
	CheckpointLSN      uint64 `json:"checkpoint_lsn"`
	NextTxID           uint64 `json:"next_tx_id"`
	AllocatedBytes     uint64 `json:"allocated_bytes"`
	AllocatedHumanized string `json:"allocated_humanized"`
	CRCValid           bool   `json:"crc_valid"`
}

// TriggerCheckpointRequest takes no parameters.
type TriggerCheckpointRequest struct{}

// TriggerCheckpointResponse confirms a checkpoint ran.
type TriggerCheckpointResponse struct {
	CheckpointLSN uint64 `json:"checkpoint_lsn"`
}
