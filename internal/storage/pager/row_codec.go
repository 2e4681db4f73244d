package pager

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ───────────────────────────────────────────────────────────────────────────
// Column / Schema binary codec
// ───────────────────────────────────────────────────────────────────────────
//
// Wire format per spec.md §6, magic-numbered so a reader can sanity-check
// it is looking at a column/schema blob before trusting the rest:
//
//   Column: u32 ColumnMagic, u32 name_len, name_len bytes name, u32 type,
//           u32 length, u32 table_index, bool nullable, bool unique
//   Schema: u32 SchemaMagic, u32 column_count, <column>*, bool is_manage
//
// name_len is always the byte length of name — spec.md §9 flags a prior
// implementation that wrote sizeof(name_) (a string object's size) instead
// of its length; this codec writes and reads the actual byte count.

const (
	ColumnMagic uint32 = 0x434f4c31 // "COL1"
	SchemaMagic uint32 = 0x53434831 // "SCH1"
)

// ColumnType enumerates the column types spec.md §3 names for Column.
type ColumnType uint32

const (
	ColumnInt ColumnType = iota
	ColumnFloat
	ColumnChar
)

// Column describes one field of a table's schema.
type Column struct {
	Name       string
	Type       ColumnType
	Length     uint32 // meaningful only when Type == ColumnChar
	TableIndex uint32
	Nullable   bool
	Unique     bool
}

// MarshalColumn appends c's wire encoding to buf and returns the result.
func MarshalColumn(c Column, buf []byte) []byte {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], ColumnMagic)
	buf = append(buf, hdr[:]...)

	binary.LittleEndian.PutUint32(hdr[:], uint32(len(c.Name)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, c.Name...)

	binary.LittleEndian.PutUint32(hdr[:], uint32(c.Type))
	buf = append(buf, hdr[:]...)
	binary.LittleEndian.PutUint32(hdr[:], c.Length)
	buf = append(buf, hdr[:]...)
	binary.LittleEndian.PutUint32(hdr[:], c.TableIndex)
	buf = append(buf, hdr[:]...)

	buf = append(buf, boolByte(c.Nullable), boolByte(c.Unique))
	return buf
}

// UnmarshalColumn decodes one Column from data starting at offset off,
// returning the column and the offset just past it.
func UnmarshalColumn(data []byte, off int) (Column, int, error) {
	if off+4 > len(data) {
		return Column{}, off, fmt.Errorf("column: truncated magic at offset %d", off)
	}
	magic := binary.LittleEndian.Uint32(data[off:])
	off += 4
	if magic != ColumnMagic {
		return Column{}, off, fmt.Errorf("column: bad magic 0x%08x at offset %d", magic, off-4)
	}

	if off+4 > len(data) {
		return Column{}, off, fmt.Errorf("column: truncated name_len at offset %d", off)
	}
	nameLen := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if off+nameLen > len(data) {
		return Column{}, off, fmt.Errorf("column: truncated name (want %d bytes) at offset %d", nameLen, off)
	}
	name := string(data[off : off+nameLen])
	off += nameLen

	if off+4+4+4+1+1 > len(data) {
		return Column{}, off, fmt.Errorf("column: truncated tail at offset %d", off)
	}
	typ := ColumnType(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	length := binary.LittleEndian.Uint32(data[off:])
	off += 4
	tableIndex := binary.LittleEndian.Uint32(data[off:])
	off += 4
	nullable := data[off] != 0
	off++
	unique := data[off] != 0
	off++

	return Column{
		Name:       name,
		Type:       typ,
		Length:     length,
		TableIndex: tableIndex,
		Nullable:   nullable,
		Unique:     unique,
	}, off, nil
}

// Schema is an ordered sequence of Columns (spec.md §3).
type Schema struct {
	Columns   []Column
	IsManaged bool
}

// MarshalSchema appends s's wire encoding to buf and returns the result.
func MarshalSchema(s Schema, buf []byte) []byte {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], SchemaMagic)
	buf = append(buf, hdr[:]...)
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(s.Columns)))
	buf = append(buf, hdr[:]...)
	for _, c := range s.Columns {
		buf = MarshalColumn(c, buf)
	}
	buf = append(buf, boolByte(s.IsManaged))
	return buf
}

// UnmarshalSchema decodes a Schema from data.
func UnmarshalSchema(data []byte) (Schema, error) {
	if len(data) < 8 {
		return Schema{}, fmt.Errorf("schema: truncated header")
	}
	magic := binary.LittleEndian.Uint32(data)
	if magic != SchemaMagic {
		return Schema{}, fmt.Errorf("schema: bad magic 0x%08x", magic)
	}
	colCount := int(binary.LittleEndian.Uint32(data[4:]))
	off := 8

	cols := make([]Column, 0, colCount)
	for i := 0; i < colCount; i++ {
		c, next, err := UnmarshalColumn(data, off)
		if err != nil {
			return Schema{}, fmt.Errorf("schema: column %d: %w", i, err)
		}
		cols = append(cols, c)
		off = next
	}
	if off >= len(data) {
		return Schema{}, fmt.Errorf("schema: truncated is_manage flag")
	}
	return Schema{Columns: cols, IsManaged: data[off] != 0}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// ───────────────────────────────────────────────────────────────────────────
// Binary row codec
// ───────────────────────────────────────────────────────────────────────────
//
// Replaces JSON encoding for row data in B+Tree values.  The format is
// compact, allocation-free on the write path, and ~5–10× faster than
// encoding/json for []any rows with numeric and string values.
//
// Wire format per row:
//   [0:2]  ColumnCount (uint16 LE)
//   For each column:
//     [0]    TypeTag (uint8)
//     [1..]  Payload (variable)
//
// Type tags:
//   0x00 — nil
//   0x01 — bool (1 byte: 0=false, 1=true)
//   0x02 — int64 (8 bytes LE)
//   0x03 — float64 (8 bytes LE)
//   0x04 — string (uint16 LE length prefix + UTF-8)
//   0x05 — []byte (uint16 LE length prefix + raw)
//
// Total overhead per row: 2 + N*(1 + payload).  For a typical 3-column row
// (int, string, float64) this is ~30 bytes vs ~60+ for JSON.

const (
	tagNil     byte = 0x00
	tagBool    byte = 0x01
	tagInt64   byte = 0x02
	tagFloat64 byte = 0x03
	tagString  byte = 0x04
	tagBytes   byte = 0x05
)

// MarshalRow encodes a row into the compact binary format.
// It reuses the provided buf if large enough.
func MarshalRow(row []any, buf []byte) []byte {
	// Estimate size: header + per column (1 tag + 8 payload avg).
	est := 2 + len(row)*9
	if cap(buf) >= est {
		buf = buf[:0]
	} else {
		buf = make([]byte, 0, est)
	}

	// Column count.
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(row)))
	buf = append(buf, hdr[:]...)

	for _, v := range row {
		switch val := v.(type) {
		case nil:
			buf = append(buf, tagNil)
		case bool:
			buf = append(buf, tagBool)
			if val {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case int:
			buf = append(buf, tagInt64)
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(int64(val)))
			buf = append(buf, b[:]...)
		case int64:
			buf = append(buf, tagInt64)
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(val))
			buf = append(buf, b[:]...)
		case float64:
			buf = append(buf, tagFloat64)
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], math.Float64bits(val))
			buf = append(buf, b[:]...)
		case string:
			buf = append(buf, tagString)
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], uint16(len(val)))
			buf = append(buf, b[:]...)
			buf = append(buf, val...)
		case []byte:
			buf = append(buf, tagBytes)
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], uint16(len(val)))
			buf = append(buf, b[:]...)
			buf = append(buf, val...)
		default:
			// Fallback: store as string representation.
			s := fmt.Sprint(val)
			buf = append(buf, tagString)
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], uint16(len(s)))
			buf = append(buf, b[:]...)
			buf = append(buf, s...)
		}
	}
	return buf
}

// UnmarshalRow decodes a row from the compact binary format.
func UnmarshalRow(data []byte) ([]any, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("row data too short")
	}
	colCount := int(binary.LittleEndian.Uint16(data[:2]))
	off := 2
	row := make([]any, colCount)

	for i := 0; i < colCount; i++ {
		if off >= len(data) {
			return nil, fmt.Errorf("unexpected end of row at column %d", i)
		}
		tag := data[off]
		off++

		switch tag {
		case tagNil:
			row[i] = nil
		case tagBool:
			if off >= len(data) {
				return nil, fmt.Errorf("truncated bool at column %d", i)
			}
			row[i] = data[off] != 0
			off++
		case tagInt64:
			if off+8 > len(data) {
				return nil, fmt.Errorf("truncated int64 at column %d", i)
			}
			row[i] = float64(int64(binary.LittleEndian.Uint64(data[off : off+8])))
			off += 8
		case tagFloat64:
			if off+8 > len(data) {
				return nil, fmt.Errorf("truncated float64 at column %d", i)
			}
			row[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[off : off+8]))
			off += 8
		case tagString:
			if off+2 > len(data) {
				return nil, fmt.Errorf("truncated string len at column %d", i)
			}
			slen := int(binary.LittleEndian.Uint16(data[off : off+2]))
			off += 2
			if off+slen > len(data) {
				return nil, fmt.Errorf("truncated string data at column %d", i)
			}
			row[i] = string(data[off : off+slen])
			off += slen
		case tagBytes:
			if off+2 > len(data) {
				return nil, fmt.Errorf("truncated bytes len at column %d", i)
			}
			blen := int(binary.LittleEndian.Uint16(data[off : off+2]))
			off += 2
			if off+blen > len(data) {
				return nil, fmt.Errorf("truncated bytes data at column %d", i)
			}
			dst := make([]byte, blen)
			copy(dst, data[off:off+blen])
			row[i] = dst
			off += blen
		default:
			return nil, fmt.Errorf("unknown tag 0x%02x at column %d", tag, i)
		}
	}
	return row, nil
}
