// Package pager implements the paged storage layer for SawitDB.
//
// A database is a single file of fixed 4096-byte pages plus a sequential
// WAL file (<name>.wal). Page 0 holds the format stamp and the catalog;
// every other page belongs to exactly one table's chain. Pages are linked
// into singly linked lists via a next-page pointer; records are stored as
// length-prefixed JSON payloads growing upward from the header. All reads
// and writes go through the Pager so that caching, WAL logging, and
// optional CRC validation happen automatically.
package pager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// ───────────────────────────────────────────────────────────────────────────
// Constants
// ───────────────────────────────────────────────────────────────────────────

const (
	// PageSize is the fixed page size in bytes.
	PageSize = 4096

	// PageHeaderSize is the size of the common page header.
	// Layout:
	//   [0:4]  NextPage   uint32 LE (0 = end of chain)
	//   [4:6]  Count      uint16 LE (record count)
	//   [6:8]  FreeOffset uint16 LE (first free byte; records end here)
	PageHeaderSize = 8

	// FormatStampSize is the size of the format stamp carried by page 0
	// directly after the standard header.
	// Layout:
	//   [8:12]  Magic    "SWDB"
	//   [12:14] Version  uint16 LE (currently 1)
	//   [14:16] Flags    uint16 LE
	FormatStampSize = 8

	// CatalogDataOffset is where records begin on page 0 (header + stamp).
	CatalogDataOffset = PageHeaderSize + FormatStampSize

	// RecordLenSize is the length prefix in front of every record payload.
	RecordLenSize = 2

	// CRCTrailerSize is the per-page CRC32-C trailer used when checksums
	// are enabled. It occupies the last four bytes of the page.
	CRCTrailerSize = 4

	// FormatMagic identifies a SawitDB database file.
	FormatMagic = "SWDB"

	// FormatVersion is the current file format version.
	FormatVersion = uint16(1)

	// InvalidPageID represents a null page pointer / end of chain.
	InvalidPageID PageID = 0

	// CatalogPageID is the fixed id of the catalog root page.
	CatalogPageID PageID = 0
)

// Format stamp flag bits.
const (
	// FlagChecksums marks a file whose pages carry CRC trailers.
	FlagChecksums uint16 = 1 << 0
)

// ───────────────────────────────────────────────────────────────────────────
// Core types
// ───────────────────────────────────────────────────────────────────────────

// PageID is a 32-bit page identifier. Page 0 is always the catalog root.
type PageID uint32

// LSN is a monotonically increasing log sequence number.
type LSN uint64

// Sentinel errors surfaced by the storage layer.
var (
	// ErrStorageFault covers out-of-range reads, short I/O, and checksum
	// mismatches. It aborts the in-flight statement.
	ErrStorageFault = errors.New("storage fault")

	// ErrOutOfSpace is returned when the file cannot be extended.
	ErrOutOfSpace = errors.New("out of space")

	// ErrRecordTooLarge is returned for a record that cannot fit even in
	// an empty page.
	ErrRecordTooLarge = errors.New("record exceeds page capacity")
)

// ───────────────────────────────────────────────────────────────────────────
// Page header
// ───────────────────────────────────────────────────────────────────────────

// PageHeader is the 8-byte header present at the start of every page.
type PageHeader struct {
	Next  PageID
	Count uint16
	Free  uint16
}

// MarshalHeader writes a PageHeader into the first PageHeaderSize bytes of buf.
func MarshalHeader(h PageHeader, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Next))
	binary.LittleEndian.PutUint16(buf[4:6], h.Count)
	binary.LittleEndian.PutUint16(buf[6:8], h.Free)
}

// UnmarshalHeader reads a PageHeader from the first PageHeaderSize bytes of buf.
func UnmarshalHeader(buf []byte) PageHeader {
	return PageHeader{
		Next:  PageID(binary.LittleEndian.Uint32(buf[0:4])),
		Count: binary.LittleEndian.Uint16(buf[4:6]),
		Free:  binary.LittleEndian.Uint16(buf[6:8]),
	}
}

// NewPage returns a zeroed page buffer with an empty-chain header.
func NewPage() []byte {
	buf := make([]byte, PageSize)
	MarshalHeader(PageHeader{Next: InvalidPageID, Count: 0, Free: PageHeaderSize}, buf)
	return buf
}

// NewCatalogPage returns a page 0 buffer carrying the format stamp.
func NewCatalogPage(checksums bool) []byte {
	buf := make([]byte, PageSize)
	MarshalHeader(PageHeader{Next: InvalidPageID, Count: 0, Free: CatalogDataOffset}, buf)
	copy(buf[8:12], FormatMagic)
	binary.LittleEndian.PutUint16(buf[12:14], FormatVersion)
	var flags uint16
	if checksums {
		flags |= FlagChecksums
	}
	binary.LittleEndian.PutUint16(buf[14:16], flags)
	return buf
}

// ValidateFormatStamp checks the magic and version on a page 0 buffer and
// returns the flags field.
func ValidateFormatStamp(buf []byte) (uint16, error) {
	if string(buf[8:12]) != FormatMagic {
		return 0, fmt.Errorf("%w: bad file magic", ErrStorageFault)
	}
	ver := binary.LittleEndian.Uint16(buf[12:14])
	if ver != FormatVersion {
		return 0, fmt.Errorf("%w: unsupported format version %d", ErrStorageFault, ver)
	}
	return binary.LittleEndian.Uint16(buf[14:16]), nil
}

// ───────────────────────────────────────────────────────────────────────────
// Record area
// ───────────────────────────────────────────────────────────────────────────

// dataStart returns the offset of the first record byte for a page.
func dataStart(id PageID) int {
	if id == CatalogPageID {
		return CatalogDataOffset
	}
	return PageHeaderSize
}

// recordLimit returns the exclusive upper bound of the record area.
func recordLimit(checksums bool) int {
	if checksums {
		return PageSize - CRCTrailerSize
	}
	return PageSize
}

// RecordFits reports whether a payload of n bytes fits on a fresh
// non-catalog page.
func RecordFits(n int, checksums bool) bool {
	return PageHeaderSize+RecordLenSize+n <= recordLimit(checksums)
}

// AppendRecord writes a len‖payload tuple at the page's free offset and
// bumps the header. Returns false when the record does not fit.
func AppendRecord(buf []byte, payload []byte, checksums bool) bool {
	h := UnmarshalHeader(buf)
	need := RecordLenSize + len(payload)
	if int(h.Free)+need > recordLimit(checksums) {
		return false
	}
	binary.LittleEndian.PutUint16(buf[h.Free:h.Free+2], uint16(len(payload)))
	copy(buf[int(h.Free)+RecordLenSize:], payload)
	h.Free += uint16(need)
	h.Count++
	MarshalHeader(h, buf)
	return true
}

// Records returns the raw payload slices of a page in storage order.
// The returned slices alias buf.
func Records(id PageID, buf []byte) ([][]byte, error) {
	h := UnmarshalHeader(buf)
	out := make([][]byte, 0, h.Count)
	off := dataStart(id)
	for i := 0; i < int(h.Count); i++ {
		if off+RecordLenSize > int(h.Free) {
			return nil, fmt.Errorf("%w: record %d extends past free offset on page %d", ErrStorageFault, i, id)
		}
		n := int(binary.LittleEndian.Uint16(buf[off : off+2]))
		off += RecordLenSize
		if off+n > int(h.Free) {
			return nil, fmt.Errorf("%w: record %d payload truncated on page %d", ErrStorageFault, i, id)
		}
		out = append(out, buf[off:off+n])
		off += n
	}
	if off != int(h.Free) {
		return nil, fmt.Errorf("%w: record bytes do not sum to free offset on page %d", ErrStorageFault, id)
	}
	return out, nil
}

// RewriteRecords replaces the entire record area of a page with the given
// payloads, compacting out any gaps. The next pointer is preserved.
// Returns false when the payloads do not fit.
func RewriteRecords(id PageID, buf []byte, payloads [][]byte, checksums bool) bool {
	h := UnmarshalHeader(buf)
	start := dataStart(id)
	limit := recordLimit(checksums)
	need := 0
	for _, p := range payloads {
		need += RecordLenSize + len(p)
	}
	if start+need > limit {
		return false
	}
	off := start
	for _, p := range payloads {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(p)))
		copy(buf[off+RecordLenSize:], p)
		off += RecordLenSize + len(p)
	}
	// Zero the tail so stale record bytes never resurface.
	for i := off; i < limit; i++ {
		buf[i] = 0
	}
	h.Count = uint16(len(payloads))
	h.Free = uint16(off)
	MarshalHeader(h, buf)
	return true
}

// ───────────────────────────────────────────────────────────────────────────
// CRC helpers
// ───────────────────────────────────────────────────────────────────────────

// crcTable is the CRC32 (Castagnoli) table used for page trailers.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// SetPageCRC computes and writes the CRC trailer of a page.
func SetPageCRC(buf []byte) {
	c := crc32.Checksum(buf[:PageSize-CRCTrailerSize], crcTable)
	binary.LittleEndian.PutUint32(buf[PageSize-CRCTrailerSize:], c)
}

// VerifyPageCRC checks the CRC trailer of a page.
func VerifyPageCRC(id PageID, buf []byte) error {
	stored := binary.LittleEndian.Uint32(buf[PageSize-CRCTrailerSize:])
	computed := crc32.Checksum(buf[:PageSize-CRCTrailerSize], crcTable)
	if stored != computed {
		return fmt.Errorf("%w: CRC mismatch on page %d: stored=%08x computed=%08x", ErrStorageFault, id, stored, computed)
	}
	return nil
}
