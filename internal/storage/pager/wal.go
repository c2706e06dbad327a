package pager

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/zeebo/xxh3"
)

// ───────────────────────────────────────────────────────────────────────────
// WAL file format
// ───────────────────────────────────────────────────────────────────────────
//
// The WAL is an append-only file of framed records using full page images
// (physical logging). A page write appends its image before the main file
// is touched; a commit record marks the durable point of a statement.
//
// WAL file header (first 16 bytes):
//   [0:8]   Magic      "SWTWAL\x00\x00"
//   [8:10]  Version    uint16 LE (currently 1)
//   [10:12] Reserved   2 bytes
//   [12:16] PageSize   uint32 LE
//
// WAL record (variable-length, follows header):
//   [0]     RecordType  (1 byte)
//   [1]     Flags       (1 byte — bit 0: commit marker)
//   [2:10]  LSN         uint64 LE
//   [10:14] PageID      uint32 LE (PAGE_IMAGE only)
//   [14:18] DataLen     uint32 LE
//   [18:26] Sum         uint64 LE — xxh3 of header[0:18] ‖ data
//   [26:26+DataLen]     Data (page image, empty for COMMIT/CHECKPOINT)

const (
	WALMagic       = "SWTWAL\x00\x00"
	WALVersion     = uint16(1)
	WALFileHdrSize = 16
	WALRecHdrSize  = 26
)

// WALRecordType identifies the kind of WAL record.
type WALRecordType uint8

const (
	WALRecordPageImage  WALRecordType = 0x01
	WALRecordCommit     WALRecordType = 0x02
	WALRecordCheckpoint WALRecordType = 0x03
)

func (rt WALRecordType) String() string {
	switch rt {
	case WALRecordPageImage:
		return "PAGE_IMAGE"
	case WALRecordCommit:
		return "COMMIT"
	case WALRecordCheckpoint:
		return "CHECKPOINT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(rt))
	}
}

const walFlagCommit = uint8(1 << 0)

// WALRecord is the in-memory form of a WAL record.
type WALRecord struct {
	Type   WALRecordType
	Commit bool
	LSN    LSN
	PageID PageID
	Data   []byte // full page image for PAGE_IMAGE, nil otherwise
}

// SyncMode controls when the WAL file is fsynced.
type SyncMode int

const (
	// SyncCommit fsyncs on commit records only (default).
	SyncCommit SyncMode = iota
	// SyncAlways fsyncs after every append.
	SyncAlways
	// SyncOff never fsyncs explicitly; durability rides on the OS.
	SyncOff
)

// ParseSyncMode maps a config string to a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch s {
	case "", "commit":
		return SyncCommit, nil
	case "always":
		return SyncAlways, nil
	case "off":
		return SyncOff, nil
	default:
		return SyncCommit, fmt.Errorf("unknown WAL sync mode %q", s)
	}
}

// ───────────────────────────────────────────────────────────────────────────
// WAL writer/reader
// ───────────────────────────────────────────────────────────────────────────

// WALFile manages the append-only WAL file.
type WALFile struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	mode     SyncMode
	nextLSN  LSN
	writePos int64 // current write offset — avoids Seek syscall
}

// OpenWALFile opens or creates a WAL file. An existing file has its header
// validated; a new file gets one written.
func OpenWALFile(path string, mode SyncMode) (*WALFile, error) {
	exists := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		exists = false
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open WAL: %w", err)
	}

	wf := &WALFile{f: f, path: path, mode: mode, nextLSN: 1}

	if exists {
		if err := wf.validateHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := wf.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	}

	endPos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("seek WAL end: %w", err)
	}
	wf.writePos = endPos

	return wf, nil
}

func (wf *WALFile) writeHeader() error {
	var hdr [WALFileHdrSize]byte
	copy(hdr[0:8], WALMagic)
	binary.LittleEndian.PutUint16(hdr[8:10], WALVersion)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(PageSize))
	if _, err := wf.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("write WAL header: %w", err)
	}
	return wf.f.Sync()
}

func (wf *WALFile) validateHeader() error {
	var hdr [WALFileHdrSize]byte
	n, err := wf.f.ReadAt(hdr[:], 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("%w: read WAL header: %v", ErrStorageFault, err)
	}
	if n == 0 {
		// Zero-length file left behind by a crash during creation.
		return wf.writeHeader()
	}
	if n < WALFileHdrSize {
		return fmt.Errorf("%w: WAL header too short: %d bytes", ErrStorageFault, n)
	}
	if string(hdr[0:8]) != WALMagic {
		return fmt.Errorf("%w: bad WAL magic", ErrStorageFault)
	}
	ver := binary.LittleEndian.Uint16(hdr[8:10])
	if ver != WALVersion {
		return fmt.Errorf("%w: unsupported WAL version %d", ErrStorageFault, ver)
	}
	ps := binary.LittleEndian.Uint32(hdr[12:16])
	if int(ps) != PageSize {
		return fmt.Errorf("%w: WAL page size %d != expected %d", ErrStorageFault, ps, PageSize)
	}
	return nil
}

// Append writes a WAL record, assigns it a monotonic LSN, and applies the
// sync policy. Returns the assigned LSN.
func (wf *WALFile) Append(rec *WALRecord) (LSN, error) {
	wf.mu.Lock()
	defer wf.mu.Unlock()

	lsn := wf.nextLSN
	wf.nextLSN++
	rec.LSN = lsn

	data := marshalWALRecord(rec)
	n, err := wf.f.WriteAt(data, wf.writePos)
	if err != nil {
		return 0, fmt.Errorf("WAL append: %w", err)
	}
	wf.writePos += int64(n)

	switch wf.mode {
	case SyncAlways:
		if err := wf.f.Sync(); err != nil {
			return 0, err
		}
	case SyncCommit:
		if rec.Commit {
			if err := wf.f.Sync(); err != nil {
				return 0, err
			}
		}
	}
	return lsn, nil
}

// Sync fsyncs the WAL file regardless of mode.
func (wf *WALFile) Sync() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.f.Sync()
}

// Close closes the WAL file.
func (wf *WALFile) Close() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.f.Close()
}

// Truncate resets the WAL file to just the header (after a checkpoint).
func (wf *WALFile) Truncate() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if err := wf.f.Truncate(WALFileHdrSize); err != nil {
		return err
	}
	wf.writePos = WALFileHdrSize
	return wf.f.Sync()
}

// Size returns the current WAL file size in bytes.
func (wf *WALFile) Size() int64 {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.writePos
}

// SetNextLSN lets recovery advance the LSN counter past replayed records.
func (wf *WALFile) SetNextLSN(lsn LSN) {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	wf.nextLSN = lsn
}

// ───────────────────────────────────────────────────────────────────────────
// Serialization
// ───────────────────────────────────────────────────────────────────────────

func marshalWALRecord(rec *WALRecord) []byte {
	dataLen := len(rec.Data)
	buf := make([]byte, WALRecHdrSize+dataLen)
	buf[0] = byte(rec.Type)
	if rec.Commit {
		buf[1] = walFlagCommit
	}
	binary.LittleEndian.PutUint64(buf[2:10], uint64(rec.LSN))
	binary.LittleEndian.PutUint32(buf[10:14], uint32(rec.PageID))
	binary.LittleEndian.PutUint32(buf[14:18], uint32(dataLen))
	if dataLen > 0 {
		copy(buf[WALRecHdrSize:], rec.Data)
	}
	h := xxh3.New()
	h.Write(buf[:18])
	h.Write(buf[WALRecHdrSize:])
	binary.LittleEndian.PutUint64(buf[18:26], h.Sum64())
	return buf
}

func unmarshalWALRecord(r io.Reader) (*WALRecord, error) {
	var hdr [WALRecHdrSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	rec := &WALRecord{
		Type:   WALRecordType(hdr[0]),
		Commit: hdr[1]&walFlagCommit != 0,
		LSN:    LSN(binary.LittleEndian.Uint64(hdr[2:10])),
		PageID: PageID(binary.LittleEndian.Uint32(hdr[10:14])),
	}
	dataLen := int(binary.LittleEndian.Uint32(hdr[14:18]))
	storedSum := binary.LittleEndian.Uint64(hdr[18:26])

	if dataLen > PageSize {
		return nil, fmt.Errorf("%w: WAL record data length %d", ErrStorageFault, dataLen)
	}
	var data []byte
	if dataLen > 0 {
		data = make([]byte, dataLen)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("WAL record data: %w", err)
		}
		rec.Data = data
	}

	h := xxh3.New()
	h.Write(hdr[:18])
	h.Write(data)
	if h.Sum64() != storedSum {
		return nil, fmt.Errorf("%w: WAL record checksum mismatch at LSN %d", ErrStorageFault, rec.LSN)
	}

	return rec, nil
}

// ReadAllRecords reads all WAL records after the file header. A partial or
// corrupt frame at the tail terminates the scan: everything from that point
// on is treated as not written.
func ReadAllRecords(path string) ([]*WALRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(WALFileHdrSize, io.SeekStart); err != nil {
		return nil, err
	}

	var records []*WALRecord
	for {
		rec, err := unmarshalWALRecord(f)
		if err != nil {
			// EOF or torn tail — stop.
			break
		}
		records = append(records, rec)
	}
	return records, nil
}
