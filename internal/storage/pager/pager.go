package pager

import (
	"fmt"
	"os"
	"sync"

	json "github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// ───────────────────────────────────────────────────────────────────────────
// Pager
// ───────────────────────────────────────────────────────────────────────────
//
// The Pager is the central I/O layer. It owns the database file, the WAL,
// and two LRU cache tiers:
//
//   buffer cache: page-id → raw 4096-byte buffer
//   object cache: page-id → (nextPageID, pre-decoded rows)
//
// The object cache is populated lazily on ReadPageObjects and invalidated
// whenever the page is written, so readers never see stale row slices.
// Page writes are WAL-first: the page image is appended to the log before
// the main file is touched.

// RowRef is a decoded row together with the page it came from. The page id
// travels beside the row (never inside it) so UPDATE/DELETE can rewrite the
// originating page without a rescan.
type RowRef struct {
	Row    map[string]any
	PageID PageID
}

// PageObjects is an object-cache entry: the decoded contents of one page.
type PageObjects struct {
	Next PageID
	Rows []map[string]any
}

// Config configures a Pager.
type Config struct {
	Path        string
	WALPath     string // defaults to Path + ".wal"
	WALEnabled  bool
	SyncMode    SyncMode
	BufferPages int // buffer cache capacity (0 = 256)
	ObjectPages int // object cache capacity (0 = 128)
	Checksums   bool
	Logger      zerolog.Logger
}

// Stats are point-in-time pager counters.
type Stats struct {
	PageCount    uint32 `json:"pageCount"`
	BufferHits   uint64 `json:"bufferHits"`
	BufferMisses uint64 `json:"bufferMisses"`
	ObjectHits   uint64 `json:"objectHits"`
	ObjectMisses uint64 `json:"objectMisses"`
	PageWrites   uint64 `json:"pageWrites"`
	WALBytes     int64  `json:"walBytes"`
}

// Pager manages page-level I/O for one database file.
type Pager struct {
	mu        sync.Mutex
	file      *os.File
	wal       *WALFile
	buffers   *lru.Cache[PageID, []byte]
	objects   *lru.Cache[PageID, *PageObjects]
	pageCount uint32
	checksums bool
	path      string
	walPath   string
	log       zerolog.Logger
	closed    bool
	stats     Stats
}

// Open opens or creates a page-based database file. On an existing file the
// WAL is replayed before the pager accepts traffic.
func Open(cfg Config) (*Pager, error) {
	bufPages := cfg.BufferPages
	if bufPages <= 0 {
		bufPages = 256
	}
	objPages := cfg.ObjectPages
	if objPages <= 0 {
		objPages = 128
	}

	isNew := false
	if _, err := os.Stat(cfg.Path); os.IsNotExist(err) {
		isNew = true
	}

	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open db file: %w", err)
	}

	buffers, err := lru.New[PageID, []byte](bufPages)
	if err != nil {
		f.Close()
		return nil, err
	}
	objects, err := lru.New[PageID, *PageObjects](objPages)
	if err != nil {
		f.Close()
		return nil, err
	}

	p := &Pager{
		file:      f,
		buffers:   buffers,
		objects:   objects,
		checksums: cfg.Checksums,
		path:      cfg.Path,
		log:       cfg.Logger.With().Str("component", "pager").Logger(),
	}

	if isNew {
		buf := NewCatalogPage(cfg.Checksums)
		if cfg.Checksums {
			SetPageCRC(buf)
		}
		if _, err := f.WriteAt(buf, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("seed catalog page: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		p.pageCount = 1
	} else {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		if info.Size()%PageSize != 0 {
			p.log.Warn().Int64("size", info.Size()).Msg("database size is not page aligned; trailing bytes ignored")
		}
		p.pageCount = uint32(info.Size() / PageSize)
		if p.pageCount == 0 {
			f.Close()
			return nil, fmt.Errorf("%w: empty database file", ErrStorageFault)
		}
		hdr := make([]byte, PageSize)
		if _, err := f.ReadAt(hdr, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: read catalog page: %v", ErrStorageFault, err)
		}
		flags, err := ValidateFormatStamp(hdr)
		if err != nil {
			f.Close()
			return nil, err
		}
		p.checksums = flags&FlagChecksums != 0
	}

	if cfg.WALEnabled {
		walPath := cfg.WALPath
		if walPath == "" {
			walPath = cfg.Path + ".wal"
		}
		p.walPath = walPath
		wf, err := OpenWALFile(walPath, cfg.SyncMode)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open WAL file: %w", err)
		}
		p.wal = wf

		if !isNew {
			if err := p.Recover(); err != nil {
				wf.Close()
				f.Close()
				return nil, fmt.Errorf("WAL recovery: %w", err)
			}
		}
	}

	return p, nil
}

// ── Raw I/O ───────────────────────────────────────────────────────────────

func (p *Pager) readPageRaw(id PageID) ([]byte, error) {
	if uint32(id) >= p.pageCount {
		return nil, fmt.Errorf("%w: page %d out of range (have %d)", ErrStorageFault, id, p.pageCount)
	}
	buf := make([]byte, PageSize)
	if _, err := p.file.ReadAt(buf, int64(id)*PageSize); err != nil {
		return nil, fmt.Errorf("%w: read page %d: %v", ErrStorageFault, id, err)
	}
	if p.checksums {
		if err := VerifyPageCRC(id, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (p *Pager) writePageRaw(id PageID, buf []byte) error {
	if p.checksums {
		SetPageCRC(buf)
	}
	if _, err := p.file.WriteAt(buf, int64(id)*PageSize); err != nil {
		return fmt.Errorf("%w: write page %d: %v", ErrStorageFault, id, err)
	}
	return nil
}

// ── Public page I/O ───────────────────────────────────────────────────────

// ReadPage returns a copy-free view of a page via the buffer cache.
// Callers must not mutate the returned slice; use WritePage.
func (p *Pager) ReadPage(id PageID) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readPageLocked(id)
}

func (p *Pager) readPageLocked(id PageID) ([]byte, error) {
	if buf, ok := p.buffers.Get(id); ok {
		p.stats.BufferHits++
		return buf, nil
	}
	p.stats.BufferMisses++
	buf, err := p.readPageRaw(id)
	if err != nil {
		return nil, err
	}
	p.buffers.Add(id, buf)
	return buf, nil
}

// ReadPageObjects returns the page's next pointer and its rows decoded
// once. Subsequent calls for a hot page are zero-copy: the cached slice is
// returned directly, so callers must treat the rows as immutable.
func (p *Pager) ReadPageObjects(id PageID) (*PageObjects, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if po, ok := p.objects.Get(id); ok {
		p.stats.ObjectHits++
		return po, nil
	}
	p.stats.ObjectMisses++

	buf, err := p.readPageLocked(id)
	if err != nil {
		return nil, err
	}
	h := UnmarshalHeader(buf)
	recs, err := Records(id, buf)
	if err != nil {
		return nil, err
	}
	po := &PageObjects{Next: h.Next, Rows: make([]map[string]any, 0, len(recs))}
	for i, rec := range recs {
		var row map[string]any
		if err := json.Unmarshal(rec, &row); err != nil {
			return nil, fmt.Errorf("%w: page %d record %d: %v", ErrStorageFault, id, i, err)
		}
		po.Rows = append(po.Rows, row)
	}
	p.objects.Add(id, po)
	return po, nil
}

// WritePage logs the page image to the WAL (when attached), writes it to
// the main file, refreshes the buffer cache, and drops the object-cache
// entry for the page.
func (p *Pager) WritePage(id PageID, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writePageLocked(id, buf)
}

func (p *Pager) writePageLocked(id PageID, buf []byte) error {
	if uint32(id) >= p.pageCount {
		return fmt.Errorf("%w: page %d out of range (have %d)", ErrStorageFault, id, p.pageCount)
	}
	if p.wal != nil {
		rec := &WALRecord{
			Type:   WALRecordPageImage,
			PageID: id,
			Data:   append([]byte{}, buf...), // copy
		}
		if _, err := p.wal.Append(rec); err != nil {
			return fmt.Errorf("WAL write page %d: %w", id, err)
		}
	}
	if err := p.writePageRaw(id, buf); err != nil {
		return err
	}
	p.stats.PageWrites++
	// Keep our own copy so callers may reuse their buffer.
	cached := append([]byte{}, buf...)
	p.buffers.Add(id, cached)
	p.objects.Remove(id)
	return nil
}

// Commit appends a commit marker to the WAL and flushes it per the sync
// policy. With the WAL disabled it fsyncs the main file instead.
func (p *Pager) Commit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wal == nil {
		return p.file.Sync()
	}
	_, err := p.wal.Append(&WALRecord{Type: WALRecordCommit, Commit: true})
	return err
}

// AllocPage extends the file by one zeroed page and returns its id along
// with the fresh buffer. The new page has an empty-chain header.
func (p *Pager) AllocPage() (PageID, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := PageID(p.pageCount)
	buf := NewPage()
	if p.checksums {
		SetPageCRC(buf)
	}
	if _, err := p.file.WriteAt(buf, int64(id)*PageSize); err != nil {
		return InvalidPageID, nil, fmt.Errorf("%w: extend to page %d: %v", ErrOutOfSpace, id, err)
	}
	p.pageCount++
	cached := append([]byte{}, buf...)
	p.buffers.Add(id, cached)
	return id, buf, nil
}

// Flush forces both the WAL and the main file to durable storage.
func (p *Pager) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wal != nil {
		if err := p.wal.Sync(); err != nil {
			return err
		}
	}
	return p.file.Sync()
}

// Checkpoint makes the main file durable and truncates the WAL. All page
// writes are already applied to the main file, so the checkpoint is a
// barrier, not a replay.
func (p *Pager) Checkpoint() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.file.Sync(); err != nil {
		return err
	}
	if p.wal == nil {
		return nil
	}
	if _, err := p.wal.Append(&WALRecord{Type: WALRecordCheckpoint}); err != nil {
		return err
	}
	return p.wal.Truncate()
}

// PageCount returns the number of pages in the file.
func (p *Pager) PageCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pageCount
}

// Checksums reports whether page CRC trailers are active for this file.
func (p *Pager) Checksums() bool { return p.checksums }

// Stats returns current pager counters.
func (p *Pager) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.PageCount = p.pageCount
	if p.wal != nil {
		s.WALBytes = p.wal.Size()
	}
	return s
}

// Path returns the database file path.
func (p *Pager) Path() string { return p.path }

// Close checkpoints and closes the files. Safe to call twice.
func (p *Pager) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	cerr := p.Checkpoint()
	if p.wal != nil {
		if err := p.wal.Close(); err != nil && cerr == nil {
			cerr = err
		}
	}
	if err := p.file.Close(); err != nil && cerr == nil {
		cerr = err
	}
	return cerr
}
