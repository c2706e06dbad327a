package pager

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		Path:       filepath.Join(dir, "test.sawit"),
		WALEnabled: true,
		SyncMode:   SyncCommit,
		Logger:     zerolog.Nop(),
	}
}

func TestPageHeader_MarshalRoundTrip(t *testing.T) {
	h := PageHeader{Next: 99, Count: 7, Free: 1234}
	buf := make([]byte, PageHeaderSize)
	MarshalHeader(h, buf)
	h2 := UnmarshalHeader(buf)
	if h2 != h {
		t.Fatalf("header roundtrip mismatch: %+v vs %+v", h, h2)
	}
}

func TestAppendRecord_AndRecords(t *testing.T) {
	buf := NewPage()
	payloads := [][]byte{[]byte(`{"a":1}`), []byte(`{"b":2}`), []byte(`{"c":3}`)}
	for _, p := range payloads {
		if !AppendRecord(buf, p, false) {
			t.Fatalf("append failed for %q", p)
		}
	}
	recs, err := Records(1, buf)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i, p := range payloads {
		if !bytes.Equal(recs[i], p) {
			t.Fatalf("record %d: got %q want %q", i, recs[i], p)
		}
	}
	h := UnmarshalHeader(buf)
	sum := 0
	for _, p := range payloads {
		sum += RecordLenSize + len(p)
	}
	if int(h.Free) != PageHeaderSize+sum {
		t.Fatalf("free offset %d, want %d", h.Free, PageHeaderSize+sum)
	}
}

func TestAppendRecord_FullPage(t *testing.T) {
	buf := NewPage()
	big := make([]byte, PageSize) // can never fit
	if AppendRecord(buf, big, false) {
		t.Fatal("oversized record must not fit")
	}
	// Fill the page exactly to the boundary.
	exact := make([]byte, PageSize-PageHeaderSize-RecordLenSize)
	if !AppendRecord(buf, exact, false) {
		t.Fatal("boundary record should fit")
	}
	if AppendRecord(buf, []byte{}, false) {
		t.Fatal("page is full; even an empty record needs its length prefix")
	}
}

func TestRewriteRecords_Compacts(t *testing.T) {
	buf := NewPage()
	for _, p := range [][]byte{[]byte("aaa"), []byte("bbb"), []byte("ccc")} {
		AppendRecord(buf, p, false)
	}
	if !RewriteRecords(1, buf, [][]byte{[]byte("aaa"), []byte("ccc")}, false) {
		t.Fatal("rewrite failed")
	}
	recs, err := Records(1, buf)
	if err != nil {
		t.Fatalf("records after rewrite: %v", err)
	}
	if len(recs) != 2 || string(recs[0]) != "aaa" || string(recs[1]) != "ccc" {
		t.Fatalf("unexpected records after rewrite: %q", recs)
	}
}

func TestCRC_DetectsCorruption(t *testing.T) {
	buf := NewPage()
	AppendRecord(buf, []byte(`{"x":1}`), true)
	SetPageCRC(buf)
	if err := VerifyPageCRC(1, buf); err != nil {
		t.Fatalf("valid CRC failed: %v", err)
	}
	buf[100] ^= 0xFF
	if err := VerifyPageCRC(1, buf); err == nil {
		t.Fatal("expected CRC error after corruption")
	}
}

func TestPager_CreateSeedsCatalogPage(t *testing.T) {
	cfg := testConfig(t)
	p, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	if p.PageCount() != 1 {
		t.Fatalf("page count %d, want 1", p.PageCount())
	}
	buf, err := p.ReadPage(CatalogPageID)
	if err != nil {
		t.Fatalf("read catalog page: %v", err)
	}
	if _, err := ValidateFormatStamp(buf); err != nil {
		t.Fatalf("format stamp: %v", err)
	}
	h := UnmarshalHeader(buf)
	if h.Free != CatalogDataOffset {
		t.Fatalf("catalog free offset %d, want %d", h.Free, CatalogDataOffset)
	}
}

func TestPager_AllocWriteReadBack(t *testing.T) {
	cfg := testConfig(t)
	p, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	id, buf, err := p.AllocPage()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if id != 1 {
		t.Fatalf("first allocated page id %d, want 1", id)
	}
	AppendRecord(buf, []byte(`{"id":1}`), p.Checksums())
	if err := p.WritePage(id, buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := p.ReadPage(id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	recs, err := Records(id, got)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 1 || string(recs[0]) != `{"id":1}` {
		t.Fatalf("unexpected records: %q", recs)
	}
}

func TestPager_ObjectCacheInvalidatedOnWrite(t *testing.T) {
	cfg := testConfig(t)
	p, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	id, buf, _ := p.AllocPage()
	AppendRecord(buf, []byte(`{"n":1}`), p.Checksums())
	if err := p.WritePage(id, buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	po, err := p.ReadPageObjects(id)
	if err != nil {
		t.Fatalf("objects: %v", err)
	}
	if len(po.Rows) != 1 || po.Rows[0]["n"] != float64(1) {
		t.Fatalf("unexpected objects: %+v", po.Rows)
	}

	// Second read must be a cache hit returning the same slice.
	po2, _ := p.ReadPageObjects(id)
	if &po.Rows[0] != &po2.Rows[0] {
		t.Fatal("expected zero-copy object cache hit")
	}

	AppendRecord(buf, []byte(`{"n":2}`), p.Checksums())
	if err := p.WritePage(id, buf); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	po3, err := p.ReadPageObjects(id)
	if err != nil {
		t.Fatalf("objects after write: %v", err)
	}
	if len(po3.Rows) != 2 {
		t.Fatalf("stale object cache: got %d rows, want 2", len(po3.Rows))
	}
}

func TestPager_ReadOutOfRange(t *testing.T) {
	cfg := testConfig(t)
	p, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()
	if _, err := p.ReadPage(42); err == nil {
		t.Fatal("expected storage fault for out-of-range page")
	}
}

func TestWAL_AppendReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.wal")
	wf, err := OpenWALFile(path, SyncCommit)
	if err != nil {
		t.Fatalf("open WAL: %v", err)
	}
	img := bytes.Repeat([]byte{0xAB}, PageSize)
	if _, err := wf.Append(&WALRecord{Type: WALRecordPageImage, PageID: 3, Data: img}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := wf.Append(&WALRecord{Type: WALRecordCommit, Commit: true}); err != nil {
		t.Fatalf("append commit: %v", err)
	}
	wf.Close()

	recs, err := ReadAllRecords(path)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Type != WALRecordPageImage || recs[0].PageID != 3 || !bytes.Equal(recs[0].Data, img) {
		t.Fatal("page image record mismatch")
	}
	if !recs[1].Commit {
		t.Fatal("commit flag lost")
	}
	if recs[1].LSN <= recs[0].LSN {
		t.Fatal("LSNs must be monotonic")
	}
}

func TestWAL_TornTailStopsReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.wal")
	wf, _ := OpenWALFile(path, SyncCommit)
	wf.Append(&WALRecord{Type: WALRecordPageImage, PageID: 1, Data: make([]byte, PageSize)})
	wf.Append(&WALRecord{Type: WALRecordCommit, Commit: true})
	wf.Close()

	// Append garbage simulating a torn frame.
	f, _ := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	f.Write([]byte{0x01, 0x00, 0xFF})
	f.Close()

	recs, err := ReadAllRecords(path)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("torn tail must not produce records: got %d, want 2", len(recs))
	}
}

func TestRecovery_UncommittedImagesDiscarded(t *testing.T) {
	cfg := testConfig(t)
	p, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, buf, _ := p.AllocPage()
	AppendRecord(buf, []byte(`{"committed":true}`), p.Checksums())
	if err := p.WritePage(id, buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// A second image without a commit marker: simulate a crash mid-statement
	// by appending to the WAL and "forgetting" the main-file write.
	dirty := NewPage()
	AppendRecord(dirty, []byte(`{"uncommitted":true}`), p.Checksums())
	if _, err := p.wal.Append(&WALRecord{Type: WALRecordPageImage, PageID: id, Data: dirty}); err != nil {
		t.Fatalf("append: %v", err)
	}
	p.wal.Close()
	p.file.Close()

	// Reopen — recovery must keep the committed image and drop the dirty one.
	p2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()
	po, err := p2.ReadPageObjects(id)
	if err != nil {
		t.Fatalf("objects: %v", err)
	}
	if len(po.Rows) != 1 || po.Rows[0]["committed"] != true {
		t.Fatalf("recovery applied wrong image: %+v", po.Rows)
	}
}

func TestRecovery_CommittedImageReplayedAfterCrash(t *testing.T) {
	// Crash between WAL flush and the main-file page write: the image only
	// exists in the WAL. Reopen must replay it.
	cfg := testConfig(t)
	p, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, buf, _ := p.AllocPage()
	AppendRecord(buf, []byte(`{"row":500}`), p.Checksums())

	// Hand-write the WAL records the way WritePage+Commit would, but skip
	// the main-file write entirely.
	if _, err := p.wal.Append(&WALRecord{Type: WALRecordPageImage, PageID: id, Data: buf}); err != nil {
		t.Fatalf("append image: %v", err)
	}
	if _, err := p.wal.Append(&WALRecord{Type: WALRecordCommit, Commit: true}); err != nil {
		t.Fatalf("append commit: %v", err)
	}
	p.wal.Close()
	p.file.Close()

	p2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()
	po, err := p2.ReadPageObjects(id)
	if err != nil {
		t.Fatalf("objects: %v", err)
	}
	if len(po.Rows) != 1 {
		t.Fatalf("replay lost the committed row: %+v", po.Rows)
	}
	var n float64
	b, _ := json.Marshal(po.Rows[0]["row"])
	json.Unmarshal(b, &n)
	if n != 500 {
		t.Fatalf("row payload mismatch: %v", po.Rows[0])
	}
}

func TestRecovery_IdempotentAcrossReopens(t *testing.T) {
	cfg := testConfig(t)
	p, _ := Open(cfg)
	id, buf, _ := p.AllocPage()
	AppendRecord(buf, []byte(`{"v":1}`), p.Checksums())
	p.WritePage(id, buf)
	p.Commit()
	p.wal.Close()
	p.file.Close()

	for i := 0; i < 3; i++ {
		p2, err := Open(cfg)
		if err != nil {
			t.Fatalf("reopen %d: %v", i, err)
		}
		po, err := p2.ReadPageObjects(id)
		if err != nil {
			t.Fatalf("objects %d: %v", i, err)
		}
		if len(po.Rows) != 1 {
			t.Fatalf("reopen %d: got %d rows, want 1", i, len(po.Rows))
		}
		// Crash again without a clean close.
		p2.wal.Close()
		p2.file.Close()
	}
}

func TestCheckpoint_TruncatesWAL(t *testing.T) {
	cfg := testConfig(t)
	p, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	id, buf, _ := p.AllocPage()
	AppendRecord(buf, []byte(`{"v":1}`), p.Checksums())
	p.WritePage(id, buf)
	p.Commit()

	before := p.wal.Size()
	if before <= WALFileHdrSize {
		t.Fatal("WAL should contain records before checkpoint")
	}
	if err := p.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if p.wal.Size() != WALFileHdrSize {
		t.Fatalf("WAL size after checkpoint %d, want %d", p.wal.Size(), WALFileHdrSize)
	}
}
