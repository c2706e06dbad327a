package storage

import (
	"fmt"
	"io"
	"os"
	"reflect"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sawitdb/sawitdb/internal/storage/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Database
// ───────────────────────────────────────────────────────────────────────────
//
// Database is the per-file handle: the pager, the catalog, the system-table
// managers, and the in-memory indexes. A Database is owned by exactly one
// worker at a time; statement execution against it is single-threaded.

// Options configures a Database open.
type Options struct {
	Path           string
	WALEnabled     bool
	SyncMode       pager.SyncMode
	Checksums      bool
	BufferPages    int
	ObjectPages    int
	CheckpointSpec string // cron spec, e.g. "@every 1m"; empty = no schedule
	Audit          bool
	Logger         zerolog.Logger
}

// Database is one open database file.
type Database struct {
	pg       *pager.Pager
	log      zerolog.Logger
	catalog  *Catalog
	indexes  *IndexManager
	schemas  *SchemaManager
	views    *ViewManager
	triggers *TriggerManager
	procs    *ProcedureManager

	observers []Observer
	audit     *AuditSink
	cronSched *cron.Cron
	opts      Options
}

// Open opens or creates a database file, replays the WAL, warms the system
// caches, and rebuilds all indexes.
func Open(opts Options) (*Database, error) {
	log := opts.Logger.With().Str("db", opts.Path).Logger()

	pg, err := pager.Open(pager.Config{
		Path:        opts.Path,
		WALEnabled:  opts.WALEnabled,
		SyncMode:    opts.SyncMode,
		BufferPages: opts.BufferPages,
		ObjectPages: opts.ObjectPages,
		Checksums:   opts.Checksums,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	db := &Database{pg: pg, log: log, opts: opts}

	db.catalog, err = OpenCatalog(pg)
	if err != nil {
		pg.Close()
		return nil, err
	}
	if db.indexes, err = newIndexManager(db); err != nil {
		pg.Close()
		return nil, err
	}
	if db.schemas, err = newSchemaManager(db); err != nil {
		pg.Close()
		return nil, err
	}
	if db.views, err = newViewManager(db); err != nil {
		pg.Close()
		return nil, err
	}
	if db.triggers, err = newTriggerManager(db); err != nil {
		pg.Close()
		return nil, err
	}
	if db.procs, err = newProcedureManager(db); err != nil {
		pg.Close()
		return nil, err
	}

	if opts.Audit {
		sink, err := OpenAuditSink(opts.Path+".audit", log)
		if err != nil {
			pg.Close()
			return nil, err
		}
		db.audit = sink
		db.observers = append(db.observers, sink)
	}

	if opts.CheckpointSpec != "" && opts.WALEnabled {
		db.cronSched = cron.New()
		_, err := db.cronSched.AddFunc(opts.CheckpointSpec, func() {
			if err := db.pg.Checkpoint(); err != nil {
				log.Warn().Err(err).Msg("scheduled checkpoint failed")
			}
		})
		if err != nil {
			pg.Close()
			return nil, fmt.Errorf("checkpoint schedule %q: %w", opts.CheckpointSpec, err)
		}
		db.cronSched.Start()
	}

	return db, nil
}

// Close stops the checkpoint schedule and closes all files.
func (db *Database) Close() error {
	if db.cronSched != nil {
		db.cronSched.Stop()
		db.cronSched = nil
	}
	if db.audit != nil {
		_ = db.audit.Close()
		db.audit = nil
	}
	return db.pg.Close()
}

// Accessors for the managers and the pager.
func (db *Database) Catalog() *Catalog { return db.catalog }

func (db *Database) Indexes() *IndexManager { return db.indexes }

func (db *Database) Schemas() *SchemaManager { return db.schemas }

func (db *Database) Views() *ViewManager { return db.views }

func (db *Database) Triggers() *TriggerManager { return db.triggers }

func (db *Database) Procedures() *ProcedureManager { return db.procs }

func (db *Database) Pager() *pager.Pager { return db.pg }

func (db *Database) Path() string { return db.opts.Path }

func (db *Database) Log() zerolog.Logger { return db.log }

// AddObserver registers a change observer.
func (db *Database) AddObserver(o Observer) { db.observers = append(db.observers, o) }

// EmitInserted notifies observers of an applied insert.
func (db *Database) EmitInserted(table string, row map[string]any) {
	for _, o := range db.observers {
		o.OnTableInserted(table, row)
	}
}

// EmitUpdated notifies observers of an applied update.
func (db *Database) EmitUpdated(table string, oldRow, newRow map[string]any) {
	for _, o := range db.observers {
		o.OnTableUpdated(table, oldRow, newRow)
	}
}

// EmitDeleted notifies observers of an applied delete.
func (db *Database) EmitDeleted(table string, row map[string]any) {
	for _, o := range db.observers {
		o.OnTableDeleted(table, row)
	}
}

// ── Row primitives ────────────────────────────────────────────────────────

// AppendRow appends a row to a table's chain, maintains the catalog's
// lastPage and all indexes, and returns the page the row landed on.
func (db *Database) AppendRow(table string, row map[string]any) (pager.PageID, error) {
	e, err := db.catalog.Get(table)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return 0, fmt.Errorf("encode row: %w", err)
	}
	wrote, newLast, err := appendToChain(db.pg, e.LastPage, payload)
	if err != nil {
		return 0, err
	}
	if newLast != e.LastPage {
		if err := db.catalog.SetLastPage(table, newLast); err != nil {
			return 0, err
		}
	}
	db.indexes.rowInserted(table, row, wrote)
	return wrote, nil
}

// ScanTable walks a table's chain, calling fn with each row and the page it
// lives on. Rows come from the object cache and must not be mutated.
func (db *Database) ScanTable(table string, fn func(row map[string]any, page uint32) bool) error {
	e, err := db.catalog.Get(table)
	if err != nil {
		return err
	}
	return scanChain(db.pg, e.StartPage, func(ref pager.RowRef) bool {
		return fn(ref.Row, uint32(ref.PageID))
	})
}

// ScanPage yields the rows of one page of a table (index fast path).
func (db *Database) ScanPage(page pager.PageID, fn func(row map[string]any) bool) error {
	po, err := db.pg.ReadPageObjects(page)
	if err != nil {
		return err
	}
	for _, row := range po.Rows {
		if !fn(row) {
			return nil
		}
	}
	return nil
}

// RowCount sums the record counts of a table's page headers.
func (db *Database) RowCount(table string) (int, error) {
	e, err := db.catalog.Get(table)
	if err != nil {
		return 0, err
	}
	return chainRowCount(db.pg, e.StartPage)
}

// DeleteRows removes every row matching the predicate, compacting each
// affected page and maintaining indexes. Returns the number removed.
func (db *Database) DeleteRows(table string, match func(row map[string]any) bool) (int, error) {
	e, err := db.catalog.Get(table)
	if err != nil {
		return 0, err
	}
	removed := 0
	id := e.StartPage
	for id != pager.InvalidPageID {
		po, err := db.pg.ReadPageObjects(id)
		if err != nil {
			return removed, err
		}
		next := po.Next
		var keep []map[string]any
		var dropped []map[string]any
		for _, row := range po.Rows {
			if match(row) {
				dropped = append(dropped, row)
			} else {
				keep = append(keep, row)
			}
		}
		if len(dropped) > 0 {
			// Shrinking always fits.
			if _, err := rewritePageRows(db.pg, id, keep); err != nil {
				return removed, err
			}
			for _, row := range dropped {
				db.indexes.rowDeleted(table, row, id)
			}
			removed += len(dropped)
		}
		id = next
	}
	return removed, nil
}

// ReplaceRow swaps oldRow (identified by identity or deep equality on its
// page) for newRow. The new row stays in place when the page still fits;
// otherwise it relocates to the chain's tail. Returns the row's new page.
func (db *Database) ReplaceRow(table string, page pager.PageID, oldRow, newRow map[string]any) (pager.PageID, error) {
	e, err := db.catalog.Get(table)
	if err != nil {
		return 0, err
	}
	po, err := db.pg.ReadPageObjects(page)
	if err != nil {
		return 0, err
	}
	idx := -1
	for i, row := range po.Rows {
		if sameRow(row, oldRow) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, fmt.Errorf("row %w on page %d", ErrNotFound, page)
	}

	rows := make([]map[string]any, len(po.Rows))
	copy(rows, po.Rows)
	rows[idx] = newRow
	ok, err := rewritePageRows(db.pg, page, rows)
	if err != nil {
		return 0, err
	}
	if ok {
		db.indexes.rowUpdated(table, oldRow, newRow, page, page)
		return page, nil
	}

	// The grown row no longer fits: drop it here, append at the tail.
	rows = append(rows[:idx], rows[idx+1:]...)
	if _, err := rewritePageRows(db.pg, page, rows); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(newRow)
	if err != nil {
		return 0, fmt.Errorf("encode row: %w", err)
	}
	wrote, newLast, err := appendToChain(db.pg, e.LastPage, payload)
	if err != nil {
		return 0, err
	}
	if newLast != e.LastPage {
		if err := db.catalog.SetLastPage(table, newLast); err != nil {
			return 0, err
		}
	}
	db.indexes.rowUpdated(table, oldRow, newRow, page, wrote)
	return wrote, nil
}

// sameRow prefers identity (scan hands out the cached map) and falls back
// to deep equality.
func sameRow(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer() || reflect.DeepEqual(a, b)
}

// Commit marks the durable point of a statement.
func (db *Database) Commit() error { return db.pg.Commit() }

// Checkpoint flushes and truncates the WAL.
func (db *Database) Checkpoint() error { return db.pg.Checkpoint() }

// ── Backup / restore ──────────────────────────────────────────────────────

// Backup checkpoints the database and writes a zstd-compressed snapshot of
// the main file to dest.
func (db *Database) Backup(dest string) error {
	if err := db.pg.Checkpoint(); err != nil {
		return err
	}
	src, err := os.Open(db.opts.Path)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		out.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// RestoreFile decompresses a backup over the target database file. The
// database must be closed; the caller reopens afterwards.
func RestoreFile(backupPath, dbPath string) error {
	in, err := os.Open(backupPath)
	if err != nil {
		return err
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return err
	}
	defer dec.Close()

	tmp := dbPath + ".restore"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, dec.IOReadCloser()); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	// A stale WAL must not replay over the restored image.
	os.Remove(dbPath + ".wal")
	return os.Rename(tmp, dbPath)
}

// Stats aggregates table, index, and pager statistics.
type DBStats struct {
	Tables  int            `json:"tables"`
	Indexes int            `json:"indexes"`
	Pager   pager.Stats    `json:"pager"`
	Rows    map[string]int `json:"rows"`
}

// Stats returns current counters for SHOW STATS and the stats request.
func (db *Database) Stats() (DBStats, error) {
	s := DBStats{
		Tables:  len(db.catalog.List(false)),
		Indexes: len(db.indexes.List()),
		Pager:   db.pg.Stats(),
		Rows:    make(map[string]int),
	}
	for _, t := range db.catalog.List(false) {
		n, err := db.RowCount(t)
		if err != nil {
			return s, err
		}
		s.Rows[t] = n
	}
	return s, nil
}
