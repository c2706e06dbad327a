// Package sawitdb provides an embeddable JSON-row relational database with
// a single-file page store, write-ahead logging, and an SQL-like query
// language available in two keyword dialects (English and Indonesian).
//
// # Basic usage
//
// Open a database file, execute statements, and read results:
//
//	db, err := sawitdb.Open("app.sawit", sawitdb.DefaultOptions())
//	if err != nil { ... }
//	defer db.Close()
//
//	db.Exec(`CREATE TABLE users`, nil)
//	db.Exec(`INSERT INTO users (id, name) VALUES (1, 'Alice')`, nil)
//	res, _ := db.Exec(`SELECT * FROM users WHERE id = @id`,
//		map[string]any{"id": 1})
//	for _, row := range res.([]map[string]any) {
//		fmt.Println(row["name"])
//	}
//
// # Transactions
//
// BEGIN buffers INSERT/UPDATE/DELETE statements per handle; COMMIT replays
// them in order, ROLLBACK discards them. SELECT always reads the committed
// state.
//
// # Durability
//
// With the WAL enabled every page write is logged before it reaches the
// main file and replayed on the next open after a crash. BACKUP TO and
// RESTORE FROM move zstd-compressed snapshots.
package sawitdb

import (
	"github.com/rs/zerolog"

	"github.com/sawitdb/sawitdb/internal/engine"
	"github.com/sawitdb/sawitdb/internal/storage"
	"github.com/sawitdb/sawitdb/internal/storage/pager"
)

// Options configures an embedded database handle.
type Options = storage.Options

// Row is one result row.
type Row = map[string]any

// Command is a parsed statement record.
type Command = engine.Command

// Sync modes for the WAL.
const (
	SyncCommit = pager.SyncCommit
	SyncAlways = pager.SyncAlways
	SyncOff    = pager.SyncOff
)

// DefaultOptions returns the embedded defaults: WAL on, fsync on commit,
// no checksums, quiet logger.
func DefaultOptions() Options {
	return Options{
		WALEnabled: true,
		SyncMode:   pager.SyncCommit,
		Logger:     zerolog.Nop(),
	}
}

// DB is an embedded database handle. It is not safe for concurrent use;
// callers that need parallelism put one handle behind their own mutex, the
// way the server's workers do.
type DB struct {
	store *storage.Database
	exec  *engine.Executor
	tx    *engine.TxBuffer
	opts  Options
}

// Open opens or creates a database file.
func Open(path string, opts Options) (*DB, error) {
	opts.Path = path
	store, err := storage.Open(opts)
	if err != nil {
		return nil, err
	}
	db := &DB{store: store, tx: engine.NewTxBuffer(), opts: opts}
	db.exec = engine.NewExecutor(store, engine.NewQueryCache(0))
	db.exec.RestoreFn = db.restore
	return db, nil
}

func (db *DB) restore(file string) error {
	if err := db.store.Close(); err != nil {
		return err
	}
	if err := storage.RestoreFile(file, db.opts.Path); err != nil {
		return err
	}
	store, err := storage.Open(db.opts)
	if err != nil {
		return err
	}
	db.store = store
	db.exec = engine.NewExecutor(store, engine.NewQueryCache(0))
	db.exec.RestoreFn = db.restore
	return nil
}

// Exec parses, binds, and executes one statement. The result is the
// executor's native output: rows, a message string, an aggregate value, or
// a plan object.
func (db *DB) Exec(sql string, params map[string]any) (any, error) {
	return db.exec.Run(sql, params, db.tx)
}

// Query executes a statement expected to produce rows.
func (db *DB) Query(sql string, params map[string]any) ([]Row, error) {
	res, err := db.Exec(sql, params)
	if err != nil {
		return nil, err
	}
	rows, ok := res.([]map[string]any)
	if !ok {
		return nil, nil
	}
	return rows, nil
}

// Parse parses a statement without executing it.
func Parse(sql string) *Command { return engine.Parse(sql) }

// Stats returns storage counters.
func (db *DB) Stats() (storage.DBStats, error) { return db.store.Stats() }

// Checkpoint fsyncs the main file and truncates the WAL.
func (db *DB) Checkpoint() error { return db.store.Checkpoint() }

// Close checkpoints and closes the file.
func (db *DB) Close() error { return db.store.Close() }
