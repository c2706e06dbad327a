package sawitdb_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sawitdb/sawitdb"
)

func openDB(t *testing.T) (*sawitdb.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.sawit")
	db, err := sawitdb.Open(path, sawitdb.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func mustExec(t *testing.T, db *sawitdb.DB, sql string) any {
	t.Helper()
	res, err := db.Exec(sql, nil)
	require.NoError(t, err, sql)
	return res
}

func TestEndToEnd_CrudAndDialect(t *testing.T) {
	db, _ := openDB(t)

	mustExec(t, db, `CREATE TABLE users`)
	mustExec(t, db, `INSERT INTO users (id, name, age) VALUES (1, 'Alice', 30)`)
	// Same engine, Indonesian keywords.
	mustExec(t, db, `MASUKKAN KE users (id, name, age) NILAI (2, 'Budi', 25)`)

	rows, err := db.Query(`PILIH name DARI users URUT BERDASARKAN age TURUN`, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "Alice", rows[0]["name"])
	require.Equal(t, "Budi", rows[1]["name"])

	res := mustExec(t, db, `SELECT COUNT(*) FROM users`)
	require.Equal(t, float64(2), res)
}

func TestEndToEnd_PersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.sawit")
	db, err := sawitdb.Open(path, sawitdb.DefaultOptions())
	require.NoError(t, err)
	mustExec(t, db, `CREATE TABLE t`)
	for i := 0; i < 50; i++ {
		_, err := db.Exec(`INSERT INTO t (n) VALUES (@n)`, map[string]any{"n": float64(i)})
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	db2, err := sawitdb.Open(path, sawitdb.DefaultOptions())
	require.NoError(t, err)
	defer db2.Close()
	res, err := db2.Exec(`SELECT COUNT(*) FROM t`, nil)
	require.NoError(t, err)
	require.Equal(t, float64(50), res)
}

func TestEndToEnd_TransactionRollback(t *testing.T) {
	db, _ := openDB(t)
	mustExec(t, db, `CREATE TABLE t`)
	for _, id := range []string{"1", "2", "3"} {
		mustExec(t, db, `INSERT INTO t (id) VALUES (`+id+`)`)
	}

	mustExec(t, db, `BEGIN`)
	mustExec(t, db, `DELETE FROM t WHERE id = 2`)
	mustExec(t, db, `ROLLBACK`)

	rows, err := db.Query(`SELECT * FROM t`, nil)
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestEndToEnd_BackupRestore(t *testing.T) {
	db, _ := openDB(t)
	dir := t.TempDir()
	backup := filepath.Join(dir, "snap.zst")

	mustExec(t, db, `CREATE TABLE t`)
	mustExec(t, db, `INSERT INTO t (id) VALUES (1)`)
	mustExec(t, db, `BACKUP TO '`+backup+`'`)
	mustExec(t, db, `DELETE FROM t WHERE id = 1`)

	mustExec(t, db, `RESTORE FROM '`+backup+`'`)
	rows, err := db.Query(`SELECT * FROM t`, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestEndToEnd_ExplainAndStats(t *testing.T) {
	db, _ := openDB(t)
	mustExec(t, db, `CREATE TABLE t`)
	mustExec(t, db, `CREATE INDEX ON t (id)`)

	plan := mustExec(t, db, `EXPLAIN SELECT * FROM t WHERE id = 1`)
	require.IsType(t, map[string]any{}, plan)

	stats, err := db.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.Tables)
	require.Equal(t, 1, stats.Indexes)
}

func TestParse_ErrorsNeverPanic(t *testing.T) {
	for _, sql := range []string{
		`SELECT`, `INSERT INTO`, `WHERE x = 1`, `CREATE`, `'unterminated`,
		`SELECT * FROM t WHERE`, `UPDATE t SET`, `!!!`,
	} {
		cmd := sawitdb.Parse(sql)
		require.NotNil(t, cmd, sql)
	}
}
