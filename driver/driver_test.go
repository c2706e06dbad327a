package driver

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openSQL(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drv.sawit")
	db, err := sql.Open("sawitdb", "file:"+path)
	require.NoError(t, err)
	// database/sql pools connections; a file-backed engine wants one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDriver_ExecAndQuery(t *testing.T) {
	db := openSQL(t)

	_, err := db.Exec(`CREATE TABLE users`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO users (id, name) VALUES (@id, @name)`,
		sql.Named("id", int64(1)), sql.Named("name", "Alice"))
	require.NoError(t, err)

	rows, err := db.Query(`SELECT * FROM users WHERE id = @id`, sql.Named("id", int64(1)))
	require.NoError(t, err)
	defer rows.Close()

	cols, err := rows.Columns()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"id", "name"}, cols)

	require.True(t, rows.Next())
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	require.NoError(t, rows.Scan(ptrs...))

	got := map[string]any{}
	for i, c := range cols {
		got[c] = vals[i]
	}
	require.Equal(t, "Alice", got["name"])
	require.Equal(t, float64(1), got["id"])
	require.False(t, rows.Next())
}

func TestDriver_Transaction(t *testing.T) {
	db := openSQL(t)
	_, err := db.Exec(`CREATE TABLE t`)
	require.NoError(t, err)

	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = tx.Exec(`INSERT INTO t (id) VALUES (1)`)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	var count float64
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&count))
	require.Equal(t, float64(0), count)
}

func TestDriver_MessageResultAsValueColumn(t *testing.T) {
	db := openSQL(t)
	rows, err := db.Query(`CREATE TABLE t`)
	require.NoError(t, err)
	defer rows.Close()
	cols, _ := rows.Columns()
	require.Equal(t, []string{"value"}, cols)
}
