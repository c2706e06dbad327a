package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sawitdb/sawitdb/internal/storage/pager"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(Options{
		Path:       filepath.Join(t.TempDir(), "test.sawit"),
		WALEnabled: true,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCatalog_BootstrapSelfHosted(t *testing.T) {
	db := openTestDB(t)

	e, err := db.Catalog().Get("_tables")
	require.NoError(t, err)
	require.Equal(t, pager.CatalogPageID, e.StartPage)
	require.True(t, e.System)
}

func TestCatalog_CreatePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.sawit")
	opts := Options{Path: path, WALEnabled: true, Logger: zerolog.Nop()}

	db, err := Open(opts)
	require.NoError(t, err)
	_, err = db.Catalog().Create("users", false)
	require.NoError(t, err)
	_, err = db.Catalog().Create("orders", false)
	require.NoError(t, err)
	require.NoError(t, db.Commit())
	require.NoError(t, db.Close())

	db2, err := Open(opts)
	require.NoError(t, err)
	defer db2.Close()
	require.ElementsMatch(t, []string{"users", "orders"}, db2.Catalog().List(false))
}

func TestCatalog_DuplicateCreateFails(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Catalog().Create("t", false)
	require.NoError(t, err)
	_, err = db.Catalog().Create("t", false)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestAppendRow_GrowsChainAndUpdatesLastPage(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Catalog().Create("t", false)
	require.NoError(t, err)

	// Big rows force chain growth quickly.
	pad := strings.Repeat("x", 900)
	for i := 0; i < 20; i++ {
		_, err := db.AppendRow("t", map[string]any{"id": float64(i), "pad": pad})
		require.NoError(t, err)
	}

	e, err := db.Catalog().Get("t")
	require.NoError(t, err)
	require.NotEqual(t, e.StartPage, e.LastPage, "chain should have grown")

	// Invariant: sum of page counts == rows returned by a full scan.
	n, err := db.RowCount("t")
	require.NoError(t, err)
	scanned := 0
	require.NoError(t, db.ScanTable("t", func(row map[string]any, _ uint32) bool {
		scanned++
		return true
	}))
	require.Equal(t, 20, n)
	require.Equal(t, n, scanned)
}

func TestDeleteRows_CompactsAndCounts(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Catalog().Create("t", false)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := db.AppendRow("t", map[string]any{"id": float64(i)})
		require.NoError(t, err)
	}
	removed, err := db.DeleteRows("t", func(row map[string]any) bool {
		return row["id"].(float64) >= 5
	})
	require.NoError(t, err)
	require.Equal(t, 5, removed)

	n, err := db.RowCount("t")
	require.NoError(t, err)
	require.Equal(t, 5, n)

	scanned := 0
	require.NoError(t, db.ScanTable("t", func(row map[string]any, _ uint32) bool {
		scanned++
		require.Less(t, row["id"].(float64), float64(5))
		return true
	}))
	require.Equal(t, 5, scanned)
}

func TestReplaceRow_InPlaceAndRelocated(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Catalog().Create("t", false)
	require.NoError(t, err)

	var oldRow map[string]any
	var page pager.PageID
	_, err = db.AppendRow("t", map[string]any{"id": float64(1), "v": "small"})
	require.NoError(t, err)
	require.NoError(t, db.ScanTable("t", func(row map[string]any, p uint32) bool {
		oldRow, page = row, pager.PageID(p)
		return false
	}))

	// Fits in place.
	newRow := map[string]any{"id": float64(1), "v": "bigger"}
	np, err := db.ReplaceRow("t", page, oldRow, newRow)
	require.NoError(t, err)
	require.Equal(t, page, np)

	// Fill the page so the next growth must relocate.
	pad := strings.Repeat("p", 1200)
	for i := 0; i < 3; i++ {
		_, err := db.AppendRow("t", map[string]any{"id": float64(10 + i), "pad": pad})
		require.NoError(t, err)
	}
	require.NoError(t, db.ScanTable("t", func(row map[string]any, p uint32) bool {
		if row["id"].(float64) == 1 {
			oldRow, page = row, pager.PageID(p)
			return false
		}
		return true
	}))
	grown := map[string]any{"id": float64(1), "v": strings.Repeat("z", 2000)}
	np, err = db.ReplaceRow("t", page, oldRow, grown)
	require.NoError(t, err)
	require.NotEqual(t, page, np, "grown row should relocate")

	n, err := db.RowCount("t")
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestIndex_CreateFindAndMaintain(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Catalog().Create("t", false)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, err := db.AppendRow("t", map[string]any{"id": float64(i), "p": float64(i % 7)})
		require.NoError(t, err)
	}
	tree, err := db.Indexes().Create(db, "t", "id")
	require.NoError(t, err)
	require.Equal(t, 100, tree.Len())

	// Index equivalence: index pages lead to the same rows a scan finds.
	for k := 0; k < 100; k++ {
		pages := tree.Find(float64(k))
		require.NotEmpty(t, pages, "id=%d", k)
		found := 0
		for _, pg := range pages {
			require.NoError(t, db.ScanPage(pg, func(row map[string]any) bool {
				if row["id"] == float64(k) {
					found++
				}
				return true
			}))
		}
		require.Equal(t, 1, found, "id=%d", k)
	}

	// Maintenance on delete.
	_, err = db.DeleteRows("t", func(row map[string]any) bool { return row["id"].(float64) == 50 })
	require.NoError(t, err)
	require.Empty(t, tree.Find(float64(50)))
	require.Equal(t, 99, tree.Len())
}

func TestIndex_RebuiltOnReopen(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Path: filepath.Join(dir, "test.sawit"), WALEnabled: true, Logger: zerolog.Nop()}
	db, err := Open(opts)
	require.NoError(t, err)
	_, err = db.Catalog().Create("t", false)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := db.AppendRow("t", map[string]any{"id": float64(i)})
		require.NoError(t, err)
	}
	_, err = db.Indexes().Create(db, "t", "id")
	require.NoError(t, err)
	require.NoError(t, db.Commit())
	require.NoError(t, db.Close())

	db2, err := Open(opts)
	require.NoError(t, err)
	defer db2.Close()
	tree := db2.Indexes().Lookup("t", "id")
	require.NotNil(t, tree, "index must be rebuilt from _indexes")
	require.Equal(t, 10, tree.Len())
}

func TestBTree_OrderAndRange(t *testing.T) {
	tree := NewBTree()
	// Enough keys to force splits.
	for i := 199; i >= 0; i-- {
		tree.Insert(float64(i), pager.PageID(i%13+1))
	}
	require.Equal(t, 200, tree.Len())
	st := tree.Stats()
	require.Greater(t, st.Depth, 1, "200 keys must split the root")
	require.Equal(t, 200, st.Keys)

	var keys []float64
	tree.AscendRange(float64(50), float64(59), func(k any, _ pager.PageID) bool {
		keys = append(keys, k.(float64))
		return true
	})
	require.Len(t, keys, 10)
	for i, k := range keys {
		require.Equal(t, float64(50+i), k)
	}
}

func TestBTree_MixedKindOrdering(t *testing.T) {
	tree := NewBTree()
	tree.Insert("b", 1)
	tree.Insert(float64(2), 1)
	tree.Insert(true, 1)
	tree.Insert(nil, 1)
	tree.Insert("a", 1)
	tree.Insert(false, 1)

	var order []any
	tree.AscendRange(nil, nil, func(k any, _ pager.PageID) bool {
		order = append(order, k)
		return true
	})
	require.Equal(t, []any{nil, false, true, float64(2), "a", "b"}, order)
}

func TestSchema_CoercionsAndRequired(t *testing.T) {
	s := &Schema{Table: "t", Fields: []SchemaField{
		{Name: "n", Type: TypeNumber},
		{Name: "b", Type: TypeBoolean},
		{Name: "d", Type: TypeDate},
		{Name: "must", Type: TypeText, Required: true},
		{Name: "def", Type: TypeNumber, Default: float64(7), HasDef: true},
	}}

	row, err := s.Apply(map[string]any{
		"n": "42.5", "b": "true", "d": "2026-08-01", "must": "yes", "extra": "pass",
	})
	require.NoError(t, err)
	require.Equal(t, 42.5, row["n"])
	require.Equal(t, true, row["b"])
	require.Equal(t, "2026-08-01T00:00:00Z", row["d"])
	require.Equal(t, float64(7), row["def"])
	require.Equal(t, "pass", row["extra"])

	_, err = s.Apply(map[string]any{"n": float64(1)})
	require.ErrorIs(t, err, ErrConstraint)

	_, err = s.Apply(map[string]any{"must": "x", "b": "nope"})
	require.ErrorIs(t, err, ErrConstraint)
}

func TestSchema_BooleanNumericForms(t *testing.T) {
	for _, tc := range []struct {
		in   any
		want bool
	}{
		{float64(0), false}, {float64(1), true}, {"0", false}, {"1", true},
		{"false", false}, {"true", true},
	} {
		got, err := CoerceValue(tc.in, TypeBoolean)
		require.NoError(t, err, "%v", tc.in)
		require.Equal(t, tc.want, got, "%v", tc.in)
	}
}

func TestViews_TriggerAndProcedureStores(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Path: filepath.Join(dir, "test.sawit"), WALEnabled: true, Logger: zerolog.Nop()}
	db, err := Open(opts)
	require.NoError(t, err)

	require.NoError(t, db.Views().Create("v", "SELECT * FROM t"))
	require.ErrorIs(t, db.Views().Create("v", "SELECT * FROM t"), ErrAlreadyExists)

	require.NoError(t, db.Triggers().Create(&Trigger{
		Name: "trg", Table: "t", Timing: TriggerAfter, Event: TriggerInsert,
		Statement: "INSERT INTO log (src) VALUES ('t')",
	}))
	require.Len(t, db.Triggers().For("t", TriggerAfter, TriggerInsert), 1)

	require.NoError(t, db.Procedures().Create("p", "SELECT * FROM t"))
	require.NoError(t, db.Commit())
	require.NoError(t, db.Close())

	db2, err := Open(opts)
	require.NoError(t, err)
	defer db2.Close()
	require.NotNil(t, db2.Views().Get("v"))
	require.Len(t, db2.Triggers().For("t", TriggerAfter, TriggerInsert), 1)
	require.NotNil(t, db2.Procedures().Get("p"))
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.sawit")
	opts := Options{Path: path, WALEnabled: true, Logger: zerolog.Nop()}

	db, err := Open(opts)
	require.NoError(t, err)
	_, err = db.Catalog().Create("t", false)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := db.AppendRow("t", map[string]any{"id": float64(i)})
		require.NoError(t, err)
	}
	require.NoError(t, db.Commit())

	backup := filepath.Join(dir, "snap.zst")
	require.NoError(t, db.Backup(backup))

	// Mutate after the backup, then restore.
	_, err = db.DeleteRows("t", func(map[string]any) bool { return true })
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.NoError(t, RestoreFile(backup, path))
	db2, err := Open(opts)
	require.NoError(t, err)
	defer db2.Close()
	n, err := db2.RowCount("t")
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestAudit_LinesWritten(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Path: filepath.Join(dir, "a.sawit"), WALEnabled: true, Audit: true, Logger: zerolog.Nop()}
	db, err := Open(opts)
	require.NoError(t, err)
	_, err = db.Catalog().Create("t", false)
	require.NoError(t, err)
	_, err = db.AppendRow("t", map[string]any{"id": float64(1)})
	require.NoError(t, err)
	db.EmitInserted("t", map[string]any{"id": float64(1)})
	require.NoError(t, db.Close())

	data, err := os.ReadFile(filepath.Join(dir, "a.sawit.audit"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"op":"insert"`)
	require.Contains(t, string(data), `"table":"t"`)
}
