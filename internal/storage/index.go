package storage

import (
	"fmt"
	"sort"

	"github.com/sawitdb/sawitdb/internal/storage/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// IndexManager
// ───────────────────────────────────────────────────────────────────────────
//
// Secondary indexes live in memory and are rebuilt from a full table scan
// at database open; `_indexes` records which (table, field) pairs exist.
// Index maintenance runs synchronously with every row mutation so that the
// in-memory trees always mirror the stored rows.

// IndexEntry names one persisted index.
type IndexEntry struct {
	Table string `json:"table"`
	Field string `json:"field"`
}

func indexKey(table, field string) string { return table + "\x00" + field }

// IndexManager owns `_indexes` and the in-memory trees.
type IndexManager struct {
	store *systemStore
	trees map[string]*BTree
}

func newIndexManager(db *Database) (*IndexManager, error) {
	m := &IndexManager{
		store: newSystemStore(db, IndexesTable, "key"),
		trees: make(map[string]*BTree),
	}
	rows, err := m.store.loadAll()
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		table, _ := row["table"].(string)
		field, _ := row["field"].(string)
		if table == "" || field == "" {
			continue
		}
		if !db.catalog.Exists(table) {
			// Stale record for a dropped table: skipped and left in
			// `_indexes`; a later CREATE INDEX on the same pair replaces it.
			db.log.Warn().Str("table", table).Str("field", field).Msg("index record for missing table ignored")
			continue
		}
		tree, err := m.buildTree(db, table, field)
		if err != nil {
			return nil, err
		}
		m.trees[indexKey(table, field)] = tree
	}
	return m, nil
}

func (m *IndexManager) buildTree(db *Database, table, field string) (*BTree, error) {
	tree := NewBTree()
	err := db.ScanTable(table, func(row map[string]any, page uint32) bool {
		if v, ok := row[field]; ok {
			tree.Insert(v, pager.PageID(page))
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return tree, nil
}

// Create builds an index over (table, field), persists it, and returns the
// tree. Creating the same index twice fails.
func (m *IndexManager) Create(db *Database, table, field string) (*BTree, error) {
	key := indexKey(table, field)
	if _, ok := m.trees[key]; ok {
		return nil, fmt.Errorf("index on %s(%s) %w", table, field, ErrAlreadyExists)
	}
	if !db.catalog.Exists(table) {
		return nil, fmt.Errorf("table %q %w", table, ErrNotFound)
	}
	tree, err := m.buildTree(db, table, field)
	if err != nil {
		return nil, err
	}
	row := map[string]any{"key": key, "table": table, "field": field}
	if err := m.store.put(key, row); err != nil {
		return nil, err
	}
	m.trees[key] = tree
	return tree, nil
}

// Drop removes one index.
func (m *IndexManager) Drop(table, field string) error {
	key := indexKey(table, field)
	if _, ok := m.trees[key]; !ok {
		return fmt.Errorf("index on %s(%s) %w", table, field, ErrNotFound)
	}
	if err := m.store.delete(key); err != nil {
		return err
	}
	delete(m.trees, key)
	return nil
}

// DropTable removes every index of a table (DROP TABLE cleanup).
func (m *IndexManager) DropTable(table string) error {
	for key := range m.trees {
		if len(key) > len(table) && key[:len(table)] == table && key[len(table)] == 0 {
			field := key[len(table)+1:]
			if err := m.Drop(table, field); err != nil {
				return err
			}
		}
	}
	return nil
}

// Lookup returns the tree for (table, field), or nil.
func (m *IndexManager) Lookup(table, field string) *BTree {
	return m.trees[indexKey(table, field)]
}

// List returns the persisted index entries, sorted for stable output.
func (m *IndexManager) List() []IndexEntry {
	out := make([]IndexEntry, 0, len(m.trees))
	for key := range m.trees {
		for i := 0; i < len(key); i++ {
			if key[i] == 0 {
				out = append(out, IndexEntry{Table: key[:i], Field: key[i+1:]})
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].Field < out[j].Field
	})
	return out
}

// rowInserted records a new row on page for every index of its table.
func (m *IndexManager) rowInserted(table string, row map[string]any, page pager.PageID) {
	for _, e := range m.List() {
		if e.Table != table {
			continue
		}
		if v, ok := row[e.Field]; ok {
			m.trees[indexKey(e.Table, e.Field)].Insert(v, page)
		}
	}
}

// rowDeleted removes a row's entries from every index of its table.
func (m *IndexManager) rowDeleted(table string, row map[string]any, page pager.PageID) {
	for _, e := range m.List() {
		if e.Table != table {
			continue
		}
		if v, ok := row[e.Field]; ok {
			m.trees[indexKey(e.Table, e.Field)].Delete(v, page)
		}
	}
}

// rowUpdated swaps a row's index entries: the old key is removed before the
// new one is added, covering value changes and page moves alike.
func (m *IndexManager) rowUpdated(table string, oldRow, newRow map[string]any, oldPage, newPage pager.PageID) {
	for _, e := range m.List() {
		if e.Table != table {
			continue
		}
		tree := m.trees[indexKey(e.Table, e.Field)]
		ov, hadOld := oldRow[e.Field]
		nv, hasNew := newRow[e.Field]
		if hadOld {
			tree.Delete(ov, oldPage)
		}
		if hasNew {
			tree.Insert(nv, newPage)
		}
	}
}
