package storage

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/sawitdb/sawitdb/internal/storage/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Catalog — self-hosted table directory
// ───────────────────────────────────────────────────────────────────────────
//
// The catalog is itself a table (`_tables`) whose chain starts on page 0.
// Its first record is its own entry, hard-coded at bootstrap. Every other
// table — user tables and the `_`-prefixed system tables — is one JSON
// record in this chain.

const (
	catalogTableName = "_tables"

	// Reserved system tables, created lazily on first use.
	IndexesTable    = "_indexes"
	ViewsTable      = "_views"
	SchemasTable    = "_schemas"
	TriggersTable   = "_triggers"
	ProceduresTable = "_procedures"
)

// Catalog errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConstraint    = errors.New("constraint violation")
)

// IsSystemName reports whether a table name is reserved.
func IsSystemName(name string) bool {
	return strings.HasPrefix(name, "_")
}

// Catalog manages table metadata. All methods assume single-threaded use by
// the owning worker; the mutex only guards the rare cross-goroutine reader
// (stats requests).
type Catalog struct {
	mu      sync.RWMutex
	pg      *pager.Pager
	entries map[string]*TableEntry
	order   []string
}

// OpenCatalog loads (or on a fresh file bootstraps) the `_tables` chain.
func OpenCatalog(pg *pager.Pager) (*Catalog, error) {
	c := &Catalog{pg: pg, entries: make(map[string]*TableEntry)}

	count, err := chainRowCount(pg, pager.CatalogPageID)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		// First open: the catalog's own entry is the first record.
		self := &TableEntry{Name: catalogTableName, StartPage: pager.CatalogPageID, LastPage: pager.CatalogPageID, System: true}
		if err := c.appendEntry(self); err != nil {
			return nil, err
		}
		if err := pg.Commit(); err != nil {
			return nil, err
		}
		return c, nil
	}

	err = scanChain(pg, pager.CatalogPageID, func(ref pager.RowRef) bool {
		e := entryFromRow(ref.Row)
		if e != nil {
			c.entries[e.Name] = e
			c.order = append(c.order, e.Name)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if _, ok := c.entries[catalogTableName]; !ok {
		return nil, fmt.Errorf("%w: catalog is missing its own entry", pager.ErrStorageFault)
	}
	return c, nil
}

func entryFromRow(row map[string]any) *TableEntry {
	name, _ := row["name"].(string)
	if name == "" {
		return nil
	}
	e := &TableEntry{Name: name}
	if v, ok := row["startPage"].(float64); ok {
		e.StartPage = pager.PageID(v)
	}
	if v, ok := row["lastPage"].(float64); ok {
		e.LastPage = pager.PageID(v)
	}
	if v, ok := row["system"].(bool); ok {
		e.System = v
	}
	return e
}

func entryToRow(e *TableEntry) map[string]any {
	row := map[string]any{
		"name":      e.Name,
		"startPage": float64(e.StartPage),
		"lastPage":  float64(e.LastPage),
	}
	if e.System {
		row["system"] = true
	}
	return row
}

// appendEntry writes a catalog record and registers it in the cache.
func (c *Catalog) appendEntry(e *TableEntry) error {
	payload, err := json.Marshal(entryToRow(e))
	if err != nil {
		return err
	}
	self := c.entries[catalogTableName]
	last := pager.CatalogPageID
	if self != nil {
		last = self.LastPage
	}
	_, newLast, err := appendToChain(c.pg, last, payload)
	if err != nil {
		return err
	}
	c.entries[e.Name] = e
	c.order = append(c.order, e.Name)
	if self != nil && newLast != self.LastPage {
		self.LastPage = newLast
		if err := c.rewriteEntry(self); err != nil {
			return err
		}
	}
	return nil
}

// rewriteEntry updates an existing catalog record in place. When the grown
// record no longer fits its page, the record moves to the end of the chain.
func (c *Catalog) rewriteEntry(e *TableEntry) error {
	var homePage pager.PageID
	found := false
	err := scanChain(c.pg, pager.CatalogPageID, func(ref pager.RowRef) bool {
		if n, _ := ref.Row["name"].(string); n == e.Name {
			homePage = ref.PageID
			found = true
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: catalog entry %q", ErrNotFound, e.Name)
	}

	po, err := c.pg.ReadPageObjects(homePage)
	if err != nil {
		return err
	}
	rows := make([]map[string]any, 0, len(po.Rows))
	for _, row := range po.Rows {
		if n, _ := row["name"].(string); n == e.Name {
			rows = append(rows, entryToRow(e))
		} else {
			rows = append(rows, row)
		}
	}
	ok, err := rewritePageRows(c.pg, homePage, rows)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	// Rare: the updated record outgrew its page. Drop it here and append a
	// fresh record at the chain tail.
	rows = rows[:0]
	for _, row := range po.Rows {
		if n, _ := row["name"].(string); n != e.Name {
			rows = append(rows, row)
		}
	}
	if _, err := rewritePageRows(c.pg, homePage, rows); err != nil {
		return err
	}
	payload, err := json.Marshal(entryToRow(e))
	if err != nil {
		return err
	}
	self := c.entries[catalogTableName]
	_, newLast, err := appendToChain(c.pg, self.LastPage, payload)
	if err != nil {
		return err
	}
	if newLast != self.LastPage {
		self.LastPage = newLast
		return c.rewriteEntry(self)
	}
	return nil
}

// Get returns the entry for a table.
func (c *Catalog) Get(name string) (*TableEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok {
		return nil, fmt.Errorf("table %q %w", name, ErrNotFound)
	}
	return e, nil
}

// Exists reports whether a table is present.
func (c *Catalog) Exists(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[name]
	return ok
}

// List returns all table names in creation order. System tables are
// included only when withSystem is set.
func (c *Catalog) List(withSystem bool) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.order))
	for _, name := range c.order {
		if !withSystem && IsSystemName(name) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Create allocates a table's first page and records it in the catalog.
// User DDL against a reserved name is rejected before we get here; this
// low-level entry point creates system tables too.
func (c *Catalog) Create(name string, system bool) (*TableEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; ok {
		return nil, fmt.Errorf("table %q %w", name, ErrAlreadyExists)
	}
	id, _, err := c.pg.AllocPage()
	if err != nil {
		return nil, err
	}
	e := &TableEntry{Name: name, StartPage: id, LastPage: id, System: system}
	if err := c.appendEntry(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Ensure returns a table entry, creating the table when absent.
func (c *Catalog) Ensure(name string, system bool) (*TableEntry, error) {
	if e, err := c.Get(name); err == nil {
		return e, nil
	}
	return c.Create(name, system)
}

// Drop removes a table's catalog record. Its pages stay in the file; page
// reclamation is out of scope for this engine.
func (c *Catalog) Drop(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return fmt.Errorf("table %q %w", name, ErrNotFound)
	}
	if e.Name == catalogTableName {
		return fmt.Errorf("%w: cannot drop the catalog", ErrConstraint)
	}

	var homePage pager.PageID
	found := false
	err := scanChain(c.pg, pager.CatalogPageID, func(ref pager.RowRef) bool {
		if n, _ := ref.Row["name"].(string); n == name {
			homePage = ref.PageID
			found = true
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if found {
		po, err := c.pg.ReadPageObjects(homePage)
		if err != nil {
			return err
		}
		rows := make([]map[string]any, 0, len(po.Rows))
		for _, row := range po.Rows {
			if n, _ := row["name"].(string); n != name {
				rows = append(rows, row)
			}
		}
		if _, err := rewritePageRows(c.pg, homePage, rows); err != nil {
			return err
		}
	}

	delete(c.entries, name)
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

// SetLastPage records a chain's new tail in cache and catalog.
func (c *Catalog) SetLastPage(name string, last pager.PageID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return fmt.Errorf("table %q %w", name, ErrNotFound)
	}
	if e.LastPage == last {
		return nil
	}
	e.LastPage = last
	return c.rewriteEntry(e)
}
