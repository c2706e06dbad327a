package storage

import (
	"fmt"
	"sort"
)

// ───────────────────────────────────────────────────────────────────────────
// System-table stores
// ───────────────────────────────────────────────────────────────────────────
//
// Views, schemas, triggers, and procedures all follow the same pattern: one
// reserved `_`-prefixed table, an in-memory cache warmed at open, and
// write-through on every mutation. systemStore implements the shared table
// plumbing; each manager layers its record shape on top.

// systemStore reads and writes keyed JSON records in one system table. The
// table is created lazily on first write.
type systemStore struct {
	db       *Database
	table    string
	keyField string
}

func newSystemStore(db *Database, table, keyField string) *systemStore {
	return &systemStore{db: db, table: table, keyField: keyField}
}

// loadAll returns every record of the system table; an absent table is
// simply empty.
func (s *systemStore) loadAll() ([]map[string]any, error) {
	if !s.db.catalog.Exists(s.table) {
		return nil, nil
	}
	var rows []map[string]any
	err := s.db.ScanTable(s.table, func(row map[string]any, _ uint32) bool {
		rows = append(rows, row)
		return true
	})
	return rows, err
}

// put replaces the record whose key field equals key (if any) and appends
// the new record.
func (s *systemStore) put(key string, row map[string]any) error {
	if _, err := s.db.catalog.Ensure(s.table, true); err != nil {
		return err
	}
	if err := s.deleteIfPresent(key); err != nil {
		return err
	}
	if _, err := s.db.AppendRow(s.table, row); err != nil {
		return err
	}
	return nil
}

// delete removes the record whose key field equals key.
func (s *systemStore) delete(key string) error {
	if !s.db.catalog.Exists(s.table) {
		return fmt.Errorf("%q %w", key, ErrNotFound)
	}
	return s.deleteIfPresent(key)
}

func (s *systemStore) deleteIfPresent(key string) error {
	if !s.db.catalog.Exists(s.table) {
		return nil
	}
	_, err := s.db.DeleteRows(s.table, func(row map[string]any) bool {
		v, _ := row[s.keyField].(string)
		return v == key
	})
	return err
}

// ───────────────────────────────────────────────────────────────────────────
// Views
// ───────────────────────────────────────────────────────────────────────────

// View is a stored SELECT under a name. The text is reparsed at use; the
// engine's query cache keeps that cheap.
type View struct {
	Name  string `json:"name"`
	Query string `json:"query"`
}

// ViewManager owns `_views`.
type ViewManager struct {
	store *systemStore
	cache map[string]*View
}

func newViewManager(db *Database) (*ViewManager, error) {
	m := &ViewManager{store: newSystemStore(db, ViewsTable, "name"), cache: make(map[string]*View)}
	rows, err := m.store.loadAll()
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		name, _ := row["name"].(string)
		query, _ := row["query"].(string)
		if name != "" {
			m.cache[name] = &View{Name: name, Query: query}
		}
	}
	return m, nil
}

// Create stores a view. An existing view or table with the same name wins.
func (m *ViewManager) Create(name, query string) error {
	if _, ok := m.cache[name]; ok {
		return fmt.Errorf("view %q %w", name, ErrAlreadyExists)
	}
	if m.store.db.catalog.Exists(name) {
		return fmt.Errorf("table %q %w", name, ErrAlreadyExists)
	}
	if err := m.store.put(name, map[string]any{"name": name, "query": query}); err != nil {
		return err
	}
	m.cache[name] = &View{Name: name, Query: query}
	return nil
}

// Get returns a view by name, or nil.
func (m *ViewManager) Get(name string) *View { return m.cache[name] }

// Drop removes a view.
func (m *ViewManager) Drop(name string) error {
	if _, ok := m.cache[name]; !ok {
		return fmt.Errorf("view %q %w", name, ErrNotFound)
	}
	if err := m.store.delete(name); err != nil {
		return err
	}
	delete(m.cache, name)
	return nil
}

// List returns view names sorted.
func (m *ViewManager) List() []string {
	out := make([]string, 0, len(m.cache))
	for n := range m.cache {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ───────────────────────────────────────────────────────────────────────────
// Triggers
// ───────────────────────────────────────────────────────────────────────────

// TriggerTiming is BEFORE or AFTER.
type TriggerTiming string

const (
	TriggerBefore TriggerTiming = "BEFORE"
	TriggerAfter  TriggerTiming = "AFTER"
)

// TriggerEvent is the mutating statement kind a trigger watches.
type TriggerEvent string

const (
	TriggerInsert TriggerEvent = "INSERT"
	TriggerUpdate TriggerEvent = "UPDATE"
	TriggerDelete TriggerEvent = "DELETE"
)

// Trigger fires a stored statement around a mutation. Trigger failure is
// logged and never fails the outer statement.
type Trigger struct {
	Name      string        `json:"name"`
	Table     string        `json:"table"`
	Timing    TriggerTiming `json:"timing"`
	Event     TriggerEvent  `json:"event"`
	Statement string        `json:"statement"`
}

// TriggerManager owns `_triggers`.
type TriggerManager struct {
	store *systemStore
	cache map[string]*Trigger
}

func newTriggerManager(db *Database) (*TriggerManager, error) {
	m := &TriggerManager{store: newSystemStore(db, TriggersTable, "name"), cache: make(map[string]*Trigger)}
	rows, err := m.store.loadAll()
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		t := &Trigger{}
		t.Name, _ = row["name"].(string)
		t.Table, _ = row["table"].(string)
		if s, ok := row["timing"].(string); ok {
			t.Timing = TriggerTiming(s)
		}
		if s, ok := row["event"].(string); ok {
			t.Event = TriggerEvent(s)
		}
		t.Statement, _ = row["statement"].(string)
		if t.Name != "" {
			m.cache[t.Name] = t
		}
	}
	return m, nil
}

// Create stores a trigger.
func (m *TriggerManager) Create(t *Trigger) error {
	if _, ok := m.cache[t.Name]; ok {
		return fmt.Errorf("trigger %q %w", t.Name, ErrAlreadyExists)
	}
	row := map[string]any{
		"name": t.Name, "table": t.Table,
		"timing": string(t.Timing), "event": string(t.Event),
		"statement": t.Statement,
	}
	if err := m.store.put(t.Name, row); err != nil {
		return err
	}
	m.cache[t.Name] = t
	return nil
}

// Drop removes a trigger.
func (m *TriggerManager) Drop(name string) error {
	if _, ok := m.cache[name]; !ok {
		return fmt.Errorf("trigger %q %w", name, ErrNotFound)
	}
	if err := m.store.delete(name); err != nil {
		return err
	}
	delete(m.cache, name)
	return nil
}

// For returns the triggers registered for a table/timing/event, in name
// order so firing is deterministic.
func (m *TriggerManager) For(table string, timing TriggerTiming, event TriggerEvent) []*Trigger {
	var out []*Trigger
	for _, t := range m.cache {
		if t.Table == table && t.Timing == timing && t.Event == event {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ───────────────────────────────────────────────────────────────────────────
// Procedures
// ───────────────────────────────────────────────────────────────────────────

// Procedure is a named list of statements separated by semicolons.
type Procedure struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

// ProcedureManager owns `_procedures`.
type ProcedureManager struct {
	store *systemStore
	cache map[string]*Procedure
}

func newProcedureManager(db *Database) (*ProcedureManager, error) {
	m := &ProcedureManager{store: newSystemStore(db, ProceduresTable, "name"), cache: make(map[string]*Procedure)}
	rows, err := m.store.loadAll()
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		name, _ := row["name"].(string)
		body, _ := row["body"].(string)
		if name != "" {
			m.cache[name] = &Procedure{Name: name, Body: body}
		}
	}
	return m, nil
}

// Create stores a procedure.
func (m *ProcedureManager) Create(name, body string) error {
	if _, ok := m.cache[name]; ok {
		return fmt.Errorf("procedure %q %w", name, ErrAlreadyExists)
	}
	if err := m.store.put(name, map[string]any{"name": name, "body": body}); err != nil {
		return err
	}
	m.cache[name] = &Procedure{Name: name, Body: body}
	return nil
}

// Get returns a procedure by name, or nil.
func (m *ProcedureManager) Get(name string) *Procedure { return m.cache[name] }

// Drop removes a procedure.
func (m *ProcedureManager) Drop(name string) error {
	if _, ok := m.cache[name]; !ok {
		return fmt.Errorf("procedure %q %w", name, ErrNotFound)
	}
	if err := m.store.delete(name); err != nil {
		return err
	}
	delete(m.cache, name)
	return nil
}
