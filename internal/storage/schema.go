package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ───────────────────────────────────────────────────────────────────────────
// Schemas — optional per-table field declarations
// ───────────────────────────────────────────────────────────────────────────
//
// Tables are schema-less by default. DEFINE SCHEMA stores a field list in
// `_schemas`; from then on inserts and updates are validated and coerced to
// the declared kinds. The type names come in two dialects (NUMBER/ANGKA,
// BOOLEAN/BENAR_SALAH, DATE/TANGGAL, TEXT/TEKS) and normalize to the
// canonical English form at definition time.

// FieldType is the canonical kind of a declared field.
type FieldType string

const (
	TypeNumber  FieldType = "NUMBER"
	TypeBoolean FieldType = "BOOLEAN"
	TypeDate    FieldType = "DATE"
	TypeText    FieldType = "TEXT"
)

// NormalizeFieldType maps either dialect's type keyword to the canonical
// form. Unknown names are rejected.
func NormalizeFieldType(s string) (FieldType, error) {
	switch strings.ToUpper(s) {
	case "NUMBER", "ANGKA":
		return TypeNumber, nil
	case "BOOLEAN", "BOOL", "BENAR_SALAH":
		return TypeBoolean, nil
	case "DATE", "TANGGAL":
		return TypeDate, nil
	case "TEXT", "STRING", "TEKS":
		return TypeText, nil
	default:
		return "", fmt.Errorf("%w: unknown field type %q", ErrConstraint, s)
	}
}

// SchemaField declares one field of a table schema.
type SchemaField struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Default  any       `json:"default,omitempty"`
	HasDef   bool      `json:"hasDefault,omitempty"`
}

// Schema is the stored declaration for one table.
type Schema struct {
	Table  string        `json:"table"`
	Fields []SchemaField `json:"fields"`
}

// Apply validates row against the schema and returns the coerced copy:
// declared fields are converted to their kind, defaults fill missing
// fields, unknown fields pass through untouched.
func (s *Schema) Apply(row map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	for _, f := range s.Fields {
		v, present := out[f.Name]
		if !present || v == nil {
			if f.HasDef {
				out[f.Name] = f.Default
				continue
			}
			if f.Required {
				return nil, fmt.Errorf("%w: field %q is required", ErrConstraint, f.Name)
			}
			continue
		}
		cv, err := CoerceValue(v, f.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrConstraint, f.Name, err)
		}
		out[f.Name] = cv
	}
	return out, nil
}

// CoerceValue converts a value to the declared field kind.
func CoerceValue(v any, ft FieldType) (any, error) {
	switch ft {
	case TypeNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case bool:
			if n {
				return float64(1), nil
			}
			return float64(0), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not numeric", n)
			}
			return f, nil
		}
	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case float64:
			if b == 0 {
				return false, nil
			}
			if b == 1 {
				return true, nil
			}
			return nil, fmt.Errorf("%v is not a boolean", b)
		case string:
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "true", "1":
				return true, nil
			case "false", "0":
				return false, nil
			}
			return nil, fmt.Errorf("%q is not a boolean", b)
		}
	case TypeDate:
		switch d := v.(type) {
		case string:
			return normalizeDate(d)
		case float64:
			// Unix milliseconds.
			return time.UnixMilli(int64(d)).UTC().Format(time.RFC3339), nil
		}
	case TypeText:
		switch t := v.(type) {
		case string:
			return t, nil
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(t), nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", v, ft)
}

// dateLayouts are accepted input formats, tried in order.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006",
}

func normalizeDate(s string) (string, error) {
	in := strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, in); err == nil {
			return t.UTC().Format(time.RFC3339), nil
		}
	}
	return "", fmt.Errorf("%q is not a date", s)
}

// ───────────────────────────────────────────────────────────────────────────
// SchemaManager
// ───────────────────────────────────────────────────────────────────────────

// SchemaManager owns `_schemas`: an in-memory cache warmed at open, written
// through on mutation.
type SchemaManager struct {
	store *systemStore
	cache map[string]*Schema
}

func newSchemaManager(db *Database) (*SchemaManager, error) {
	m := &SchemaManager{
		store: newSystemStore(db, SchemasTable, "table"),
		cache: make(map[string]*Schema),
	}
	rows, err := m.store.loadAll()
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		s := schemaFromRow(row)
		if s != nil {
			m.cache[s.Table] = s
		}
	}
	return m, nil
}

func schemaFromRow(row map[string]any) *Schema {
	table, _ := row["table"].(string)
	if table == "" {
		return nil
	}
	s := &Schema{Table: table}
	fields, _ := row["fields"].([]any)
	for _, fv := range fields {
		fm, ok := fv.(map[string]any)
		if !ok {
			continue
		}
		f := SchemaField{}
		f.Name, _ = fm["name"].(string)
		if ts, ok := fm["type"].(string); ok {
			f.Type = FieldType(ts)
		}
		f.Required, _ = fm["required"].(bool)
		if d, ok := fm["default"]; ok {
			f.Default = d
			f.HasDef = true
		}
		if hd, ok := fm["hasDefault"].(bool); ok {
			f.HasDef = hd
		}
		s.Fields = append(s.Fields, f)
	}
	return s
}

func schemaToRow(s *Schema) map[string]any {
	fields := make([]any, 0, len(s.Fields))
	for _, f := range s.Fields {
		fm := map[string]any{"name": f.Name, "type": string(f.Type)}
		if f.Required {
			fm["required"] = true
		}
		if f.HasDef {
			fm["default"] = f.Default
			fm["hasDefault"] = true
		}
		fields = append(fields, fm)
	}
	return map[string]any{"table": s.Table, "fields": fields}
}

// Define stores (or replaces) a table's schema.
func (m *SchemaManager) Define(s *Schema) error {
	if err := m.store.put(s.Table, schemaToRow(s)); err != nil {
		return err
	}
	m.cache[s.Table] = s
	return nil
}

// Get returns the schema for a table, or nil when the table is schema-less.
func (m *SchemaManager) Get(table string) *Schema {
	return m.cache[table]
}

// Remove drops a table's schema (used by DROP TABLE cleanup).
func (m *SchemaManager) Remove(table string) error {
	if _, ok := m.cache[table]; !ok {
		return nil
	}
	if err := m.store.delete(table); err != nil {
		return err
	}
	delete(m.cache, table)
	return nil
}
