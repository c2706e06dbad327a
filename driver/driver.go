// Package driver registers a database/sql driver named "sawitdb" over the
// embedded engine, for applications that prefer the standard interface:
//
//	db, err := sql.Open("sawitdb", "file:app.sawit")
//	rows, err := db.Query(`SELECT * FROM users WHERE id = @id`,
//		sql.Named("id", 1))
//
// Rows are schema-less JSON objects, so result columns are the sorted
// union of the keys across the returned rows.
package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/sawitdb/sawitdb"
)

func init() {
	sql.Register("sawitdb", &Driver{})
}

// Driver implements driver.Driver.
type Driver struct{}

// Open opens a database handle. The DSN is a file path, optionally with a
// "file:" prefix.
func (d *Driver) Open(dsn string) (driver.Conn, error) {
	path := strings.TrimPrefix(dsn, "file:")
	if path == "" {
		return nil, fmt.Errorf("sawitdb: empty DSN")
	}
	db, err := sawitdb.Open(path, sawitdb.DefaultOptions())
	if err != nil {
		return nil, err
	}
	return &conn{db: db}, nil
}

type conn struct {
	mu sync.Mutex
	db *sawitdb.DB
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return &stmt{c: c, query: query}, nil
}

func (c *conn) Close() error { return c.db.Close() }

// Begin maps onto the engine's statement-buffer transactions.
func (c *conn) Begin() (driver.Tx, error) {
	if _, err := c.exec(`BEGIN`, nil); err != nil {
		return nil, err
	}
	return &tx{c: c}, nil
}

func (c *conn) exec(query string, params map[string]any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Exec(query, params)
}

type tx struct{ c *conn }

func (t *tx) Commit() error {
	_, err := t.c.exec(`COMMIT`, nil)
	return err
}

func (t *tx) Rollback() error {
	_, err := t.c.exec(`ROLLBACK`, nil)
	return err
}

type stmt struct {
	c     *conn
	query string
}

func (s *stmt) Close() error { return nil }

// NumInput is unknown: parameters are named, not positional.
func (s *stmt) NumInput() int { return -1 }

func namedParams(args []driver.Value) map[string]any {
	// Positional args bind as @p1, @p2, … for callers that skip sql.Named.
	params := make(map[string]any, len(args))
	for i, a := range args {
		params[fmt.Sprintf("p%d", i+1)] = normalize(a)
	}
	return params
}

func namedValueParams(args []driver.NamedValue) map[string]any {
	params := make(map[string]any, len(args))
	for _, a := range args {
		name := a.Name
		if name == "" {
			name = fmt.Sprintf("p%d", a.Ordinal)
		}
		params[name] = normalize(a.Value)
	}
	return params
}

func normalize(v driver.Value) any {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case []byte:
		return string(n)
	default:
		return v
	}
}

func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	_, err := s.c.exec(s.query, namedParams(args))
	if err != nil {
		return nil, err
	}
	return driver.RowsAffected(0), nil
}

func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	_, err := s.c.exec(s.query, namedValueParams(args))
	if err != nil {
		return nil, err
	}
	return driver.RowsAffected(0), nil
}

func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.queryParams(namedParams(args))
}

// QueryContext lets database/sql pass named arguments through.
func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return s.queryParams(namedValueParams(args))
}

func (s *stmt) queryParams(params map[string]any) (driver.Rows, error) {
	res, err := s.c.exec(s.query, params)
	if err != nil {
		return nil, err
	}
	switch r := res.(type) {
	case []map[string]any:
		return newRows(r), nil
	case nil:
		return newRows(nil), nil
	default:
		// Message / aggregate / plan results surface as one value column.
		return newRows([]map[string]any{{"value": r}}), nil
	}
}

type rows struct {
	cols []string
	data []map[string]any
	pos  int
}

func newRows(data []map[string]any) *rows {
	colSet := map[string]bool{}
	for _, row := range data {
		for k := range row {
			colSet[k] = true
		}
	}
	cols := make([]string, 0, len(colSet))
	for k := range colSet {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return &rows{cols: cols, data: data}
}

func (r *rows) Columns() []string { return r.cols }

func (r *rows) Close() error { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.pos >= len(r.data) {
		return io.EOF
	}
	row := r.data[r.pos]
	r.pos++
	for i, c := range r.cols {
		dest[i] = row[c]
	}
	return nil
}
