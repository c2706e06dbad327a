package storage

import (
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// ───────────────────────────────────────────────────────────────────────────
// Change observers
// ───────────────────────────────────────────────────────────────────────────

// Observer receives synchronous change notifications after a mutation is
// applied. Observers must not mutate the rows they are handed.
type Observer interface {
	OnTableInserted(table string, row map[string]any)
	OnTableUpdated(table string, oldRow, newRow map[string]any)
	OnTableDeleted(table string, row map[string]any)
}

// AuditSink appends one JSON line per mutation to the database's .audit
// file. It implements Observer.
type AuditSink struct {
	mu   sync.Mutex
	f    *os.File
	log  zerolog.Logger
	now  func() time.Time
	path string
}

// OpenAuditSink opens (or creates) the append-only audit file.
func OpenAuditSink(path string, log zerolog.Logger) (*AuditSink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &AuditSink{f: f, log: log, now: time.Now, path: path}, nil
}

func (a *AuditSink) write(op, table string, detail map[string]any) {
	rec := map[string]any{
		"ts":    a.now().UTC().Format(time.RFC3339Nano),
		"op":    op,
		"table": table,
	}
	for k, v := range detail {
		rec[k] = v
	}
	line, err := json.Marshal(rec)
	if err != nil {
		a.log.Warn().Err(err).Msg("audit encode failed")
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.f.Write(append(line, '\n')); err != nil {
		a.log.Warn().Err(err).Msg("audit write failed")
	}
}

func (a *AuditSink) OnTableInserted(table string, row map[string]any) {
	a.write("insert", table, map[string]any{"row": row})
}

func (a *AuditSink) OnTableUpdated(table string, oldRow, newRow map[string]any) {
	a.write("update", table, map[string]any{"old": oldRow, "new": newRow})
}

func (a *AuditSink) OnTableDeleted(table string, row map[string]any) {
	a.write("delete", table, map[string]any{"row": row})
}

// Close closes the audit file.
func (a *AuditSink) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.f.Close()
}
