package engine

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sawitdb/sawitdb/internal/storage"
	"github.com/sawitdb/sawitdb/internal/storage/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Executor
// ───────────────────────────────────────────────────────────────────────────
//
// The Executor evaluates commands against one open database. Its result is
// the native output forwarded on the wire: an array of rows for SELECT, a
// string message for DDL/DML, a bare number for single aggregates, or a
// plan object for EXPLAIN.
//
// Mutations inside an active transaction are redirected into the session's
// TxBuffer instead of applying; COMMIT replays them here.

// Executor runs commands against a database.
type Executor struct {
	db    *storage.Database
	cache *QueryCache
	log   zerolog.Logger

	// RestoreFn, when set, performs RESTORE: the owner closes the handle,
	// swaps the file, and reopens. Unset, RESTORE fails.
	RestoreFn func(file string) error
}

// NewExecutor binds an executor to a database.
func NewExecutor(db *storage.Database, cache *QueryCache) *Executor {
	if cache == nil {
		cache = NewQueryCache(0)
	}
	return &Executor{db: db, cache: cache, log: db.Log().With().Str("component", "exec").Logger()}
}

// DB returns the bound database.
func (ex *Executor) DB() *storage.Database { return ex.db }

// Run parses, binds, and executes one statement text.
func (ex *Executor) Run(text string, params map[string]any, tx *TxBuffer) (any, error) {
	cmd := ex.cache.Parse(text)
	BindParams(cmd, params)
	return ex.Execute(cmd, tx)
}

// Execute dispatches a command. tx carries the session's transaction
// buffer; nil means no transaction support (trigger statements and the
// COMMIT replay pass nil; procedures pass the caller's buffer through).
func (ex *Executor) Execute(cmd *Command, tx *TxBuffer) (any, error) {
	switch cmd.Type {
	case CmdEmpty:
		return "", nil
	case CmdError:
		return nil, fmt.Errorf("parse error: %s", cmd.Error)

	case CmdBegin:
		if tx == nil {
			return nil, errors.New("transactions are not available here")
		}
		if err := tx.Begin(); err != nil {
			return nil, err
		}
		return "transaction started", nil
	case CmdCommit:
		if tx == nil {
			return nil, ErrTxNotActive
		}
		n := tx.Len()
		if err := tx.Commit(func(op *Command) error {
			_, err := ex.Execute(op, nil)
			return err
		}); err != nil {
			return nil, err
		}
		return fmt.Sprintf("transaction committed (%d operations)", n), nil
	case CmdRollback:
		if tx == nil {
			return nil, ErrTxNotActive
		}
		if err := tx.Rollback(); err != nil {
			return nil, err
		}
		return "transaction rolled back", nil

	case CmdInsert, CmdUpdate, CmdDelete:
		if tx != nil && tx.IsActive() {
			if err := tx.Buffer(cmd); err != nil {
				return nil, err
			}
			return "buffered", nil
		}
		switch cmd.Type {
		case CmdInsert:
			return ex.executeInsert(cmd)
		case CmdUpdate:
			return ex.executeUpdate(cmd)
		default:
			return ex.executeDelete(cmd)
		}

	case CmdCreateTable:
		return ex.executeCreateTable(cmd)
	case CmdDropTable:
		return ex.executeDropTable(cmd)
	case CmdShowTables:
		return ex.db.Catalog().List(false), nil
	case CmdShowIndexes:
		return ex.executeShowIndexes()
	case CmdShowStats:
		stats, err := ex.db.Stats()
		if err != nil {
			return nil, err
		}
		return stats, nil
	case CmdCreateIndex:
		return ex.executeCreateIndex(cmd)

	case CmdSelect:
		return ex.executeSelect(cmd)
	case CmdAggregate:
		return ex.executeAggregate(cmd)
	case CmdExplain:
		return ex.explain(cmd.Explain)

	case CmdCreateView:
		if storage.IsSystemName(cmd.Table) {
			return nil, fmt.Errorf("%w: %q is a reserved name", storage.ErrConstraint, cmd.Table)
		}
		if err := ex.db.Views().Create(cmd.Table, cmd.ViewQuery); err != nil {
			return nil, err
		}
		return fmt.Sprintf("view %q created", cmd.Table), nil
	case CmdDropView:
		if err := ex.db.Views().Drop(cmd.Table); err != nil {
			return nil, err
		}
		return fmt.Sprintf("view %q dropped", cmd.Table), nil

	case CmdDefineSchema:
		if storage.IsSystemName(cmd.Table) {
			return nil, fmt.Errorf("%w: %q is a reserved name", storage.ErrConstraint, cmd.Table)
		}
		if err := ex.db.Schemas().Define(cmd.Schema); err != nil {
			return nil, err
		}
		return fmt.Sprintf("schema for %q defined", cmd.Table), nil

	case CmdCreateTrigger:
		if storage.IsSystemName(cmd.Trigger.Table) {
			return nil, fmt.Errorf("%w: %q is a reserved name", storage.ErrConstraint, cmd.Trigger.Table)
		}
		if err := ex.db.Triggers().Create(cmd.Trigger); err != nil {
			return nil, err
		}
		return fmt.Sprintf("trigger %q created", cmd.Trigger.Name), nil
	case CmdDropTrigger:
		if err := ex.db.Triggers().Drop(cmd.Table); err != nil {
			return nil, err
		}
		return fmt.Sprintf("trigger %q dropped", cmd.Table), nil

	case CmdCreateProc:
		if err := ex.db.Procedures().Create(cmd.ProcName, cmd.ProcBody); err != nil {
			return nil, err
		}
		return fmt.Sprintf("procedure %q created", cmd.ProcName), nil
	case CmdExecProc:
		return ex.executeProcedure(cmd.ProcName, tx)

	case CmdBackup:
		if err := ex.db.Backup(cmd.File); err != nil {
			return nil, err
		}
		return fmt.Sprintf("backup written to %q", cmd.File), nil
	case CmdRestore:
		if ex.RestoreFn == nil {
			return nil, errors.New("restore is not available here")
		}
		if err := ex.RestoreFn(cmd.File); err != nil {
			return nil, err
		}
		return fmt.Sprintf("restored from %q", cmd.File), nil

	default:
		return nil, fmt.Errorf("unknown command %q", cmd.Type)
	}
}

// ── DDL ───────────────────────────────────────────────────────────────────

func (ex *Executor) executeCreateTable(cmd *Command) (any, error) {
	if storage.IsSystemName(cmd.Table) {
		return nil, fmt.Errorf("%w: %q is a reserved name", storage.ErrConstraint, cmd.Table)
	}
	if ex.db.Views().Get(cmd.Table) != nil {
		return nil, fmt.Errorf("view %q %w", cmd.Table, storage.ErrAlreadyExists)
	}
	if _, err := ex.db.Catalog().Create(cmd.Table, false); err != nil {
		return nil, err
	}
	if err := ex.db.Commit(); err != nil {
		return nil, err
	}
	return fmt.Sprintf("table %q created", cmd.Table), nil
}

func (ex *Executor) executeDropTable(cmd *Command) (any, error) {
	if storage.IsSystemName(cmd.Table) {
		return nil, fmt.Errorf("%w: %q is a reserved name", storage.ErrConstraint, cmd.Table)
	}
	if err := ex.db.Catalog().Drop(cmd.Table); err != nil {
		return nil, err
	}
	if err := ex.db.Indexes().DropTable(cmd.Table); err != nil {
		return nil, err
	}
	if err := ex.db.Schemas().Remove(cmd.Table); err != nil {
		return nil, err
	}
	if err := ex.db.Commit(); err != nil {
		return nil, err
	}
	return fmt.Sprintf("table %q dropped", cmd.Table), nil
}

func (ex *Executor) executeCreateIndex(cmd *Command) (any, error) {
	if storage.IsSystemName(cmd.Table) {
		return nil, fmt.Errorf("%w: %q is a reserved name", storage.ErrConstraint, cmd.Table)
	}
	if _, err := ex.db.Indexes().Create(ex.db, cmd.Table, cmd.IndexField); err != nil {
		return nil, err
	}
	if err := ex.db.Commit(); err != nil {
		return nil, err
	}
	return fmt.Sprintf("index on %s(%s) created", cmd.Table, cmd.IndexField), nil
}

func (ex *Executor) executeShowIndexes() (any, error) {
	entries := ex.db.Indexes().List()
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		tree := ex.db.Indexes().Lookup(e.Table, e.Field)
		st := tree.Stats()
		out = append(out, map[string]any{
			"table": e.Table, "field": e.Field,
			"entries": st.Entries, "keys": st.Keys, "depth": st.Depth,
		})
	}
	return out, nil
}

// ── Mutations ─────────────────────────────────────────────────────────────

// userTable resolves a table for a mutating statement: it must exist, must
// not be a system table, and must not be a view.
func (ex *Executor) userTable(name string) error {
	if storage.IsSystemName(name) {
		return fmt.Errorf("%w: %q is a reserved name", storage.ErrConstraint, name)
	}
	if ex.db.Views().Get(name) != nil {
		return fmt.Errorf("%w: %q is a view", storage.ErrConstraint, name)
	}
	if !ex.db.Catalog().Exists(name) {
		return fmt.Errorf("table %q %w", name, storage.ErrNotFound)
	}
	return nil
}

func (ex *Executor) executeInsert(cmd *Command) (any, error) {
	if err := ex.userTable(cmd.Table); err != nil {
		return nil, err
	}

	row := make(map[string]any, len(cmd.Data))
	for k, v := range cmd.Data {
		row[k] = normalizeValue(v)
	}
	if sch := ex.db.Schemas().Get(cmd.Table); sch != nil {
		coerced, err := sch.Apply(row)
		if err != nil {
			return nil, err
		}
		row = coerced
	}

	ex.fireTriggers(cmd.Table, storage.TriggerBefore, storage.TriggerInsert)

	if _, err := ex.db.AppendRow(cmd.Table, row); err != nil {
		return nil, err
	}
	if err := ex.db.Commit(); err != nil {
		return nil, err
	}

	ex.fireTriggers(cmd.Table, storage.TriggerAfter, storage.TriggerInsert)
	ex.db.EmitInserted(cmd.Table, row)

	return "1 row inserted", nil
}

func (ex *Executor) executeUpdate(cmd *Command) (any, error) {
	if err := ex.userTable(cmd.Table); err != nil {
		return nil, err
	}

	matches, err := ex.findMatches(cmd.Table, cmd.Criteria)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return "0 rows updated", nil
	}

	sch := ex.db.Schemas().Get(cmd.Table)
	updated := 0
	for _, m := range matches {
		newRow := make(map[string]any, len(m.Row)+len(cmd.Set))
		for k, v := range m.Row {
			newRow[k] = v
		}
		for k, v := range cmd.Set {
			newRow[k] = normalizeValue(v)
		}
		if sch != nil {
			coerced, err := sch.Apply(newRow)
			if err != nil {
				return nil, err
			}
			newRow = coerced
		}

		ex.fireTriggers(cmd.Table, storage.TriggerBefore, storage.TriggerUpdate)
		if _, err := ex.db.ReplaceRow(cmd.Table, m.PageID, m.Row, newRow); err != nil {
			return nil, err
		}
		ex.fireTriggers(cmd.Table, storage.TriggerAfter, storage.TriggerUpdate)
		ex.db.EmitUpdated(cmd.Table, m.Row, newRow)
		updated++
	}
	if err := ex.db.Commit(); err != nil {
		return nil, err
	}
	return fmt.Sprintf("%d rows updated", updated), nil
}

func (ex *Executor) executeDelete(cmd *Command) (any, error) {
	if err := ex.userTable(cmd.Table); err != nil {
		return nil, err
	}

	matches, err := ex.findMatches(cmd.Table, cmd.Criteria)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return "0 rows deleted", nil
	}

	ex.fireTriggers(cmd.Table, storage.TriggerBefore, storage.TriggerDelete)

	removed, err := ex.db.DeleteRows(cmd.Table, func(row map[string]any) bool {
		return evalCond(cmd.Criteria, row)
	})
	if err != nil {
		return nil, err
	}
	if err := ex.db.Commit(); err != nil {
		return nil, err
	}

	ex.fireTriggers(cmd.Table, storage.TriggerAfter, storage.TriggerDelete)
	for _, m := range matches {
		ex.db.EmitDeleted(cmd.Table, m.Row)
	}
	return fmt.Sprintf("%d rows deleted", removed), nil
}

// findMatches returns the rows matching cond with their page ids. A single
// equality on an indexed field skips the table scan and fetches only the
// pages the index names.
func (ex *Executor) findMatches(table string, cond *Cond) ([]pager.RowRef, error) {
	var out []pager.RowRef

	if pages, ok := ex.indexFastPath(table, cond); ok {
		seen := make(map[pager.PageID]bool, len(pages))
		for _, pid := range pages {
			if seen[pid] {
				continue
			}
			seen[pid] = true
			err := ex.db.ScanPage(pid, func(row map[string]any) bool {
				if evalCond(cond, row) {
					out = append(out, pager.RowRef{Row: row, PageID: pid})
				}
				return true
			})
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	err := ex.db.ScanTable(table, func(row map[string]any, page uint32) bool {
		if evalCond(cond, row) {
			out = append(out, pager.RowRef{Row: row, PageID: pager.PageID(page)})
		}
		return true
	})
	return out, err
}

// indexFastPath reports the candidate pages when cond is a single equality
// on an indexed field.
func (ex *Executor) indexFastPath(table string, cond *Cond) ([]pager.PageID, bool) {
	if cond == nil || !cond.Leaf() || cond.Op != OpEq {
		return nil, false
	}
	tree := ex.db.Indexes().Lookup(table, cond.Field)
	if tree == nil {
		return nil, false
	}
	return tree.Find(normalizeValue(cond.Value)), true
}

// fireTriggers runs the registered trigger statements. A failing trigger is
// logged and never fails the outer statement.
func (ex *Executor) fireTriggers(table string, timing storage.TriggerTiming, event storage.TriggerEvent) {
	for _, t := range ex.db.Triggers().For(table, timing, event) {
		cmd := ex.cache.Parse(t.Statement)
		if _, err := ex.Execute(cmd, nil); err != nil {
			ex.log.Warn().Str("trigger", t.Name).Err(err).Msg("trigger failed")
		}
	}
}

// executeProcedure runs a stored procedure's statements in order, stopping
// at the first error.
func (ex *Executor) executeProcedure(name string, tx *TxBuffer) (any, error) {
	proc := ex.db.Procedures().Get(name)
	if proc == nil {
		return nil, fmt.Errorf("procedure %q %w", name, storage.ErrNotFound)
	}
	stmts := SplitStatements(proc.Body)
	var last any
	for i, stmt := range stmts {
		cmd := ex.cache.Parse(stmt)
		res, err := ex.Execute(cmd, tx)
		if err != nil {
			return nil, fmt.Errorf("procedure %q statement %d: %w", name, i+1, err)
		}
		last = res
	}
	return last, nil
}
