package engine

import (
	"fmt"
	"sort"

	"github.com/sawitdb/sawitdb/internal/storage"
	"github.com/sawitdb/sawitdb/internal/storage/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// SELECT
// ───────────────────────────────────────────────────────────────────────────
//
// Pipeline: resolve views → joins → WHERE → DISTINCT → ORDER BY → OFFSET →
// LIMIT → projection. A single equality on an indexed field with no joins
// takes the index fast path instead of a table scan. Joined rows carry
// qualified (table.field) keys beside the unqualified ones.

func (ex *Executor) executeSelect(cmd *Command) (any, error) {
	rows, err := ex.selectRows(cmd, 0)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// selectRows runs the SELECT pipeline. depth bounds view recursion.
func (ex *Executor) selectRows(cmd *Command, depth int) ([]map[string]any, error) {
	if depth > 8 {
		return nil, fmt.Errorf("%w: view nesting too deep", storage.ErrConstraint)
	}

	base, err := ex.baseRows(cmd, depth)
	if err != nil {
		return nil, err
	}

	rows := base
	if len(cmd.Joins) > 0 {
		rows, err = ex.processJoins(cmd.Table, rows, cmd.Joins)
		if err != nil {
			return nil, err
		}
		// WHERE applies to the joined rows (the base scan could not see
		// the right-side columns).
		if cmd.Criteria != nil {
			rows = filterRows(rows, cmd.Criteria)
		}
	}

	if cmd.Distinct {
		rows = distinctRows(rows, cmd.Fields)
	}

	if cmd.OrderBy != nil {
		orderRows(rows, cmd.OrderBy)
	}

	rows = applyOffsetLimit(rows, cmd.Offset, cmd.Limit)

	return projectRows(rows, cmd.Fields), nil
}

// baseRows produces the filtered base relation: a view's stored SELECT, an
// index lookup, or a predicate-inlined chain scan. With joins present the
// WHERE is deferred to after the join.
func (ex *Executor) baseRows(cmd *Command, depth int) ([]map[string]any, error) {
	if v := ex.db.Views().Get(cmd.Table); v != nil {
		inner := ex.cache.Parse(v.Query)
		if inner.Type != CmdSelect && inner.Type != CmdAggregate {
			return nil, fmt.Errorf("%w: view %q body is not a SELECT", storage.ErrConstraint, v.Name)
		}
		if inner.Type == CmdAggregate {
			res, err := ex.executeAggregate(inner)
			if err != nil {
				return nil, err
			}
			return aggResultRows(res), nil
		}
		base, err := ex.selectRows(inner, depth+1)
		if err != nil {
			return nil, err
		}
		if cmd.Criteria != nil && len(cmd.Joins) == 0 {
			base = filterRows(base, cmd.Criteria)
		}
		return base, nil
	}

	if !ex.db.Catalog().Exists(cmd.Table) {
		return nil, fmt.Errorf("table %q %w", cmd.Table, storage.ErrNotFound)
	}
	if storage.IsSystemName(cmd.Table) {
		return nil, fmt.Errorf("%w: %q is a reserved name", storage.ErrConstraint, cmd.Table)
	}

	deferWhere := len(cmd.Joins) > 0

	// Index fast path: single equality, no joins.
	if !deferWhere {
		if pages, ok := ex.indexFastPath(cmd.Table, cmd.Criteria); ok {
			var out []map[string]any
			seen := make(map[pager.PageID]bool, len(pages))
			for _, pid := range pages {
				if seen[pid] {
					continue
				}
				seen[pid] = true
				err := ex.db.ScanPage(pid, func(row map[string]any) bool {
					if evalCond(cmd.Criteria, row) {
						out = append(out, row)
					}
					return true
				})
				if err != nil {
					return nil, err
				}
			}
			return out, nil
		}
	}

	var out []map[string]any
	err := ex.db.ScanTable(cmd.Table, func(row map[string]any, _ uint32) bool {
		if deferWhere || evalCond(cmd.Criteria, row) {
			out = append(out, row)
		}
		return true
	})
	return out, err
}

// aggResultRows coerces an aggregate result into row form for view
// substitution.
func aggResultRows(res any) []map[string]any {
	switch r := res.(type) {
	case []map[string]any:
		return r
	case map[string]any:
		return []map[string]any{r}
	default:
		return []map[string]any{{"value": res}}
	}
}

func filterRows(rows []map[string]any, cond *Cond) []map[string]any {
	out := rows[:0:0]
	for _, row := range rows {
		if evalCond(cond, row) {
			out = append(out, row)
		}
	}
	return out
}

// ── Joins ─────────────────────────────────────────────────────────────────

// qualifyRows rebuilds rows with table-qualified keys beside the plain
// ones. The plain key stays so unqualified references keep working.
func qualifyRows(table string, rows []map[string]any) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		q := make(map[string]any, len(row)*2)
		for k, v := range row {
			q[k] = v
			q[table+"."+k] = v
		}
		out[i] = q
	}
	return out
}

// columnsOf unions the unqualified keys of a row set.
func columnsOf(rows []map[string]any) []string {
	set := map[string]bool{}
	for _, row := range rows {
		for k := range row {
			set[k] = true
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (ex *Executor) processJoins(baseTable string, rows []map[string]any, joins []Join) ([]map[string]any, error) {
	cur := qualifyRows(baseTable, rows)
	for _, j := range joins {
		if ex.db.Views().Get(j.Table) != nil {
			return nil, fmt.Errorf("%w: joining views is not supported", storage.ErrConstraint)
		}
		var rightRaw []map[string]any
		err := ex.db.ScanTable(j.Table, func(row map[string]any, _ uint32) bool {
			rightRaw = append(rightRaw, row)
			return true
		})
		if err != nil {
			return nil, err
		}
		right := qualifyRows(j.Table, rightRaw)

		switch {
		case j.Type == JoinCross:
			cur = crossJoin(cur, right)
		case j.Op == OpEq:
			cur = hashJoin(cur, right, j)
		default:
			cur = nestedLoopJoin(cur, right, j)
		}
	}
	return cur, nil
}

func mergeRows(left, right map[string]any) map[string]any {
	out := make(map[string]any, len(left)+len(right))
	for k, v := range left {
		out[k] = v
	}
	for k, v := range right {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	return out
}

// nullFill merges row with nil entries for the other side's columns.
func nullFill(row map[string]any, otherCols []string) map[string]any {
	out := make(map[string]any, len(row)+len(otherCols))
	for k, v := range row {
		out[k] = v
	}
	for _, c := range otherCols {
		if _, exists := out[c]; !exists {
			out[c] = nil
		}
	}
	return out
}

func crossJoin(left, right []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(left)*len(right))
	for _, l := range left {
		for _, r := range right {
			out = append(out, mergeRows(l, r))
		}
	}
	return out
}

// hashJoin builds a hash map over the smaller side keyed by the join column
// and probes from the other side. Outer variants null-fill unmatched rows.
func hashJoin(left, right []map[string]any, j Join) []map[string]any {
	leftCols := columnsOf(left)
	rightCols := columnsOf(right)

	buildLeft := len(left) <= len(right)
	build, probe := left, right
	buildField, probeField := j.LeftField, j.RightField
	if !buildLeft {
		build, probe = right, left
		buildField, probeField = j.RightField, j.LeftField
	}

	table := make(map[any][]int, len(build))
	for i, row := range build {
		if k, ok := lookupField(row, buildField); ok && k != nil {
			table[k] = append(table[k], i)
		}
	}

	var out []map[string]any
	buildMatched := make([]bool, len(build))

	for _, probeRow := range probe {
		k, ok := lookupField(probeRow, probeField)
		matched := false
		if ok && k != nil {
			for _, bi := range table[k] {
				buildRow := build[bi]
				if buildLeft {
					out = append(out, mergeRows(buildRow, probeRow))
				} else {
					out = append(out, mergeRows(probeRow, buildRow))
				}
				buildMatched[bi] = true
				matched = true
			}
		}
		if !matched {
			// probe side is right when building left, and vice versa.
			probeIsRight := buildLeft
			switch {
			case probeIsRight && (j.Type == JoinRight || j.Type == JoinFull):
				out = append(out, nullFill(probeRow, leftCols))
			case !probeIsRight && (j.Type == JoinLeft || j.Type == JoinFull):
				out = append(out, nullFill(probeRow, rightCols))
			}
		}
	}

	// Unmatched build-side rows for the outer variants.
	needBuildUnmatched := (buildLeft && (j.Type == JoinLeft || j.Type == JoinFull)) ||
		(!buildLeft && (j.Type == JoinRight || j.Type == JoinFull))
	if needBuildUnmatched {
		for i, row := range build {
			if buildMatched[i] {
				continue
			}
			if buildLeft {
				out = append(out, nullFill(row, rightCols))
			} else {
				out = append(out, nullFill(row, leftCols))
			}
		}
	}
	return out
}

// nestedLoopJoin handles non-equality join conditions.
func nestedLoopJoin(left, right []map[string]any, j Join) []map[string]any {
	leftCols := columnsOf(left)
	rightCols := columnsOf(right)
	var out []map[string]any
	rightMatched := make([]bool, len(right))

	for _, l := range left {
		lv, lok := lookupField(l, j.LeftField)
		matched := false
		for ri, r := range right {
			rv, rok := lookupField(r, j.RightField)
			if lok && rok && comparable2(lv, rv) && opHolds(j.Op, compareValues(lv, rv)) {
				out = append(out, mergeRows(l, r))
				matched = true
				rightMatched[ri] = true
			}
		}
		if !matched && (j.Type == JoinLeft || j.Type == JoinFull) {
			out = append(out, nullFill(l, rightCols))
		}
	}
	if j.Type == JoinRight || j.Type == JoinFull {
		for ri, r := range right {
			if !rightMatched[ri] {
				out = append(out, nullFill(r, leftCols))
			}
		}
	}
	return out
}

func opHolds(op string, cmp int) bool {
	switch op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpGt:
		return cmp > 0
	case OpLe:
		return cmp <= 0
	case OpGe:
		return cmp >= 0
	}
	return false
}

// ── DISTINCT / ORDER / LIMIT / projection ─────────────────────────────────

func distinctRows(rows []map[string]any, fields []string) []map[string]any {
	seen := make(map[string]bool, len(rows))
	out := rows[:0:0]
	for _, row := range rows {
		sig := rowSignature(row, fields)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, row)
	}
	return out
}

// orderRows sorts rows stably on the order field. Missing values sort
// first ascending, last descending.
func orderRows(rows []map[string]any, spec *OrderSpec) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, _ := lookupField(rows[i], spec.Field)
		b, _ := lookupField(rows[j], spec.Field)
		cmp := compareValues(a, b)
		if spec.Desc {
			return cmp > 0
		}
		return cmp < 0
	})
}

// applyOffsetLimit slices rows: offset first, then limit.
func applyOffsetLimit(rows []map[string]any, offset, limit *int) []map[string]any {
	if offset != nil {
		if *offset >= len(rows) {
			return []map[string]any{}
		}
		rows = rows[*offset:]
	}
	if limit != nil {
		if *limit < len(rows) {
			rows = rows[:*limit]
		}
	}
	return rows
}

// projectRows applies the projection. "*" expands to every field present
// in each row; explicit fields appear even when absent (as null). Qualified
// helper keys (table.field) are stripped from * projections.
func projectRows(rows []map[string]any, fields []string) []map[string]any {
	if rows == nil {
		return []map[string]any{}
	}
	star := len(fields) == 0
	for _, f := range fields {
		if f == "*" {
			star = true
			break
		}
	}
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		if star {
			proj := make(map[string]any, len(row))
			for k, v := range row {
				if !isQualifiedKey(k) {
					proj[k] = v
				}
			}
			out[i] = proj
			continue
		}
		proj := make(map[string]any, len(fields))
		for _, f := range fields {
			v, _ := lookupField(row, f)
			proj[projName(f)] = v
		}
		out[i] = proj
	}
	return out
}

func isQualifiedKey(k string) bool {
	for i := 0; i < len(k); i++ {
		if k[i] == '.' {
			return true
		}
	}
	return false
}

// projName strips the table qualifier for output column names.
func projName(f string) string {
	for i := len(f) - 1; i >= 0; i-- {
		if f[i] == '.' {
			return f[i+1:]
		}
	}
	return f
}
