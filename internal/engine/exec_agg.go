package engine

import (
	"fmt"
	"sort"

	"github.com/sawitdb/sawitdb/internal/storage"
)

// ───────────────────────────────────────────────────────────────────────────
// Aggregates
// ───────────────────────────────────────────────────────────────────────────
//
// COUNT(*) counts rows; COUNT(field) counts non-null values. AVG over an
// empty input is null. With GROUP BY the accumulators live in a hash map
// keyed by the group value; HAVING filters the finished groups.

type accumulator struct {
	count    int
	sum      float64
	numeric  int
	min, max any
}

func (a *accumulator) add(v any, present bool) {
	if !present || v == nil {
		return
	}
	a.count++
	if n, ok := v.(float64); ok {
		a.sum += n
		a.numeric++
	}
	if a.min == nil || (comparable2(v, a.min) && compareValues(v, a.min) < 0) {
		a.min = v
	}
	if a.max == nil || (comparable2(v, a.max) && compareValues(v, a.max) > 0) {
		a.max = v
	}
}

func (a *accumulator) result(fn string) any {
	switch fn {
	case "COUNT":
		return float64(a.count)
	case "SUM":
		if a.numeric == 0 {
			return nil
		}
		return a.sum
	case "AVG":
		if a.numeric == 0 {
			return nil
		}
		return a.sum / float64(a.numeric)
	case "MIN":
		return a.min
	case "MAX":
		return a.max
	}
	return nil
}

// aggName is the output column for an aggregate projection.
func aggName(a AggSpec) string {
	if a.Alias != "" {
		return a.Alias
	}
	return fmt.Sprintf("%s(%s)", a.Func, a.Field)
}

func (ex *Executor) executeAggregate(cmd *Command) (any, error) {
	// Gather the filtered input rows; joins participate like SELECT.
	input, err := ex.baseRows(cmd, 0)
	if err != nil {
		return nil, err
	}
	if len(cmd.Joins) > 0 {
		input, err = ex.processJoins(cmd.Table, input, cmd.Joins)
		if err != nil {
			return nil, err
		}
		if cmd.Criteria != nil {
			input = filterRows(input, cmd.Criteria)
		}
	}

	if cmd.GroupBy == "" {
		row := make(map[string]any, len(cmd.Aggs))
		for _, a := range cmd.Aggs {
			row[aggName(a)] = runAgg(a, input)
		}
		// A single aggregate returns the bare value — the protocol's
		// "aggregate number" shape.
		if len(cmd.Aggs) == 1 {
			return row[aggName(cmd.Aggs[0])], nil
		}
		return row, nil
	}

	// GROUP BY: hash map from group key to member rows.
	groups := make(map[string][]map[string]any)
	keyVals := make(map[string]any)
	var order []string
	for _, row := range input {
		gv, _ := lookupField(row, cmd.GroupBy)
		sig := fmt.Sprintf("%T:%v", gv, gv)
		if _, ok := groups[sig]; !ok {
			order = append(order, sig)
			keyVals[sig] = gv
		}
		groups[sig] = append(groups[sig], row)
	}
	sort.Strings(order)

	out := make([]map[string]any, 0, len(groups))
	for _, sig := range order {
		members := groups[sig]
		row := map[string]any{cmd.GroupBy: keyVals[sig]}
		for _, a := range cmd.Aggs {
			row[aggName(a)] = runAgg(a, members)
		}
		if cmd.Having != nil && !evalCond(cmd.Having, row) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func runAgg(a AggSpec, rows []map[string]any) any {
	if a.Func == "COUNT" && a.Field == "*" {
		return float64(len(rows))
	}
	acc := &accumulator{}
	for _, row := range rows {
		v, ok := lookupField(row, a.Field)
		acc.add(v, ok)
	}
	return acc.result(a.Func)
}

// ───────────────────────────────────────────────────────────────────────────
// EXPLAIN
// ───────────────────────────────────────────────────────────────────────────

// explain describes the steps the wrapped statement would take. Only
// catalog and index metadata are consulted; no data pages are read.
func (ex *Executor) explain(cmd *Command) (any, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nothing to explain", storage.ErrConstraint)
	}
	var steps []map[string]any
	add := func(op string, kv ...any) {
		step := map[string]any{"op": op}
		for i := 0; i+1 < len(kv); i += 2 {
			step[kv[i].(string)] = kv[i+1]
		}
		steps = append(steps, step)
	}

	switch cmd.Type {
	case CmdSelect, CmdAggregate, CmdUpdate, CmdDelete:
		if _, ok := ex.indexFastPath(cmd.Table, cmd.Criteria); ok && len(cmd.Joins) == 0 {
			add("INDEX SCAN", "table", cmd.Table, "field", cmd.Criteria.Field)
		} else {
			add("SCAN", "table", cmd.Table)
			if cmd.Criteria != nil {
				add("FILTER")
			}
		}
		for _, j := range cmd.Joins {
			method := "NESTED LOOP"
			if j.Type == JoinCross {
				method = "CROSS"
			} else if j.Op == OpEq {
				method = "HASH"
			}
			add("JOIN", "table", j.Table, "type", string(j.Type), "method", method)
		}
	default:
		add(string(cmd.Type))
	}

	switch cmd.Type {
	case CmdSelect:
		if cmd.Distinct {
			add("DISTINCT")
		}
		if cmd.OrderBy != nil {
			add("SORT", "field", cmd.OrderBy.Field, "desc", cmd.OrderBy.Desc)
		}
		if cmd.Offset != nil {
			add("OFFSET", "n", *cmd.Offset)
		}
		if cmd.Limit != nil {
			add("LIMIT", "n", *cmd.Limit)
		}
		add("PROJECT", "fields", cmd.Fields)
	case CmdAggregate:
		if cmd.GroupBy != "" {
			add("GROUP", "field", cmd.GroupBy)
		}
		names := make([]string, len(cmd.Aggs))
		for i, a := range cmd.Aggs {
			names[i] = aggName(a)
		}
		add("AGGREGATE", "funcs", names)
		if cmd.Having != nil {
			add("HAVING")
		}
	case CmdUpdate:
		add("UPDATE", "table", cmd.Table)
	case CmdDelete:
		add("DELETE", "table", cmd.Table)
	}

	return map[string]any{"statement": string(cmd.Type), "steps": steps}, nil
}
