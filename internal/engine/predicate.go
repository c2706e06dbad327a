package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/sawitdb/sawitdb/internal/storage"
)

// ───────────────────────────────────────────────────────────────────────────
// Predicate evaluation
// ───────────────────────────────────────────────────────────────────────────
//
// Conditions evaluate against row maps. Compound AND/OR nodes short-circuit
// per node; leaf comparisons dispatch on the operator. Joined rows carry
// qualified (table.field) keys beside the unqualified ones, so field lookup
// tries the exact key first and falls back to a dotted-suffix match.

// lookupField resolves a field name against a row.
func lookupField(row map[string]any, name string) (any, bool) {
	if v, ok := row[name]; ok {
		return v, true
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		if v, ok := row[name[i+1:]]; ok {
			return v, true
		}
	}
	return nil, false
}

// normalizeValue folds leftover parameter references into their literal
// string form.
func normalizeValue(v any) any {
	if ref, ok := v.(ParamRef); ok {
		return "@" + ref.Name
	}
	return v
}

// evalCond evaluates a condition tree against one row.
func evalCond(c *Cond, row map[string]any) bool {
	if c == nil {
		return true
	}
	if !c.Leaf() {
		switch c.Bool {
		case "AND":
			for _, k := range c.Kids {
				if !evalCond(k, row) {
					return false
				}
			}
			return true
		case "OR":
			for _, k := range c.Kids {
				if evalCond(k, row) {
					return true
				}
			}
			return false
		}
		return false
	}
	return evalLeaf(c, row)
}

func evalLeaf(c *Cond, row map[string]any) bool {
	fv, present := lookupField(row, c.Field)

	switch c.Op {
	case OpIsNull:
		return !present || fv == nil
	case OpIsNotNull:
		return present && fv != nil
	}

	if !present {
		return false
	}

	switch c.Op {
	case OpEq:
		return compareValues(fv, normalizeValue(c.Value)) == 0 && comparable2(fv, c.Value)
	case OpNe:
		return !comparable2(fv, c.Value) || compareValues(fv, normalizeValue(c.Value)) != 0
	case OpLt:
		return comparable2(fv, c.Value) && compareValues(fv, normalizeValue(c.Value)) < 0
	case OpGt:
		return comparable2(fv, c.Value) && compareValues(fv, normalizeValue(c.Value)) > 0
	case OpLe:
		return comparable2(fv, c.Value) && compareValues(fv, normalizeValue(c.Value)) <= 0
	case OpGe:
		return comparable2(fv, c.Value) && compareValues(fv, normalizeValue(c.Value)) >= 0
	case OpLike:
		s, ok := fv.(string)
		if !ok {
			return false
		}
		pat, ok := normalizeValue(c.Value).(string)
		if !ok {
			return false
		}
		return matchLike(s, pat)
	case OpIn, OpNotIn:
		list, _ := c.Value.([]any)
		found := false
		for _, item := range list {
			iv := normalizeValue(item)
			if comparable2(fv, iv) && compareValues(fv, iv) == 0 {
				found = true
				break
			}
		}
		if c.Op == OpIn {
			return found
		}
		return !found
	case OpBetween:
		pair, _ := c.Value.([]any)
		if len(pair) != 2 {
			return false
		}
		lo, hi := normalizeValue(pair[0]), normalizeValue(pair[1])
		return comparable2(fv, lo) && comparable2(fv, hi) &&
			compareValues(fv, lo) >= 0 && compareValues(fv, hi) <= 0
	}
	return false
}

// comparable2 reports whether two values are of comparable kinds (nulls
// never compare equal to anything through ordinary operators).
func comparable2(a, b any) bool {
	if ref, ok := b.(ParamRef); ok {
		b = "@" + ref.Name
	}
	if a == nil || b == nil {
		return false
	}
	ka, kb := kindOf(a), kindOf(b)
	return ka == kb && ka != kindOther
}

type valueKind int

const (
	kindBool valueKind = iota
	kindNumber
	kindString
	kindOther
)

func kindOf(v any) valueKind {
	switch v.(type) {
	case bool:
		return kindBool
	case float64, float32, int, int64, uint64:
		return kindNumber
	case string:
		return kindString
	default:
		return kindOther
	}
}

// compareValues orders two values of the same kind; mixed kinds fall back
// to the index key ordering so sorts stay total.
func compareValues(a, b any) int {
	return storage.CompareKeys(a, b)
}

// ── LIKE ──────────────────────────────────────────────────────────────────

var (
	likeMu    sync.Mutex
	likeCache = map[string]*regexp.Regexp{}
)

// matchLike matches a SQL LIKE pattern case-insensitively: % is any
// sequence, _ any single character. Regex metacharacters in the pattern are
// escaped before translation.
func matchLike(s, pattern string) bool {
	likeMu.Lock()
	re, ok := likeCache[pattern]
	likeMu.Unlock()
	if !ok {
		var sb strings.Builder
		sb.WriteString("(?is)^")
		for _, r := range pattern {
			switch r {
			case '%':
				sb.WriteString(".*")
			case '_':
				sb.WriteString(".")
			default:
				sb.WriteString(regexp.QuoteMeta(string(r)))
			}
		}
		sb.WriteString("$")
		compiled, err := regexp.Compile(sb.String())
		if err != nil {
			return false
		}
		likeMu.Lock()
		if len(likeCache) > 1024 {
			likeCache = map[string]*regexp.Regexp{}
		}
		likeCache[pattern] = compiled
		re = compiled
		likeMu.Unlock()
	}
	return re.MatchString(s)
}

// rowSignature builds a deterministic key over the projected fields of a
// row, for DISTINCT and set-style grouping.
func rowSignature(row map[string]any, fields []string) string {
	var sb strings.Builder
	for _, f := range fields {
		if f == "*" {
			// All fields, in sorted order for determinism.
			keys := make([]string, 0, len(row))
			for k := range row {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&sb, "%s=%v;", k, row[k])
			}
			continue
		}
		v, _ := lookupField(row, f)
		fmt.Fprintf(&sb, "%s=%v;", f, v)
	}
	return sb.String()
}
