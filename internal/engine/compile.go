package engine

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// ───────────────────────────────────────────────────────────────────────────
// Query cache and parameter binding
// ───────────────────────────────────────────────────────────────────────────
//
// Parsed statements are cached by source text. A cached command is a
// template: before binding parameters the mutable subfields (criteria tree,
// insert data, update assignments) are deep-copied so the template is never
// touched.

// QueryCache holds parsed command templates keyed by statement text.
type QueryCache struct {
	cache *lru.Cache[string, *Command]
}

// NewQueryCache creates a cache bounded to size entries (0 = 256).
func NewQueryCache(size int) *QueryCache {
	if size <= 0 {
		size = 256
	}
	c, _ := lru.New[string, *Command](size)
	return &QueryCache{cache: c}
}

// Parse returns the command for text, from cache when possible. The result
// is a working copy safe to bind and execute; ERROR and EMPTY results are
// not cached.
func (qc *QueryCache) Parse(text string) *Command {
	if tmpl, ok := qc.cache.Get(text); ok {
		return cloneCommand(tmpl)
	}
	cmd := Parse(text)
	if cmd.Type != CmdError && cmd.Type != CmdEmpty {
		qc.cache.Add(text, cmd)
	}
	return cloneCommand(cmd)
}

// cloneCommand copies a command deeply enough for binding: the criteria and
// having trees, the data/set maps, and the agg/join slices. Immutable
// fields are shared.
func cloneCommand(c *Command) *Command {
	if c == nil {
		return nil
	}
	out := *c
	out.Criteria = cloneCond(c.Criteria)
	out.Having = cloneCond(c.Having)
	if c.Data != nil {
		out.Data = make(map[string]any, len(c.Data))
		for k, v := range c.Data {
			out.Data[k] = v
		}
	}
	if c.Set != nil {
		out.Set = make(map[string]any, len(c.Set))
		for k, v := range c.Set {
			out.Set[k] = v
		}
	}
	if c.Joins != nil {
		out.Joins = append([]Join{}, c.Joins...)
	}
	if c.Aggs != nil {
		out.Aggs = append([]AggSpec{}, c.Aggs...)
	}
	if c.Fields != nil {
		out.Fields = append([]string{}, c.Fields...)
	}
	out.Explain = cloneCommand(c.Explain)
	return &out
}

func cloneCond(c *Cond) *Cond {
	if c == nil {
		return nil
	}
	out := *c
	if list, ok := c.Value.([]any); ok {
		out.Value = append([]any{}, list...)
	}
	if c.Kids != nil {
		out.Kids = make([]*Cond, len(c.Kids))
		for i, k := range c.Kids {
			out.Kids[i] = cloneCond(k)
		}
	}
	return &out
}

// ── binding ───────────────────────────────────────────────────────────────

// BindParams resolves @name references against params. An unbound name
// degrades to the literal "@name" string, preserved for backward
// compatibility with clients that quote parameters themselves.
func BindParams(cmd *Command, params map[string]any) {
	bindCond(cmd.Criteria, params)
	bindCond(cmd.Having, params)
	bindMap(cmd.Data, params)
	bindMap(cmd.Set, params)
	if cmd.Explain != nil {
		BindParams(cmd.Explain, params)
	}
}

func bindMap(m map[string]any, params map[string]any) {
	for k, v := range m {
		m[k] = bindValue(v, params)
	}
}

func bindCond(c *Cond, params map[string]any) {
	if c == nil {
		return
	}
	if list, ok := c.Value.([]any); ok {
		for i, v := range list {
			list[i] = bindValue(v, params)
		}
	} else {
		c.Value = bindValue(c.Value, params)
	}
	for _, k := range c.Kids {
		bindCond(k, params)
	}
}

func bindValue(v any, params map[string]any) any {
	ref, ok := v.(ParamRef)
	if !ok {
		return v
	}
	if params != nil {
		if bound, ok := params[ref.Name]; ok {
			return bound
		}
	}
	return "@" + ref.Name
}
