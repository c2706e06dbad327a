package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sawitdb/sawitdb/internal/storage"
)

// ───────────────────────────────────────────────────────────────────────────
// Parser
// ───────────────────────────────────────────────────────────────────────────
//
// A straightforward recursive-descent parser over the token stream. It
// favors clarity and precise error messages. Keywords are matched by
// normalizing identifier tokens through the dialect table, so the English
// and Indonesian keyword sets drive the same grammar.

// ParamRef marks an unresolved @name parameter inside a command. Binding
// replaces it; an unbound reference degrades to the literal "@name" string
// at execution time.
type ParamRef struct {
	Name string `json:"param"`
}

type parser struct {
	src  string
	toks []token
	i    int
}

// Parse tokenizes and parses one statement. It never returns an error:
// failures produce a Command with Type CmdError.
func Parse(text string) *Command {
	toks := tokenize(text)
	if len(toks) == 0 {
		return &Command{Type: CmdEmpty}
	}
	p := &parser{src: text, toks: toks}
	cmd, err := p.parseStatement()
	if err != nil {
		return errCmd(err.Error())
	}
	// A trailing semicolon is fine; anything else is trailing garbage.
	p.accept(tPunct, ";")
	if !p.eof() {
		return errCmd(fmt.Sprintf("unexpected input near %q", p.cur().Val))
	}
	return cmd
}

// SplitStatements breaks a procedure body into statements on semicolons
// that sit outside string literals.
func SplitStatements(body string) []string {
	var out []string
	var sb strings.Builder
	inStr := byte(0)
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case inStr != 0:
			sb.WriteByte(c)
			if c == '\\' && i+1 < len(body) {
				i++
				sb.WriteByte(body[i])
			} else if c == inStr {
				inStr = 0
			}
		case c == '\'' || c == '"':
			inStr = c
			sb.WriteByte(c)
		case c == ';':
			if s := strings.TrimSpace(sb.String()); s != "" {
				out = append(out, s)
			}
			sb.Reset()
		default:
			sb.WriteByte(c)
		}
	}
	if s := strings.TrimSpace(sb.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// ── token helpers ─────────────────────────────────────────────────────────

func (p *parser) cur() token {
	if p.i >= len(p.toks) {
		return token{Typ: tEOF}
	}
	return p.toks[p.i]
}

func (p *parser) eof() bool { return p.i >= len(p.toks) }

func (p *parser) next() token {
	t := p.cur()
	p.i++
	return t
}

// kw returns the normalized keyword of the current token, or "".
func (p *parser) kw() string {
	t := p.cur()
	if t.Typ != tIdent {
		return ""
	}
	return normalizeKeyword(t.Val)
}

// acceptKw consumes the current token when it normalizes to kw.
func (p *parser) acceptKw(kw string) bool {
	if p.kw() == kw {
		p.i++
		return true
	}
	return false
}

func (p *parser) expectKw(kw string) error {
	if p.acceptKw(kw) {
		return nil
	}
	return p.errf("expected %s", kw)
}

func (p *parser) accept(typ tokenType, val string) bool {
	t := p.cur()
	if t.Typ == typ && t.Val == val {
		p.i++
		return true
	}
	return false
}

func (p *parser) expect(typ tokenType, val string) error {
	if p.accept(typ, val) {
		return nil
	}
	return p.errf("expected %q", val)
}

func (p *parser) errf(format string, a ...any) error {
	near := p.cur().Val
	if p.eof() {
		near = "end of statement"
	}
	return fmt.Errorf("parse error near %q: %s", near, fmt.Sprintf(format, a...))
}

// ident consumes an identifier token and returns its text.
func (p *parser) ident() (string, error) {
	t := p.cur()
	if t.Typ != tIdent {
		return "", p.errf("expected identifier")
	}
	p.i++
	return t.Val, nil
}

// value consumes a literal: number, string, TRUE/FALSE/NULL, or @param.
func (p *parser) value() (any, error) {
	t := p.cur()
	switch t.Typ {
	case tNumber:
		p.i++
		f, err := strconv.ParseFloat(t.Val, 64)
		if err != nil {
			return nil, p.errf("bad number %q", t.Val)
		}
		return f, nil
	case tString:
		p.i++
		return t.Val, nil
	case tParam:
		p.i++
		return ParamRef{Name: t.Val}, nil
	case tIdent:
		switch normalizeKeyword(t.Val) {
		case "TRUE":
			p.i++
			return true, nil
		case "FALSE":
			p.i++
			return false, nil
		case "NULL":
			p.i++
			return nil, nil
		}
	}
	return nil, p.errf("expected a value")
}

// ── statements ────────────────────────────────────────────────────────────

func (p *parser) parseStatement() (*Command, error) {
	switch p.kw() {
	case "CREATE":
		return p.parseCreate()
	case "DROP":
		p.i++
		return p.parseDrop()
	case "DELETE":
		// The dialect spells DELETE and DROP with the same word; the next
		// keyword decides.
		p.i++
		switch p.kw() {
		case "TABLE", "VIEW", "TRIGGER", "PROCEDURE":
			return p.parseDrop()
		default:
			return p.parseDelete()
		}
	case "SHOW":
		return p.parseShow()
	case "INSERT":
		return p.parseInsert()
	case "SELECT":
		return p.parseSelect()
	case "UPDATE":
		return p.parseUpdate()
	case "DEFINE":
		return p.parseDefineSchema()
	case "EXPLAIN":
		p.i++
		inner, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		return &Command{Type: CmdExplain, Explain: inner}, nil
	case "BEGIN":
		p.i++
		return &Command{Type: CmdBegin}, nil
	case "COMMIT":
		p.i++
		return &Command{Type: CmdCommit}, nil
	case "ROLLBACK":
		p.i++
		return &Command{Type: CmdRollback}, nil
	case "EXECUTE":
		p.i++
		if err := p.expectKw("PROCEDURE"); err != nil {
			return nil, err
		}
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &Command{Type: CmdExecProc, ProcName: name}, nil
	case "BACKUP":
		p.i++
		p.acceptKw("TO")
		t := p.cur()
		if t.Typ != tString {
			return nil, p.errf("expected backup file path")
		}
		p.i++
		return &Command{Type: CmdBackup, File: t.Val}, nil
	case "RESTORE":
		p.i++
		p.acceptKw("FROM")
		t := p.cur()
		if t.Typ != tString {
			return nil, p.errf("expected restore file path")
		}
		p.i++
		return &Command{Type: CmdRestore, File: t.Val}, nil
	default:
		return nil, p.errf("expected a statement")
	}
}

func (p *parser) parseCreate() (*Command, error) {
	p.i++ // CREATE
	switch p.kw() {
	case "TABLE":
		p.i++
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &Command{Type: CmdCreateTable, Table: name}, nil
	case "INDEX":
		p.i++
		p.acceptKw("ON")
		table, err := p.ident()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tPunct, "("); err != nil {
			return nil, err
		}
		field, err := p.ident()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tPunct, ")"); err != nil {
			return nil, err
		}
		return &Command{Type: CmdCreateIndex, Table: table, IndexField: field}, nil
	case "VIEW":
		p.i++
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		if err := p.expectKw("AS"); err != nil {
			return nil, err
		}
		// The view body is the remainder of the statement, stored as text
		// and reparsed at use.
		if p.kw() != "SELECT" {
			return nil, p.errf("view body must be a SELECT")
		}
		start := p.cur().Pos
		sel, err := p.parseSelect()
		if err != nil {
			return nil, err
		}
		if sel.Type != CmdSelect && sel.Type != CmdAggregate {
			return nil, p.errf("view body must be a SELECT")
		}
		query := p.textFrom(start)
		return &Command{Type: CmdCreateView, Table: name, ViewQuery: query}, nil
	case "TRIGGER":
		p.i++
		return p.parseCreateTrigger()
	case "PROCEDURE":
		p.i++
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		if err := p.expectKw("AS"); err != nil {
			return nil, err
		}
		t := p.cur()
		if t.Typ != tString {
			return nil, p.errf("expected procedure body string")
		}
		p.i++
		return &Command{Type: CmdCreateProc, ProcName: name, ProcBody: t.Val}, nil
	default:
		return nil, p.errf("expected TABLE, INDEX, VIEW, TRIGGER, or PROCEDURE")
	}
}

// textFrom reconstructs the source text from a byte offset to the last
// consumed token. Used to store view bodies verbatim.
func (p *parser) textFrom(start int) string {
	end := len(p.toks)
	if p.i < end {
		end = p.i
	}
	if end == 0 {
		return ""
	}
	last := p.toks[end-1]
	// Token positions index the original source text; slice between them.
	stop := last.Pos + p.tokenWidth(last)
	if stop > len(p.src) {
		stop = len(p.src)
	}
	return strings.TrimSpace(p.src[start:stop])
}

func (p *parser) tokenWidth(t token) int {
	switch t.Typ {
	case tString:
		return len(t.Val) + 2
	case tParam:
		return len(t.Val) + 1
	default:
		return len(t.Val)
	}
}

func (p *parser) parseCreateTrigger() (*Command, error) {
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	var timing storage.TriggerTiming
	switch p.kw() {
	case "BEFORE":
		timing = storage.TriggerBefore
	case "AFTER":
		timing = storage.TriggerAfter
	default:
		return nil, p.errf("expected BEFORE or AFTER")
	}
	p.i++
	var event storage.TriggerEvent
	switch p.kw() {
	case "INSERT":
		event = storage.TriggerInsert
	case "UPDATE":
		event = storage.TriggerUpdate
	case "DELETE":
		event = storage.TriggerDelete
	default:
		return nil, p.errf("expected INSERT, UPDATE, or DELETE")
	}
	p.i++
	if err := p.expectKw("ON"); err != nil {
		return nil, err
	}
	table, err := p.ident()
	if err != nil {
		return nil, err
	}
	if err := p.expectKw("AS"); err != nil {
		return nil, err
	}
	t := p.cur()
	if t.Typ != tString {
		return nil, p.errf("expected trigger statement string")
	}
	p.i++
	return &Command{Type: CmdCreateTrigger, Trigger: &storage.Trigger{
		Name: name, Table: table, Timing: timing, Event: event, Statement: t.Val,
	}}, nil
}

func (p *parser) parseDrop() (*Command, error) {
	switch p.kw() {
	case "TABLE":
		p.i++
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &Command{Type: CmdDropTable, Table: name}, nil
	case "VIEW":
		p.i++
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &Command{Type: CmdDropView, Table: name}, nil
	case "TRIGGER":
		p.i++
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &Command{Type: CmdDropTrigger, Table: name}, nil
	default:
		return nil, p.errf("expected TABLE, VIEW, or TRIGGER")
	}
}

func (p *parser) parseShow() (*Command, error) {
	p.i++ // SHOW
	switch p.kw() {
	case "TABLES":
		p.i++
		return &Command{Type: CmdShowTables}, nil
	case "INDEXES":
		p.i++
		return &Command{Type: CmdShowIndexes}, nil
	case "STATS":
		p.i++
		return &Command{Type: CmdShowStats}, nil
	default:
		// Dialect plural: TAMPILKAN TABEL.
		switch p.kw() {
		case "TABLE":
			p.i++
			return &Command{Type: CmdShowTables}, nil
		case "INDEX":
			p.i++
			return &Command{Type: CmdShowIndexes}, nil
		}
		return nil, p.errf("expected TABLES, INDEXES, or STATS")
	}
}

func (p *parser) parseInsert() (*Command, error) {
	p.i++ // INSERT
	if err := p.expectKw("INTO"); err != nil {
		return nil, err
	}
	table, err := p.ident()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tPunct, "("); err != nil {
		return nil, err
	}
	var cols []string
	for {
		col, err := p.ident()
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
		if p.accept(tPunct, ",") {
			continue
		}
		if err := p.expect(tPunct, ")"); err != nil {
			return nil, err
		}
		break
	}
	if err := p.expectKw("VALUES"); err != nil {
		return nil, err
	}
	if err := p.expect(tPunct, "("); err != nil {
		return nil, err
	}
	var vals []any
	for {
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
		if p.accept(tPunct, ",") {
			continue
		}
		if err := p.expect(tPunct, ")"); err != nil {
			return nil, err
		}
		break
	}
	if len(vals) != len(cols) {
		return nil, p.errf("%d columns but %d values", len(cols), len(vals))
	}
	data := make(map[string]any, len(cols))
	for i, c := range cols {
		data[c] = vals[i]
	}
	return &Command{Type: CmdInsert, Table: table, Data: data}, nil
}

func (p *parser) parseUpdate() (*Command, error) {
	p.i++ // UPDATE
	table, err := p.ident()
	if err != nil {
		return nil, err
	}
	if err := p.expectKw("SET"); err != nil {
		return nil, err
	}
	set := map[string]any{}
	for {
		col, err := p.ident()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tOp, "="); err != nil {
			return nil, err
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		set[col] = v
		if p.accept(tPunct, ",") {
			continue
		}
		break
	}
	cmd := &Command{Type: CmdUpdate, Table: table, Set: set}
	if p.acceptKw("WHERE") {
		cond, err := p.parseWhere()
		if err != nil {
			return nil, err
		}
		cmd.Criteria = cond
	}
	return cmd, nil
}

func (p *parser) parseDelete() (*Command, error) {
	if err := p.expectKw("FROM"); err != nil {
		return nil, err
	}
	table, err := p.ident()
	if err != nil {
		return nil, err
	}
	cmd := &Command{Type: CmdDelete, Table: table}
	if p.acceptKw("WHERE") {
		cond, err := p.parseWhere()
		if err != nil {
			return nil, err
		}
		cmd.Criteria = cond
	}
	return cmd, nil
}

// ── SELECT ────────────────────────────────────────────────────────────────

var aggFuncs = map[string]bool{
	"COUNT": true, "SUM": true, "AVG": true, "MIN": true, "MAX": true,
	// dialect
	"JUMLAH": true, "TOTAL": true, "RERATA": true, "TERKECIL": true, "TERBESAR": true,
}

var aggCanon = map[string]string{
	"JUMLAH": "COUNT", "TOTAL": "SUM", "RERATA": "AVG",
	"TERKECIL": "MIN", "TERBESAR": "MAX",
	"COUNT": "COUNT", "SUM": "SUM", "AVG": "AVG", "MIN": "MIN", "MAX": "MAX",
}

func (p *parser) parseSelect() (*Command, error) {
	p.i++ // SELECT
	cmd := &Command{Type: CmdSelect}
	if p.acceptKw("DISTINCT") {
		cmd.Distinct = true
	}

	// Projection list: *, fields, or aggregates.
	for {
		if p.accept(tPunct, "*") {
			cmd.Fields = append(cmd.Fields, "*")
		} else {
			t := p.cur()
			if t.Typ != tIdent {
				return nil, p.errf("expected projection")
			}
			up := upperASCII(t.Val)
			if aggFuncs[up] && p.peekIs(1, tPunct, "(") {
				agg, err := p.parseAggCall()
				if err != nil {
					return nil, err
				}
				cmd.Aggs = append(cmd.Aggs, *agg)
			} else {
				p.i++
				cmd.Fields = append(cmd.Fields, t.Val)
			}
		}
		if p.accept(tPunct, ",") {
			continue
		}
		break
	}
	if len(cmd.Aggs) > 0 {
		cmd.Type = CmdAggregate
	}

	if err := p.expectKw("FROM"); err != nil {
		return nil, err
	}
	table, err := p.ident()
	if err != nil {
		return nil, err
	}
	cmd.Table = table

	// Joins.
	for {
		jt, ok := p.peekJoin()
		if !ok {
			break
		}
		join, err := p.parseJoin(jt)
		if err != nil {
			return nil, err
		}
		cmd.Joins = append(cmd.Joins, *join)
	}

	if p.acceptKw("WHERE") {
		cond, err := p.parseWhere()
		if err != nil {
			return nil, err
		}
		cmd.Criteria = cond
	}

	if p.acceptKw("GROUP") {
		if err := p.expectKw("BY"); err != nil {
			return nil, err
		}
		f, err := p.ident()
		if err != nil {
			return nil, err
		}
		cmd.GroupBy = f
	}

	if p.acceptKw("HAVING") {
		cond, err := p.parseWhere()
		if err != nil {
			return nil, err
		}
		cmd.Having = cond
	}

	if p.acceptKw("ORDER") {
		if err := p.expectKw("BY"); err != nil {
			return nil, err
		}
		f, err := p.ident()
		if err != nil {
			return nil, err
		}
		spec := &OrderSpec{Field: f}
		if p.acceptKw("DESC") {
			spec.Desc = true
		} else {
			p.acceptKw("ASC")
		}
		cmd.OrderBy = spec
	}

	for {
		if p.acceptKw("LIMIT") {
			n, err := p.intValue()
			if err != nil {
				return nil, err
			}
			cmd.Limit = &n
			continue
		}
		if p.acceptKw("OFFSET") {
			n, err := p.intValue()
			if err != nil {
				return nil, err
			}
			cmd.Offset = &n
			continue
		}
		break
	}

	return cmd, nil
}

func (p *parser) intValue() (int, error) {
	t := p.cur()
	if t.Typ != tNumber {
		return 0, p.errf("expected a number")
	}
	p.i++
	n, err := strconv.Atoi(t.Val)
	if err != nil {
		return 0, p.errf("expected an integer, got %q", t.Val)
	}
	if n < 0 {
		return 0, p.errf("expected a non-negative integer")
	}
	return n, nil
}

func (p *parser) peekIs(ahead int, typ tokenType, val string) bool {
	j := p.i + ahead
	if j >= len(p.toks) {
		return false
	}
	return p.toks[j].Typ == typ && p.toks[j].Val == val
}

func (p *parser) parseAggCall() (*AggSpec, error) {
	t := p.next() // function name
	fn := aggCanon[upperASCII(t.Val)]
	if err := p.expect(tPunct, "("); err != nil {
		return nil, err
	}
	field := "*"
	if !p.accept(tPunct, "*") {
		f, err := p.ident()
		if err != nil {
			return nil, err
		}
		field = f
	}
	if err := p.expect(tPunct, ")"); err != nil {
		return nil, err
	}
	agg := &AggSpec{Func: fn, Field: field}
	if p.acceptKw("AS") {
		alias, err := p.ident()
		if err != nil {
			return nil, err
		}
		agg.Alias = alias
	}
	return agg, nil
}

// peekJoin recognizes the start of a join clause without consuming it.
func (p *parser) peekJoin() (JoinType, bool) {
	switch p.kw() {
	case "JOIN", "INNER":
		return JoinInner, true
	case "LEFT":
		return JoinLeft, true
	case "RIGHT":
		return JoinRight, true
	case "FULL":
		return JoinFull, true
	case "CROSS":
		return JoinCross, true
	}
	return "", false
}

func (p *parser) parseJoin(jt JoinType) (*Join, error) {
	if p.kw() != "JOIN" {
		p.i++ // the qualifier (LEFT/RIGHT/FULL/CROSS/INNER)
		p.acceptKw("OUTER")
	}
	if err := p.expectKw("JOIN"); err != nil {
		return nil, err
	}
	table, err := p.ident()
	if err != nil {
		return nil, err
	}
	join := &Join{Type: jt, Table: table}
	if jt == JoinCross {
		return join, nil
	}
	if err := p.expectKw("ON"); err != nil {
		return nil, err
	}
	left, err := p.ident()
	if err != nil {
		return nil, err
	}
	opTok := p.cur()
	if opTok.Typ != tOp {
		return nil, p.errf("expected comparison in join condition")
	}
	p.i++
	right, err := p.ident()
	if err != nil {
		return nil, err
	}
	op := opTok.Val
	if op == "<>" {
		op = OpNe
	}
	join.LeftField, join.RightField, join.Op = left, right, op
	return join, nil
}

// ── WHERE ─────────────────────────────────────────────────────────────────

// parseWhere parses a flat sequence of comparisons joined by AND/OR and
// builds the tree with AND binding tighter than OR.
func (p *parser) parseWhere() (*Cond, error) {
	var conds []*Cond
	var joins []string // connector before conds[i+1]
	for {
		c, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
		if p.acceptKw("AND") {
			joins = append(joins, "AND")
			continue
		}
		if p.acceptKw("OR") {
			joins = append(joins, "OR")
			continue
		}
		break
	}
	return buildCondTree(conds, joins), nil
}

// buildCondTree groups adjacent AND-linked comparisons into compound AND
// nodes, then joins the groups with a single OR node.
func buildCondTree(conds []*Cond, joins []string) *Cond {
	if len(conds) == 1 {
		return conds[0]
	}
	var orGroups []*Cond
	group := []*Cond{conds[0]}
	for i, j := range joins {
		if j == "AND" {
			group = append(group, conds[i+1])
			continue
		}
		orGroups = append(orGroups, foldAnd(group))
		group = []*Cond{conds[i+1]}
	}
	orGroups = append(orGroups, foldAnd(group))
	if len(orGroups) == 1 {
		return orGroups[0]
	}
	return &Cond{Bool: "OR", Kids: orGroups}
}

func foldAnd(group []*Cond) *Cond {
	if len(group) == 1 {
		return group[0]
	}
	return &Cond{Bool: "AND", Kids: group}
}

func (p *parser) parseComparison() (*Cond, error) {
	field, err := p.ident()
	if err != nil {
		return nil, err
	}
	// Keyword-operator forms first.
	switch p.kw() {
	case "IS":
		p.i++
		negate := p.acceptKw("NOT")
		if err := p.expectKw("NULL"); err != nil {
			return nil, err
		}
		op := OpIsNull
		if negate {
			op = OpIsNotNull
		}
		return &Cond{Field: field, Op: op}, nil
	case "LIKE":
		p.i++
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		return &Cond{Field: field, Op: OpLike, Value: v}, nil
	case "BETWEEN":
		p.i++
		lo, err := p.value()
		if err != nil {
			return nil, err
		}
		if err := p.expectKw("AND"); err != nil {
			return nil, err
		}
		hi, err := p.value()
		if err != nil {
			return nil, err
		}
		return &Cond{Field: field, Op: OpBetween, Value: []any{lo, hi}}, nil
	case "IN":
		p.i++
		list, err := p.parseValueList()
		if err != nil {
			return nil, err
		}
		return &Cond{Field: field, Op: OpIn, Value: list}, nil
	case "NOT":
		p.i++
		if err := p.expectKw("IN"); err != nil {
			return nil, err
		}
		list, err := p.parseValueList()
		if err != nil {
			return nil, err
		}
		return &Cond{Field: field, Op: OpNotIn, Value: list}, nil
	}

	opTok := p.cur()
	if opTok.Typ != tOp {
		return nil, p.errf("expected a comparison operator")
	}
	p.i++
	op := opTok.Val
	if op == "<>" {
		op = OpNe
	}
	v, err := p.value()
	if err != nil {
		return nil, err
	}
	return &Cond{Field: field, Op: op, Value: v}, nil
}

func (p *parser) parseValueList() ([]any, error) {
	if err := p.expect(tPunct, "("); err != nil {
		return nil, err
	}
	var list []any
	for {
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		list = append(list, v)
		if p.accept(tPunct, ",") {
			continue
		}
		if err := p.expect(tPunct, ")"); err != nil {
			return nil, err
		}
		break
	}
	return list, nil
}

// ── DEFINE SCHEMA ─────────────────────────────────────────────────────────

func (p *parser) parseDefineSchema() (*Command, error) {
	p.i++ // DEFINE
	if err := p.expectKw("SCHEMA"); err != nil {
		return nil, err
	}
	table, err := p.ident()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tPunct, "("); err != nil {
		return nil, err
	}
	sch := &storage.Schema{Table: table}
	for {
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		typName, err := p.ident()
		if err != nil {
			return nil, err
		}
		ft, err := storage.NormalizeFieldType(typName)
		if err != nil {
			return nil, p.errf("unknown field type %q", typName)
		}
		f := storage.SchemaField{Name: name, Type: ft}
		for {
			if p.acceptKw("REQUIRED") {
				f.Required = true
				continue
			}
			if p.acceptKw("DEFAULT") {
				v, err := p.value()
				if err != nil {
					return nil, err
				}
				f.Default = v
				f.HasDef = true
				continue
			}
			break
		}
		sch.Fields = append(sch.Fields, f)
		if p.accept(tPunct, ",") {
			continue
		}
		if err := p.expect(tPunct, ")"); err != nil {
			return nil, err
		}
		break
	}
	return &Command{Type: CmdDefineSchema, Table: table, Schema: sch}, nil
}
