// Package normalizer canonicalizes SQL text into a parameterized form safe to
// use as a template-retrieval key. The primary path parses a real Postgres
// AST via pg_query_go; when that fails (malformed RAG output, an unsupported
// construct) it falls back to a path that takes constants from a pure-Go
// tokenizer and the canonical form from a regex scrub, marking its output
// "parse_degraded".
package normalizer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/ha1tch/tsqlparser/lexer"
	"github.com/ha1tch/tsqlparser/token"

	"github.com/costnav/queryengine/internal/engineerr"
)

// Result is the outcome of normalizing one SQL statement.
type Result struct {
	CanonicalSQL string
	Constants    []string // in left-to-right placeholder order
	Degraded     bool     // true when the AST path could not be used
}

// Normalize parses sql, replaces literals with "$n" in appearance order, and
// returns a lowercased, whitespace-collapsed canonical form. Pre-existing
// "$n" placeholders are left untouched and are not recounted.
func Normalize(sql string) (Result, error) {
	parsed, err := pg_query.Parse(sql)
	if err != nil {
		return normalizeDegraded(sql)
	}
	if len(parsed.Stmts) != 1 {
		return Result{}, engineerr.New(engineerr.InputInvalid, "normalizer.Normalize", fmt.Errorf("expected exactly one statement, got %d", len(parsed.Stmts)))
	}
	if parsed.Stmts[0].Stmt.GetSelectStmt() == nil {
		return Result{}, engineerr.New(engineerr.InputInvalid, "normalizer.Normalize", fmt.Errorf("only SELECT statements are supported"))
	}

	literals := collectConstants(parsed.Stmts[0].Stmt)

	normalized, err := pg_query.Normalize(sql)
	if err != nil {
		// Parse succeeded but Normalize choked on a construct it doesn't
		// recognize; deparse the original tree instead, constants already
		// collected above still describe its literal positions.
		normalized, err = pg_query.Deparse(parsed)
		if err != nil {
			return normalizeDegraded(sql)
		}
	}

	return Result{
		CanonicalSQL: canonicalize(requoteStringPlaceholders(normalized, literals)),
		Constants:    constantTexts(literals),
	}, nil
}

// requoteStringPlaceholders re-wraps every "$n" placeholder that replaced a
// string literal in single quotes ("'$n'"); pg_query.Normalize emits bare
// "$n" for every literal regardless of type, but a string-typed parameter
// must keep its quoting to stay valid SQL once bound. pg_query.Normalize
// numbers its new placeholders after the highest pre-existing one, so the
// last len(literals) numbers belong to literals and the rest stay bare.
func requoteStringPlaceholders(sql string, literals []literal) string {
	highest := 0
	for _, m := range placeholderRe.FindAllString(sql, -1) {
		if n, err := strconv.Atoi(m[1:]); err == nil && n > highest {
			highest = n
		}
	}
	first := highest - len(literals) + 1
	return placeholderRe.ReplaceAllStringFunc(sql, func(m string) string {
		n, _ := strconv.Atoi(m[1:])
		i := n - first
		if i >= 0 && i < len(literals) && literals[i].isString {
			return "'" + m + "'"
		}
		return m
	})
}

// canonicalize lowercases, collapses whitespace, normalizes operator
// spacing, and strips a trailing semicolon.
func canonicalize(sql string) string {
	s := strings.ToLower(strings.TrimSpace(sql))
	s = strings.TrimSuffix(s, ";")
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = operatorSpacingRe.ReplaceAllString(s, " $1 ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

var (
	whitespaceRe      = regexp.MustCompile(`\s+`)
	operatorSpacingRe = regexp.MustCompile(`\s*([=<>!]+)\s*`)
	literalRe         = regexp.MustCompile(`'[^']*'|\$\d+|\b\d+(\.\d+)?\b`)
	placeholderRe     = regexp.MustCompile(`\$\d+`)
)

// literal is one extracted constant, its source text plus whether it was a
// string literal (and so needs re-quoting once replaced by "$n").
type literal struct {
	text     string
	isString bool
}

func constantTexts(literals []literal) []string {
	out := make([]string, len(literals))
	for i, l := range literals {
		out[i] = l.text
	}
	return out
}

// collectConstants walks the AST clause by clause (target list, FROM, WHERE,
// GROUP BY, HAVING, ORDER BY, LIMIT, OFFSET), which for a plain SELECT is the
// left-to-right order in which pg_query.Normalize numbers literals, and
// records each literal's source text. Literals inside subqueries are not
// visited.
func collectConstants(stmt *pg_query.Node) []literal {
	var out []literal
	sel := stmt.GetSelectStmt()
	if sel == nil {
		return out
	}
	walk(selectTargets(sel), &out)
	return out
}

// selectTargets flattens every clause of a SELECT into one node slice in the
// order a canonical rewrite assigns placeholder numbers.
func selectTargets(sel *pg_query.SelectStmt) []*pg_query.Node {
	var nodes []*pg_query.Node
	nodes = append(nodes, sel.TargetList...)
	nodes = append(nodes, sel.FromClause...)
	if sel.WhereClause != nil {
		nodes = append(nodes, sel.WhereClause)
	}
	nodes = append(nodes, sel.GroupClause...)
	if sel.HavingClause != nil {
		nodes = append(nodes, sel.HavingClause)
	}
	nodes = append(nodes, sel.SortClause...)
	if sel.LimitCount != nil {
		nodes = append(nodes, sel.LimitCount)
	}
	if sel.LimitOffset != nil {
		nodes = append(nodes, sel.LimitOffset)
	}
	return nodes
}

func walk(nodes []*pg_query.Node, out *[]literal) {
	for _, n := range nodes {
		walkNode(n, out)
	}
}

func walkNode(node *pg_query.Node, out *[]literal) {
	if node == nil {
		return
	}
	if c := node.GetAConst(); c != nil {
		*out = append(*out, constLiteral(c))
		return
	}
	if rt := node.GetResTarget(); rt != nil {
		walkNode(rt.Val, out)
		return
	}
	if ae := node.GetAExpr(); ae != nil {
		walkNode(ae.Lexpr, out)
		walkNode(ae.Rexpr, out)
		return
	}
	if be := node.GetBoolExpr(); be != nil {
		walk(be.Args, out)
		return
	}
	if fc := node.GetFuncCall(); fc != nil {
		walk(fc.Args, out)
		return
	}
	if je := node.GetJoinExpr(); je != nil {
		walkNode(je.Larg, out)
		walkNode(je.Rarg, out)
		walkNode(je.Quals, out)
		return
	}
	if sb := node.GetSortBy(); sb != nil {
		walkNode(sb.Node, out)
		return
	}
	if nt := node.GetNullTest(); nt != nil {
		walkNode(nt.Arg, out)
		return
	}
	if list := node.GetList(); list != nil {
		walk(list.Items, out)
		return
	}
	if tc := node.GetTypeCast(); tc != nil {
		walkNode(tc.Arg, out)
		return
	}
}

func constLiteral(c *pg_query.A_Const) literal {
	switch v := c.Val.(type) {
	case *pg_query.A_Const_Sval:
		return literal{text: v.Sval.Sval, isString: true}
	case *pg_query.A_Const_Ival:
		return literal{text: fmt.Sprintf("%d", v.Ival.Ival)}
	case *pg_query.A_Const_Fval:
		return literal{text: v.Fval.Fval}
	case *pg_query.A_Const_Boolval:
		return literal{text: fmt.Sprintf("%t", v.Boolval.Boolval)}
	default:
		return literal{}
	}
}

// normalizeDegraded handles SQL the AST parser rejected. The constants come
// from tsqlparser's lexer; the canonical form comes from a regex scrub that
// numbers literals after the highest pre-existing "$n" and leaves those
// placeholders as they are.
func normalizeDegraded(sql string) (Result, error) {
	l := lexer.New(sql)
	var constants []string
	n := 0
	for {
		tok := l.NextToken()
		if tok.Type == token.EOF {
			break
		}
		if tok.Type == token.STRING || tok.Type == token.INT || tok.Type == token.FLOAT {
			n++
			constants = append(constants, tok.Literal)
		}
	}
	if n == 0 && strings.TrimSpace(sql) == "" {
		return Result{}, engineerr.New(engineerr.InputInvalid, "normalizer.normalizeDegraded", fmt.Errorf("empty SQL"))
	}

	idx := 0
	for _, m := range placeholderRe.FindAllString(sql, -1) {
		if n, err := strconv.Atoi(m[1:]); err == nil && n > idx {
			idx = n
		}
	}
	scrubbed := literalRe.ReplaceAllStringFunc(sql, func(m string) string {
		if strings.HasPrefix(m, "$") {
			return m
		}
		idx++
		if strings.HasPrefix(m, "'") {
			return fmt.Sprintf("'$%d'", idx)
		}
		return fmt.Sprintf("$%d", idx)
	})
	return Result{
		CanonicalSQL: canonicalize(scrubbed),
		Constants:    constants,
		Degraded:     true,
	}, nil
}

// ReferencedTables returns the lowercase table names a SELECT references.
func ReferencedTables(sql string) ([]string, error) {
	parsed, err := pg_query.Parse(sql)
	if err != nil {
		return nil, engineerr.New(engineerr.InputInvalid, "normalizer.ReferencedTables", err)
	}
	var tables []string
	seen := map[string]bool{}
	for _, raw := range parsed.Stmts {
		collectTables(raw.Stmt, &tables, seen)
	}
	return tables, nil
}

func collectTables(node *pg_query.Node, tables *[]string, seen map[string]bool) {
	if node == nil {
		return
	}
	if sel := node.GetSelectStmt(); sel != nil {
		for _, f := range sel.FromClause {
			collectTables(f, tables, seen)
		}
		return
	}
	if rv := node.GetRangeVar(); rv != nil {
		name := strings.ToLower(rv.Relname)
		if !seen[name] {
			seen[name] = true
			*tables = append(*tables, name)
		}
		return
	}
	if je := node.GetJoinExpr(); je != nil {
		collectTables(je.Larg, tables, seen)
		collectTables(je.Rarg, tables, seen)
	}
}

// Complexity holds the counts the validator's score formula combines.
type Complexity struct {
	Joins      int
	Subqueries int
	Functions  int
	WhereConds int
	Orders     int
	Score      int
}

// ComplexityScore computes joins*10 + subqueries*15 + functions*5 + where*3 +
// orders*2, mirroring the source system's weighting.
func ComplexityScore(sql string) (Complexity, error) {
	parsed, err := pg_query.Parse(sql)
	if err != nil {
		return Complexity{}, engineerr.New(engineerr.InputInvalid, "normalizer.ComplexityScore", err)
	}
	if len(parsed.Stmts) == 0 {
		return Complexity{}, engineerr.New(engineerr.InputInvalid, "normalizer.ComplexityScore", fmt.Errorf("empty SQL"))
	}
	sel := parsed.Stmts[0].Stmt.GetSelectStmt()
	if sel == nil {
		return Complexity{}, engineerr.New(engineerr.InputInvalid, "normalizer.ComplexityScore", fmt.Errorf("only SELECT statements are supported"))
	}

	c := Complexity{}
	for _, f := range sel.FromClause {
		countJoins(f, &c.Joins)
	}
	var countNode func(n *pg_query.Node)
	countNode = func(n *pg_query.Node) {
		if n == nil {
			return
		}
		if n.GetSubLink() != nil {
			c.Subqueries++
		}
		if fc := n.GetFuncCall(); fc != nil {
			c.Functions++
			for _, a := range fc.Args {
				countNode(a)
			}
		}
		if ae := n.GetAExpr(); ae != nil {
			countNode(ae.Lexpr)
			countNode(ae.Rexpr)
		}
		if be := n.GetBoolExpr(); be != nil {
			for _, a := range be.Args {
				countNode(a)
			}
		}
		if rt := n.GetResTarget(); rt != nil {
			countNode(rt.Val)
		}
	}
	for _, t := range sel.TargetList {
		countNode(t)
	}
	if sel.WhereClause != nil {
		countNode(sel.WhereClause)
		c.WhereConds = countWhereConds(sel.WhereClause)
	}
	c.Orders = len(sel.SortClause)

	c.Score = c.Joins*10 + c.Subqueries*15 + c.Functions*5 + c.WhereConds*3 + c.Orders*2
	return c, nil
}

func countJoins(node *pg_query.Node, n *int) {
	if node == nil {
		return
	}
	if je := node.GetJoinExpr(); je != nil {
		*n++
		countJoins(je.Larg, n)
		countJoins(je.Rarg, n)
	}
}

func countWhereConds(node *pg_query.Node) int {
	if node == nil {
		return 0
	}
	if be := node.GetBoolExpr(); be != nil {
		total := 0
		for _, a := range be.Args {
			if be.Boolop == pg_query.BoolExprType_AND_EXPR || be.Boolop == pg_query.BoolExprType_OR_EXPR {
				total += countWhereConds(a)
			}
		}
		if total == 0 {
			return len(be.Args)
		}
		return total
	}
	return 1
}
