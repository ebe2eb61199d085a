// Package validator enforces the safety policy every candidate SQL statement
// must pass before execution: single SELECT, whitelisted tables/functions, no
// injection patterns, and a bounded complexity.
package validator

import (
	"fmt"
	"regexp"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/costnav/queryengine/internal/normalizer"
	"github.com/costnav/queryengine/internal/xutil"
)

// Severity classifies a Report issue.
type Severity string

const (
	Unsafe  Severity = "unsafe"
	Warning Severity = "warning"
)

// Issue is one policy violation.
type Issue struct {
	Severity Severity
	Message  string
}

// Report is the full verdict for one candidate statement.
type Report struct {
	IsSafe           bool
	Score            float64
	Issues           []Issue
	ReferencedTables []string
	Complexity       int
}

var allowedTables = map[string]bool{
	"providers":           true,
	"drg_procedures":      true,
	"provider_procedures": true,
	"provider_ratings":    true,
	"template_catalog":    true,
	"csv_column_mappings": true,
}

// allowedTableNames lists allowedTables' keys in sorted order, for use in
// issue messages that must read the same way on every run.
func allowedTableNames() []string {
	var names []string
	for k := range xutil.CanonicalMapIter(allowedTables) {
		names = append(names, k)
	}
	return names
}

var allowedFunctions = map[string]bool{
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
	"coalesce": true, "nullif": true, "cast": true, "ilike": true,
	"round": true, "abs": true, "lower": true, "upper": true, "trim": true,
	"length": true, "concat": true, "to_char": true, "extract": true,
	"date_trunc": true, "greatest": true, "least": true,
}

var forbiddenKeywords = []string{
	"insert", "update", "delete", "drop", "truncate", "alter", "create",
	"grant", "revoke", "copy", "execute", "call", "merge", "replace",
	"upsert", "pg_", "dblink",
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)'\s*or\s+`),
	regexp.MustCompile(`(?i)'\s*and\s+`),
	regexp.MustCompile(`--`),
	regexp.MustCompile(`(?s)/\*.*\*/`),
	regexp.MustCompile(`(?i);\s*drop\s+`),
	regexp.MustCompile(`(?i)union\s+select`),
	regexp.MustCompile(`(?i)exec\s*\(`),
}

var keywordBoundaryRe = map[string]*regexp.Regexp{}

func keywordRe(kw string) *regexp.Regexp {
	if re, ok := keywordBoundaryRe[kw]; ok {
		return re
	}
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
	keywordBoundaryRe[kw] = re
	return re
}

// Limits bounds the soft-rule thresholds; callers typically populate this
// from config.Config.
type Limits struct {
	MaxJoins      int
	MaxSubqueries int
	MaxWhereConds int
	MaxRows       int
}

// Validate runs the full policy against sql (which must already be the
// fully-bound, executable statement — no remaining "$n" placeholders).
func Validate(sql string, limits Limits) Report {
	report := Report{Score: 1.0}

	for _, kw := range forbiddenKeywords {
		if keywordRe(kw).MatchString(sql) {
			report.Issues = append(report.Issues, Issue{Unsafe, fmt.Sprintf("forbidden keyword: %s", kw)})
		}
	}
	for _, pat := range injectionPatterns {
		if pat.MatchString(sql) {
			report.Issues = append(report.Issues, Issue{Unsafe, fmt.Sprintf("injection pattern matched: %s", pat.String())})
		}
	}

	parsed, err := pg_query.Parse(sql)
	if err != nil {
		report.Issues = append(report.Issues, Issue{Unsafe, fmt.Sprintf("unparseable SQL: %v", err)})
		report.IsSafe = false
		report.Score = 0
		return report
	}
	if len(parsed.Stmts) != 1 {
		report.Issues = append(report.Issues, Issue{Unsafe, "multiple statements are not allowed"})
	}
	if len(parsed.Stmts) == 0 || parsed.Stmts[0].Stmt.GetSelectStmt() == nil {
		report.Issues = append(report.Issues, Issue{Unsafe, "only a single SELECT statement is allowed"})
		report.IsSafe = false
		report.Score = 0
		return report
	}

	sel := parsed.Stmts[0].Stmt.GetSelectStmt()
	tables, tableIssues := validateTables(sel)
	report.ReferencedTables = tables
	report.Issues = append(report.Issues, tableIssues...)
	report.Issues = append(report.Issues, validateFunctions(sel)...)

	if hasStar(sel) {
		report.Issues = append(report.Issues, Issue{Warning, "SELECT * is discouraged"})
	}
	if sel.LimitCount == nil {
		report.Issues = append(report.Issues, Issue{Warning, "missing LIMIT clause"})
	} else if limit, ok := limitValue(sel.LimitCount); ok && limit > limits.MaxRows {
		report.Issues = append(report.Issues, Issue{Warning, fmt.Sprintf("LIMIT %d exceeds max rows %d", limit, limits.MaxRows)})
	}

	complexity, cErr := normalizer.ComplexityScore(sql)
	if cErr == nil {
		report.Complexity = complexity.Score
		if complexity.Joins > limits.MaxJoins {
			report.Issues = append(report.Issues, Issue{Warning, fmt.Sprintf("join count %d exceeds max %d", complexity.Joins, limits.MaxJoins)})
		}
		if complexity.Subqueries > limits.MaxSubqueries {
			report.Issues = append(report.Issues, Issue{Warning, fmt.Sprintf("subquery count %d exceeds max %d", complexity.Subqueries, limits.MaxSubqueries)})
		}
		if complexity.WhereConds > limits.MaxWhereConds {
			report.Issues = append(report.Issues, Issue{Warning, fmt.Sprintf("where condition count %d exceeds max %d", complexity.WhereConds, limits.MaxWhereConds)})
		}
	}

	report.Score = scoreOf(report.Issues, report.Complexity)
	report.IsSafe = report.Score >= 0.7 && !hasUnsafe(report.Issues)
	return report
}

func scoreOf(issues []Issue, complexity int) float64 {
	score := 1.0
	for _, i := range issues {
		switch i.Severity {
		case Unsafe:
			score -= 0.5
		case Warning:
			score -= 0.1
		}
	}
	if complexity > 20 {
		score -= 0.2
	} else if complexity > 10 {
		score -= 0.1
	}
	if score < 0 {
		score = 0
	}
	return score
}

func hasUnsafe(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == Unsafe {
			return true
		}
	}
	return false
}

func validateTables(sel *pg_query.SelectStmt) ([]string, []Issue) {
	var tables []string
	var issues []Issue
	seen := map[string]bool{}
	for _, f := range sel.FromClause {
		walkFrom(f, &tables, seen, &issues)
	}
	return tables, issues
}

func walkFrom(node *pg_query.Node, tables *[]string, seen map[string]bool, issues *[]Issue) {
	if node == nil {
		return
	}
	if rv := node.GetRangeVar(); rv != nil {
		name := strings.ToLower(rv.Relname)
		if !seen[name] {
			seen[name] = true
			*tables = append(*tables, name)
		}
		if !allowedTables[name] {
			*issues = append(*issues, Issue{Unsafe, fmt.Sprintf("table not allowed: %s (allowed: %s)", name, strings.Join(allowedTableNames(), ", "))})
		}
		return
	}
	if je := node.GetJoinExpr(); je != nil {
		walkFrom(je.Larg, tables, seen, issues)
		walkFrom(je.Rarg, tables, seen, issues)
		return
	}
	if node.GetRangeSubselect() != nil {
		*issues = append(*issues, Issue{Warning, "subquery in FROM clause"})
	}
}

func validateFunctions(sel *pg_query.SelectStmt) []Issue {
	var issues []Issue
	var walk func(n *pg_query.Node)
	walk = func(n *pg_query.Node) {
		if n == nil {
			return
		}
		if fc := n.GetFuncCall(); fc != nil {
			name := funcName(fc)
			if name != "" && !allowedFunctions[name] {
				issues = append(issues, Issue{Warning, fmt.Sprintf("function not in allowlist: %s", name)})
			}
			for _, a := range fc.Args {
				walk(a)
			}
		}
		if rt := n.GetResTarget(); rt != nil {
			walk(rt.Val)
		}
		if ae := n.GetAExpr(); ae != nil {
			walk(ae.Lexpr)
			walk(ae.Rexpr)
		}
		if be := n.GetBoolExpr(); be != nil {
			for _, a := range be.Args {
				walk(a)
			}
		}
	}
	for _, t := range sel.TargetList {
		walk(t)
	}
	if sel.WhereClause != nil {
		walk(sel.WhereClause)
	}
	return issues
}

func funcName(fc *pg_query.FuncCall) string {
	for _, n := range fc.Funcname {
		if s := n.GetString_(); s != nil {
			return strings.ToLower(s.Sval)
		}
	}
	return ""
}

func hasStar(sel *pg_query.SelectStmt) bool {
	for _, t := range sel.TargetList {
		if rt := t.GetResTarget(); rt != nil {
			if cr := rt.Val.GetColumnRef(); cr != nil {
				for _, f := range cr.Fields {
					if f.GetAStar() != nil {
						return true
					}
				}
			}
		}
	}
	return false
}

func limitValue(n *pg_query.Node) (int, bool) {
	c := n.GetAConst()
	if c == nil {
		return 0, false
	}
	if iv, ok := c.Val.(*pg_query.A_Const_Ival); ok {
		return int(iv.Ival.Ival), true
	}
	return 0, false
}
