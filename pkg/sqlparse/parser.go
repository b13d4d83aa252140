// Package sqlparse extracts a structural decomposition (tables, joins,
// predicates, select list, group by) from SQL text.
//
// This is the engine's built-in implementation of the upstream parser
// boundary: deployments with a richer dialect-aware parser inject their
// own implementation of services.SQLParser instead. Like the rest of the
// engine it is regex/scanner based and dialect-agnostic.
package sqlparse

import (
	"regexp"
	"strings"

	"github.com/ekaya-inc/impact-engine/pkg/models"
)

// Result is one structural decomposition with its confidence status.
type Result struct {
	Status     models.ParseStatus
	Select     []models.SelectExpr
	Tables     []models.TableRef
	Joins      []models.JoinDesc
	Predicates []models.Predicate
	GroupBy    []models.ColumnRef
}

var (
	fromRe  = regexp.MustCompile(`(?is)\bfrom\s+([a-z_][\w.]*)(?:\s+(?:as\s+)?([a-z_]\w*))?`)
	joinRe  = regexp.MustCompile(`(?is)\bjoin\s+([a-z_][\w.]*)(?:\s+(?:as\s+)?([a-z_]\w*))?\s+on\s+([\w.]+)\s*=\s*([\w.]+)`)
	whereRe = regexp.MustCompile(`(?is)\bwhere\b(.*?)(?:\bgroup\s+by\b|\border\s+by\b|\blimit\b|\bhaving\b|$)`)
	groupRe = regexp.MustCompile(`(?is)\bgroup\s+by\b(.*?)(?:\border\s+by\b|\blimit\b|\bhaving\b|$)`)
	// predColRe matches "col op ..." fragments inside a WHERE clause.
	predColRe = regexp.MustCompile(`(?i)([a-z_][\w.]*)\s*(=|!=|<>|>=|<=|>|<|\bin\b|\blike\b|\bbetween\b|\bis\b)`)
	selectRe  = regexp.MustCompile(`(?is)\bselect\s+(?:distinct\s+)?(.*?)\bfrom\b`)
	columnRe  = regexp.MustCompile(`(?i)\b([a-z_]\w*)\.([a-z_]\w*)\b`)
	bareColRe = regexp.MustCompile(`(?i)^[a-z_]\w*$`)
)

// sqlKeywords are tokens that look like identifiers but never are.
var sqlKeywords = map[string]struct{}{
	"select": {}, "from": {}, "where": {}, "and": {}, "or": {}, "not": {},
	"null": {}, "true": {}, "false": {}, "in": {}, "like": {}, "between": {},
	"is": {}, "as": {}, "on": {}, "join": {}, "inner": {}, "left": {},
	"right": {}, "outer": {}, "group": {}, "by": {}, "order": {}, "limit": {},
	"having": {}, "case": {}, "when": {}, "then": {}, "else": {}, "end": {},
	"distinct": {}, "asc": {}, "desc": {},
}

// Parse decomposes a SQL statement. It never fails outright on SELECT
// statements: a partial decomposition is returned with status fallback.
// Statements with no recognizable table produce status failed.
func Parse(sql string) Result {
	res := Result{Status: models.ParseStatusParsed}

	aliases := map[string]string{} // alias -> table

	for _, m := range fromRe.FindAllStringSubmatch(sql, -1) {
		ref := tableRef(m[1])
		res.Tables = append(res.Tables, ref)
		if m[2] != "" && !isKeyword(m[2]) {
			aliases[strings.ToLower(m[2])] = ref.Table
		}
	}

	for _, m := range joinRe.FindAllStringSubmatch(sql, -1) {
		ref := tableRef(m[1])
		res.Tables = append(res.Tables, ref)
		if m[2] != "" && !isKeyword(m[2]) {
			aliases[strings.ToLower(m[2])] = ref.Table
		}
	}

	// Join conditions need the alias table resolved, so run a second pass.
	for _, m := range joinRe.FindAllStringSubmatch(sql, -1) {
		right := tableRef(m[1])
		leftCol := columnRef(m[3], aliases)
		rightCol := columnRef(m[4], aliases)
		left := models.TableRef{Table: leftCol.Table}
		if left.Table == "" && len(res.Tables) > 0 {
			left = res.Tables[0]
		}
		res.Joins = append(res.Joins, models.JoinDesc{
			Left:        left,
			Right:       right,
			LeftColumn:  leftCol,
			RightColumn: rightCol,
		})
	}

	res.Tables = dedupeTables(res.Tables)
	if len(res.Tables) == 0 {
		res.Status = models.ParseStatusFailed
		return res
	}

	if m := selectRe.FindStringSubmatch(sql); m != nil {
		res.Select = parseSelectList(m[1], aliases)
	} else {
		res.Status = models.ParseStatusFallback
	}

	if m := whereRe.FindStringSubmatch(sql); m != nil {
		for _, pm := range predColRe.FindAllStringSubmatch(m[1], -1) {
			col := columnRef(pm[1], aliases)
			if col.Column == "" || isKeyword(col.Column) {
				continue
			}
			res.Predicates = append(res.Predicates, models.Predicate{
				Column:   col,
				Operator: strings.ToLower(strings.TrimSpace(pm[2])),
			})
		}
	}

	if m := groupRe.FindStringSubmatch(sql); m != nil {
		for _, part := range strings.Split(m[1], ",") {
			col := columnRef(strings.TrimSpace(part), aliases)
			if col.Column == "" || isKeyword(col.Column) {
				continue
			}
			res.GroupBy = append(res.GroupBy, col)
		}
	}

	return res
}

// parseSelectList splits a select list on top-level commas and extracts
// per-expression column references.
func parseSelectList(list string, aliases map[string]string) []models.SelectExpr {
	var exprs []models.SelectExpr
	for _, raw := range splitTopLevel(list) {
		expr := strings.TrimSpace(raw)
		if expr == "" || expr == "*" {
			continue
		}

		se := models.SelectExpr{Expr: expr}
		lower := strings.ToLower(expr)
		if idx := strings.LastIndex(lower, " as "); idx != -1 {
			se.Alias = strings.TrimSpace(expr[idx+4:])
			se.Expr = strings.TrimSpace(expr[:idx])
		}

		for _, cm := range columnRe.FindAllStringSubmatch(se.Expr, -1) {
			col := columnRef(cm[1]+"."+cm[2], aliases)
			if col.Column != "" && !isKeyword(col.Column) {
				se.Columns = append(se.Columns, col)
			}
		}
		// A bare identifier select item is itself a column reference.
		if len(se.Columns) == 0 && bareColRe.MatchString(se.Expr) && !isKeyword(strings.ToLower(se.Expr)) {
			se.Columns = append(se.Columns, models.ColumnRef{Column: strings.ToLower(se.Expr)})
		}

		exprs = append(exprs, se)
	}
	return exprs
}

// splitTopLevel splits on commas outside parentheses.
func splitTopLevel(s string) []string {
	var parts []string
	var current strings.Builder
	depth := 0
	for _, ch := range s {
		switch ch {
		case '(':
			depth++
			current.WriteRune(ch)
		case ')':
			depth--
			current.WriteRune(ch)
		case ',':
			if depth == 0 {
				parts = append(parts, current.String())
				current.Reset()
			} else {
				current.WriteRune(ch)
			}
		default:
			current.WriteRune(ch)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

// tableRef parses "schema.table" or "table".
func tableRef(name string) models.TableRef {
	name = strings.ToLower(strings.TrimSpace(name))
	if idx := strings.IndexByte(name, '.'); idx != -1 {
		return models.TableRef{Schema: name[:idx], Table: name[idx+1:]}
	}
	return models.TableRef{Table: name}
}

// columnRef parses "table.column" or "column", resolving table aliases.
func columnRef(name string, aliases map[string]string) models.ColumnRef {
	name = strings.ToLower(strings.TrimSpace(name))
	if isKeyword(name) {
		return models.ColumnRef{}
	}
	parts := strings.Split(name, ".")
	switch len(parts) {
	case 1:
		return models.ColumnRef{Column: parts[0]}
	case 2:
		table := parts[0]
		if resolved, ok := aliases[table]; ok {
			table = resolved
		}
		return models.ColumnRef{Table: table, Column: parts[1]}
	case 3:
		return models.ColumnRef{Schema: parts[0], Table: parts[1], Column: parts[2]}
	}
	return models.ColumnRef{}
}

func dedupeTables(tables []models.TableRef) []models.TableRef {
	seen := make(map[string]struct{}, len(tables))
	var out []models.TableRef
	for _, t := range tables {
		key := t.Schema + "." + t.Table
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

func isKeyword(token string) bool {
	_, ok := sqlKeywords[strings.ToLower(token)]
	return ok
}
