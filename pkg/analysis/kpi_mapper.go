package analysis

import (
	"regexp"
	"strings"

	"github.com/ekaya-inc/impact-engine/pkg/models"
)

// KPIMapper matches a query's selected expressions against known KPI
// definitions. Matching tiers: exact expression, alias, then fuzzy token
// overlap. A mapper with no definitions never matches; callers fall back
// to fingerprint substring matching.
type KPIMapper struct {
	defs []models.KPIDefinition

	// exact and alias lookups are precomputed from the definitions.
	byExpr  map[string]string
	byAlias map[string]string
}

var exprTokenRe = regexp.MustCompile(`[a-z0-9_]+`)

// NewKPIMapper builds a mapper over the given definitions.
func NewKPIMapper(defs []models.KPIDefinition) *KPIMapper {
	m := &KPIMapper{
		defs:    defs,
		byExpr:  make(map[string]string),
		byAlias: make(map[string]string),
	}
	for _, d := range defs {
		for _, e := range d.Expressions {
			m.byExpr[canonicalExpr(e)] = d.Fingerprint
		}
		m.byAlias[strings.ToLower(d.Name)] = d.Fingerprint
		for _, a := range d.Aliases {
			m.byAlias[strings.ToLower(a)] = d.Fingerprint
		}
	}
	return m
}

// canonicalExpr lowercases and strips whitespace variance from an expression.
func canonicalExpr(expr string) string {
	return strings.Join(exprTokenRe.FindAllString(strings.ToLower(expr), -1), " ")
}

// MatchSelect returns the fingerprint of the first KPI matched by any
// select expression, trying exact, alias, then fuzzy matching. At most one
// determination is made per call.
func (m *KPIMapper) MatchSelect(exprs []models.SelectExpr) (string, bool) {
	if len(m.defs) == 0 {
		return "", false
	}

	// Tier 1: exact expression match.
	for _, se := range exprs {
		if fp, ok := m.byExpr[canonicalExpr(se.Expr)]; ok {
			return fp, true
		}
	}

	// Tier 2: alias match on the output name.
	for _, se := range exprs {
		alias := strings.ToLower(se.Alias)
		if alias == "" {
			alias = strings.ToLower(se.Expr)
		}
		if fp, ok := m.byAlias[alias]; ok {
			return fp, true
		}
	}

	// Tier 3: fuzzy token overlap between the expression and any
	// definition expression.
	for _, se := range exprs {
		tokens := exprTokenRe.FindAllString(strings.ToLower(se.Expr), -1)
		if len(tokens) == 0 {
			continue
		}
		for _, d := range m.defs {
			for _, e := range d.Expressions {
				if tokenOverlap(tokens, exprTokenRe.FindAllString(strings.ToLower(e), -1)) >= 0.6 {
					return d.Fingerprint, true
				}
			}
		}
	}

	return "", false
}

// tokenOverlap returns |A∩B| / min(|A|, |B|).
func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	shared := 0
	seen := make(map[string]struct{}, len(b))
	for _, t := range b {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := set[t]; ok {
			shared++
		}
	}
	minLen := len(set)
	if len(seen) < minLen {
		minLen = len(seen)
	}
	return float64(shared) / float64(minLen)
}

// MatchFingerprint is the degraded matcher used when no KPI definitions
// are available: a case-insensitive substring check of the fingerprint
// against the raw select expressions.
func MatchFingerprint(fingerprint string, exprs []models.SelectExpr) bool {
	needle := strings.ToLower(fingerprint)
	if needle == "" {
		return false
	}
	for _, se := range exprs {
		if strings.Contains(strings.ToLower(se.Expr), needle) ||
			strings.Contains(strings.ToLower(se.Alias), needle) {
			return true
		}
	}
	return false
}
