package analysis

import (
	"sort"
	"strings"

	"github.com/ekaya-inc/impact-engine/pkg/identity"
	"github.com/ekaya-inc/impact-engine/pkg/models"
)

// maxEvidencePerColumn caps the sample queries retained per candidate.
const maxEvidencePerColumn = 10

// maxCooccurColsPerQuery caps one query's contribution to the
// co-occurrence matrix, bounding its quadratic growth.
const maxCooccurColsPerQuery = 40

// AnalyzerConfig bounds one analysis run.
type AnalyzerConfig struct {
	MaxQueries          int
	SampleRate          float64
	MaxCandidateColumns int
	// ExcludedColumns are noise column names (bare, case-insensitive)
	// skipped during candidate collection.
	ExcludedColumns []string
}

// AnalysisResult aggregates per-column usage statistics over a log window.
// Empty stats are valid: an empty window or zero KPI matches means "no
// evidence", not an error.
type AnalysisResult struct {
	// Stats maps "table.column" keys to their accumulators.
	Stats map[string]*models.CandidateStats
	// Cooccur is the column co-occurrence matrix over the same window.
	Cooccur *CooccurMatrix
	// TableFreq counts queries per referenced table.
	TableFreq map[string]int
	// JoinEdges counts undirected join edges keyed "a|b" with a < b.
	// Self-joins are excluded.
	JoinEdges map[string]int
	// Evidence holds up to maxEvidencePerColumn sample queries per column.
	Evidence map[string][]string

	TotalQueries int
	UsedQueries  int
	KPIMatches   int
	FallbackUsed bool
	// Mode records how KPI presence was determined: "mapper" or "substring".
	Mode string
}

// Analyze scans a bounded window of parsed log rows and aggregates
// per-column usage statistics and KPI co-occurrence. Rows must already be
// filtered to parse_status in (parsed, fallback) and capped/ordered
// newest-first by the caller's repository query.
//
// When mapper carries KPI definitions, select expressions are matched
// through it; otherwise KPI presence degrades to a substring match of the
// fingerprint. At most one KPI determination is made per row.
func Analyze(rows []*models.QueryLogEntry, kpiFingerprint string, mapper *KPIMapper, cfg AnalyzerConfig) *AnalysisResult {
	res := &AnalysisResult{
		Stats:     make(map[string]*models.CandidateStats),
		Cooccur:   NewCooccurMatrix(),
		TableFreq: make(map[string]int),
		JoinEdges: make(map[string]int),
		Evidence:  make(map[string][]string),
		Mode:      "substring",
	}
	if mapper != nil && len(mapper.defs) > 0 {
		res.Mode = "mapper"
	}

	res.TotalQueries = len(rows)
	if cfg.MaxQueries > 0 && len(rows) > cfg.MaxQueries {
		rows = rows[:cfg.MaxQueries]
	}
	rows = sample(rows, cfg.SampleRate)
	res.UsedQueries = len(rows)

	excluded := make(map[string]struct{}, len(cfg.ExcludedColumns))
	for _, c := range cfg.ExcludedColumns {
		excluded[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}

	// distinctTables tracks, per column key, the set of tables it was
	// qualified with across the window.
	distinctTables := make(map[string]map[string]struct{})

	for _, row := range rows {
		if row.ParseStatus == models.ParseStatusFallback {
			res.FallbackUsed = true
		}

		for _, t := range row.ParsedTables {
			res.TableFreq[strings.ToLower(t.Table)]++
		}
		for _, j := range row.ParsedJoins {
			addJoinEdge(res.JoinEdges, j)
		}

		hasKPI := rowHasKPI(row, kpiFingerprint, mapper, res.Mode)
		if hasKPI {
			res.KPIMatches++
		}

		// Collect every referenced column once per row, tagged with the
		// clauses it appeared in.
		refs := collectColumnRefs(row)
		rowCols := make([]string, 0, len(refs))
		for key, usage := range refs {
			if _, skip := excluded[usage.column]; skip {
				continue
			}
			rowCols = append(rowCols, key)

			stats, ok := res.Stats[key]
			if !ok {
				stats = &models.CandidateStats{
					ColumnKey: key,
					Table:     usage.table,
					Column:    usage.column,
				}
				res.Stats[key] = stats
				distinctTables[key] = make(map[string]struct{})
			}

			stats.Appear++
			stats.DistinctQueries++
			if usage.inSelect {
				stats.InSelect++
			}
			if usage.inFilter {
				stats.InFilter++
			}
			if usage.inGroupBy {
				stats.InGroupBy++
			}
			if usage.inJoin {
				stats.JoinDegree++
			}
			if hasKPI {
				stats.CooccurWithKPI++
			}
			distinctTables[key][usage.table] = struct{}{}

			if len(res.Evidence[key]) < maxEvidencePerColumn {
				res.Evidence[key] = append(res.Evidence[key], row.NormalizedSQL)
			}
		}

		res.Cooccur.Add(rowCols, maxCooccurColsPerQuery)
	}

	for key, tables := range distinctTables {
		res.Stats[key].DistinctTables = len(tables)
	}

	capCandidates(res, cfg.MaxCandidateColumns)
	return res
}

// sample applies uniform stride sampling after the cap. rate <= 0 or
// >= 1 keeps everything. Deterministic for a given input ordering.
func sample(rows []*models.QueryLogEntry, rate float64) []*models.QueryLogEntry {
	if rate <= 0 || rate >= 1 || len(rows) == 0 {
		return rows
	}
	keep := int(float64(len(rows)) * rate)
	if keep < 1 {
		keep = 1
	}
	stride := float64(len(rows)) / float64(keep)
	out := make([]*models.QueryLogEntry, 0, keep)
	for i := 0; i < keep; i++ {
		out = append(out, rows[int(float64(i)*stride)])
	}
	return out
}

// rowHasKPI makes the single per-row KPI presence determination.
func rowHasKPI(row *models.QueryLogEntry, fingerprint string, mapper *KPIMapper, mode string) bool {
	if mode == "mapper" {
		fp, ok := mapper.MatchSelect(row.ParsedSelect)
		return ok && fp == fingerprint
	}
	return MatchFingerprint(fingerprint, row.ParsedSelect)
}

// columnUsage tags the clauses a column appeared in within one row.
type columnUsage struct {
	table     string
	column    string
	inSelect  bool
	inFilter  bool
	inGroupBy bool
	inJoin    bool
}

// collectColumnRefs gathers every column referenced by a row, keyed by
// canonical "table.column", merging clause flags. Columns without a
// resolvable table fall back to the row's first parsed table.
func collectColumnRefs(row *models.QueryLogEntry) map[string]*columnUsage {
	refs := make(map[string]*columnUsage)

	defaultTable := ""
	if len(row.ParsedTables) > 0 {
		defaultTable = row.ParsedTables[0].Table
	}

	add := func(ref models.ColumnRef, mark func(*columnUsage)) {
		if ref.Column == "" {
			return
		}
		table := ref.Table
		if table == "" {
			table = defaultTable
		}
		if table == "" {
			return
		}
		key := identity.ColumnKey(table, ref.Column)
		u, ok := refs[key]
		if !ok {
			u = &columnUsage{
				table:  strings.ToLower(table),
				column: strings.ToLower(ref.Column),
			}
			refs[key] = u
		}
		mark(u)
	}

	for _, se := range row.ParsedSelect {
		for _, c := range se.Columns {
			add(c, func(u *columnUsage) { u.inSelect = true })
		}
	}
	for _, p := range row.ParsedPredicates {
		add(p.Column, func(u *columnUsage) { u.inFilter = true })
	}
	for _, g := range row.ParsedGroupBy {
		add(g, func(u *columnUsage) { u.inGroupBy = true })
	}
	for _, j := range row.ParsedJoins {
		add(j.LeftColumn, func(u *columnUsage) { u.inJoin = true })
		add(j.RightColumn, func(u *columnUsage) { u.inJoin = true })
	}

	return refs
}

// addJoinEdge records an undirected join edge between two tables with an
// alphabetical key. Self-joins are excluded.
func addJoinEdge(edges map[string]int, j models.JoinDesc) {
	if identity.SameTable(j.Left.Schema, j.Left.Table, j.Right.Schema, j.Right.Table) {
		return
	}
	a := strings.ToLower(j.Left.Table)
	b := strings.ToLower(j.Right.Table)
	if a == "" || b == "" {
		return
	}
	if a > b {
		a, b = b, a
	}
	edges[a+"|"+b]++
}

// capCandidates enforces the hard candidate limit: when stats exceed the
// cap, only the top-N by cooccur_with_kpi survive; ties and the drop
// order are deterministic (cooccur desc, column_key asc).
func capCandidates(res *AnalysisResult, maxCandidates int) {
	if maxCandidates <= 0 || len(res.Stats) <= maxCandidates {
		return
	}
	keys := make([]string, 0, len(res.Stats))
	for k := range res.Stats {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := res.Stats[keys[i]], res.Stats[keys[j]]
		if a.CooccurWithKPI != b.CooccurWithKPI {
			return a.CooccurWithKPI > b.CooccurWithKPI
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys[maxCandidates:] {
		delete(res.Stats, k)
		delete(res.Evidence, k)
	}
}
