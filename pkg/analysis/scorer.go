package analysis

import (
	"sort"
	"strings"

	"github.com/ekaya-inc/impact-engine/pkg/models"
)

// Scoring weights. These are empirically tuned parameters, not contracts;
// only their qualitative shape (which signals matter, and that time-like
// naming is penalized multiplicatively) is load-bearing.
const (
	driverUsageWeight   = 0.30
	driverFilterWeight  = 0.35
	driverCooccurWeight = 0.35

	dimensionGroupByWeight = 0.60
	dimensionCooccurWeight = 0.40

	// timeLikePenalty multiplies the score of columns whose names look
	// temporal, so created_at/order_date style columns don't trivially
	// dominate every driver ranking.
	timeLikePenalty = 0.45
)

// timeLikePatterns match column names that are almost certainly temporal.
var timeLikePatterns = []string{
	"_at", "_date", "_time", "_ts", "date", "time", "timestamp",
	"day", "week", "month", "year",
}

// ScorerConfig bounds the scoring stage.
type ScorerConfig struct {
	MinDistinctQueries int
	TopDrivers         int
	TopDimensions      int
}

// Score converts analysis statistics into ranked, explainable driver and
// dimension candidates. The two pools are disjoint: group-by-dominant
// columns become dimensions and never appear as drivers.
//
// Output is deterministic for identical input: ties break by (score desc,
// distinct_queries desc, column_key asc).
func Score(res *AnalysisResult, cfg ScorerConfig) (drivers, dimensions []models.ScoredCandidate) {
	if res == nil || len(res.Stats) == 0 {
		return nil, nil
	}

	for _, key := range sortedStatKeys(res.Stats) {
		stats := res.Stats[key]
		if stats.DistinctQueries < cfg.MinDistinctQueries {
			continue
		}

		if isGroupByDominant(stats) {
			dimensions = append(dimensions, scoreDimension(stats))
		} else {
			drivers = append(drivers, scoreDriver(stats))
		}
	}

	sortCandidates(drivers)
	sortCandidates(dimensions)

	if cfg.TopDrivers > 0 && len(drivers) > cfg.TopDrivers {
		drivers = drivers[:cfg.TopDrivers]
	}
	if cfg.TopDimensions > 0 && len(dimensions) > cfg.TopDimensions {
		dimensions = dimensions[:cfg.TopDimensions]
	}
	return drivers, dimensions
}

// isGroupByDominant reports whether a column is used primarily to slice
// rather than to explain: it appears in GROUP BY at least as often as in
// filters.
func isGroupByDominant(s *models.CandidateStats) bool {
	return s.InGroupBy > 0 && s.InGroupBy >= s.InFilter
}

func scoreDriver(s *models.CandidateStats) models.ScoredCandidate {
	usage := ratio(s.Appear, s.Appear+s.DistinctTables*2) // soft usage signal, saturating
	filterRatio := ratio(s.InFilter, s.Appear)
	cooccur := ratio(s.CooccurWithKPI, s.Appear)

	base := driverUsageWeight*usage + driverFilterWeight*filterRatio + driverCooccurWeight*cooccur

	penalty := 1.0
	if isTimeLike(s.Column) {
		penalty = timeLikePenalty
	}
	score := base * penalty

	return models.ScoredCandidate{
		ColumnKey: s.ColumnKey,
		Table:     s.Table,
		Column:    s.Column,
		Role:      models.RoleDriver,
		Score:     score,
		Breakdown: map[string]float64{
			"usage":        usage,
			"filter_ratio": filterRatio,
			"kpi_cooccur":  cooccur,
			"time_penalty": penalty,
		},
		Stats: s,
	}
}

func scoreDimension(s *models.CandidateStats) models.ScoredCandidate {
	groupByRatio := ratio(s.InGroupBy, s.Appear)
	cooccur := ratio(s.CooccurWithKPI, s.Appear)

	score := dimensionGroupByWeight*groupByRatio + dimensionCooccurWeight*cooccur

	return models.ScoredCandidate{
		ColumnKey: s.ColumnKey,
		Table:     s.Table,
		Column:    s.Column,
		Role:      models.RoleDimension,
		Score:     score,
		Breakdown: map[string]float64{
			"group_by_ratio": groupByRatio,
			"kpi_cooccur":    cooccur,
		},
		Stats: s,
	}
}

// isTimeLike reports whether a column name looks temporal.
func isTimeLike(column string) bool {
	name := strings.ToLower(column)
	for _, p := range timeLikePatterns {
		if strings.HasSuffix(name, p) || name == strings.TrimPrefix(p, "_") {
			return true
		}
	}
	return false
}

func ratio(num, den int) float64 {
	if den <= 0 {
		return 0
	}
	r := float64(num) / float64(den)
	if r > 1 {
		return 1
	}
	return r
}

func sortedStatKeys(stats map[string]*models.CandidateStats) []string {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortCandidates(cands []models.ScoredCandidate) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		di, dj := cands[i].Stats.DistinctQueries, cands[j].Stats.DistinctQueries
		if di != dj {
			return di > dj
		}
		return cands[i].ColumnKey < cands[j].ColumnKey
	})
}
