package analysis

import (
	"sort"
	"time"

	"github.com/ekaya-inc/impact-engine/pkg/identity"
	"github.com/ekaya-inc/impact-engine/pkg/models"
)

// GraphSchemaVersion tags the wire shape of rendered impact graphs.
const GraphSchemaVersion = "1.0"

// Edge weight formula constants. Bounded and saturating: the result is
// always clamped to [0,1] regardless of inputs.
const (
	influenceBase          = 0.25
	influenceScoreWeight   = 0.60
	influenceCooccurWeight = 0.15
	cooccurSaturation      = 10.0

	groupByBase        = 0.20
	groupByScoreWeight = 0.60

	coupledBase      = 0.20
	coupledPerJoin   = 0.08
)

// GraphBuildConfig bounds graph construction.
type GraphBuildConfig struct {
	MaxNodes     int
	MaxEdges     int
	TopPaths     int
	MinJoinCount int
	TimeRange    string
}

// BuildResult bundles the rendered graph with its derived paths and the
// per-column evidence samples backing the included nodes.
type BuildResult struct {
	Graph    *models.ImpactGraph
	Paths    []models.Path
	Evidence []models.ColumnEvidence
}

// BuildGraph assembles the KPI impact graph from scored candidates.
//
// The KPI node is always added first and always survives truncation.
// Driver and dimension nodes are admitted in score-descending order until
// MaxNodes; the edge budget drops lowest-weight edges first. Both
// truncations set meta.truncated.
func BuildGraph(res *AnalysisResult, kpiName string, drivers, dimensions []models.ScoredCandidate, cfg GraphBuildConfig) BuildResult {
	graph := &models.ImpactGraph{
		Meta: models.GraphMeta{
			SchemaVersion: GraphSchemaVersion,
			TimeRange:     cfg.TimeRange,
			GeneratedAt:   time.Now().UTC(),
			Limits: models.GraphLimits{
				MaxNodes: cfg.MaxNodes,
				MaxEdges: cfg.MaxEdges,
			},
		},
	}
	if res != nil {
		graph.Meta.Explain = models.GraphExplain{
			TotalQueriesAnalyzed: res.TotalQueries,
			UsedQueries:          res.UsedQueries,
			FallbackUsed:         res.FallbackUsed,
			Mode:                 res.Mode,
		}
	}

	kpiID := identity.KPIID(kpiName)
	graph.Nodes = append(graph.Nodes, models.GraphNode{
		ID:    kpiID,
		Type:  models.NodeTypeKPI,
		Label: kpiName,
	})

	// Admit candidate nodes in score-descending order until the budget.
	candidates := mergeByScore(drivers, dimensions)
	included := make(map[string]models.ScoredCandidate)
	for _, c := range candidates {
		if cfg.MaxNodes > 0 && len(graph.Nodes) >= cfg.MaxNodes {
			graph.Meta.Truncated = true
			break
		}
		id := identity.ColumnID("", c.Table, c.Column)
		if _, dup := included[id]; dup {
			continue
		}
		included[id] = c
		nodeType := models.NodeTypeDriver
		if c.Role == models.RoleDimension {
			nodeType = models.NodeTypeDimension
		}
		graph.Nodes = append(graph.Nodes, models.GraphNode{
			ID:    id,
			Type:  nodeType,
			Label: c.ColumnKey,
			Score: c.Score,
			Properties: map[string]any{
				"breakdown":        c.Breakdown,
				"distinct_queries": c.Stats.DistinctQueries,
			},
		})
	}

	edges := buildEdges(res, kpiID, included, cfg)

	// Edge budget: keep highest-weight edges, deterministically.
	sortEdges(edges)
	if cfg.MaxEdges > 0 && len(edges) > cfg.MaxEdges {
		edges = edges[:cfg.MaxEdges]
		graph.Meta.Truncated = true
	}
	graph.Edges = edges

	paths := buildPaths(graph, kpiID, cfg.TopPaths)
	evidence := collectEvidence(res, included)

	return BuildResult{Graph: graph, Paths: paths, Evidence: evidence}
}

// buildEdges creates INFLUENCES, GROUP_BY and COUPLED edges for the
// included nodes. All weights are clamped to [0,1].
func buildEdges(res *AnalysisResult, kpiID string, included map[string]models.ScoredCandidate, cfg GraphBuildConfig) []models.GraphEdge {
	var edges []models.GraphEdge

	ids := make([]string, 0, len(included))
	for id := range included {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		c := included[id]
		if c.Role == models.RoleDimension {
			edges = append(edges, models.GraphEdge{
				Source: kpiID,
				Target: id,
				Type:   models.EdgeTypeGroupBy,
				Weight: clamp01(groupByBase + groupByScoreWeight*c.Score),
				Meta:   map[string]any{"group_by_count": c.Stats.InGroupBy},
			})
			continue
		}
		cooccur := float64(c.Stats.CooccurWithKPI) / cooccurSaturation
		if cooccur > 1 {
			cooccur = 1
		}
		edges = append(edges, models.GraphEdge{
			Source: kpiID,
			Target: id,
			Type:   models.EdgeTypeInfluences,
			Weight: clamp01(influenceBase + influenceScoreWeight*c.Score + influenceCooccurWeight*cooccur),
			Meta:   map[string]any{"cooccur_with_kpi": c.Stats.CooccurWithKPI},
		})
	}

	// COUPLED edges between driver nodes whose tables share a join edge
	// above the minimum count.
	if res != nil {
		for i, a := range ids {
			ca := included[a]
			if ca.Role != models.RoleDriver {
				continue
			}
			for _, b := range ids[i+1:] {
				cb := included[b]
				if cb.Role != models.RoleDriver || ca.Table == cb.Table {
					continue
				}
				cnt := joinEdgeCount(res.JoinEdges, ca.Table, cb.Table)
				if cnt < cfg.MinJoinCount {
					continue
				}
				edges = append(edges, models.GraphEdge{
					Source: a,
					Target: b,
					Type:   models.EdgeTypeCoupled,
					Weight: clamp01(coupledBase + coupledPerJoin*float64(cnt)),
					Meta:   map[string]any{"join_count": cnt},
				})
			}
		}
	}

	return edges
}

func joinEdgeCount(edges map[string]int, tableA, tableB string) int {
	a, b := tableA, tableB
	if a > b {
		a, b = b, a
	}
	return edges[a+"|"+b]
}

// buildPaths derives the top-K cumulative-weight paths from the KPI root.
// Every length-1 KPI→driver edge is represented before any longer path,
// so immediate neighbors are never crowded out by deep chains.
func buildPaths(graph *models.ImpactGraph, kpiID string, topK int) []models.Path {
	var direct []models.Path
	directWeight := make(map[string]float64)
	for _, e := range graph.Edges {
		if e.Source == kpiID && e.Type == models.EdgeTypeInfluences {
			direct = append(direct, models.Path{
				Nodes:  []string{kpiID, e.Target},
				Weight: e.Weight,
			})
			directWeight[e.Target] = e.Weight
		}
	}
	sortPaths(direct)

	var extended []models.Path
	for _, e := range graph.Edges {
		if e.Type != models.EdgeTypeCoupled {
			continue
		}
		if w, ok := directWeight[e.Source]; ok {
			extended = append(extended, models.Path{
				Nodes:  []string{kpiID, e.Source, e.Target},
				Weight: w + e.Weight,
			})
		}
		if w, ok := directWeight[e.Target]; ok {
			extended = append(extended, models.Path{
				Nodes:  []string{kpiID, e.Target, e.Source},
				Weight: w + e.Weight,
			})
		}
	}
	sortPaths(extended)

	paths := append(direct, extended...)
	if topK > 0 && len(paths) > topK {
		paths = paths[:topK]
	}
	return paths
}

func sortPaths(paths []models.Path) {
	sort.Slice(paths, func(i, j int) bool {
		if paths[i].Weight != paths[j].Weight {
			return paths[i].Weight > paths[j].Weight
		}
		return pathLess(paths[i].Nodes, paths[j].Nodes)
	})
}

func pathLess(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func collectEvidence(res *AnalysisResult, included map[string]models.ScoredCandidate) []models.ColumnEvidence {
	if res == nil {
		return nil
	}
	keys := make([]string, 0, len(included))
	seen := make(map[string]struct{})
	for _, c := range included {
		if _, dup := seen[c.ColumnKey]; dup {
			continue
		}
		seen[c.ColumnKey] = struct{}{}
		keys = append(keys, c.ColumnKey)
	}
	sort.Strings(keys)

	var out []models.ColumnEvidence
	for _, key := range keys {
		samples := res.Evidence[key]
		if len(samples) == 0 {
			continue
		}
		out = append(out, models.ColumnEvidence{ColumnKey: key, Samples: samples})
	}
	return out
}

// mergeByScore merges the two candidate pools into one score-descending
// admission order with the scorer's deterministic tie-break.
func mergeByScore(drivers, dimensions []models.ScoredCandidate) []models.ScoredCandidate {
	merged := make([]models.ScoredCandidate, 0, len(drivers)+len(dimensions))
	merged = append(merged, drivers...)
	merged = append(merged, dimensions...)
	sortCandidates(merged)
	return merged
}

// sortEdges orders edges weight-descending with deterministic tie-breaks.
func sortEdges(edges []models.GraphEdge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Weight != edges[j].Weight {
			return edges[i].Weight > edges[j].Weight
		}
		if edges[i].Type != edges[j].Type {
			return edges[i].Type < edges[j].Type
		}
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].Target < edges[j].Target
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
