package models

import "time"

// CandidateRole classifies a scored column's relationship to the KPI.
type CandidateRole string

const (
	RoleDriver    CandidateRole = "DRIVER"
	RoleDimension CandidateRole = "DIMENSION"
)

// CandidateStats is the per-column usage accumulator for one analysis run.
// Keys are canonical "table.column" strings. Ephemeral.
type CandidateStats struct {
	ColumnKey string `json:"column_key"`
	Table     string `json:"table"`
	Column    string `json:"column"`

	Appear         int `json:"appear"`
	InSelect       int `json:"in_select"`
	InFilter       int `json:"in_filter"`
	InGroupBy      int `json:"in_group_by"`
	JoinDegree     int `json:"join_degree"`
	CooccurWithKPI int `json:"cooccur_with_kpi"`

	DistinctQueries int `json:"distinct_queries"`
	DistinctTables  int `json:"distinct_tables"`
}

// ScoredCandidate is a ranked, explainable column score. Derived, ephemeral.
type ScoredCandidate struct {
	ColumnKey string        `json:"column_key"`
	Table     string        `json:"table"`
	Column    string        `json:"column"`
	Role      CandidateRole `json:"role"`
	Score     float64       `json:"score"`
	// Breakdown carries the named score components that produced Score.
	Breakdown map[string]float64 `json:"breakdown"`

	Stats *CandidateStats `json:"-"`
}

// Graph node and edge types.
const (
	NodeTypeKPI       = "KPI"
	NodeTypeDriver    = "DRIVER"
	NodeTypeDimension = "DIMENSION"
	NodeTypeTable     = "TABLE"
	NodeTypeColumn    = "COLUMN"
	NodeTypePredicate = "PREDICATE"

	EdgeTypeInfluences = "INFLUENCES"
	EdgeTypeCoupled    = "COUPLED"
	EdgeTypeGroupBy    = "GROUP_BY"
	EdgeTypeContains   = "CONTAINS"
	EdgeTypeFilters    = "FILTERS"
)

// GraphNode is one node of an impact graph.
type GraphNode struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Label      string         `json:"label"`
	Score      float64        `json:"score,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// GraphEdge is one weighted edge of an impact graph. Weight is always in [0,1].
type GraphEdge struct {
	Source string         `json:"source"`
	Target string         `json:"target"`
	Type   string         `json:"type"`
	Weight float64        `json:"weight"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// GraphExplain records how the analysis arrived at the graph.
type GraphExplain struct {
	TotalQueriesAnalyzed int    `json:"total_queries_analyzed"`
	UsedQueries          int    `json:"used_queries"`
	FallbackUsed         bool   `json:"fallback_used"`
	Mode                 string `json:"mode"`
}

// GraphLimits records the budgets that were applied during construction.
type GraphLimits struct {
	MaxNodes int `json:"max_nodes"`
	MaxEdges int `json:"max_edges"`
}

// GraphMeta carries graph-level metadata.
type GraphMeta struct {
	SchemaVersion string       `json:"schema_version"`
	TimeRange     string       `json:"time_range"`
	GeneratedAt   time.Time    `json:"generated_at"`
	CacheHit      bool         `json:"cache_hit"`
	Truncated     bool         `json:"truncated"`
	Limits        GraphLimits  `json:"limits"`
	Explain       GraphExplain `json:"explain"`
}

// ImpactGraph is the rendered KPI impact graph.
// Invariants: exactly one KPI node; edge weights clamped to [0,1];
// node/edge counts within the configured limits.
type ImpactGraph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
	Meta  GraphMeta   `json:"meta"`
}

// Path is a node-id sequence from the KPI root with its cumulative
// (additive) weight. Derived, not persisted.
type Path struct {
	Nodes  []string `json:"nodes"`
	Weight float64  `json:"weight"`
}

// ColumnEvidence holds sample queries supporting one column's score.
type ColumnEvidence struct {
	ColumnKey string   `json:"column_key"`
	Samples   []string `json:"samples"`
}
