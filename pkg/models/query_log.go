package models

import (
	"time"

	"github.com/google/uuid"
)

// ParseStatus classifies how well the upstream parser decomposed a query.
type ParseStatus string

const (
	// ParseStatusParsed means a full structural decomposition is available.
	ParseStatusParsed ParseStatus = "parsed"
	// ParseStatusFallback means a degraded but usable parse; consumers should
	// treat structural fields with reduced confidence.
	ParseStatusFallback ParseStatus = "fallback"
	// ParseStatusFailed means no usable structure; such rows are excluded
	// from analysis entirely.
	ParseStatusFailed ParseStatus = "failed"
)

// TableRef identifies a table referenced by a query.
type TableRef struct {
	Schema string `json:"schema,omitempty"`
	Table  string `json:"table"`
	Alias  string `json:"alias,omitempty"`
}

// ColumnRef identifies a column referenced by a query.
type ColumnRef struct {
	Schema string `json:"schema,omitempty"`
	Table  string `json:"table,omitempty"`
	Column string `json:"column"`
}

// SelectExpr is one expression in a SELECT list.
type SelectExpr struct {
	Expr    string     `json:"expr"`
	Alias   string     `json:"alias,omitempty"`
	Columns []ColumnRef `json:"columns,omitempty"`
}

// Predicate is a filter condition from WHERE/HAVING/ON clauses.
type Predicate struct {
	Column   ColumnRef `json:"column"`
	Operator string    `json:"operator,omitempty"`
}

// JoinDesc describes one join between two tables.
type JoinDesc struct {
	Left        TableRef  `json:"left"`
	Right       TableRef  `json:"right"`
	LeftColumn  ColumnRef `json:"left_column,omitempty"`
	RightColumn ColumnRef `json:"right_column,omitempty"`
}

// QueryLogEntry is one normalized, deduplicated query log row.
// Entries are immutable once stored.
type QueryLogEntry struct {
	QueryID      uuid.UUID  `json:"query_id"`
	ProjectID    uuid.UUID  `json:"project_id"`
	DatasourceID uuid.UUID  `json:"datasource_id"`
	BatchID      *uuid.UUID `json:"batch_id,omitempty"`

	RawSQL        string `json:"raw_sql"`
	NormalizedSQL string `json:"normalized_sql"`
	SQLHash       string `json:"sql_hash"`

	ExecutedAt time.Time `json:"executed_at"`
	DurationMs *int      `json:"duration_ms,omitempty"`
	UserID     *string   `json:"user_id,omitempty"`
	Source     string    `json:"source,omitempty"`

	ParseStatus ParseStatus `json:"parse_status"`

	ParsedSelect     []SelectExpr `json:"parsed_select,omitempty"`
	ParsedTables     []TableRef   `json:"parsed_tables,omitempty"`
	ParsedJoins      []JoinDesc   `json:"parsed_joins,omitempty"`
	ParsedPredicates []Predicate  `json:"parsed_predicates,omitempty"`
	ParsedGroupBy    []ColumnRef  `json:"parsed_group_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IngestBatch links a batch ingestion request to the rows it inserted.
type IngestBatch struct {
	BatchID   uuid.UUID `json:"batch_id"`
	ProjectID uuid.UUID `json:"project_id"`
	Source    string    `json:"source"`
	Inserted  int       `json:"inserted"`
	Deduped   int       `json:"deduped"`
	CreatedAt time.Time `json:"created_at"`
}
