package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/impact-engine/pkg/database"
	"github.com/ekaya-inc/impact-engine/pkg/models"
)

// queryIDNamespace derives deterministic query ids from content-identity
// hashes, so the upsert's conflict target (project_id, query_id) carries
// the dedup semantics.
var queryIDNamespace = uuid.MustParse("8f1d9a52-1f6e-4d0b-9f52-6a4f3f9e2c71")

// QueryIDForHash returns the stable query id for a content-identity hash.
func QueryIDForHash(sqlHash string) uuid.UUID {
	return uuid.NewSHA1(queryIDNamespace, []byte(sqlHash))
}

// QueryLogWindow bounds a windowed log read. Reads are always capped by
// Limit; unbounded scans are disallowed.
type QueryLogWindow struct {
	DatasourceID *uuid.UUID
	Since        time.Time
	Until        time.Time
	Limit        int
}

// QueryLogRepository provides data access for normalized query logs.
type QueryLogRepository interface {
	// Upsert inserts an entry if its (project_id, query_id) identity is
	// new. Returns true when a row was inserted, false on dedup.
	Upsert(ctx context.Context, entry *models.QueryLogEntry) (bool, error)

	// ListWindow returns at most window.Limit newest rows with
	// parse_status in (parsed, fallback). Failed-parse rows never
	// surface to analysis.
	ListWindow(ctx context.Context, projectID uuid.UUID, window QueryLogWindow) ([]*models.QueryLogEntry, error)

	// CountWindow returns the total parsed/fallback rows in the window,
	// ignoring the limit.
	CountWindow(ctx context.Context, projectID uuid.UUID, window QueryLogWindow) (int, error)

	// DeleteOlderThan prunes entries past the retention cutoff.
	DeleteOlderThan(ctx context.Context, projectID uuid.UUID, cutoff time.Time) (int64, error)
}

type queryLogRepository struct{}

// NewQueryLogRepository creates a QueryLogRepository.
func NewQueryLogRepository() QueryLogRepository {
	return &queryLogRepository{}
}

var _ QueryLogRepository = (*queryLogRepository)(nil)

func (r *queryLogRepository) Upsert(ctx context.Context, entry *models.QueryLogEntry) (bool, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return false, fmt.Errorf("no tenant scope in context")
	}

	if entry.QueryID == uuid.Nil {
		entry.QueryID = QueryIDForHash(entry.SQLHash)
	}

	selectJSON, err := json.Marshal(entry.ParsedSelect)
	if err != nil {
		return false, fmt.Errorf("failed to marshal parsed_select: %w", err)
	}
	tablesJSON, err := json.Marshal(entry.ParsedTables)
	if err != nil {
		return false, fmt.Errorf("failed to marshal parsed_tables: %w", err)
	}
	joinsJSON, err := json.Marshal(entry.ParsedJoins)
	if err != nil {
		return false, fmt.Errorf("failed to marshal parsed_joins: %w", err)
	}
	predicatesJSON, err := json.Marshal(entry.ParsedPredicates)
	if err != nil {
		return false, fmt.Errorf("failed to marshal parsed_predicates: %w", err)
	}
	groupByJSON, err := json.Marshal(entry.ParsedGroupBy)
	if err != nil {
		return false, fmt.Errorf("failed to marshal parsed_group_by: %w", err)
	}

	query := `
		INSERT INTO engine_query_logs (
			query_id, project_id, datasource_id, batch_id,
			raw_sql, normalized_sql, sql_hash,
			executed_at, duration_ms, user_id, source, parse_status,
			parsed_select, parsed_tables, parsed_joins, parsed_predicates, parsed_group_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (project_id, query_id) DO NOTHING`

	tag, err := scope.Conn.Exec(ctx, query,
		entry.QueryID,
		entry.ProjectID,
		entry.DatasourceID,
		entry.BatchID,
		entry.RawSQL,
		entry.NormalizedSQL,
		entry.SQLHash,
		entry.ExecutedAt,
		entry.DurationMs,
		entry.UserID,
		entry.Source,
		string(entry.ParseStatus),
		selectJSON,
		tablesJSON,
		joinsJSON,
		predicatesJSON,
		groupByJSON,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert query log entry: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (r *queryLogRepository) ListWindow(ctx context.Context, projectID uuid.UUID, window QueryLogWindow) ([]*models.QueryLogEntry, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	limit := window.Limit
	if limit <= 0 {
		return nil, fmt.Errorf("window limit must be positive")
	}

	where, args := windowConditions(projectID, window)
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT query_id, project_id, datasource_id, batch_id,
		       raw_sql, normalized_sql, sql_hash,
		       executed_at, duration_ms, user_id, source, parse_status,
		       parsed_select, parsed_tables, parsed_joins, parsed_predicates, parsed_group_by,
		       created_at
		FROM engine_query_logs
		WHERE %s
		ORDER BY executed_at DESC
		LIMIT $%d`, where, len(args))

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list query log window: %w", err)
	}
	defer rows.Close()

	var entries []*models.QueryLogEntry
	for rows.Next() {
		var entry models.QueryLogEntry
		var parseStatus string
		var selectJSON, tablesJSON, joinsJSON, predicatesJSON, groupByJSON []byte

		err := rows.Scan(
			&entry.QueryID,
			&entry.ProjectID,
			&entry.DatasourceID,
			&entry.BatchID,
			&entry.RawSQL,
			&entry.NormalizedSQL,
			&entry.SQLHash,
			&entry.ExecutedAt,
			&entry.DurationMs,
			&entry.UserID,
			&entry.Source,
			&parseStatus,
			&selectJSON,
			&tablesJSON,
			&joinsJSON,
			&predicatesJSON,
			&groupByJSON,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan query log entry: %w", err)
		}

		entry.ParseStatus = models.ParseStatus(parseStatus)
		if err := unmarshalParsed(selectJSON, &entry.ParsedSelect); err != nil {
			return nil, err
		}
		if err := unmarshalParsed(tablesJSON, &entry.ParsedTables); err != nil {
			return nil, err
		}
		if err := unmarshalParsed(joinsJSON, &entry.ParsedJoins); err != nil {
			return nil, err
		}
		if err := unmarshalParsed(predicatesJSON, &entry.ParsedPredicates); err != nil {
			return nil, err
		}
		if err := unmarshalParsed(groupByJSON, &entry.ParsedGroupBy); err != nil {
			return nil, err
		}

		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating query log entries: %w", err)
	}
	return entries, nil
}

func (r *queryLogRepository) CountWindow(ctx context.Context, projectID uuid.UUID, window QueryLogWindow) (int, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no tenant scope in context")
	}

	where, args := windowConditions(projectID, window)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM engine_query_logs WHERE %s`, where)

	var total int
	if err := scope.Conn.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count query log window: %w", err)
	}
	return total, nil
}

func (r *queryLogRepository) DeleteOlderThan(ctx context.Context, projectID uuid.UUID, cutoff time.Time) (int64, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no tenant scope in context")
	}

	query := `DELETE FROM engine_query_logs WHERE project_id = $1 AND executed_at < $2`
	tag, err := scope.Conn.Exec(ctx, query, projectID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old query log entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func windowConditions(projectID uuid.UUID, window QueryLogWindow) (string, []any) {
	conditions := []string{
		"project_id = $1",
		"parse_status IN ('parsed', 'fallback')",
		"executed_at >= $2",
		"executed_at < $3",
	}
	args := []any{projectID, window.Since, window.Until}

	if window.DatasourceID != nil {
		conditions = append(conditions, fmt.Sprintf("datasource_id = $%d", len(args)+1))
		args = append(args, *window.DatasourceID)
	}
	return strings.Join(conditions, " AND "), args
}

func unmarshalParsed[T any](raw []byte, dst *T) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to unmarshal parsed structure: %w", err)
	}
	return nil
}
