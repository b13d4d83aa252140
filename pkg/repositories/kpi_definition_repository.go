package repositories

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/impact-engine/pkg/database"
	"github.com/ekaya-inc/impact-engine/pkg/models"
)

// KPIDefinitionRepository provides read access to the KPI definition
// catalog maintained by the upstream metadata collaborator.
type KPIDefinitionRepository interface {
	// ListByFingerprint returns definitions matching a fingerprint.
	// An empty slice means "no data"; store errors surface as errors,
	// never as silent empties.
	ListByFingerprint(ctx context.Context, fingerprint string) ([]models.KPIDefinition, error)

	// ListAll returns every definition for the current tenant.
	ListAll(ctx context.Context) ([]models.KPIDefinition, error)
}

type kpiDefinitionRepository struct{}

// NewKPIDefinitionRepository creates a KPIDefinitionRepository.
func NewKPIDefinitionRepository() KPIDefinitionRepository {
	return &kpiDefinitionRepository{}
}

var _ KPIDefinitionRepository = (*kpiDefinitionRepository)(nil)

func (r *kpiDefinitionRepository) ListByFingerprint(ctx context.Context, fingerprint string) ([]models.KPIDefinition, error) {
	return r.list(ctx, "WHERE fingerprint = $1", fingerprint)
}

func (r *kpiDefinitionRepository) ListAll(ctx context.Context) ([]models.KPIDefinition, error) {
	return r.list(ctx, "")
}

func (r *kpiDefinitionRepository) list(ctx context.Context, where string, args ...any) ([]models.KPIDefinition, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := fmt.Sprintf(`
		SELECT fingerprint, name, aliases, expressions
		FROM engine_kpi_definitions %s
		ORDER BY fingerprint, name`, where)

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list KPI definitions: %w", err)
	}
	defer rows.Close()

	var defs []models.KPIDefinition
	for rows.Next() {
		var d models.KPIDefinition
		if err := rows.Scan(&d.Fingerprint, &d.Name, &d.Aliases, &d.Expressions); err != nil {
			return nil, fmt.Errorf("failed to scan KPI definition: %w", err)
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating KPI definitions: %w", err)
	}
	return defs, nil
}
