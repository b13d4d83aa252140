package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/impact-engine/pkg/database"
	"github.com/ekaya-inc/impact-engine/pkg/models"
)

// IngestBatchRepository records batch ingestion requests and links them
// to the rows they inserted.
type IngestBatchRepository interface {
	Create(ctx context.Context, batch *models.IngestBatch) error
	UpdateCounts(ctx context.Context, batchID uuid.UUID, inserted, deduped int) error
}

type ingestBatchRepository struct{}

// NewIngestBatchRepository creates an IngestBatchRepository.
func NewIngestBatchRepository() IngestBatchRepository {
	return &ingestBatchRepository{}
}

var _ IngestBatchRepository = (*ingestBatchRepository)(nil)

func (r *ingestBatchRepository) Create(ctx context.Context, batch *models.IngestBatch) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	if batch.BatchID == uuid.Nil {
		batch.BatchID = uuid.New()
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO engine_ingest_batches (batch_id, project_id, source, inserted, deduped, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := scope.Conn.Exec(ctx, query,
		batch.BatchID, batch.ProjectID, batch.Source, batch.Inserted, batch.Deduped, batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create ingest batch: %w", err)
	}
	return nil
}

func (r *ingestBatchRepository) UpdateCounts(ctx context.Context, batchID uuid.UUID, inserted, deduped int) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	query := `UPDATE engine_ingest_batches SET inserted = $1, deduped = $2 WHERE batch_id = $3`
	tag, err := scope.Conn.Exec(ctx, query, inserted, deduped, batchID)
	if err != nil {
		return fmt.Errorf("failed to update ingest batch counts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ingest batch not found")
	}
	return nil
}
