package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/impact-engine/pkg/config"
	"github.com/ekaya-inc/impact-engine/pkg/database"
	"github.com/ekaya-inc/impact-engine/pkg/logging"
	"github.com/ekaya-inc/impact-engine/pkg/metrics"
	"github.com/ekaya-inc/impact-engine/pkg/models"
	"github.com/ekaya-inc/impact-engine/pkg/repositories"
	"github.com/ekaya-inc/impact-engine/pkg/sqlnorm"
	"github.com/ekaya-inc/impact-engine/pkg/sqlparse"
)

// SQLParser is the upstream parser boundary: it hands the engine
// already-decomposed query structure. The built-in sqlparse implementation
// is used when no richer parser is injected.
type SQLParser interface {
	Parse(sql string) sqlparse.Result
}

// DefaultParser adapts pkg/sqlparse to the SQLParser boundary.
type DefaultParser struct{}

func (DefaultParser) Parse(sql string) sqlparse.Result {
	return sqlparse.Parse(sql)
}

// LogInput is one raw query log row submitted for ingestion.
type LogInput struct {
	RawSQL       string
	DatasourceID uuid.UUID
	ExecutedAt   *time.Time
	DurationMs   *int
	UserID       *string
	RequestID    string
}

// IngestResult summarizes one ingestion call.
type IngestResult struct {
	Inserted int
	Deduped  int
	BatchID  *uuid.UUID
}

// IngestService normalizes, deduplicates and persists query logs.
type IngestService interface {
	// Ingest processes realtime log rows. Oversized or duplicate rows are
	// counted as deduped, never stored and never per-row errors.
	Ingest(ctx context.Context, projectID uuid.UUID, inputs []LogInput) (*IngestResult, error)

	// IngestBatch processes a labelled batch: a batch record is created
	// first, and inserted rows carry the batch linkage.
	IngestBatch(ctx context.Context, projectID uuid.UUID, source string, inputs []LogInput) (*IngestResult, error)
}

type ingestService struct {
	db        *database.DB
	logRepo   repositories.QueryLogRepository
	batchRepo repositories.IngestBatchRepository
	parser    SQLParser
	cfg       *config.IngestConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewIngestService creates an IngestService.
func NewIngestService(
	db *database.DB,
	logRepo repositories.QueryLogRepository,
	batchRepo repositories.IngestBatchRepository,
	parser SQLParser,
	cfg *config.IngestConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) IngestService {
	return &ingestService{
		db:        db,
		logRepo:   logRepo,
		batchRepo: batchRepo,
		parser:    parser,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.Named("ingest-service"),
	}
}

var _ IngestService = (*ingestService)(nil)

func (s *ingestService) Ingest(ctx context.Context, projectID uuid.UUID, inputs []LogInput) (*IngestResult, error) {
	return s.ingest(ctx, projectID, "realtime", nil, inputs)
}

func (s *ingestService) IngestBatch(ctx context.Context, projectID uuid.UUID, source string, inputs []LogInput) (*IngestResult, error) {
	scope, err := s.db.WithTenant(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire tenant scope: %w", err)
	}
	defer scope.Close()
	tenantCtx := database.SetTenantScope(ctx, scope)

	batch := &models.IngestBatch{ProjectID: projectID, Source: source}
	if err := s.batchRepo.Create(tenantCtx, batch); err != nil {
		return nil, fmt.Errorf("failed to create ingest batch: %w", err)
	}

	result, err := s.insertAll(tenantCtx, projectID, source, &batch.BatchID, inputs)
	if err != nil {
		return nil, err
	}
	result.BatchID = &batch.BatchID

	if err := s.batchRepo.UpdateCounts(tenantCtx, batch.BatchID, result.Inserted, result.Deduped); err != nil {
		return nil, fmt.Errorf("failed to update batch counts: %w", err)
	}
	return result, nil
}

func (s *ingestService) ingest(ctx context.Context, projectID uuid.UUID, source string, batchID *uuid.UUID, inputs []LogInput) (*IngestResult, error) {
	scope, err := s.db.WithTenant(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire tenant scope: %w", err)
	}
	defer scope.Close()
	tenantCtx := database.SetTenantScope(ctx, scope)

	return s.insertAll(tenantCtx, projectID, source, batchID, inputs)
}

// insertAll runs the normalize/dedupe/upsert pipeline for every input.
// Oversized rows are dropped silently (counted, not errored) to keep
// batch ingestion non-blocking.
func (s *ingestService) insertAll(ctx context.Context, projectID uuid.UUID, source string, batchID *uuid.UUID, inputs []LogInput) (*IngestResult, error) {
	result := &IngestResult{}

	for _, in := range inputs {
		if err := sqlnorm.CheckSize(in.RawSQL, s.cfg.MaxSQLBytes); err != nil {
			s.logger.Debug("Dropping oversized log row",
				zap.String("project_id", projectID.String()),
				zap.Int("size", len(in.RawSQL)),
				zap.String("preview", logging.QueryPreview(in.RawSQL, 120)))
			result.Deduped++
			continue
		}

		normalized := sqlnorm.Normalize(in.RawSQL)
		executedAt := time.Now().UTC()
		if in.ExecutedAt != nil {
			executedAt = in.ExecutedAt.UTC()
		}

		// Realtime rows carry a correlation id; batch rows fall back to
		// the execution timestamp for identity.
		var hash string
		if in.RequestID != "" {
			hash = sqlnorm.RealtimeHash(normalized, projectID, in.DatasourceID, in.RequestID)
		} else {
			hash = sqlnorm.BatchHash(normalized, projectID, in.DatasourceID, executedAt)
		}

		parsed := s.parser.Parse(in.RawSQL)

		entry := &models.QueryLogEntry{
			ProjectID:        projectID,
			DatasourceID:     in.DatasourceID,
			BatchID:          batchID,
			RawSQL:           in.RawSQL,
			NormalizedSQL:    normalized,
			SQLHash:          hash,
			ExecutedAt:       executedAt,
			DurationMs:       in.DurationMs,
			UserID:           in.UserID,
			Source:           source,
			ParseStatus:      parsed.Status,
			ParsedSelect:     parsed.Select,
			ParsedTables:     parsed.Tables,
			ParsedJoins:      parsed.Joins,
			ParsedPredicates: parsed.Predicates,
			ParsedGroupBy:    parsed.GroupBy,
		}

		inserted, err := s.logRepo.Upsert(ctx, entry)
		if err != nil {
			return nil, fmt.Errorf("failed to ingest log row: %w", err)
		}
		if inserted {
			result.Inserted++
			s.metrics.LogsIngested.WithLabelValues(source).Inc()
		} else {
			result.Deduped++
			s.metrics.LogsDeduped.WithLabelValues(source).Inc()
		}
	}

	return result, nil
}
