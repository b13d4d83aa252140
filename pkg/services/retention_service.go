package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/impact-engine/pkg/database"
	"github.com/ekaya-inc/impact-engine/pkg/repositories"
)

// DefaultRetentionDays is the default retention period for query logs.
const DefaultRetentionDays = 90

// RetentionService handles cleanup of old query log data.
type RetentionService interface {
	// PruneProject removes log entries older than the retention period.
	PruneProject(ctx context.Context, projectID uuid.UUID, retentionDays int) (int64, error)

	// RunScheduler starts a background goroutine that prunes all projects
	// on the given interval. It runs immediately on startup, then repeats.
	// Cancel the context to stop the scheduler.
	RunScheduler(ctx context.Context, interval time.Duration)
}

type retentionService struct {
	db      *database.DB
	logRepo repositories.QueryLogRepository
	logger  *zap.Logger
}

// NewRetentionService creates a RetentionService.
func NewRetentionService(db *database.DB, logRepo repositories.QueryLogRepository, logger *zap.Logger) RetentionService {
	return &retentionService{
		db:      db,
		logRepo: logRepo,
		logger:  logger.Named("retention-service"),
	}
}

var _ RetentionService = (*retentionService)(nil)

func (s *retentionService) PruneProject(ctx context.Context, projectID uuid.UUID, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	scope, err := s.db.WithTenant(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire tenant scope: %w", err)
	}
	defer scope.Close()
	tenantCtx := database.SetTenantScope(ctx, scope)

	deleted, err := s.logRepo.DeleteOlderThan(tenantCtx, projectID, cutoff)
	if err != nil {
		s.logger.Error("Failed to prune query logs",
			zap.String("project_id", projectID.String()),
			zap.Error(err))
		return 0, fmt.Errorf("failed to prune query logs: %w", err)
	}

	if deleted > 0 {
		s.logger.Info("Retention cleanup completed",
			zap.String("project_id", projectID.String()),
			zap.Int("retention_days", retentionDays),
			zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

// RunScheduler starts a background loop that prunes old logs for all projects.
func (s *retentionService) RunScheduler(ctx context.Context, interval time.Duration) {
	go func() {
		s.logger.Info("Retention scheduler started",
			zap.Duration("interval", interval),
			zap.Int("default_retention_days", DefaultRetentionDays))

		s.pruneAllProjects(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Retention scheduler stopped")
				return
			case <-ticker.C:
				s.pruneAllProjects(ctx)
			}
		}
	}()
}

// pruneAllProjects lists projects from the log table itself and prunes
// each one with the default retention period.
func (s *retentionService) pruneAllProjects(ctx context.Context) {
	scope, err := s.db.WithoutTenant(ctx)
	if err != nil {
		s.logger.Error("Retention scheduler: failed to acquire connection", zap.Error(err))
		return
	}

	rows, err := scope.Conn.Query(ctx, `SELECT DISTINCT project_id FROM engine_query_logs`)
	if err != nil {
		scope.Close()
		s.logger.Error("Retention scheduler: failed to list projects", zap.Error(err))
		return
	}

	var projects []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			s.logger.Error("Retention scheduler: failed to scan project", zap.Error(err))
			continue
		}
		projects = append(projects, id)
	}
	rows.Close()
	scope.Close()

	for _, id := range projects {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.PruneProject(ctx, id, DefaultRetentionDays); err != nil {
			s.logger.Error("Retention scheduler: failed to prune project",
				zap.String("project_id", id.String()),
				zap.Error(err))
		}
	}
}
