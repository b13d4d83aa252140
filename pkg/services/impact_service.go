package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ekaya-inc/impact-engine/pkg/analysis"
	"github.com/ekaya-inc/impact-engine/pkg/apperrors"
	"github.com/ekaya-inc/impact-engine/pkg/config"
	"github.com/ekaya-inc/impact-engine/pkg/database"
	"github.com/ekaya-inc/impact-engine/pkg/guard"
	"github.com/ekaya-inc/impact-engine/pkg/jobs"
	"github.com/ekaya-inc/impact-engine/pkg/metrics"
	"github.com/ekaya-inc/impact-engine/pkg/models"
	"github.com/ekaya-inc/impact-engine/pkg/repositories"
)

// pipelineTimeout bounds one detached analysis run end to end.
const pipelineTimeout = 5 * time.Minute

// kpiDefCacheSize bounds the in-process KPI definition cache.
const kpiDefCacheSize = 256

// ImpactRequest is one impact analysis request.
type ImpactRequest struct {
	DatasourceID   uuid.UUID
	KPIFingerprint string
	TimeRange      string
	Top            int
}

// ImpactResponse is the synchronous answer to an impact request: either a
// completed graph (cache hit) or a queued job to poll.
type ImpactResponse struct {
	JobID       uuid.UUID
	Status      models.JobStatus
	Graph       *models.ImpactGraph
	PollAfterMs int
}

// ImpactService orchestrates impact analysis jobs: cache-first lookup,
// dedup-aware job reservation, and the detached analyze→score→build
// pipeline.
type ImpactService interface {
	// RequestImpact validates and rate-limits the request, consults the
	// result cache, and reserves a job on miss. The request path never
	// blocks on analysis: a new job's pipeline runs as a detached
	// background task.
	RequestImpact(ctx context.Context, projectID uuid.UUID, req ImpactRequest) (*ImpactResponse, error)

	// GetJob returns the job owned by projectID.
	// Returns apperrors.ErrNotFound when absent, expired or not owned.
	GetJob(ctx context.Context, projectID, jobID uuid.UUID) (*models.ImpactJob, error)
}

type impactService struct {
	db          *database.DB
	logRepo     repositories.QueryLogRepository
	kpiRepo     repositories.KPIDefinitionRepository
	jobStore    jobs.JobStore
	resultCache jobs.ResultCache
	rateLimiter guard.RateLimiter
	cfg         *config.Config
	metrics     *metrics.Metrics
	logger      *zap.Logger

	kpiDefs *lru.Cache[string, []models.KPIDefinition]
}

// NewImpactService creates an ImpactService.
func NewImpactService(
	db *database.DB,
	logRepo repositories.QueryLogRepository,
	kpiRepo repositories.KPIDefinitionRepository,
	jobStore jobs.JobStore,
	resultCache jobs.ResultCache,
	rateLimiter guard.RateLimiter,
	cfg *config.Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) ImpactService {
	kpiDefs, _ := lru.New[string, []models.KPIDefinition](kpiDefCacheSize)
	return &impactService{
		db:          db,
		logRepo:     logRepo,
		kpiRepo:     kpiRepo,
		jobStore:    jobStore,
		resultCache: resultCache,
		rateLimiter: rateLimiter,
		cfg:         cfg,
		metrics:     m,
		logger:      logger.Named("impact-service"),
		kpiDefs:     kpiDefs,
	}
}

var _ ImpactService = (*impactService)(nil)

func (s *impactService) RequestImpact(ctx context.Context, projectID uuid.UUID, req ImpactRequest) (*ImpactResponse, error) {
	if err := validateImpactRequest(&req, s.cfg); err != nil {
		return nil, err
	}

	limiterKey := fmt.Sprintf("impact:%s", projectID)
	if err := s.rateLimiter.Check(ctx, limiterKey, s.cfg.Guard.RateLimit, s.cfg.Guard.RateWindow); err != nil {
		return nil, err
	}

	key := jobs.DedupKey{
		ProjectID:      projectID,
		DatasourceID:   req.DatasourceID,
		KPIFingerprint: req.KPIFingerprint,
		TimeRange:      req.TimeRange,
		Top:            req.Top,
	}

	// Cache-first fast path: a completed graph short-circuits the job
	// protocol entirely.
	if cached, err := s.resultCache.Get(ctx, key); err != nil {
		s.logger.Warn("Result cache read failed, falling through to job store", zap.Error(err))
	} else if cached != nil {
		s.metrics.CacheHits.Inc()
		cached.Meta.CacheHit = true
		// No job id: nothing was reserved, so there is nothing to poll.
		return &ImpactResponse{
			Status: models.JobStatusDone,
			Graph:  cached,
		}, nil
	}

	candidate := &models.ImpactJob{
		ProjectID:      projectID,
		DatasourceID:   req.DatasourceID,
		KPIFingerprint: req.KPIFingerprint,
		TimeRange:      req.TimeRange,
		Top:            req.Top,
	}

	job, isNew, err := s.jobStore.GetOrCreate(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve impact job: %w", err)
	}

	if !isNew {
		s.metrics.JobsDeduped.Inc()
		if job.Status == models.JobStatusDone && job.Result != nil {
			return &ImpactResponse{JobID: job.JobID, Status: job.Status, Graph: job.Result}, nil
		}
		return &ImpactResponse{
			JobID:       job.JobID,
			Status:      job.Status,
			PollAfterMs: s.cfg.Jobs.PollAfterMs,
		}, nil
	}

	s.metrics.JobsStarted.Inc()
	s.logger.Info("Impact job scheduled",
		zap.String("job_id", job.JobID.String()),
		zap.String("project_id", projectID.String()),
		zap.String("datasource_id", req.DatasourceID.String()),
		zap.String("time_range", req.TimeRange))

	// Detach from the request context: once scheduled, a job runs to
	// completion regardless of the caller.
	go s.runPipeline(context.Background(), job, key)

	return &ImpactResponse{
		JobID:       job.JobID,
		Status:      models.JobStatusQueued,
		PollAfterMs: s.cfg.Jobs.PollAfterMs,
	}, nil
}

func (s *impactService) GetJob(ctx context.Context, projectID, jobID uuid.UUID) (*models.ImpactJob, error) {
	job, err := s.jobStore.Get(ctx, projectID, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", jobID, apperrors.ErrNotFound)
	}
	return job, nil
}

// runPipeline is the detached analyze→score→build task. Failures are
// captured into the job's error field and surfaced only via polling; the
// request that scheduled the job has already returned.
func (s *impactService) runPipeline(ctx context.Context, job *models.ImpactJob, key jobs.DedupKey) {
	ctx, cancel := context.WithTimeout(ctx, pipelineTimeout)
	defer cancel()

	started := time.Now()
	graph, err := s.analyze(ctx, job)
	s.metrics.AnalysisDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		s.logger.Error("Impact pipeline failed",
			zap.String("job_id", job.JobID.String()),
			zap.Error(err))
		s.metrics.JobsCompleted.WithLabelValues("failed").Inc()
		if finishErr := s.jobStore.Finish(ctx, job.JobID, nil, err); finishErr != nil {
			s.logger.Error("Failed to record job failure",
				zap.String("job_id", job.JobID.String()),
				zap.Error(finishErr))
		}
		return
	}

	if err := s.resultCache.Put(ctx, key, graph); err != nil {
		// Cache writes are best-effort; the job result is authoritative.
		s.logger.Warn("Failed to cache impact graph", zap.Error(err))
	}

	if err := s.jobStore.Finish(ctx, job.JobID, graph, nil); err != nil {
		s.logger.Error("Failed to finish impact job",
			zap.String("job_id", job.JobID.String()),
			zap.Error(err))
		return
	}
	s.metrics.JobsCompleted.WithLabelValues("done").Inc()
	s.logger.Info("Impact job completed",
		zap.String("job_id", job.JobID.String()),
		zap.Duration("duration", time.Since(started)),
		zap.Int("nodes", len(graph.Nodes)),
		zap.Int("edges", len(graph.Edges)))
}

func (s *impactService) analyze(ctx context.Context, job *models.ImpactJob) (*models.ImpactGraph, error) {
	running := models.JobStatusRunning
	progress := 10
	if err := s.jobStore.Update(ctx, job.JobID, &running, &progress); err != nil {
		return nil, fmt.Errorf("failed to mark job running: %w", err)
	}

	scope, err := s.db.WithTenant(ctx, job.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to acquire tenant scope: %v", apperrors.ErrStoreUnavailable, err)
	}
	defer scope.Close()
	tenantCtx := database.SetTenantScope(ctx, scope)

	defs, err := s.kpiDefinitions(tenantCtx, job.ProjectID, job.KPIFingerprint)
	if err != nil {
		return nil, err
	}
	var mapper *analysis.KPIMapper
	if len(defs) > 0 {
		mapper = analysis.NewKPIMapper(defs)
	}

	duration := config.AllowedTimeRanges[job.TimeRange]
	until := time.Now().UTC()
	window := repositories.QueryLogWindow{
		Since: until.Add(-duration),
		Until: until,
		Limit: s.cfg.Analysis.MaxQueries,
	}
	if job.DatasourceID != uuid.Nil {
		ds := job.DatasourceID
		window.DatasourceID = &ds
	}

	rows, err := s.logRepo.ListWindow(tenantCtx, job.ProjectID, window)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read log window: %v", apperrors.ErrStoreUnavailable, err)
	}

	progress = 50
	if err := s.jobStore.Update(ctx, job.JobID, nil, &progress); err != nil {
		s.logger.Warn("Failed to update job progress", zap.Error(err))
	}

	result := analysis.Analyze(rows, job.KPIFingerprint, mapper, analysis.AnalyzerConfig{
		MaxQueries:          s.cfg.Analysis.MaxQueries,
		SampleRate:          s.cfg.Analysis.SampleRate,
		MaxCandidateColumns: s.cfg.Analysis.MaxCandidateColumns,
		ExcludedColumns:     s.cfg.Analysis.ExcludedColumns,
	})

	topDrivers := s.cfg.Analysis.TopDrivers
	if job.Top > 0 {
		topDrivers = job.Top
	}
	drivers, dimensions := analysis.Score(result, analysis.ScorerConfig{
		MinDistinctQueries: s.cfg.Analysis.MinDistinctQueries,
		TopDrivers:         topDrivers,
		TopDimensions:      s.cfg.Analysis.TopDimensions,
	})

	progress = 80
	if err := s.jobStore.Update(ctx, job.JobID, nil, &progress); err != nil {
		s.logger.Warn("Failed to update job progress", zap.Error(err))
	}

	build := analysis.BuildGraph(result, job.KPIFingerprint, drivers, dimensions, analysis.GraphBuildConfig{
		MaxNodes:     s.cfg.Graph.MaxNodes,
		MaxEdges:     s.cfg.Graph.MaxEdges,
		TopPaths:     s.cfg.Graph.TopPaths,
		MinJoinCount: s.cfg.Analysis.MinJoinCount,
		TimeRange:    job.TimeRange,
	})

	graph := build.Graph
	graph.Meta.Explain.Mode = result.Mode
	return graph, nil
}

// kpiDefinitions loads KPI definitions through the in-process LRU cache.
// "No definitions" is valid data (the analyzer degrades to substring
// matching); a store error is not.
func (s *impactService) kpiDefinitions(ctx context.Context, projectID uuid.UUID, fingerprint string) ([]models.KPIDefinition, error) {
	cacheKey := projectID.String() + ":" + fingerprint
	if defs, ok := s.kpiDefs.Get(cacheKey); ok {
		return defs, nil
	}
	defs, err := s.kpiRepo.ListByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load KPI definitions: %v", apperrors.ErrStoreUnavailable, err)
	}
	s.kpiDefs.Add(cacheKey, defs)
	return defs, nil
}

func validateImpactRequest(req *ImpactRequest, cfg *config.Config) error {
	if req.DatasourceID == uuid.Nil {
		return apperrors.NewValidationError("datasource_id", "must be provided")
	}
	if req.KPIFingerprint == "" {
		return apperrors.NewValidationError("kpi_fingerprint", "must not be empty")
	}
	if _, ok := config.AllowedTimeRanges[req.TimeRange]; !ok {
		return apperrors.NewValidationError("time_range", "must be one of 7d, 30d, 90d")
	}
	if req.Top < 0 {
		return apperrors.NewValidationError("top", "must be non-negative")
	}
	if req.Top == 0 {
		req.Top = cfg.Analysis.TopDrivers
	}
	return nil
}
