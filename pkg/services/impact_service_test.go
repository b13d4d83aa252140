package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/impact-engine/pkg/apperrors"
	"github.com/ekaya-inc/impact-engine/pkg/config"
	"github.com/ekaya-inc/impact-engine/pkg/guard"
	"github.com/ekaya-inc/impact-engine/pkg/jobs"
	"github.com/ekaya-inc/impact-engine/pkg/metrics"
	"github.com/ekaya-inc/impact-engine/pkg/models"
)

func testConfig() *config.Config {
	return &config.Config{
		Analysis: config.AnalysisConfig{
			MaxQueries:         5000,
			SampleRate:         1.0,
			MinDistinctQueries: 2,
			TopDrivers:         10,
			TopDimensions:      8,
			MinJoinCount:       2,
		},
		Graph: config.GraphConfig{MaxNodes: 30, MaxEdges: 60, TopPaths: 5},
		Jobs:  config.JobsConfig{JobTTL: time.Hour, CacheTTL: 15 * time.Minute, PollAfterMs: 1500},
		Guard: config.GuardConfig{RateLimit: 60, RateWindow: time.Minute, IdempotencyTTL: 24 * time.Hour},
	}
}

type impactFixture struct {
	svc   *impactService
	store *jobs.MemoryJobStore
	cache *jobs.MemoryResultCache
	cfg   *config.Config
}

func newImpactFixture(t *testing.T) *impactFixture {
	t.Helper()
	cfg := testConfig()
	store := jobs.NewMemoryJobStore(cfg.Jobs.JobTTL)
	cache := jobs.NewMemoryResultCache(cfg.Jobs.CacheTTL)

	svc := NewImpactService(nil, nil, nil, store, cache, guard.NewLocalRateLimiter(), cfg, metrics.New(), zap.NewNop()).(*impactService)
	return &impactFixture{svc: svc, store: store, cache: cache, cfg: cfg}
}

func validRequest() ImpactRequest {
	return ImpactRequest{
		DatasourceID:   uuid.New(),
		KPIFingerprint: "fp-revenue",
		TimeRange:      "30d",
	}
}

func TestRequestImpact_Validation(t *testing.T) {
	f := newImpactFixture(t)
	ctx := context.Background()
	projectID := uuid.New()

	tests := []struct {
		name   string
		mutate func(*ImpactRequest)
	}{
		{"missing datasource", func(r *ImpactRequest) { r.DatasourceID = uuid.Nil }},
		{"empty fingerprint", func(r *ImpactRequest) { r.KPIFingerprint = "" }},
		{"unknown time range", func(r *ImpactRequest) { r.TimeRange = "14d" }},
		{"negative top", func(r *ImpactRequest) { r.Top = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)

			_, err := f.svc.RequestImpact(ctx, projectID, req)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
		})
	}
}

func TestRequestImpact_RateLimited(t *testing.T) {
	f := newImpactFixture(t)
	f.cfg.Guard.RateLimit = 1
	ctx := context.Background()
	projectID := uuid.New()

	// Occupy the single slot with a request that joins an existing job.
	req := validRequest()
	seedJob(t, f, projectID, req)
	_, err := f.svc.RequestImpact(ctx, projectID, req)
	require.NoError(t, err)

	_, err = f.svc.RequestImpact(ctx, projectID, req)
	require.Error(t, err)
	var rl *apperrors.RateLimitedError
	assert.True(t, errors.As(err, &rl))
}

// seedJob reserves a live job for the request's dedup tuple so that
// RequestImpact joins it instead of scheduling a pipeline.
func seedJob(t *testing.T, f *impactFixture, projectID uuid.UUID, req ImpactRequest) *models.ImpactJob {
	t.Helper()
	top := req.Top
	if top == 0 {
		top = f.cfg.Analysis.TopDrivers
	}
	job, isNew, err := f.store.GetOrCreate(context.Background(), &models.ImpactJob{
		ProjectID:      projectID,
		DatasourceID:   req.DatasourceID,
		KPIFingerprint: req.KPIFingerprint,
		TimeRange:      req.TimeRange,
		Top:            top,
	})
	require.NoError(t, err)
	require.True(t, isNew)
	return job
}

func TestRequestImpact_CacheHit(t *testing.T) {
	f := newImpactFixture(t)
	ctx := context.Background()
	projectID := uuid.New()
	req := validRequest()

	graph := &models.ImpactGraph{Meta: models.GraphMeta{SchemaVersion: "1.0", TimeRange: "30d"}}
	key := jobs.DedupKey{
		ProjectID:      projectID,
		DatasourceID:   req.DatasourceID,
		KPIFingerprint: req.KPIFingerprint,
		TimeRange:      req.TimeRange,
		Top:            f.cfg.Analysis.TopDrivers,
	}
	require.NoError(t, f.cache.Put(ctx, key, graph))

	resp, err := f.svc.RequestImpact(ctx, projectID, req)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, resp.Status)
	require.NotNil(t, resp.Graph)
	assert.True(t, resp.Graph.Meta.CacheHit, "served graphs are flagged as cache hits")
	assert.Equal(t, uuid.Nil, resp.JobID, "no job exists to poll on a cache hit")
}

func TestRequestImpact_JoinsLiveJob(t *testing.T) {
	f := newImpactFixture(t)
	ctx := context.Background()
	projectID := uuid.New()
	req := validRequest()

	existing := seedJob(t, f, projectID, req)

	resp, err := f.svc.RequestImpact(ctx, projectID, req)
	require.NoError(t, err)
	assert.Equal(t, existing.JobID, resp.JobID, "identical tuple joins the live job")
	assert.Equal(t, models.JobStatusQueued, resp.Status)
	assert.Equal(t, f.cfg.Jobs.PollAfterMs, resp.PollAfterMs)
	assert.Nil(t, resp.Graph)
}

func TestRequestImpact_DoneJobReturnsGraph(t *testing.T) {
	f := newImpactFixture(t)
	ctx := context.Background()
	projectID := uuid.New()
	req := validRequest()

	existing := seedJob(t, f, projectID, req)
	require.NoError(t, f.store.Finish(ctx, existing.JobID, &models.ImpactGraph{Meta: models.GraphMeta{SchemaVersion: "1.0"}}, nil))

	resp, err := f.svc.RequestImpact(ctx, projectID, req)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, resp.Status)
	assert.NotNil(t, resp.Graph)
}

func TestRequestImpact_TopDistinguishesJobs(t *testing.T) {
	f := newImpactFixture(t)
	ctx := context.Background()
	projectID := uuid.New()

	req := validRequest()
	existing := seedJob(t, f, projectID, req)

	other := req
	other.Top = 3
	otherJob := seedJob(t, f, projectID, other)
	require.NotEqual(t, existing.JobID, otherJob.JobID, "a different top is a different job")

	resp, err := f.svc.RequestImpact(ctx, projectID, other)
	require.NoError(t, err)
	assert.Equal(t, otherJob.JobID, resp.JobID)
}

func TestGetJob(t *testing.T) {
	f := newImpactFixture(t)
	ctx := context.Background()
	projectID := uuid.New()

	job := seedJob(t, f, projectID, validRequest())

	got, err := f.svc.GetJob(ctx, projectID, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, got.JobID)
}

func TestGetJob_NotFound(t *testing.T) {
	f := newImpactFixture(t)
	ctx := context.Background()

	_, err := f.svc.GetJob(ctx, uuid.New(), uuid.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestGetJob_CrossTenantLooksNotFound(t *testing.T) {
	f := newImpactFixture(t)
	ctx := context.Background()

	job := seedJob(t, f, uuid.New(), validRequest())

	_, err := f.svc.GetJob(ctx, uuid.New(), job.JobID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}
