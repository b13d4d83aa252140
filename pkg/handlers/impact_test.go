package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/impact-engine/pkg/apperrors"
	"github.com/ekaya-inc/impact-engine/pkg/models"
	"github.com/ekaya-inc/impact-engine/pkg/services"
)

type mockImpactService struct {
	requestFn func(ctx context.Context, projectID uuid.UUID, req services.ImpactRequest) (*services.ImpactResponse, error)
	getJobFn  func(ctx context.Context, projectID, jobID uuid.UUID) (*models.ImpactJob, error)
}

func (m *mockImpactService) RequestImpact(ctx context.Context, projectID uuid.UUID, req services.ImpactRequest) (*services.ImpactResponse, error) {
	return m.requestFn(ctx, projectID, req)
}

func (m *mockImpactService) GetJob(ctx context.Context, projectID, jobID uuid.UUID) (*models.ImpactJob, error) {
	return m.getJobFn(ctx, projectID, jobID)
}

type mockQueryGraphService struct {
	buildFn func(sql, datasource string) (*models.ImpactGraph, error)
}

func (m *mockQueryGraphService) BuildQueryGraph(sql, datasource string) (*models.ImpactGraph, error) {
	return m.buildFn(sql, datasource)
}

func newImpactMux(impactSvc services.ImpactService, graphSvc services.QueryGraphService) *http.ServeMux {
	mux := http.NewServeMux()
	NewImpactHandler(impactSvc, graphSvc, zap.NewNop()).RegisterRoutes(mux)
	return mux
}

func analyzeBody(t *testing.T, datasourceID uuid.UUID) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(AnalyzeRequest{
		DatasourceID:   datasourceID.String(),
		KPIFingerprint: "fp-revenue",
		TimeRange:      "30d",
	})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func TestAnalyze_QueuedJob(t *testing.T) {
	jobID := uuid.New()
	svc := &mockImpactService{
		requestFn: func(ctx context.Context, projectID uuid.UUID, req services.ImpactRequest) (*services.ImpactResponse, error) {
			assert.Equal(t, "fp-revenue", req.KPIFingerprint)
			return &services.ImpactResponse{JobID: jobID, Status: models.JobStatusQueued, PollAfterMs: 1500}, nil
		},
	}
	mux := newImpactMux(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/impact/analyze", analyzeBody(t, uuid.New()))
	req.Header.Set("X-Project-ID", uuid.NewString())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp AnalyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, jobID.String(), resp.JobID)
	assert.Equal(t, models.JobStatusQueued, resp.Status)
	assert.Equal(t, "/api/impact/jobs/"+jobID.String(), resp.PollURL)
	assert.Equal(t, 1500, resp.PollAfterMs)
	assert.Nil(t, resp.Graph)
}

func TestAnalyze_CacheHitReturnsGraph(t *testing.T) {
	svc := &mockImpactService{
		requestFn: func(ctx context.Context, projectID uuid.UUID, req services.ImpactRequest) (*services.ImpactResponse, error) {
			return &services.ImpactResponse{
				Status: models.JobStatusDone,
				Graph:  &models.ImpactGraph{Meta: models.GraphMeta{SchemaVersion: "1.0", CacheHit: true}},
			}, nil
		},
	}
	mux := newImpactMux(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/impact/analyze", analyzeBody(t, uuid.New()))
	req.Header.Set("X-Project-ID", uuid.NewString())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp AnalyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Graph)
	assert.True(t, resp.Graph.Meta.CacheHit)
	assert.Empty(t, resp.PollURL)
	assert.Empty(t, resp.JobID, "no pollable job id on a cache hit")
}

func TestAnalyze_MissingProjectHeader(t *testing.T) {
	mux := newImpactMux(&mockImpactService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/impact/analyze", analyzeBody(t, uuid.New()))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyze_RateLimited(t *testing.T) {
	svc := &mockImpactService{
		requestFn: func(ctx context.Context, projectID uuid.UUID, req services.ImpactRequest) (*services.ImpactResponse, error) {
			return nil, &apperrors.RateLimitedError{RetryAfter: 30 * time.Second}
		},
	}
	mux := newImpactMux(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/impact/analyze", analyzeBody(t, uuid.New()))
	req.Header.Set("X-Project-ID", uuid.NewString())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestGetJob_ReturnsJob(t *testing.T) {
	jobID := uuid.New()
	svc := &mockImpactService{
		getJobFn: func(ctx context.Context, projectID, id uuid.UUID) (*models.ImpactJob, error) {
			assert.Equal(t, jobID, id)
			return &models.ImpactJob{JobID: jobID, Status: models.JobStatusRunning, Progress: 50}, nil
		},
	}
	mux := newImpactMux(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/impact/jobs/"+jobID.String(), nil)
	req.Header.Set("X-Project-ID", uuid.NewString())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.JobStatusRunning, resp.Status)
	assert.Equal(t, 50, resp.Progress)
	assert.Nil(t, resp.Graph, "no graph until done")
}

func TestGetJob_DoneIncludesGraph(t *testing.T) {
	jobID := uuid.New()
	svc := &mockImpactService{
		getJobFn: func(ctx context.Context, projectID, id uuid.UUID) (*models.ImpactJob, error) {
			return &models.ImpactJob{
				JobID:    jobID,
				Status:   models.JobStatusDone,
				Progress: 100,
				Result:   &models.ImpactGraph{Meta: models.GraphMeta{SchemaVersion: "1.0"}},
			}, nil
		},
	}
	mux := newImpactMux(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/impact/jobs/"+jobID.String(), nil)
	req.Header.Set("X-Project-ID", uuid.NewString())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Graph)
	assert.Equal(t, "1.0", resp.Graph.Meta.SchemaVersion)
}

func TestGetJob_NotFound(t *testing.T) {
	svc := &mockImpactService{
		getJobFn: func(ctx context.Context, projectID, id uuid.UUID) (*models.ImpactJob, error) {
			return nil, fmt.Errorf("job %s: %w", id, apperrors.ErrNotFound)
		},
	}
	mux := newImpactMux(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/impact/jobs/"+uuid.NewString(), nil)
	req.Header.Set("X-Project-ID", uuid.NewString())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJob_InvalidID(t *testing.T) {
	mux := newImpactMux(&mockImpactService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/impact/jobs/not-a-uuid", nil)
	req.Header.Set("X-Project-ID", uuid.NewString())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryGraph(t *testing.T) {
	graphSvc := &mockQueryGraphService{
		buildFn: func(sql, datasource string) (*models.ImpactGraph, error) {
			assert.Equal(t, "warehouse", datasource)
			return &models.ImpactGraph{Meta: models.GraphMeta{SchemaVersion: "1.0"}}, nil
		},
	}
	mux := newImpactMux(&mockImpactService{}, graphSvc)

	body, _ := json.Marshal(QueryGraphRequest{SQL: "SELECT id FROM orders", Datasource: "warehouse"})
	req := httptest.NewRequest(http.MethodPost, "/api/impact/query-graph", bytes.NewBuffer(body))
	req.Header.Set("X-Project-ID", uuid.NewString())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQueryGraph_NoTablesIs422(t *testing.T) {
	graphSvc := &mockQueryGraphService{
		buildFn: func(sql, datasource string) (*models.ImpactGraph, error) {
			return nil, apperrors.ErrNoTablesParsed
		},
	}
	mux := newImpactMux(&mockImpactService{}, graphSvc)

	body, _ := json.Marshal(QueryGraphRequest{SQL: "SELECT 1 + 1"})
	req := httptest.NewRequest(http.MethodPost, "/api/impact/query-graph", bytes.NewBuffer(body))
	req.Header.Set("X-Project-ID", uuid.NewString())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
