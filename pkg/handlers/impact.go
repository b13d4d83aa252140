package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/impact-engine/pkg/apperrors"
	"github.com/ekaya-inc/impact-engine/pkg/middleware"
	"github.com/ekaya-inc/impact-engine/pkg/models"
	"github.com/ekaya-inc/impact-engine/pkg/services"
)

// AnalyzeRequest is the POST body for /api/impact/analyze.
type AnalyzeRequest struct {
	DatasourceID   string `json:"datasource_id"`
	KPIFingerprint string `json:"kpi_fingerprint"`
	TimeRange      string `json:"time_range"`
	Top            int    `json:"top,omitempty"`
}

// AnalyzeResponse is the synchronous answer: a finished graph on cache
// hit, or a queued job to poll.
type AnalyzeResponse struct {
	JobID       string              `json:"job_id,omitempty"`
	Status      models.JobStatus    `json:"status"`
	Graph       *models.ImpactGraph `json:"graph,omitempty"`
	PollURL     string              `json:"poll_url,omitempty"`
	PollAfterMs int                 `json:"poll_after_ms,omitempty"`
	TraceID     string              `json:"trace_id"`
}

// JobResponse is the poll answer for one impact job.
type JobResponse struct {
	JobID    string              `json:"job_id"`
	Status   models.JobStatus    `json:"status"`
	Progress int                 `json:"progress"`
	Graph    *models.ImpactGraph `json:"graph,omitempty"`
	Error    string              `json:"error,omitempty"`
	TraceID  string              `json:"trace_id"`
}

// QueryGraphRequest is the POST body for /api/impact/query-graph.
type QueryGraphRequest struct {
	SQL        string `json:"sql"`
	Datasource string `json:"datasource"`
}

// ImpactHandler handles impact analysis endpoints.
type ImpactHandler struct {
	impactSvc services.ImpactService
	graphSvc  services.QueryGraphService
	logger    *zap.Logger
}

// NewImpactHandler creates an ImpactHandler.
func NewImpactHandler(impactSvc services.ImpactService, graphSvc services.QueryGraphService, logger *zap.Logger) *ImpactHandler {
	return &ImpactHandler{
		impactSvc: impactSvc,
		graphSvc:  graphSvc,
		logger:    logger,
	}
}

// RegisterRoutes registers the impact analysis routes on the given mux.
func (h *ImpactHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/impact/analyze", h.Analyze)
	mux.HandleFunc("GET /api/impact/jobs/{id}", h.GetJob)
	mux.HandleFunc("POST /api/impact/query-graph", h.QueryGraph)
}

// Analyze handles POST /api/impact/analyze requests. A cache hit returns
// the finished graph with 200; otherwise the job is reserved (or joined)
// and the caller gets 202 with a poll URL.
func (h *ImpactHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	projectID, err := ProjectIDFromRequest(r)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = WriteError(w, apperrors.NewValidationError("body", "invalid JSON"))
		return
	}
	datasourceID, err := uuid.Parse(req.DatasourceID)
	if err != nil {
		_ = WriteError(w, apperrors.NewValidationError("datasource_id", "must be a valid UUID"))
		return
	}

	result, err := h.impactSvc.RequestImpact(r.Context(), projectID, services.ImpactRequest{
		DatasourceID:   datasourceID,
		KPIFingerprint: req.KPIFingerprint,
		TimeRange:      req.TimeRange,
		Top:            req.Top,
	})
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	resp := AnalyzeResponse{
		Status:  result.Status,
		TraceID: middleware.TraceID(r.Context()),
	}
	if result.JobID != uuid.Nil {
		resp.JobID = result.JobID.String()
	}

	if result.Status == models.JobStatusDone {
		resp.Graph = result.Graph
		if err := WriteJSON(w, http.StatusOK, resp); err != nil {
			h.logger.Error("Failed to encode analyze response", zap.Error(err))
		}
		return
	}

	resp.PollURL = "/api/impact/jobs/" + resp.JobID
	resp.PollAfterMs = result.PollAfterMs
	if err := WriteJSON(w, http.StatusAccepted, resp); err != nil {
		h.logger.Error("Failed to encode analyze response", zap.Error(err))
	}
}

// GetJob handles GET /api/impact/jobs/{id} requests.
func (h *ImpactHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	projectID, err := ProjectIDFromRequest(r)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		_ = WriteError(w, apperrors.NewValidationError("id", "must be a valid UUID"))
		return
	}

	job, err := h.impactSvc.GetJob(r.Context(), projectID, jobID)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	resp := JobResponse{
		JobID:    job.JobID.String(),
		Status:   job.Status,
		Progress: job.Progress,
		Error:    job.Error,
		TraceID:  middleware.TraceID(r.Context()),
	}
	if job.Status == models.JobStatusDone {
		resp.Graph = job.Result
	}
	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to encode job response", zap.Error(err))
	}
}

// QueryGraph handles POST /api/impact/query-graph requests: a synchronous
// structural decomposition of a single SQL statement.
func (h *ImpactHandler) QueryGraph(w http.ResponseWriter, r *http.Request) {
	if _, err := ProjectIDFromRequest(r); err != nil {
		_ = WriteError(w, err)
		return
	}

	var req QueryGraphRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = WriteError(w, apperrors.NewValidationError("body", "invalid JSON"))
		return
	}

	graph, err := h.graphSvc.BuildQueryGraph(req.SQL, req.Datasource)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{
		"graph":    graph,
		"trace_id": middleware.TraceID(r.Context()),
	}); err != nil {
		h.logger.Error("Failed to encode query graph response", zap.Error(err))
	}
}
