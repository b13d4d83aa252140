package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/impact-engine/pkg/apperrors"
	"github.com/ekaya-inc/impact-engine/pkg/config"
	"github.com/ekaya-inc/impact-engine/pkg/guard"
	"github.com/ekaya-inc/impact-engine/pkg/middleware"
	"github.com/ekaya-inc/impact-engine/pkg/services"
)

// maxIngestBodyBytes caps the request body read for ingestion endpoints.
const maxIngestBodyBytes = 16 << 20

// LogPayload is one raw log row in an ingestion request.
type LogPayload struct {
	RawSQL       string     `json:"raw_sql"`
	DatasourceID string     `json:"datasource_id"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`
	DurationMs   *int       `json:"duration_ms,omitempty"`
	UserID       *string    `json:"user_id,omitempty"`
	RequestID    string     `json:"request_id,omitempty"`
}

// IngestRequest is the POST body for single (realtime) ingestion.
type IngestRequest struct {
	Logs []LogPayload `json:"logs"`
}

// IngestBatchRequest adds the batch source label.
type IngestBatchRequest struct {
	Logs   []LogPayload `json:"logs"`
	Source string       `json:"source"`
}

// IngestResponse reports ingestion counts.
type IngestResponse struct {
	Inserted int    `json:"inserted"`
	Deduped  int    `json:"deduped"`
	BatchID  string `json:"batch_id,omitempty"`
	TraceID  string `json:"trace_id"`
}

// IngestHandler handles query log ingestion endpoints.
type IngestHandler struct {
	svc         services.IngestService
	rateLimiter guard.RateLimiter
	idempotency guard.IdempotencyStore
	cfg         *config.Config
	logger      *zap.Logger
}

// NewIngestHandler creates an IngestHandler.
func NewIngestHandler(
	svc services.IngestService,
	rateLimiter guard.RateLimiter,
	idempotency guard.IdempotencyStore,
	cfg *config.Config,
	logger *zap.Logger,
) *IngestHandler {
	return &IngestHandler{
		svc:         svc,
		rateLimiter: rateLimiter,
		idempotency: idempotency,
		cfg:         cfg,
		logger:      logger,
	}
}

// RegisterRoutes registers the ingestion routes on the given mux.
func (h *IngestHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/logs", h.Ingest)
	mux.HandleFunc("POST /api/logs/batch", h.IngestBatch)
}

// Ingest handles POST /api/logs requests.
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, func(projectID uuid.UUID, body []byte) (*IngestResponse, error) {
		var req IngestRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, apperrors.NewValidationError("body", "invalid JSON")
		}
		inputs, err := h.toInputs(req.Logs)
		if err != nil {
			return nil, err
		}

		result, err := h.svc.Ingest(r.Context(), projectID, inputs)
		if err != nil {
			return nil, err
		}
		return &IngestResponse{Inserted: result.Inserted, Deduped: result.Deduped}, nil
	})
}

// IngestBatch handles POST /api/logs/batch requests.
func (h *IngestHandler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, func(projectID uuid.UUID, body []byte) (*IngestResponse, error) {
		var req IngestBatchRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, apperrors.NewValidationError("body", "invalid JSON")
		}
		if req.Source == "" {
			return nil, apperrors.NewValidationError("source", "must not be empty")
		}
		inputs, err := h.toInputs(req.Logs)
		if err != nil {
			return nil, err
		}

		result, err := h.svc.IngestBatch(r.Context(), projectID, req.Source, inputs)
		if err != nil {
			return nil, err
		}
		resp := &IngestResponse{Inserted: result.Inserted, Deduped: result.Deduped}
		if result.BatchID != nil {
			resp.BatchID = result.BatchID.String()
		}
		return resp, nil
	})
}

// handle wraps both ingestion endpoints with the shared guard protocol:
// rate limit, then idempotency reserve/replay, then the handler body,
// then idempotency finalize.
func (h *IngestHandler) handle(w http.ResponseWriter, r *http.Request, fn func(uuid.UUID, []byte) (*IngestResponse, error)) {
	projectID, err := ProjectIDFromRequest(r)
	if err != nil {
		_ = WriteError(w, err)
		return
	}

	if err := h.rateLimiter.Check(r.Context(), "ingest:"+projectID.String(), h.cfg.Guard.RateLimit, h.cfg.Guard.RateWindow); err != nil {
		_ = WriteError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBodyBytes+1))
	if err != nil {
		_ = WriteError(w, fmt.Errorf("failed to read body: %w", err))
		return
	}
	if len(body) > maxIngestBodyBytes {
		_ = WriteError(w, apperrors.NewValidationError("body", "payload too large"))
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		idemKey = projectID.String() + ":" + idemKey
		record, err := h.idempotency.Ensure(r.Context(), idemKey, body)
		if err != nil {
			_ = WriteError(w, err)
			return
		}
		if record != nil {
			// Replay the stored response verbatim.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(record.StatusCode)
			_, _ = w.Write(record.Response)
			return
		}
	}

	resp, err := fn(projectID, body)
	if err != nil {
		if idemKey != "" {
			// Drop the reservation so an identical retry is not stuck
			// behind an in_progress record until the TTL expires.
			if releaseErr := h.idempotency.Release(r.Context(), idemKey, guard.Fingerprint(body)); releaseErr != nil {
				h.logger.Warn("Failed to release idempotency record", zap.Error(releaseErr))
			}
		}
		_ = WriteError(w, err)
		return
	}
	resp.TraceID = middleware.TraceID(r.Context())

	if idemKey != "" {
		encoded, marshalErr := json.Marshal(resp)
		if marshalErr == nil {
			if err := h.idempotency.Finalize(r.Context(), idemKey, guard.Fingerprint(body), http.StatusCreated, encoded); err != nil {
				h.logger.Warn("Failed to finalize idempotency record", zap.Error(err))
			}
		}
	}

	if err := WriteJSON(w, http.StatusCreated, resp); err != nil {
		h.logger.Error("Failed to encode ingest response", zap.Error(err))
	}
}

func (h *IngestHandler) toInputs(logs []LogPayload) ([]services.LogInput, error) {
	if len(logs) == 0 {
		return nil, apperrors.NewValidationError("logs", "must not be empty")
	}
	if len(logs) > h.cfg.Ingest.MaxBatch {
		return nil, apperrors.NewValidationError("logs", fmt.Sprintf("must not exceed %d rows", h.cfg.Ingest.MaxBatch))
	}

	inputs := make([]services.LogInput, 0, len(logs))
	for _, l := range logs {
		if l.RawSQL == "" {
			return nil, apperrors.NewValidationError("raw_sql", "must not be empty")
		}
		datasourceID, err := uuid.Parse(l.DatasourceID)
		if err != nil {
			return nil, apperrors.NewValidationError("datasource_id", "must be a valid UUID")
		}
		inputs = append(inputs, services.LogInput{
			RawSQL:       l.RawSQL,
			DatasourceID: datasourceID,
			ExecutedAt:   l.ExecutedAt,
			DurationMs:   l.DurationMs,
			UserID:       l.UserID,
			RequestID:    l.RequestID,
		})
	}
	return inputs, nil
}
