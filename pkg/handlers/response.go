package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/ekaya-inc/impact-engine/pkg/apperrors"
)

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// WriteError maps the error taxonomy onto HTTP responses:
// validation → 400, rate limited → 429 with Retry-After, conflict and
// in-progress → 409, not found → 404, zero-table SQL → 422, store
// unavailable → 503 with a retry hint. Everything else is a 500.
func WriteError(w http.ResponseWriter, err error) error {
	var ve *apperrors.ValidationError
	if errors.As(err, &ve) {
		return ErrorResponse(w, http.StatusBadRequest, "validation_error", ve.Error())
	}

	var rl *apperrors.RateLimitedError
	if errors.As(err, &rl) {
		retryAfter := int(rl.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		return ErrorResponse(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	}

	switch {
	case errors.Is(err, apperrors.ErrConflict):
		return ErrorResponse(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, apperrors.ErrInProgress):
		return ErrorResponse(w, http.StatusConflict, "in_progress", err.Error())
	case errors.Is(err, apperrors.ErrNotFound):
		return ErrorResponse(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, apperrors.ErrNoTablesParsed):
		return ErrorResponse(w, http.StatusUnprocessableEntity, "no_tables_parsed", err.Error())
	case errors.Is(err, apperrors.ErrStoreUnavailable):
		w.Header().Set("Retry-After", "5")
		return ErrorResponse(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	}

	return ErrorResponse(w, http.StatusInternalServerError, "internal_error", "internal error")
}

// ProjectIDFromRequest reads the tenant id resolved by the upstream
// auth collaborator from the X-Project-ID header.
func ProjectIDFromRequest(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get("X-Project-ID")
	if raw == "" {
		return uuid.Nil, apperrors.NewValidationError("X-Project-ID", "header is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperrors.NewValidationError("X-Project-ID", "must be a valid UUID")
	}
	return id, nil
}
