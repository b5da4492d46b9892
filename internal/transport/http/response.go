package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"fleet-monitor/safety/internal/classifier"
	"fleet-monitor/safety/internal/ingest"
	"fleet-monitor/safety/internal/store"
)

const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeRateLimited  = "RATE_LIMITED"
	CodeNotFound     = "NOT_FOUND"
	CodeNotAvailable = "NOT_IMPLEMENTED"
	CodeInternal     = "INTERNAL_ERROR"
)

type errorBody struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, field, message string) {
	respondJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Field: field, Message: message}})
}

// writeError maps a pipeline error to its HTTP response. Internal details
// stay in the logs.
func writeError(w http.ResponseWriter, err error) {
	var ve *ingest.ValidationError
	switch {
	case errors.As(err, &ve):
		respondError(w, http.StatusBadRequest, CodeValidation, ve.Field, ve.Error())
	case errors.Is(err, classifier.ErrInvariantViolation):
		respondError(w, http.StatusInternalServerError, CodeInternal, "", "classification failed, state unchanged")
	case errors.Is(err, store.ErrStoreCorruption):
		respondError(w, http.StatusInternalServerError, CodeInternal, "", "state store unavailable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusServiceUnavailable, CodeInternal, "", "request cancelled")
	default:
		respondError(w, http.StatusInternalServerError, CodeInternal, "", "internal error")
	}
}
