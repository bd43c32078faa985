package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/example/fieldsync/internal/schema"
	"github.com/example/fieldsync/internal/storage"
)

// Error codes used in the response envelope.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeNotFound   = "NOT_FOUND"
	CodeConflict   = "CONFLICT"
	CodeInternal   = "INTERNAL_ERROR"
)

// ErrorBody is the payload of the error envelope.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorResponse is the error envelope returned on every failed request.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	respondJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: message, Details: details}})
}

// respondServiceError maps a service error onto the envelope. Internal
// errors are logged and never echoed to the client.
func respondServiceError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	var verr *schema.ValidationError
	switch {
	case errors.As(err, &verr):
		details := make(map[string]any, len(verr.Fields))
		for field, msg := range verr.Fields {
			details[field] = msg
		}
		respondError(w, http.StatusBadRequest, CodeValidation, "Invalid request", details)
	case errors.Is(err, schema.ErrValidation), errors.Is(err, schema.ErrUnknownTable):
		respondError(w, http.StatusBadRequest, CodeValidation, err.Error(), nil)
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, CodeNotFound, "Resource not found", nil)
	case errors.Is(err, storage.ErrVersionMismatch):
		respondError(w, http.StatusConflict, CodeConflict, "Version conflict", nil)
	default:
		logger.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, CodeInternal, "Something went wrong", nil)
	}
}
