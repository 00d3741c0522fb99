package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type ApiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ApiErrorResponse struct {
	Error ApiError `json:"error"`
}

// newErrorResponse creates an ApiErrorResponse with the given code and message
func newErrorResponse(code, message string) ApiErrorResponse {
	return ApiErrorResponse{Error: ApiError{Code: code, Message: message}}
}

// Common error codes
const (
	ErrCodeInvalidJSON     = "INVALID_JSON"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeValidationError = "VALIDATION_ERROR"
	ErrCodeInvalidToken    = "INVALID_TOKEN"
	ErrCodeUpstream        = "UPSTREAM_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "component", "server", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, newErrorResponse(code, message))
}

func internalError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("unhandled handler error",
		"component", "server",
		"error", err.Error(),
		"method", r.Method,
		"path", r.URL.Path,
	)
	writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred")
}
