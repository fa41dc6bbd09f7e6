package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mroth/thunderpush"
)

// ErrorCode represents application-specific error codes.
type ErrorCode string

const (
	ErrorCodeInvalidRequest  ErrorCode = "INVALID_REQUEST"
	ErrorCodeUnknownTenant   ErrorCode = "UNKNOWN_TENANT"
	ErrorCodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrorCodePayloadTooLarge ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrorCodeRateLimited     ErrorCode = "RATE_LIMITED"
	ErrorCodeInternalError   ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string    `json:"status"`
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
}

// writeError maps err onto a status code and writes the error envelope.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status, code := http.StatusInternalServerError, ErrorCodeInternalError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, thunderpush.ErrUnknownTenant):
		status, code = http.StatusNotFound, ErrorCodeUnknownTenant
	case errors.Is(err, errUnauthorized):
		status, code = http.StatusUnauthorized, ErrorCodeUnauthorized
	case errors.Is(err, errEmptyPayload):
		status, code = http.StatusBadRequest, ErrorCodeInvalidRequest
	case errors.As(err, &tooLarge):
		status, code = http.StatusRequestEntityTooLarge, ErrorCodePayloadTooLarge
	}

	if status >= 500 {
		logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeErrorResponse(w, status, code, err.Error(), r.Header.Get(requestIDHeader))
}

// writeErrorResponse writes an error response in the standard format.
func writeErrorResponse(w http.ResponseWriter, status int, code ErrorCode, message, requestID string) {
	writeJSON(w, status, ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		RequestID: requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// the status line is already out, an encode failure can only mean the
	// client went away
	_ = json.NewEncoder(w).Encode(v)
}
