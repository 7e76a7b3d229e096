package web

// errors.go maps handler errors to JSON responses.
//
// The technical error is logged with the request id for correlation; the
// client receives a stable code plus a short message.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/pcieslikta/DB2ExportService-sub000/internal/logging"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/trigger"
)

// ErrorResponse represents the JSON structure for API error responses.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor classifies err into an HTTP status and a machine-readable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, trigger.ErrInvalidRequest):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, trigger.ErrBusy):
		return http.StatusTooManyRequests, "BUSY"
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE"
	case errors.Is(err, errTriggersDisabled):
		return http.StatusServiceUnavailable, "TRIGGERS_DISABLED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// respondError logs err and writes the matching JSON error response.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	requestID := middleware.GetReqID(r.Context())

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	logging.FromContext(r.Context()).Log(r.Context(), level, "request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"code", code,
		"error", err.Error(),
	)

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}

	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "30")
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code, RequestID: requestID})
}

// writeJSON encodes v as JSON with status.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
