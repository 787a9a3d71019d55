package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/crossbus/crossbus/internal/auth"
	"github.com/crossbus/crossbus/internal/capability"
	"github.com/crossbus/crossbus/internal/dispatch"
	"github.com/crossbus/crossbus/internal/relay"
	"github.com/crossbus/crossbus/internal/session"
	"github.com/crossbus/crossbus/internal/store"
)

// Envelope is the uniform response shape. Exactly one of Data and Error is
// set.
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
	Meta    Meta       `json:"meta"`
}

// ErrorBody carries the machine-readable failure.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta is attached to every response.
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"traceId,omitempty"`
}

// apiError pairs an HTTP status with an envelope error code. Handlers wrap
// domain errors into apiError when the default mapping is not enough.
type apiError struct {
	status  int
	code    string
	message string
	cause   error
}

func (e *apiError) Error() string { return e.message }
func (e *apiError) Unwrap() error { return e.cause }

func apiErrorf(status int, code, message string) *apiError {
	return &apiError{status: status, code: code, message: message}
}

// writeJSON writes the success envelope.
func writeJSON(w http.ResponseWriter, status int, traceID string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Envelope{
		Success: true,
		Data:    data,
		Meta:    Meta{Timestamp: time.Now().UTC(), TraceID: traceID},
	}); err != nil {
		slog.Error("transport: failed to encode response", "err", err)
	}
}

// writeError maps err onto the wire and writes the failure envelope.
func writeError(w http.ResponseWriter, traceID string, err error) {
	status, code := classify(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(Envelope{
		Success: false,
		Error:   &ErrorBody{Code: code, Message: publicMessage(err, status)},
		Meta:    Meta{Timestamp: time.Now().UTC(), TraceID: traceID},
	}); encErr != nil {
		slog.Error("transport: failed to encode error response", "err", encErr)
	}
}

// classify maps an error to (status, code). Unknown errors become a generic
// 500 so internals never leak.
func classify(err error) (int, string) {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.status, ae.code
	}

	var notClaimable *store.NotClaimableError
	switch {
	case errors.Is(err, dispatch.ErrInvalidInput),
		errors.Is(err, relay.ErrInvalidInput),
		errors.Is(err, session.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_argument"

	case errors.Is(err, auth.ErrUnauthenticated),
		errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthenticated"

	case errors.Is(err, capability.ErrForbidden),
		errors.Is(err, capability.ErrUnknownTool):
		return http.StatusForbidden, "permission_denied"

	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, store.ErrMessageNotFound),
		errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, store.ErrTenantNotFound),
		errors.Is(err, store.ErrKeyNotFound),
		errors.Is(err, store.ErrCLISessionNotFound):
		return http.StatusNotFound, "not_found"

	case errors.As(err, &notClaimable),
		errors.Is(err, store.ErrNotActive):
		return http.StatusConflict, "conflict"

	case errors.Is(err, session.ErrSessionTerminated):
		return http.StatusGone, "session_terminated"

	case errors.Is(err, store.ErrCLISessionExpired):
		return http.StatusGone, "expired"

	default:
		return http.StatusInternalServerError, "internal"
	}
}

// publicMessage hides internal detail on 5xx.
func publicMessage(err error, status int) string {
	if status >= 500 {
		slog.Error("transport: internal error", "err", err)
		return "internal error"
	}
	return err.Error()
}
