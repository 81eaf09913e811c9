package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
)

// ErrorCode enum for machine-readable errors
type ErrorCode string

const (
	ErrInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrMissingCookie ErrorCode = "MISSING_COOKIE"
	ErrConflict      ErrorCode = "CONFLICT" // e.g. username already registered
	ErrInternal      ErrorCode = "INTERNAL"
	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrUnauthorized  ErrorCode = "UNAUTHORIZED"
	ErrForbidden     ErrorCode = "FORBIDDEN"
	ErrUpstream      ErrorCode = "UPSTREAM" // identity provider unreachable or failing
)

// AppError carries the "User View" and the "System View"
type AppError struct {
	Code     ErrorCode // Machine code (for frontend logic)
	Message  string    // Safe user-facing message
	Internal error     // Original error - NEVER show to user
	Stack    string    // Stack trace for audit
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the internal error so callers can match domain sentinels with errors.Is.
func (e *AppError) Unwrap() error {
	return e.Internal
}

// New factory to capture stack trace automatically
func New(code ErrorCode, msg string, internal error) *AppError {
	return &AppError{
		Code:     code,
		Message:  msg,
		Internal: internal,
		Stack:    string(debug.Stack()),
	}
}

// StatusCode maps an error code to the HTTP status it is served with.
func StatusCode(code ErrorCode) int {
	switch code {
	case ErrInvalidInput, ErrMissingCookie:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := middleware.GetReqID(r.Context())

	// 1. Unwrap the AppError
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		// If it's a generic Go error (e.g. from a library), wrap it as Internal
		appErr = New(ErrInternal, "Unexpected system error", err)
	}

	status := StatusCode(appErr.Code)

	logFields := []any{
		"req_id", reqID,
		"method", r.Method,
		"path", r.URL.Path,
		"code", appErr.Code,
		"user_msg", appErr.Message,
	}

	if status >= http.StatusInternalServerError {
		// For 5xx: Log EVERYTHING (Internal error + Stack trace)
		logFields = append(logFields, "internal_err", appErr.Internal, "stack", appErr.Stack)
		slog.ErrorContext(r.Context(), "Internal Server Error", logFields...)
	} else {
		if appErr.Internal != nil {
			logFields = append(logFields, "internal_details", appErr.Internal)
		}
		slog.WarnContext(r.Context(), "Request Failed", logFields...)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error_code": string(appErr.Code),
		"message":    appErr.Message,
		"request_id": reqID, // Helpful for support tickets
	})
}
