// Package api provides the HTTP handlers of the geofence server and its
// standardized JSON error envelope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/venuefence/internal/geofence"
	"github.com/onnwee/venuefence/internal/middleware"
	"github.com/onnwee/venuefence/internal/region"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeBadRequest indicates a malformed request body.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeAuthFailed indicates authentication failure.
	ErrCodeAuthFailed = "auth_failed"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeConflict indicates a conflict with the current state.
	ErrCodeConflict = "conflict"

	// ErrCodeMethodNotAllowed indicates the route exists for another method.
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// ErrCodeInvalidCoordinate indicates latitude or longitude out of range.
	ErrCodeInvalidCoordinate = "invalid_coordinate"

	// ErrCodeRegionNotFound indicates the region is not in the registry.
	ErrCodeRegionNotFound = "region_not_found"

	// ErrCodeNotSubscribed indicates there is no active membership to end.
	ErrCodeNotSubscribed = "not_subscribed"

	// ErrCodeAlreadySubscribed indicates an active membership already exists.
	ErrCodeAlreadySubscribed = "already_subscribed"

	// ErrCodeStoreUnavailable indicates the membership store failed or timed out.
	ErrCodeStoreUnavailable = "store_unavailable"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response and records code for
// the logging middleware.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.SetErrorCode(ctx, code)

	data, err := json.Marshal(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// WriteDomainError maps an engine error onto the error envelope. Errors that
// match no known sentinel are logged and reported as 500.
func WriteDomainError(w http.ResponseWriter, ctx context.Context, err error) {
	switch {
	case errors.Is(err, geofence.ErrInvalidCoordinate):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidCoordinate, "Latitude must be within [-90, 90] and longitude within [-180, 180]")
	case errors.Is(err, region.ErrRegionNotFound):
		WriteError(w, ctx, http.StatusNotFound, ErrCodeRegionNotFound, "Region not found")
	case errors.Is(err, geofence.ErrNotSubscribed):
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotSubscribed, "No active membership for this region")
	case errors.Is(err, geofence.ErrAlreadySubscribed):
		WriteError(w, ctx, http.StatusConflict, ErrCodeAlreadySubscribed, "Already subscribed to this region")
	case errors.Is(err, geofence.ErrStoreUnavailable):
		slog.WarnContext(ctx, "membership store unavailable", "error", err)
		WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "Membership store unavailable, retry later")
	default:
		slog.ErrorContext(ctx, "unhandled geofence error", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
	}
}

// StatusCodeMapping returns the recommended HTTP status code for an error code.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest, ErrCodeInvalidCoordinate:
		return http.StatusBadRequest
	case ErrCodeAuthFailed:
		return http.StatusUnauthorized
	case ErrCodeNotFound, ErrCodeRegionNotFound, ErrCodeNotSubscribed:
		return http.StatusNotFound
	case ErrCodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ErrCodeConflict, ErrCodeAlreadySubscribed:
		return http.StatusConflict
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
