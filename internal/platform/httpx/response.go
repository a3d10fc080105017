// Package httpx holds the JSON response helpers and request middleware shared by the HTTP handlers.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/devtizi/city-cab/internal/security"
)

// ErrBadRequest marks malformed request bodies and parameters.
var ErrBadRequest = errors.New("bad request")

type apiError struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes payload as JSON with the given status.
func WriteJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError writes the error envelope {status, code, message}.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	WriteJSON(w, statusCode, apiError{Status: "error", Code: code, Message: message})
}

// MapError returns the HTTP status and error code for err.
func MapError(err error) (int, string) {
	switch {
	case errors.Is(err, security.ErrInvalidToken), errors.Is(err, security.ErrSecurity):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, security.ErrAccessDenied):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, security.ErrInvalidArgument), errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// WriteMappedError maps err to a response. Server errors get a generic message and are logged at Error.
func WriteMappedError(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, operation string, err error) {
	status, code := MapError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.ErrorContext(ctx, "request failed", "operation", operation, "error", err)
		message = "internal server error"
	} else {
		logger.WarnContext(ctx, "request rejected", "operation", operation, "status_code", status, "error", err)
	}
	WriteError(w, status, code, message)
}

// DecodeBody decodes a single JSON object into dst, rejecting unknown fields.
func DecodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", ErrBadRequest, err)
	}
	return nil
}
