package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/fieldlink/internal/command"
	"github.com/nerrad567/fieldlink/internal/device"
	"github.com/nerrad567/fieldlink/internal/store"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnauthorized   = "unauthorised"
	ErrCodeForbidden      = "forbidden"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeInvalidTarget  = "invalid_target"
	ErrCodePublishFailed  = "publish_failed"
	ErrCodeUnavailable    = "service_unavailable"
	ErrCodeMethodNotAllow = "method_not_allowed"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps gateway errors onto HTTP responses.
func writeDomainError(w http.ResponseWriter, err error) {
	var target *command.InvalidTargetError
	switch {
	case errors.As(err, &target):
		writeError(w, http.StatusNotFound, ErrCodeInvalidTarget, err.Error())
	case errors.Is(err, device.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
	case errors.Is(err, command.ErrCommandNotFound):
		writeNotFound(w, "command not found")
	case errors.Is(err, store.ErrNotFound):
		writeNotFound(w, "not found")
	case errors.Is(err, command.ErrInvalidAction),
		errors.Is(err, device.ErrInvalidName),
		errors.Is(err, device.ErrInvalidType),
		errors.Is(err, device.ErrInvalidLocation):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, command.ErrPublishFailed):
		writeError(w, http.StatusBadGateway, ErrCodePublishFailed, err.Error())
	case errors.Is(err, command.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "gateway is shutting down")
	default:
		writeInternalError(w, "internal server error")
	}
}
