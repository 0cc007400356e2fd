// Package errors provides structured error handling with context propagation and HTTP status code mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of error for metrics and response formatting.
type ErrorType string

const (
	// TypeValidation indicates invalid input (HTTP 400)
	TypeValidation ErrorType = "validation"
	// TypeAuthInvalid indicates a bad or expired token (HTTP 401)
	TypeAuthInvalid ErrorType = "auth_invalid"
	// TypePermissionDenied indicates a rejected subscribe (HTTP 403)
	TypePermissionDenied ErrorType = "permission_denied"
	// TypePermissionRevoked indicates mid-session loss of board access
	TypePermissionRevoked ErrorType = "permission_revoked"
	// TypeResyncRequired indicates the replay window was exceeded (HTTP 410)
	TypeResyncRequired ErrorType = "resync_required"
	// TypeBackpressure indicates a slow consumer was disconnected
	TypeBackpressure ErrorType = "backpressure_exceeded"
	// TypeSequencerUnavailable indicates the sequencing dependency is down (HTTP 503)
	TypeSequencerUnavailable ErrorType = "sequencer_unavailable"
	// TypeInternal indicates server-side error (HTTP 500)
	TypeInternal ErrorType = "internal"
)

// Error represents a structured error with type, message, and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeAuthInvalid:
		return http.StatusUnauthorized
	case TypePermissionDenied, TypePermissionRevoked:
		return http.StatusForbidden
	case TypeResyncRequired:
		return http.StatusGone
	case TypeSequencerUnavailable:
		return http.StatusServiceUnavailable
	case TypeInternal, TypeBackpressure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ValidationError creates a new validation error (HTTP 400).
func ValidationError(message string) *Error {
	return &Error{
		Type:    TypeValidation,
		Message: message,
		Context: make(map[string]any),
	}
}

// AuthError creates a new authentication error (HTTP 401).
func AuthError(message string, cause error) *Error {
	return &Error{
		Type:    TypeAuthInvalid,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// PermissionDeniedError creates a new permission-denied error (HTTP 403).
func PermissionDeniedError(message string) *Error {
	return &Error{
		Type:    TypePermissionDenied,
		Message: message,
		Context: make(map[string]any),
	}
}

// ResyncRequiredError creates a new replay-window-exceeded error (HTTP 410).
func ResyncRequiredError(message string) *Error {
	return &Error{
		Type:    TypeResyncRequired,
		Message: message,
		Context: make(map[string]any),
	}
}

// SequencerUnavailableError creates a new external dependency error (HTTP 503).
func SequencerUnavailableError(message string, cause error) *Error {
	return &Error{
		Type:    TypeSequencerUnavailable,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// InternalError creates a new internal error (HTTP 500).
func InternalError(message string, cause error) *Error {
	return &Error{
		Type:    TypeInternal,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// WithContext adds context fields to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorResponse represents the JSON structure sent to clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

// ToResponse converts an Error to an ErrorResponse for JSON serialization.
func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Type:    e.Type,
		Context: e.Context,
	}
}

// AsStructuredError converts any error into a structured Error.
// If err is already an *Error, returns it unchanged.
// Otherwise wraps it as an internal error.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	return InternalError("internal server error", err)
}
