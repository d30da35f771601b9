package server

import (
	"net/http"
)

// RequestValidator validates incoming requests before they reach the node.
// Implementations can check network allow-lists, rate limits, etc.
type RequestValidator interface {
	// ValidateRequest is called before each request is handled.
	// Return nil to allow the request, or an error to reject it with 403.
	// The error message will be returned to the client.
	ValidateRequest(r *http.Request) error
}

// ValidatorFunc adapts a function to RequestValidator.
type ValidatorFunc func(r *http.Request) error

// ValidateRequest implements RequestValidator.
func (f ValidatorFunc) ValidateRequest(r *http.Request) error {
	return f(r)
}

// ValidationError represents a validation failure with structured info.
type ValidationError struct {
	Code    string // Machine-readable error code (e.g., "RATE_LIMITED")
	Message string // Human-readable message
}

func (e *ValidationError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// NewValidationError creates a new validation error.
func NewValidationError(code, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message}
}
