// Package errors provides standardized error handling for the query DOI service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the query DOI service.
type ErrorCode string

const (
	// Input errors
	QDOI_PARSE      ErrorCode = "QDOI_PARSE"      // Malformed query shape, never retried
	QDOI_VALIDATION ErrorCode = "QDOI_VALIDATION" // Invalid request semantics, no side effects performed
	QDOI_BAD_REQUEST ErrorCode = "QDOI_BAD_REQUEST" // Bad request

	// Policy errors
	QDOI_UNSUPPORTED ErrorCode = "QDOI_UNSUPPORTED" // Capability disabled by deployment policy

	// Resource errors
	QDOI_NOT_FOUND ErrorCode = "QDOI_NOT_FOUND" // DOI or record not found
	QDOI_CONFLICT  ErrorCode = "QDOI_CONFLICT"  // Uniqueness violation at the persistence layer

	// External collaborator errors
	QDOI_REGISTRY ErrorCode = "QDOI_REGISTRY" // DOI registry call failed

	// Server errors
	QDOI_INTERNAL    ErrorCode = "QDOI_INTERNAL"    // Internal server error
	QDOI_UNAVAILABLE ErrorCode = "QDOI_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether the target is an *Error with the same code. This lets
// callers match on sentinel-style errors built with New.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// IsCode reports whether err is an *Error carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case QDOI_PARSE, QDOI_VALIDATION, QDOI_BAD_REQUEST:
		return http.StatusBadRequest
	case QDOI_UNSUPPORTED:
		return http.StatusNotImplemented
	case QDOI_NOT_FOUND:
		return http.StatusNotFound
	case QDOI_CONFLICT:
		return http.StatusConflict
	case QDOI_REGISTRY:
		return http.StatusBadGateway
	case QDOI_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
