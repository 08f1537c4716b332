// Package errors provides standardized error handling for the sharecore service.
// Client-facing failures carry an ErrorCode that maps to one HTTP status.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the sharecore service.
type ErrorCode string

const (
	// Input errors
	INVALID_INPUT ErrorCode = "INVALID_INPUT" // Unrecognized resource type, malformed expiry, bad body
	BAD_REQUEST   ErrorCode = "BAD_REQUEST"   // Wrong method or unreadable request

	// Authentication/Authorization errors
	AUTHN ErrorCode = "AUTHN" // Missing or invalid credentials
	AUTHZ ErrorCode = "AUTHZ" // Principal lacks the capability

	// Resource errors
	SHARE_NOT_FOUND           ErrorCode = "SHARE_NOT_FOUND"           // Link absent, expired, revoked or dangling
	RESOURCE_NOT_FOUND        ErrorCode = "RESOURCE_NOT_FOUND"        // Referenced entity does not exist
	COLLECTION_NOT_CONFIGURED ErrorCode = "COLLECTION_NOT_CONFIGURED" // No resolver or collection registered
	SHARE_CONFLICT            ErrorCode = "SHARE_CONFLICT"            // Token collision retries exhausted

	// Server errors
	INTERNAL    ErrorCode = "INTERNAL"    // Internal server error
	UNAVAILABLE ErrorCode = "UNAVAILABLE" // A dependency or sub-aggregation is unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
	cause         error
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
	e := New(code, message, correlationID)
	e.Details = details
	return e
}

// Wrap creates a new Error that keeps cause for logging and errors.Is checks.
// The cause is never serialized to clients.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message, "")
	e.cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithCorrelationID returns a copy of e tagged with the request correlation id.
func (e *Error) WithCorrelationID(correlationID string) *Error {
	c := *e
	c.CorrelationID = correlationID
	return &c
}

// IsFault reports whether the code is an operational fault that should be
// logged at error level. NotFound and InvalidInput are client-facing.
func (e *Error) IsFault() bool {
	switch e.Code {
	case SHARE_CONFLICT, UNAVAILABLE, INTERNAL:
		return true
	default:
		return false
	}
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HasCode reports whether err is an *Error with the given code.
func HasCode(err error, code ErrorCode) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case INVALID_INPUT, BAD_REQUEST:
		return http.StatusBadRequest
	case AUTHN:
		return http.StatusUnauthorized
	case AUTHZ:
		return http.StatusForbidden
	case SHARE_NOT_FOUND, RESOURCE_NOT_FOUND, COLLECTION_NOT_CONFIGURED:
		return http.StatusNotFound
	case UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		// SHARE_CONFLICT is token exhaustion, a server-side fault
		return http.StatusInternalServerError
	}
}
