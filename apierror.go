package loom

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a handler-returnable error that maps to an HTTP status
// and JSON body of the form {"error": <message>, "code": <status>}.
type APIError struct {
	Status  int
	Message string
	cause   error
}

func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%d): %v", e.Message, e.Status, e.cause)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

func (e *APIError) Unwrap() error {
	return e.cause
}

// NewAPIError creates an APIError with the given status and message.
func NewAPIError(status int, message string) *APIError {
	return &APIError{Status: status, Message: message}
}

// WrapAPIError attaches a cause for logs without leaking it into the
// response body.
func WrapAPIError(status int, message string, cause error) *APIError {
	return &APIError{Status: status, Message: message, cause: cause}
}

// Common constructors.

// ErrNotFound404 returns a 404 APIError.
func ErrNotFound404(message string) *APIError {
	return NewAPIError(http.StatusNotFound, message)
}

// ErrBadRequest400 returns a 400 APIError.
func ErrBadRequest400(message string) *APIError {
	return NewAPIError(http.StatusBadRequest, message)
}

// ErrForbidden403 returns a 403 APIError.
func ErrForbidden403(message string) *APIError {
	return NewAPIError(http.StatusForbidden, message)
}

// ErrUnauthorized401 returns a 401 APIError.
func ErrUnauthorized401(message string) *APIError {
	return NewAPIError(http.StatusUnauthorized, message)
}

// AsAPIError extracts an APIError from an error chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}
