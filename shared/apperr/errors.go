// Package apperr defines the failure kinds returned by the account services.
// Callers match them with errors.Is and errors.As; anything else is an
// internal failure.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	ErrUserNotFound             = errors.New("user not found")
	ErrDuplicatePhoneNumber     = errors.New("this phone number is already added")
	ErrPhoneNumberLimitExceeded = errors.New("you can't add more than 3 phone numbers")
	ErrPhoneNumberNotFound      = errors.New("this phone number does not exist")
	ErrIncorrectCurrentPassword = errors.New("current password is incorrect")
	ErrUpstreamTimeout          = errors.New("ledger provider timed out")
	ErrInvalidFilter            = errors.New("invalid filter")
)

// ValidationConflictError collects field-keyed reasons so a caller can fix
// every conflicting field in one round trip.
type ValidationConflictError struct {
	Fields map[string]string
}

func NewValidationConflict() *ValidationConflictError {
	return &ValidationConflictError{Fields: map[string]string{}}
}

func (e *ValidationConflictError) Add(field, reason string) {
	e.Fields[field] = reason
}

func (e *ValidationConflictError) Empty() bool {
	return len(e.Fields) == 0
}

func (e *ValidationConflictError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation conflict: " + strings.Join(parts, "; ")
}

// UpstreamError wraps a failed ledger call. Payload is the provider's error
// body, passed through verbatim.
type UpstreamError struct {
	StatusCode int
	Payload    []byte
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ledger request failed: %v", e.Err)
	}
	return fmt.Sprintf("ledger request failed with status %d", e.StatusCode)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// HTTPStatus maps an error to the status code the HTTP layer should answer with.
func HTTPStatus(err error) int {
	var conflict *ValidationConflictError
	var upstream *UpstreamError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &conflict),
		errors.As(err, &upstream),
		errors.Is(err, ErrDuplicatePhoneNumber),
		errors.Is(err, ErrPhoneNumberLimitExceeded),
		errors.Is(err, ErrPhoneNumberNotFound),
		errors.Is(err, ErrIncorrectCurrentPassword),
		errors.Is(err, ErrInvalidFilter):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
