// Package apperr defines the error taxonomy shared across platform components.
package apperr

import (
	"errors"
	"fmt"
)

// ErrUnauthorized indicates a missing or invalid bot credential.
var ErrUnauthorized = errors.New("unauthorized")

// ErrNotFound indicates an unknown bot, update, or user.
var ErrNotFound = errors.New("not found")

// ValidationError indicates a malformed or out-of-range request field.
// It carries the offending field name so callers can produce a
// field-specific message.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError for the given field.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// AsValidation reports whether err is (or wraps) a ValidationError and
// returns it if so.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
