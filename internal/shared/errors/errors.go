// Package errors holds the provisioner's coded error types.
package errors

import "errors"

// ErrInvalidConfig matches every FieldError via errors.Is.
var ErrInvalidConfig = errors.New("invalid configuration")

// FieldError names the configuration key that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return "invalid configuration: " + e.Field + ": " + e.Reason
}

func (e *FieldError) Unwrap() error { return ErrInvalidConfig }

func NewFieldError(field, reason string) *FieldError {
	return &FieldError{Field: field, Reason: reason}
}
