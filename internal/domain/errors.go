// Package domain contains the core business entities for the membership service.
package domain

import (
	"errors"
	"fmt"
)

// Domain errors. Business negatives (wrong password, stale key, unknown
// account) are not errors; they are reported as false or nil results.

var (
	// ErrInvalidArgument indicates a caller passed a malformed argument to an
	// operation that requires well-formed input. Always a caller bug.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrValidation indicates a requested state is not permitted by policy.
	// Returned errors are *ValidationError values carrying a user-facing message.
	ErrValidation = errors.New("validation failed")

	// ErrMultipleMatches indicates a single-valued claim lookup found more than one value.
	ErrMultipleMatches = errors.New("multiple matches")

	// ErrInvariantViolation indicates stored data broke a uniqueness guarantee,
	// for example two accounts matching the same username.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrAccountUnbound indicates an account was used before being bound to an Env.
	ErrAccountUnbound = errors.New("account is not bound to an environment")
)

// DomainError wraps a domain error with additional context.
type DomainError struct {
	// Err is the underlying domain error.
	Err error

	// Message provides additional context.
	Message string

	// Resource identifies the affected resource (argument name, username, key).
	Resource string
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Err.Error(), e.Message, e.Resource)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError with context.
func NewDomainError(err error, message, resource string) *DomainError {
	return &DomainError{
		Err:      err,
		Message:  message,
		Resource: resource,
	}
}

// RequiredArgument reports an empty argument that must be present.
func RequiredArgument(name string) error {
	return NewDomainError(ErrInvalidArgument, "value is required", name)
}

// ValidationError carries a message meant to be shown to an end user.
type ValidationError struct {
	Message string
}

// NewValidationError creates a ValidationError with the given message.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Message
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InvariantViolation reports that a uniqueness-constrained lookup matched more than one record.
func InvariantViolation(lookup, value string) error {
	return NewDomainError(ErrInvariantViolation, "more than one account matches "+lookup, value)
}
