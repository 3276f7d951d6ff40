// Package service provides the account orchestration layer for the membership service.
package service

import "errors"

// Service errors. Business negatives are reported as false or nil results and
// validation failures as *domain.ValidationError; these cover infrastructure.
var (
	// ErrInternalError wraps storage and notification failures.
	ErrInternalError = errors.New("internal server error")

	// ErrConcurrentUpdate indicates another writer changed the account first.
	// The operation had no effect and may be retried.
	ErrConcurrentUpdate = errors.New("account was modified concurrently")
)

// Validation messages shown to end users.
const (
	msgInvalidEmail          = "Email is invalid."
	msgEmailInUse            = "Email already in use."
	msgUsernameInUse         = "Username already in use."
	msgInvalidPasswordPrefix = "Invalid password: "

	msgUsernameAtSign       = "Username cannot contain the '@' character."
	msgUsernameInvalidChars = "Username can only contain letters, digits, spaces and the characters . _ - '."
	msgUsernameStartEnd     = "Username must start and end with a letter or digit."
	msgUsernameRepeated     = "Username cannot contain repeated punctuation."
)
