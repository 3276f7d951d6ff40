package repository

import "errors"

// Repository errors
var (
	// ErrNotFound indicates the requested entity was not found.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a concurrent writer changed the entity first, or a
	// unique constraint rejected the write.
	ErrConflict = errors.New("conflict")
)
