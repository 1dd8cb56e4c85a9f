package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidRecord is returned when a record is missing its kind or id.
	ErrInvalidRecord = errors.New("invalid record")
)
