package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when no checkpoint exists for a thread.
	ErrNotFound = errors.New("thread not found")
)
