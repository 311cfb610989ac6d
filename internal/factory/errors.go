package factory

import "errors"

// Descriptor errors
var (
	// ErrInvalidDescriptor indicates a worker descriptor file could not be used
	ErrInvalidDescriptor = errors.New("invalid worker descriptor")

	// ErrInvalidExtension indicates the descriptor extension does not start with a period
	ErrInvalidExtension = errors.New("worker extension must start with a period")

	// ErrInvalidMaxWorkers indicates a negative worker cap
	ErrInvalidMaxWorkers = errors.New("max workers must not be negative")
)
