package worker

import "errors"

// Worker errors
var (
	// ErrQueueClosed is returned by a blocked wait once the worker stops
	ErrQueueClosed = errors.New("job queue closed")

	// ErrWorkerStopped is returned by operations after the communicator has exited
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrInvalidType indicates the worker was created without a usable capability key
	ErrInvalidType = errors.New("worker needs a valid input and output mesh type")

	// ErrNoHandler indicates no registered handler accepts a job's type
	ErrNoHandler = errors.New("no handler for job type")
)
