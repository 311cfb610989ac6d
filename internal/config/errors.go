// internal/config/errors.go
package config

import "errors"

// Validation errors
var (
	// ErrInvalidPort indicates a port number is out of valid range
	ErrInvalidPort = errors.New("port must be between 0 and 65535")

	// ErrInvalidHeartbeat indicates the heartbeat interval is not positive
	ErrInvalidHeartbeat = errors.New("heartbeat interval must be positive")

	// ErrInvalidHeartbeatMisses indicates the liveness threshold is too low
	ErrInvalidHeartbeatMisses = errors.New("heartbeat misses must be at least 2")

	// ErrInvalidMaxWorkers indicates the factory cap is negative
	ErrInvalidMaxWorkers = errors.New("max workers must not be negative")

	// ErrInvalidExtension indicates the worker descriptor extension does not start with a period
	ErrInvalidExtension = errors.New("worker extension must start with a period")

	// ErrInvalidRetries indicates the send retry count is too low
	ErrInvalidRetries = errors.New("send retries must be at least 1")
)
