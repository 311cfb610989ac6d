package broker

import "errors"

// Broker errors
var (
	// ErrNotListening is returned by Run before Listen has succeeded
	ErrNotListening = errors.New("broker is not listening")

	// ErrStopped is returned when the control loop has already exited
	ErrStopped = errors.New("broker stopped")
)
