package transport

import "errors"

// Channel errors
var (
	// ErrTransient is a single failed send or receive attempt. It is retried
	// and only escapes wrapped in ErrChannelFailure.
	ErrTransient = errors.New("transient channel failure")

	// ErrChannelFailure means the channel is unusable after bounded retries
	ErrChannelFailure = errors.New("channel failure")

	// ErrClosed is returned by operations on a closed connection
	ErrClosed = errors.New("connection closed")
)
