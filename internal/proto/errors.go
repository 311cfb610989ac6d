// internal/proto/errors.go
package proto

import "errors"

// Decoding errors
var (
	// ErrMalformedMessage indicates an envelope or payload could not be decoded.
	// Receivers drop the message and keep running.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnknownMeshType indicates a mesh type name or number is not recognized
	ErrUnknownMeshType = errors.New("unknown mesh type")

	// ErrInvalidEndpoint indicates a server connection string could not be parsed
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)
