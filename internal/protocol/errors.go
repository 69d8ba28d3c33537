package protocol

import "errors"

var (
	// ErrMalformedFrame marks a datagram whose transport header is unusable.
	// The datagram is dropped and the connection is left untouched.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrMalformedMessage marks an application message that failed to decode
	// or decrypt. Only that message is dropped.
	ErrMalformedMessage = errors.New("malformed message")
)
