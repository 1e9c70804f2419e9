package engine

import "errors"

// Validation errors for user-authored operations. Per §7, network-layer
// failures never surface to the API layer as exceptions, but malformed
// user input does — these are the only two typed errors SendText can
// return for reasons other than a persistence failure.
var (
	// ErrEmptyBody is returned when the message body is empty.
	ErrEmptyBody = errors.New("engine: message body must not be empty")

	// ErrBodyTooLong is returned when the message body exceeds
	// Tunables.MaxMessageLength UTF-8 code points (§3, §6).
	ErrBodyTooLong = errors.New("engine: message body exceeds maximum length")
)
