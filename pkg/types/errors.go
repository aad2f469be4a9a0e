package types

import "errors"

// EventID errors
var (
	// ErrInvalidIDLength is returned when an ID string or byte slice has incorrect length
	ErrInvalidIDLength = errors.New("invalid event ID length")

	// ErrInvalidIDCharacter is returned when an ID string contains invalid characters
	ErrInvalidIDCharacter = errors.New("invalid event ID character")
)

// Payload errors
var (
	// ErrPayloadChecksum is returned when a stored payload blob fails checksum verification
	ErrPayloadChecksum = errors.New("payload checksum mismatch")

	// ErrUnsupportedValue is returned when decoding a payload value of an unsupported JSON kind
	ErrUnsupportedValue = errors.New("unsupported payload value")
)
