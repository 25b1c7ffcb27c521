package terminal

import "errors"

// Sentinel errors for the terminal package.
var (
	// ErrBlitLength is returned when blit arguments differ in length.
	ErrBlitLength = errors.New("arguments must be the same length")

	// ErrMalformed is returned when decoding invalid terminal data.
	ErrMalformed = errors.New("malformed terminal data")
)
