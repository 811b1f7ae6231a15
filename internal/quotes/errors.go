package quotes

import "errors"

// Domain errors for quotes.
var (
	// ErrNotFound indicates the requested quote was not found.
	ErrNotFound = errors.New("quote not found")

	// Status transition errors.
	ErrInvalidTransition = errors.New("quote status does not allow this operation")
	ErrExpired           = errors.New("quote validity window has passed")

	// Validation errors.
	ErrValidUntilPast = errors.New("valid_until must be in the future")
)
