package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates the actor does not own the referenced resource.
	ErrForbidden = errors.New("forbidden")
)
