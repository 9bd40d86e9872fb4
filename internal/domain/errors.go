package domain

import "errors"

// Expected failure kinds. Callers distinguish them with errors.Is; anything
// else is an infrastructure error wrapping its cause.
var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrConflict               = errors.New("conflict: row already mutated")
	ErrCreationFailed         = errors.New("creation failed")
)
