package domain

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates invalid input or a violated data invariant.
	ErrValidation = errors.New("validation error")
	// ErrConflict indicates the operation conflicts with existing state,
	// e.g. a duplicate active enrollment.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition indicates a status transition the enrollment
	// state machine does not permit.
	ErrInvalidTransition = errors.New("invalid transition")
)
