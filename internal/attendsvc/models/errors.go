package models

import "errors"

// Business outcomes. Callers surface these to operators and never retry them.
var (
	ErrEventNotFound  = errors.New("event not found")
	ErrConflict       = errors.New("event is not the active event")
	ErrMemberNotFound = errors.New("member not registered")
	ErrDuplicateScan  = errors.New("member already scanned for event")
	ErrNoActiveEvent  = errors.New("no active event")
)

// Transient failures. Safe to retry.
var (
	ErrStoreUnavailable = errors.New("attendance store unavailable")
)

// Invariant violations. Observing one of these is a bug.
var (
	ErrMultipleActiveEvents = errors.New("more than one active event")
	ErrInvariantViolation   = errors.New("attendance invariant violated")
)
