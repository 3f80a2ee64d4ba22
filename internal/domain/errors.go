package domain

import "errors"

var (
	ErrSessionNotFound       = errors.New("session not found")
	ErrInvalidSession        = errors.New("invalid session parameters")
	ErrInvalidCommand        = errors.New("invalid command")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrInvariantViolation    = errors.New("internal invariant violation")
	ErrEngineStopped         = errors.New("engine stopped")
	ErrSettlementPending     = errors.New("settlement emission pending")
	ErrSessionOwnedElsewhere = errors.New("session owned by another instance")
)
