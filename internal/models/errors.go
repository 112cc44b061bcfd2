package models

import (
	"errors"
	"fmt"
)

// Outcome kinds shared by every coordinator. Callers classify with errors.Is;
// the HTTP layer maps each one to a status code.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyRegistered = errors.New("already registered")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrForbidden         = errors.New("forbidden")
	ErrCapacityExceeded  = errors.New("capacity exceeded")

	// ErrAssignmentEngine covers empty, malformed or non-2xx responses from the
	// matching engine.
	ErrAssignmentEngine = errors.New("assignment engine error")

	// ErrTransport covers failures to reach the matching engine at all.
	ErrTransport = errors.New("transport error")
)

// ErrVehicleNotFound is a NotFound specialisation so callers that only care
// about the broad kind still match it.
var ErrVehicleNotFound = fmt.Errorf("vehicle %w", ErrNotFound)
