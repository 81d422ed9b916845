package shared

import "errors"

var (
	// ErrNotFound indicates a referenced principal, role, permission or
	// delegation does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a duplicate assignment, an overlapping delegation
	// window or a duplicate graph edge.
	ErrConflict = errors.New("conflict")
	// ErrInvalidArgument indicates a request that can never be valid, such as
	// self-delegation or an inverted validity window.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrCycleDetected indicates a role-hierarchy or dependency edge that
	// would close a cycle.
	ErrCycleDetected = errors.New("cycle detected")
)
