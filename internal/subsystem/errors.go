// SPDX-License-Identifier: MPL-2.0

package subsystem

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalState is the sentinel error wrapped by IllegalStateError.
	ErrIllegalState = errors.New("illegal subsystem state")
	// ErrStale is returned for a subsystem handle that is no longer registered.
	ErrStale = errors.New("stale subsystem handle")
	// ErrIdentityConflict is returned when an install would create a second
	// subsystem with the same name and version but a different type in one scope.
	ErrIdentityConflict = errors.New("subsystem identity conflict")
	// ErrUnsupported is returned for operations a subsystem type does not allow.
	ErrUnsupported = errors.New("operation not supported")
	// ErrNotFound is returned when no subsystem has the requested id.
	ErrNotFound = errors.New("subsystem not found")
	// ErrPermission is the sentinel error wrapped by PermissionError.
	ErrPermission = errors.New("permission denied")
	// ErrNotOpen is returned by operations on an engine that was not opened.
	ErrNotOpen = errors.New("engine not open")
)

type (
	// IllegalStateError is returned when an operation is not allowed in the
	// subsystem's current state.
	IllegalStateError struct {
		Op    Operation
		ID    uint64
		State State
	}

	// PermissionError is returned when the Authorizer denies an operation.
	PermissionError struct {
		Op    Operation
		ID    uint64
		Cause error
	}
)

// Error implements the error interface.
func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("cannot %s subsystem %d in state %s", e.Op, e.ID, e.State)
}

// Unwrap returns ErrIllegalState for errors.Is() compatibility.
func (e *IllegalStateError) Unwrap() error { return ErrIllegalState }

// Error implements the error interface.
func (e *PermissionError) Error() string {
	msg := fmt.Sprintf("permission denied: %s subsystem %d", e.Op, e.ID)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns ErrPermission and the cause for errors.Is() compatibility.
func (e *PermissionError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrPermission, e.Cause}
	}
	return []error{ErrPermission}
}
