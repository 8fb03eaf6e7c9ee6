// SPDX-License-Identifier: MPL-2.0

package daemon

import (
	"errors"
	"fmt"
)

const (
	// StateCreated indicates the daemon was created but Start was not called.
	StateCreated State = iota
	// StateStarting indicates Start is binding listeners and watchers.
	StateStarting
	// StateRunning indicates the daemon serves requests.
	StateRunning
	// StateStopping indicates Stop is shutting the daemon down.
	StateStopping
	// StateStopped is terminal.
	StateStopped
	// StateFailed is terminal: start failed or a component broke.
	StateFailed
)

// ErrInvalidState is returned when a State value is not one of the defined states.
var ErrInvalidState = errors.New("invalid daemon state")

type (
	// State is the lifecycle state of a Daemon.
	State int32

	// InvalidStateError is returned when a State value is not recognized.
	InvalidStateError struct {
		Value State
	}
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Validate reports whether s is a defined state.
func (s State) Validate() error {
	if s < StateCreated || s > StateFailed {
		return &InvalidStateError{Value: s}
	}
	return nil
}

// IsTerminal reports whether s is Stopped or Failed.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid daemon state %d", e.Value)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }
