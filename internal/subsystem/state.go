// SPDX-License-Identifier: MPL-2.0

package subsystem

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a subsystem.
type State int

const (
	stateNone State = iota
	// StateInstalling is entered when an install begins.
	StateInstalling
	// StateInstalled means content and (unless deferred) dependencies are installed.
	StateInstalled
	// StateResolving is entered while content and dependencies are resolved.
	StateResolving
	// StateResolved means every constituent module is wired.
	StateResolved
	// StateStarting is entered while constituents start.
	StateStarting
	// StateActive means every constituent is started.
	StateActive
	// StateStopping is entered while constituents stop.
	StateStopping
	// StateInstallFailed is the terminal state of a failed install.
	StateInstallFailed
	// StateUninstalling is entered when an uninstall begins.
	StateUninstalling
	// StateUninstalled is the terminal state of a removed subsystem.
	StateUninstalled
)

var stateNames = [...]string{
	stateNone:          "",
	StateInstalling:    "INSTALLING",
	StateInstalled:     "INSTALLED",
	StateResolving:     "RESOLVING",
	StateResolved:      "RESOLVED",
	StateStarting:      "STARTING",
	StateActive:        "ACTIVE",
	StateStopping:      "STOPPING",
	StateInstallFailed: "INSTALL_FAILED",
	StateUninstalling:  "UNINSTALLING",
	StateUninstalled:   "UNINSTALLED",
}

// String returns the upper-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState parses a state name as produced by String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if i > 0 && strings.EqualFold(n, name) {
			return State(i), nil
		}
	}
	return stateNone, fmt.Errorf("unknown subsystem state %q", name)
}

// IsTransitional reports whether the state is held only while an operation
// is in progress.
func (s State) IsTransitional() bool {
	switch s {
	case StateInstalling, StateResolving, StateStarting, StateStopping, StateUninstalling:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further lifecycle operation is possible.
func (s State) IsTerminal() bool {
	return s == StateInstallFailed || s == StateUninstalled
}
