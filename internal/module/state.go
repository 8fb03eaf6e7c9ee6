// SPDX-License-Identifier: MPL-2.0

package module

// State is the lifecycle state of a single module.
type State int

const (
	// StateInstalled means the module is installed but not wired.
	StateInstalled State = iota
	// StateResolved means every mandatory requirement is wired.
	StateResolved
	// StateStarting means a lazy module is waiting for its first activation.
	StateStarting
	// StateActive means the module is running.
	StateActive
	// StateStopping is held while the stop hook runs.
	StateStopping
	// StateUninstalled is terminal.
	StateUninstalled
)

var stateNames = [...]string{
	StateInstalled:   "INSTALLED",
	StateResolved:    "RESOLVED",
	StateStarting:    "STARTING",
	StateActive:      "ACTIVE",
	StateStopping:    "STOPPING",
	StateUninstalled: "UNINSTALLED",
}

// String returns the upper-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// IsResolved reports whether the module has been wired.
func (s State) IsResolved() bool {
	return s >= StateResolved && s <= StateStopping
}
