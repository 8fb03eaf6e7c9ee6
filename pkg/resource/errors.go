// SPDX-License-Identifier: MPL-2.0

package resource

import (
	"errors"
	"fmt"
	"strings"
)

// ErrResolution is the sentinel error wrapped by ResolutionError.
var ErrResolution = errors.New("resolution failed")

type (
	// ResolutionError reports requirements that could not be satisfied.
	// Diagnostics, when present, describe the modules the framework failed to
	// resolve together with their current state.
	ResolutionError struct {
		Unresolved  []*Requirement
		Diagnostics []Diagnostic
		Cause       error
	}

	// Diagnostic describes one module that failed to resolve.
	Diagnostic struct {
		ID           uint64
		SymbolicName string
		Version      Version
		Location     Location
		State        string
		Reason       string
	}
)

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	var b strings.Builder
	b.WriteString("resolution failed")
	for i, r := range e.Unresolved {
		if i == 0 {
			b.WriteString(": missing requirement ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(r.String())
		if id, ok := ownerIdentity(r); ok {
			fmt.Fprintf(&b, " [%s]", id)
		}
	}
	if len(e.Diagnostics) > 0 {
		b.WriteString("; unresolved modules:")
		for _, d := range e.Diagnostics {
			fmt.Fprintf(&b, " [%d %s %s %s state=%s", d.ID, d.SymbolicName, d.Version, d.Location, d.State)
			if d.Reason != "" {
				fmt.Fprintf(&b, " reason=%q", d.Reason)
			}
			b.WriteString("]")
		}
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns ErrResolution and the cause for errors.Is() compatibility.
func (e *ResolutionError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrResolution, e.Cause}
	}
	return []error{ErrResolution}
}

func ownerIdentity(r *Requirement) (Identity, bool) {
	if r.Resource == nil {
		return Identity{}, false
	}
	return IdentityOf(r.Resource)
}
