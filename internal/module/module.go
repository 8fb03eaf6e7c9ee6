// SPDX-License-Identifier: MPL-2.0

package module

import (
	"slices"
	"sync"

	"github.com/tessera/tessera/pkg/manifest"
	"github.com/tessera/tessera/pkg/resource"
)

// Module is an installed module. Capabilities and requirements are fixed at
// install time; state and wiring change as the framework drives it.
type Module struct {
	resource.Set

	id         uint64
	location   resource.Location
	descriptor *manifest.ModuleDescriptor
	identity   resource.Identity
	data       []byte

	mu        sync.Mutex
	state     State
	wires     []resource.Wire
	host      *Module
	fragments []*Module
}

// ID returns the framework-assigned module id.
func (m *Module) ID() uint64 { return m.id }

// Location returns the install location.
func (m *Module) Location() resource.Location { return m.location }

// Descriptor returns the parsed module descriptor.
func (m *Module) Descriptor() *manifest.ModuleDescriptor { return m.descriptor }

// Identity returns the module identity.
func (m *Module) Identity() resource.Identity { return m.identity }

// Data returns the descriptor bytes the module was installed from.
func (m *Module) Data() []byte { return m.data }

// IsFragment reports whether the module attaches to a host.
func (m *Module) IsFragment() bool { return m.identity.Type == resource.TypeFragment }

// State returns the current state.
func (m *Module) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Wires returns the wiring computed when the module resolved.
func (m *Module) Wires() []resource.Wire {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.wires)
}

// Host returns the host a fragment is attached to.
func (m *Module) Host() (*Module, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host, m.host != nil
}

// Fragments returns the fragments attached to a host.
func (m *Module) Fragments() []*Module {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.fragments)
}

// String returns "name;version;type@location".
func (m *Module) String() string {
	return m.identity.String() + "@" + string(m.location)
}

func (m *Module) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
