// SPDX-License-Identifier: MPL-2.0

package subsystem

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/tessera/tessera/internal/module"
	"github.com/tessera/tessera/internal/region"
	"github.com/tessera/tessera/internal/registry"
	"github.com/tessera/tessera/pkg/manifest"
	"github.com/tessera/tessera/pkg/resource"
)

// Subsystem is an installed application, composite or feature. It is a
// resource: its capabilities are its identity plus the declared ones, and
// a feature additionally exposes the capabilities of its content modules.
type Subsystem struct {
	caps resource.Set

	id           uint64
	location     resource.Location
	identity     resource.Identity
	decl         *manifest.Declared
	manifestData []byte
	archive      *manifest.Archive

	// region is the subsystem's own region, or the parent's for a feature.
	region region.Name
	// scope is the region the subsystem was installed into.
	scope region.Name
	reg   *registry.Registry[*Subsystem]

	mu         sync.Mutex
	cond       *sync.Cond
	state      State
	autostart  bool
	pending    bool
	dependency bool
	reqs       []*resource.Requirement
	extra      []manifest.RequirementDecl
	content    map[resource.Resource]bool
	modules    map[uint64]manifest.Constituent
}

func newSubsystem(id uint64, location resource.Location, decl *manifest.Declared, data []byte, reg *registry.Registry[*Subsystem]) (*Subsystem, error) {
	s := &Subsystem{
		id:           id,
		location:     location,
		identity:     decl.Identity(),
		decl:         decl,
		manifestData: data,
		reg:          reg,
		content:      make(map[resource.Resource]bool),
		modules:      make(map[uint64]manifest.Constituent),
	}
	s.cond = sync.NewCond(&s.mu)
	s.caps.AddCapability(s, resource.NamespaceIdentity, s.identity.Attributes(), nil)
	for _, c := range decl.Capabilities {
		if _, err := c.AddTo(&s.caps, s); err != nil {
			return nil, err
		}
	}
	var reqs resource.Set
	for _, r := range decl.Requirements {
		if _, err := r.AddTo(&reqs, s); err != nil {
			return nil, err
		}
	}
	s.reqs = reqs.Requirements("")
	return s, nil
}

// ID returns the subsystem id. The root has id 0.
func (s *Subsystem) ID() uint64 { return s.id }

// Location returns the install location.
func (s *Subsystem) Location() resource.Location { return s.location }

// Identity returns the declared identity.
func (s *Subsystem) Identity() resource.Identity { return s.identity }

// SymbolicName returns the declared symbolic name.
func (s *Subsystem) SymbolicName() string { return s.identity.SymbolicName }

// Version returns the declared version.
func (s *Subsystem) Version() resource.Version { return s.identity.Version }

// Type returns the subsystem type.
func (s *Subsystem) Type() resource.Type { return s.identity.Type }

// Manifest returns a copy of the declared manifest.
func (s *Subsystem) Manifest() *manifest.Declared { return s.decl.Clone() }

// Region returns the region the subsystem's constituents live in.
func (s *Subsystem) Region() region.Name { return s.region }

// IsRoot reports whether s is the root subsystem.
func (s *Subsystem) IsRoot() bool { return s.id == 0 }

// IsScoped reports whether s owns a region.
func (s *Subsystem) IsScoped() bool { return s.identity.Type.IsScoped() }

// State returns the current lifecycle state.
func (s *Subsystem) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Autostart reports whether s is started when its parent (or the engine)
// starts.
func (s *Subsystem) Autostart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autostart
}

// DependenciesPending reports whether dependency installation was deferred
// and has not happened yet.
func (s *Subsystem) DependenciesPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// WaitForStateChange blocks until the state differs from from or ctx is done.
func (s *Subsystem) WaitForStateChange(ctx context.Context, from State) (State, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.state == from {
		if err := ctx.Err(); err != nil {
			return s.state, err
		}
		s.cond.Wait()
	}
	return s.state, nil
}

// Capabilities implements resource.Resource.
func (s *Subsystem) Capabilities(ns resource.Namespace) []*resource.Capability {
	caps := s.caps.Capabilities(ns)
	if s.identity.Type != resource.TypeFeature || s.reg == nil || ns == resource.NamespaceIdentity {
		return caps
	}
	for _, r := range s.reg.Constituents(s) {
		m, ok := r.(*module.Module)
		if !ok || !s.IsContent(m) {
			continue
		}
		for _, c := range m.Capabilities(ns) {
			if c.Namespace != resource.NamespaceIdentity {
				caps = append(caps, c)
			}
		}
	}
	return caps
}

// Requirements implements resource.Resource. Requirements added after
// install are included.
func (s *Subsystem) Requirements(ns resource.Namespace) []*resource.Requirement {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ns == "" {
		return slices.Clone(s.reqs)
	}
	var out []*resource.Requirement
	for _, r := range s.reqs {
		if r.Namespace == ns {
			out = append(out, r)
		}
	}
	return out
}

// IsContent reports whether r is declared content of s.
func (s *Subsystem) IsContent(r resource.Resource) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content[r]
}

func (s *Subsystem) String() string {
	return s.identity.String() + "@" + string(s.location)
}

// setState changes the state and wakes waiters. It returns the old state.
func (s *Subsystem) setState(to State) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.state
	s.state = to
	s.cond.Broadcast()
	return from
}

func (s *Subsystem) setAutostart(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.autostart
	s.autostart = v
	return old
}

func (s *Subsystem) setPending(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = v
}

func (s *Subsystem) isDependency() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dependency
}

func (s *Subsystem) markContent(r resource.Resource, content bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if content {
		s.content[r] = true
	} else {
		delete(s.content, r)
	}
}

func (s *Subsystem) setModule(id uint64, c manifest.Constituent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[id] = c
}

func (s *Subsystem) deleteModule(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.modules, id)
}

func (s *Subsystem) moduleInfo(id uint64) (manifest.Constituent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.modules[id]
	return c, ok
}

func (s *Subsystem) addRequirements(reqs []*resource.Requirement, decls []manifest.RequirementDecl) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, reqs...)
	s.extra = append(s.extra, decls...)
}

func (s *Subsystem) extraRequirements() []manifest.RequirementDecl {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.extra)
}

func (s *Subsystem) contentSet() map[resource.Resource]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.content)
}
