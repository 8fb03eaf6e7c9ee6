// SPDX-License-Identifier: MPL-2.0

package subsystem

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/tessera/tessera/internal/coordination"
	"github.com/tessera/tessera/internal/module"
	"github.com/tessera/tessera/internal/region"
	"github.com/tessera/tessera/internal/repository"
	"github.com/tessera/tessera/internal/resolver"
	"github.com/tessera/tessera/pkg/manifest"
	"github.com/tessera/tessera/pkg/resource"
)

// Install installs the archive as a child of parent at location. Installing
// a location that is already installed returns the existing subsystem and,
// when needed, adds parent as a further parent. On failure the tree, the
// regions and the framework are left as they were.
func (e *Engine) Install(ctx context.Context, parent *Subsystem, location resource.Location, archive *manifest.Archive) (*Subsystem, error) {
	if err := location.Validate(); err != nil {
		return nil, err
	}
	if archive == nil || archive.Manifest == nil {
		return nil, fmt.Errorf("install %s: %w: missing manifest", location, manifest.ErrInvalidManifest)
	}
	var out *Subsystem
	err := e.operate(ctx, OpInstall, parent, func(ctx context.Context) error {
		if !e.reg.Contains(parent) {
			return fmt.Errorf("install into %d: %w", parent.id, ErrStale)
		}
		e.locks.WriteLock()
		defer e.locks.WriteUnlock()

		ctx, coord, owned := coordination.Begin(ctx, "install "+string(location))
		coord.SetVariable(writeLockKey{}, true)
		s, err := e.install(ctx, coord, parent, location, archive, false)
		if err == nil {
			root, _ := e.reg.Root()
			coord.AddParticipant(func() error { return e.persist(context.WithoutCancel(ctx), root) }, nil)
		}
		if err := e.finish(coord, owned, err); err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}

// install runs inside a coordination with the tree write-locked.
func (e *Engine) install(ctx context.Context, coord *coordination.Coordination, parent *Subsystem, location resource.Location, archive *manifest.Archive, dependency bool) (*Subsystem, error) {
	switch st := parent.State(); st {
	case StateInstallFailed, StateUninstalling, StateUninstalled:
		return nil, &IllegalStateError{Op: OpInstall, ID: parent.id, State: st}
	}

	if existing, ok := e.reg.ByLocation(location); ok {
		return existing, e.adopt(ctx, coord, parent, existing)
	}

	decl := archive.Manifest
	id := decl.Identity()
	for _, other := range e.reg.All() {
		if other.IsRoot() || other.scope != parent.region {
			continue
		}
		oid := other.identity
		if oid.SymbolicName != id.SymbolicName || oid.Version.Compare(id.Version) != 0 {
			continue
		}
		if oid.Type != id.Type {
			return nil, fmt.Errorf("%w: %s already installed at %s", ErrIdentityConflict, oid, other.location)
		}
		return other, e.adopt(ctx, coord, parent, other)
	}

	s, err := newSubsystem(e.reg.NextID(), location, decl, archive.ManifestData, e.reg)
	if err != nil {
		return nil, err
	}
	s.archive = archive
	s.dependency = dependency
	s.scope = parent.region
	s.region = parent.region
	if s.IsScoped() {
		s.region = region.Name(fmt.Sprintf("%s;%s;%s;%d", id.SymbolicName, id.Version, id.Type, s.id))
	}

	if err := e.reg.Add(s); err != nil {
		return nil, err
	}
	coord.Compensate(func() error {
		bg := context.WithoutCancel(ctx)
		if s.State() != stateNone {
			_ = e.change(bg, s, StateInstallFailed, coord.Failure())
		}
		e.reg.Remove(s)
		return e.store.Delete(bg, s.id)
	})
	if err := e.reg.AddChild(parent, s); err != nil {
		return nil, err
	}
	if err := e.transition(ctx, s, StateInstalling); err != nil {
		return nil, err
	}
	e.logger.Info("installing subsystem", "id", s.id, "location", s.location, "symbolic_name", id.SymbolicName, "version", id.Version)

	if s.IsScoped() {
		if err := e.regions.CreateRegion(s.region); err != nil {
			return nil, err
		}
		coord.Compensate(func() error {
			e.regions.RemoveRegion(s.region)
			return nil
		})
		if err := e.regions.Connect(s.region, s.scope, region.NewPolicy()); err != nil {
			return nil, err
		}
		if err := e.regions.Connect(s.scope, s.region, region.NewPolicy()); err != nil {
			return nil, err
		}
	}
	if err := e.persist(ctx, s); err != nil {
		return nil, err
	}

	provisioner := e.provisionerFor(s)
	sc := &installScope{target: s, provisioner: provisioner, content: map[resource.Resource]bool{}}
	local, content, err := e.sources(s)
	if err != nil {
		return nil, err
	}
	var contentReqs []*resource.Requirement
	var scratch resource.Set
	for _, c := range decl.ContentEntries() {
		contentReqs = append(contentReqs, c.Requirement(&scratch, s))
	}
	res, err := e.adapter.Resolve(ctx, resolver.Input{
		Content:   contentReqs,
		Providers: e.chain(sc, local, content),
		Selected: func(ctx context.Context, selected []resource.Resource) error {
			for _, r := range selected {
				sc.content[r] = true
			}
			if !s.IsScoped() {
				return nil
			}
			return e.regions.SetPolicy(s.region, s.scope, e.importPolicy(s, selected))
		},
		Installed:        e.isInstalled,
		Existing:         e.existingWiring(),
		Host:             hostOf,
		Prepare:          e.prepare,
		SkipDependencies: decl.DefersDependencies(),
	})
	if err != nil {
		return nil, err
	}

	for _, dep := range res.Dependencies {
		if err := e.installResource(ctx, coord, dep, provisioner, s, false); err != nil {
			return nil, err
		}
	}
	for _, c := range res.Content {
		if err := e.installResource(ctx, coord, c, s, s, true); err != nil {
			return nil, err
		}
	}
	e.referenceInstalled(coord, s, res.Wiring)
	if provisioner != s {
		coord.AddParticipant(func() error { return e.persist(context.WithoutCancel(ctx), provisioner) }, nil)
	}

	s.setPending(decl.DefersDependencies())
	if err := e.transition(ctx, s, StateInstalled); err != nil {
		return nil, err
	}
	e.logger.Info("subsystem installed", "id", s.id, "location", s.location, "state", StateInstalled)
	return s, nil
}

// adopt makes an already installed subsystem a child of parent.
func (e *Engine) adopt(ctx context.Context, coord *coordination.Coordination, parent, s *Subsystem) error {
	if st := s.State(); st.IsTerminal() || st == StateUninstalling {
		return &IllegalStateError{Op: OpInstall, ID: s.id, State: st}
	}
	for _, p := range e.reg.Parents(s) {
		if p == parent {
			return nil
		}
	}
	if err := e.reg.AddChild(parent, s); err != nil {
		return err
	}
	coord.Compensate(func() error {
		e.reg.RemoveChild(parent, s)
		return nil
	})
	coord.AddParticipant(func() error { return e.persist(context.WithoutCancel(ctx), s) }, nil)
	return nil
}

// installResource provisions r into provisioner on behalf of target and
// records the reference. Content is always provisioned by target itself.
func (e *Engine) installResource(ctx context.Context, coord *coordination.Coordination, r resource.Resource, provisioner, target *Subsystem, content bool) error {
	switch r := r.(type) {
	case *repository.Entry:
		loc := r.Location()
		if content {
			loc = contentLocation(target, r.Identity())
		}
		m, err := e.installModule(ctx, coord, loc, r.Data(), provisioner, !content)
		if err != nil {
			return err
		}
		e.addReference(coord, target, m, content)
	case *module.Module:
		if !content {
			e.addReference(coord, target, r, false)
			return nil
		}
		if owner, ok := e.reg.ProvisionerOf(r); ok && owner == target {
			e.addReference(coord, target, r, true)
			return nil
		}
		m, err := e.installModule(ctx, coord, contentLocation(target, r.Identity()), r.Data(), target, false)
		if err != nil {
			return err
		}
		e.addReference(coord, target, m, true)
	case *archiveResource:
		parent := provisioner
		if content {
			parent = target
		}
		id := r.archive.Manifest.Identity()
		child, err := e.install(ctx, coord, parent, contentLocation(parent, id), r.archive, !content)
		if err != nil {
			return err
		}
		e.addReference(coord, target, child, content)
	case *Subsystem:
		if content {
			if err := e.adopt(ctx, coord, target, r); err != nil {
				return err
			}
		}
		e.addReference(coord, target, r, content)
	default:
		return fmt.Errorf("install %v: %w: unknown resource kind %T", r, ErrUnsupported, r)
	}
	return nil
}

// installModule installs a module into owner's region and records it as a
// constituent of owner. A module already installed at location is reused.
func (e *Engine) installModule(ctx context.Context, coord *coordination.Coordination, loc resource.Location, data []byte, owner *Subsystem, dependency bool) (*module.Module, error) {
	if m, ok := e.fw.ByLocation(loc); ok {
		return m, nil
	}
	m, err := e.fw.Install(ctx, loc, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("install module %s: %w", loc, err)
	}
	coord.Compensate(func() error {
		return e.fw.Uninstall(context.WithoutCancel(ctx), m)
	})
	digest, err := e.store.PutContent(ctx, data)
	if err != nil {
		return nil, err
	}
	if err := e.regions.AddModule(owner.region, m.ID()); err != nil {
		return nil, err
	}
	e.reg.AddConstituent(owner, m)
	id := m.Identity()
	owner.setModule(m.ID(), manifest.Constituent{
		Location:   string(loc),
		Name:       id.SymbolicName,
		Version:    id.Version.String(),
		Type:       id.Type,
		Digest:     digest,
		Dependency: dependency,
	})
	coord.Compensate(func() error {
		owner.deleteModule(m.ID())
		e.reg.RemoveConstituent(owner, m)
		e.regions.RemoveModule(m.ID())
		return nil
	})
	e.logger.Debug("module installed", "id", m.ID(), "location", loc, "region", owner.region)
	return m, nil
}

func (e *Engine) addReference(coord *coordination.Coordination, s *Subsystem, r resource.Resource, content bool) {
	for _, ref := range e.reg.References(s) {
		if ref == r {
			return
		}
	}
	e.reg.AddReference(s, r)
	s.markContent(r, content)
	coord.Compensate(func() error {
		e.reg.RemoveReference(s, r)
		s.markContent(r, false)
		return nil
	})
}

// referenceInstalled records references to already installed providers the
// wiring of s uses.
func (e *Engine) referenceInstalled(coord *coordination.Coordination, s *Subsystem, w resource.Wiring) {
	for _, wires := range w {
		for _, wire := range wires {
			prov := wire.Capability.Resource
			if resource.IsMissing(wire.Capability) || prov == nil || prov == resource.Resource(s) || !e.isInstalled(prov) {
				continue
			}
			if owner, ok := e.reg.ProvisionerOf(prov); ok && owner == s {
				continue
			}
			e.addReference(coord, s, prov, false)
		}
	}
}

// installDependencies installs the dependencies of s whose installation
// was deferred to its first start.
func (e *Engine) installDependencies(ctx context.Context, coord *coordination.Coordination, s *Subsystem) error {
	if !s.DependenciesPending() {
		return nil
	}
	if !e.locks.Mark(s.id, "DEPENDENCIES") {
		return nil
	}
	defer e.locks.Unmark(s.id, "DEPENDENCIES")
	e.logger.Info("installing deferred dependencies", "id", s.id, "location", s.location)

	var roots []resource.Resource
	for _, r := range e.reg.References(s) {
		if s.IsContent(r) {
			roots = append(roots, r)
		}
	}
	provisioner := e.provisionerFor(s)
	sc := &installScope{target: s, provisioner: provisioner, content: map[resource.Resource]bool{}}
	for _, r := range roots {
		sc.content[r] = true
	}
	local, _, err := e.sources(s)
	if err != nil {
		return err
	}
	res, err := e.adapter.Resolve(ctx, resolver.Input{
		Roots:     roots,
		Providers: e.chain(sc, local, repository.NewMemory(roots...)),
		Installed: e.isInstalled,
		Existing:  e.existingWiring(),
		Host:      hostOf,
		Prepare:   e.prepare,
	})
	if err != nil {
		return err
	}
	for _, dep := range res.Dependencies {
		if err := e.installResource(ctx, coord, dep, provisioner, s, false); err != nil {
			return err
		}
	}
	e.referenceInstalled(coord, s, res.Wiring)

	s.setPending(false)
	coord.AddParticipant(
		func() error {
			bg := context.WithoutCancel(ctx)
			return errors.Join(e.persist(bg, s), e.persist(bg, provisioner))
		},
		func() error {
			s.setPending(true)
			return nil
		},
	)
	return nil
}

func contentLocation(parent *Subsystem, id resource.Identity) resource.Location {
	return resource.Location(fmt.Sprintf("%s!/%s@%s", parent.location, id.SymbolicName, id.Version))
}
