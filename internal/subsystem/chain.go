// SPDX-License-Identifier: MPL-2.0

package subsystem

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/tessera/tessera/internal/coordination"
	"github.com/tessera/tessera/internal/module"
	"github.com/tessera/tessera/internal/region"
	"github.com/tessera/tessera/internal/repository"
	"github.com/tessera/tessera/pkg/manifest"
	"github.com/tessera/tessera/pkg/resource"
)

type (
	// archiveResource is a nested subsystem archive that is not installed
	// yet. Its requirements are those the subsystem would import.
	archiveResource struct {
		resource.Set
		archive *manifest.Archive
		path    string
	}

	// installScope carries what the chain validator needs to place resources
	// that are not installed yet.
	installScope struct {
		target      *Subsystem
		provisioner *Subsystem
		content     map[resource.Resource]bool
	}

	writeLockKey struct{}
)

func newArchiveResource(a *manifest.Archive, path string) (*archiveResource, error) {
	r := &archiveResource{archive: a, path: path}
	decl := a.Manifest
	id := decl.Identity()
	r.AddCapability(r, resource.NamespaceIdentity, id.Attributes(), nil)
	for _, c := range decl.Capabilities {
		if _, err := c.AddTo(&r.Set, r); err != nil {
			return nil, err
		}
	}
	for _, d := range decl.Requirements {
		if _, err := d.AddTo(&r.Set, r); err != nil {
			return nil, err
		}
	}

	entries, err := archiveEntries("archive:"+path, a)
	if err != nil {
		return nil, err
	}
	var content []resource.Resource
	for _, en := range entries {
		if _, ok := decl.FindContent(en.Identity()); ok {
			content = append(content, en)
		}
	}
	switch id.Type {
	case resource.TypeApplication:
		for _, req := range importRequirements(content) {
			r.AddRequirement(r, req.Namespace, req.Filter, req.Directives)
		}
	case resource.TypeFeature:
		for _, c := range content {
			for _, cp := range c.Capabilities("") {
				if cp.Namespace != resource.NamespaceIdentity {
					r.AddCapability(r, cp.Namespace, cp.Attributes, cp.Directives)
				}
			}
			for _, req := range c.Requirements("") {
				r.AddRequirement(r, req.Namespace, req.Filter, req.Directives)
			}
		}
	}
	return r, nil
}

func (r *archiveResource) String() string {
	return r.archive.Manifest.Identity().String() + "@" + r.path
}

// archiveEntries turns the bundled modules of a into repository entries
// located under base.
func archiveEntries(base string, a *manifest.Archive) ([]*repository.Entry, error) {
	out := make([]*repository.Entry, 0, len(a.Modules))
	for _, bm := range a.Modules {
		en, err := repository.NewEntry(resource.Location(base+"!/"+bm.Path), bm.Data)
		if err != nil {
			return nil, fmt.Errorf("bundled module %s: %w", bm.Path, err)
		}
		out = append(out, en)
	}
	return out, nil
}

// importRequirements returns the requirements of content that no content
// resource satisfies.
func importRequirements(content []resource.Resource) []*resource.Requirement {
	var out []*resource.Requirement
	for _, c := range content {
		for _, req := range c.Requirements("") {
			if len(repository.Match(req, content...)) == 0 {
				out = append(out, req)
			}
		}
	}
	return out
}

// importPolicy computes the sharing policy of the edge from s to the region
// it was installed into.
func (e *Engine) importPolicy(s *Subsystem, content []resource.Resource) *region.SharingPolicy {
	var reqs []*resource.Requirement
	switch s.Type() {
	case resource.TypeComposite:
		reqs = s.Requirements("")
	case resource.TypeApplication:
		reqs = append(importRequirements(content), s.Requirements("")...)
	}
	return region.PolicyFromRequirements(reqs)
}

// exportPolicy computes the policy of the edge from the parent region to s.
// Only composites export.
func exportPolicy(s *Subsystem) (*region.SharingPolicy, error) {
	p := region.NewPolicy()
	if s.Type() != resource.TypeComposite {
		return p, nil
	}
	filters, err := s.decl.ExportFilters()
	if err != nil {
		return nil, err
	}
	for ns, fs := range filters {
		for _, f := range fs {
			p.Allow(ns, f)
		}
	}
	return p, nil
}

// sources builds the local and content repositories for an install.
func (e *Engine) sources(s *Subsystem) (local, content *repository.Memory, err error) {
	local, content = repository.NewMemory(), repository.NewMemory()
	if s.archive == nil {
		return local, content, nil
	}
	entries, err := archiveEntries(string(s.location), s.archive)
	if err != nil {
		return nil, nil, err
	}
	for _, en := range entries {
		local.Add(en)
		if _, ok := s.decl.FindContent(en.Identity()); ok {
			content.Add(en)
		}
	}
	for _, child := range s.archive.Children {
		id := child.Manifest.Identity()
		r, err := newArchiveResource(child, fmt.Sprintf("%s!/%s@%s", s.location, id.SymbolicName, id.Version))
		if err != nil {
			return nil, nil, err
		}
		local.Add(r)
		if _, ok := s.decl.FindContent(id); ok {
			content.Add(r)
		}
	}
	return local, content, nil
}

// chain builds the repository chain used to resolve s.
func (e *Engine) chain(sc *installScope, local, content repository.Repository) *repository.Chain {
	system := repository.Func(func(ctx context.Context, req *resource.Requirement) ([]*resource.Capability, error) {
		caps := e.fw.Providers(req)
		var subs []resource.Resource
		for _, sub := range e.reg.All() {
			if sub == sc.target {
				continue
			}
			switch sub.State() {
			case StateInstalling, StateInstallFailed, StateUninstalling, StateUninstalled:
				continue
			}
			subs = append(subs, sub)
		}
		return append(caps, repository.Match(req, subs...)...), nil
	})
	opts := []repository.ChainOption{
		repository.WithTier(repository.TierContent, content),
		repository.WithTier(repository.TierSystem, system),
		repository.WithTier(repository.TierLocal, local),
		repository.WithTier(repository.TierServices, e.services),
		repository.WithValidator(e.validator(sc)),
		repository.WithResolved(e.isResolved),
		repository.WithChainLogger(e.logger.WithPrefix("repository")),
	}
	if entries := sc.target.decl.PreferredProviderEntries(); len(entries) > 0 {
		opts = append(opts, repository.WithTier(repository.TierPreferred,
			repository.NewPreferred(entries, system, local, e.services)))
	}
	if e.observer != nil {
		opts = append(opts, repository.WithObserver(func(t repository.Tier, found bool) {
			e.observer.ObserveLookup(string(t), found)
		}))
	}
	return repository.NewChain(opts...)
}

// validator rejects candidates the requirer's region cannot see. Resources
// that are not installed yet are placed where they would be provisioned.
func (e *Engine) validator(sc *installScope) repository.Validator {
	return func(req *resource.Requirement, c *resource.Capability) bool {
		if req.Resource == sc.target {
			return true
		}
		return e.regions.IsVisible(e.placement(sc, req.Resource), e.placement(sc, c.Resource), c)
	}
}

func (e *Engine) placement(sc *installScope, r resource.Resource) region.Name {
	switch r := r.(type) {
	case *module.Module:
		if name, ok := e.regions.RegionOf(r.ID()); ok {
			return name
		}
		return RootRegion
	case *Subsystem:
		if r.IsRoot() {
			return RootRegion
		}
		return r.scope
	}
	if sc.content[r] {
		return sc.target.region
	}
	return sc.provisioner.region
}

func (e *Engine) isInstalled(r resource.Resource) bool {
	switch r := r.(type) {
	case *module.Module:
		m, ok := e.fw.ByID(r.ID())
		return ok && m == r
	case *Subsystem:
		return e.reg.Contains(r)
	default:
		return false
	}
}

func (e *Engine) isResolved(r resource.Resource) bool {
	switch r := r.(type) {
	case *module.Module:
		return r.State().IsResolved()
	case *Subsystem:
		switch r.State() {
		case StateResolved, StateStarting, StateActive, StateStopping:
			return true
		}
	}
	return false
}

func (e *Engine) existingWiring() resource.Wiring {
	w := resource.Wiring{}
	for _, m := range e.fw.Modules() {
		if wires := m.Wires(); len(wires) > 0 {
			w[m] = wires
		}
	}
	return w
}

func hostOf(r resource.Resource) (resource.Resource, bool) {
	m, ok := r.(*module.Module)
	if !ok {
		return nil, false
	}
	h, ok := m.Host()
	if !ok {
		return nil, false
	}
	return h, true
}

// prepare installs the deferred dependencies of the subsystem owning r
// before r takes part in a resolution. It only acts while the tree is
// write-locked.
func (e *Engine) prepare(ctx context.Context, r resource.Resource) error {
	c, ok := coordination.FromContext(ctx)
	if !ok {
		return nil
	}
	if locked, _ := c.Variable(writeLockKey{}); locked != true {
		return nil
	}
	var owner *Subsystem
	switch r := r.(type) {
	case *module.Module:
		owner, ok = e.reg.ProvisionerOf(r)
	case *Subsystem:
		owner = r
	}
	if owner == nil || !owner.DependenciesPending() {
		return nil
	}
	return e.installDependencies(ctx, c, owner)
}

// provisionerFor returns the nearest subsystem, starting at s, that accepts
// dependencies. The root always does.
func (e *Engine) provisionerFor(s *Subsystem) *Subsystem {
	cur := s
	for {
		if cur.IsRoot() || cur.decl.AcceptsDependencies() {
			return cur
		}
		parents := e.reg.Parents(cur)
		if len(parents) == 0 {
			root, _ := e.reg.Root()
			return root
		}
		slices.SortFunc(parents, func(a, b *Subsystem) int { return cmp.Compare(a.id, b.id) })
		cur = parents[0]
	}
}
