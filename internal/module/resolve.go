// SPDX-License-Identifier: MPL-2.0

package module

import (
	"context"
	"fmt"
	"slices"

	"github.com/tessera/tessera/pkg/resource"
)

// plan is the tentative outcome of one Resolve call.
type plan struct {
	wires   map[*Module][]resource.Wire
	failed  map[*Module]string
	missing []*resource.Requirement
	order   []*Module
}

// Resolve wires every unresolved module in mods, together with any
// unresolved provider they need. Resolution is all or nothing: when any
// module cannot be wired nothing changes and a *resource.ResolutionError
// describes every module left unresolved.
func (f *Framework) Resolve(ctx context.Context, mods []*Module) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.resolveMu.Lock()
	defer f.resolveMu.Unlock()

	installed := f.Modules()
	p := &plan{wires: make(map[*Module][]resource.Wire), failed: make(map[*Module]string)}

	queued := make(map[*Module]bool)
	var queue []*Module
	enqueue := func(m *Module) {
		if queued[m] || m.State() != StateInstalled {
			return
		}
		queued[m] = true
		queue = append(queue, m)
	}
	for _, m := range mods {
		if m.State() == StateUninstalled {
			return fmt.Errorf("resolve %s: %w", m, ErrUninstalled)
		}
		enqueue(m)
	}
	// Fragments of hosts being resolved attach in the same pass.
	for _, m := range installed {
		if !m.IsFragment() || m.State() != StateInstalled {
			continue
		}
		for _, q := range slices.Clone(queue) {
			if f.hostMatches(m, q) {
				enqueue(m)
			}
		}
	}

	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		p.order = append(p.order, m)
		f.wire(m, installed, queued, p, enqueue)
	}

	// A module wired to a failed provider fails too.
	for changed := true; changed; {
		changed = false
		for _, m := range p.order {
			if _, ok := p.failed[m]; ok {
				continue
			}
			for _, w := range p.wires[m] {
				prov, ok := w.Capability.Resource.(*Module)
				if !ok {
					continue
				}
				if _, bad := p.failed[prov]; bad {
					p.failed[m] = fmt.Sprintf("provider %s is unresolved", prov.identity)
					changed = true
					break
				}
			}
		}
	}

	if len(p.failed) > 0 {
		return p.error()
	}

	for _, m := range p.order {
		m.mu.Lock()
		m.wires = p.wires[m]
		m.state = StateResolved
		m.mu.Unlock()
		if !m.IsFragment() {
			continue
		}
		for _, w := range p.wires[m] {
			host, ok := w.Capability.Resource.(*Module)
			if !ok || w.Requirement.Namespace != resource.NamespaceHost {
				continue
			}
			m.mu.Lock()
			m.host = host
			m.mu.Unlock()
			host.mu.Lock()
			if !slices.Contains(host.fragments, m) {
				host.fragments = append(host.fragments, m)
			}
			host.mu.Unlock()
		}
	}
	f.logger.Debug("modules resolved", "count", len(p.order))
	return nil
}

func (f *Framework) wire(m *Module, installed []*Module, queued map[*Module]bool, p *plan, enqueue func(*Module)) {
	f.mu.RLock()
	visible := f.visible
	f.mu.RUnlock()

	admits := func(prov *Module, c *resource.Capability) bool {
		return prov == m || visible == nil || visible(m, prov, c)
	}
	collect := func(req *resource.Requirement, accept func(*Module) bool, limit int) []*resource.Capability {
		var out []*resource.Capability
		for _, prov := range installed {
			if !accept(prov) {
				continue
			}
			for _, c := range prov.Capabilities(req.Namespace) {
				if resource.Matches(req, c) && admits(prov, c) {
					out = append(out, c)
					if limit > 0 && len(out) == limit {
						return out
					}
				}
			}
		}
		return out
	}

	for _, req := range m.Requirements("") {
		if !req.IsEffective() {
			continue
		}
		// Already resolved providers first, then providers resolving in
		// this pass, then any other installed module pulled into the pass.
		chosen := collect(req, func(prov *Module) bool {
			return prov.State().IsResolved()
		}, 0)
		chosen = append(chosen, collect(req, func(prov *Module) bool {
			return prov.State() == StateInstalled && queued[prov]
		}, 0)...)
		if len(chosen) == 0 {
			chosen = collect(req, func(prov *Module) bool {
				return prov.State() == StateInstalled && !queued[prov]
			}, 1)
			for _, c := range chosen {
				enqueue(c.Resource.(*Module))
			}
		}
		if len(chosen) == 0 {
			if req.IsOptional() {
				continue
			}
			if _, ok := p.failed[m]; !ok {
				p.failed[m] = "missing requirement " + req.String()
			}
			p.missing = append(p.missing, req)
			continue
		}
		if !req.IsMultiple() {
			chosen = chosen[:1]
		}
		for _, c := range chosen {
			p.wires[m] = append(p.wires[m], resource.Wire{Requirement: req, Capability: c})
		}
	}
}

func (f *Framework) hostMatches(fragment, host *Module) bool {
	if host.IsFragment() {
		return false
	}
	for _, req := range fragment.Requirements(resource.NamespaceHost) {
		for _, c := range host.Capabilities(resource.NamespaceHost) {
			if resource.Matches(req, c) {
				return true
			}
		}
	}
	return false
}

func (p *plan) error() error {
	err := &resource.ResolutionError{Unresolved: p.missing}
	for _, m := range p.order {
		reason, ok := p.failed[m]
		if !ok {
			continue
		}
		err.Diagnostics = append(err.Diagnostics, resource.Diagnostic{
			ID:           m.id,
			SymbolicName: m.identity.SymbolicName,
			Version:      m.identity.Version,
			Location:     m.location,
			State:        m.State().String(),
			Reason:       reason,
		})
	}
	return err
}
