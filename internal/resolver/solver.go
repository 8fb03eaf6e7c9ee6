// SPDX-License-Identifier: MPL-2.0

// Package resolver computes the resources a subsystem needs.
//
// A Solver wires a set of mandatory and optional resources using a provider
// lookup. The Adapter prepares that problem for a subsystem: it selects the
// declared content, routes lookups through a repository chain, substitutes
// fragment hosts and hosted capabilities, and splits the outcome into
// content and dependencies in install order.
package resolver

import (
	"context"
	"maps"

	"github.com/tessera/tessera/pkg/resource"
)

type (
	// Problem is the input of a Solver.
	Problem struct {
		Mandatory []resource.Resource
		Optional  []resource.Resource
		// FindProviders returns candidate capabilities in preference order.
		FindProviders func(ctx context.Context, req *resource.Requirement) ([]*resource.Capability, error)
		// Resolved reports resources whose wiring is fixed. Their
		// requirements are not traversed.
		Resolved func(r resource.Resource) bool
		// Existing holds wirings to reuse for resolved resources.
		Existing resource.Wiring
	}

	// Solver wires a Problem.
	Solver interface {
		Solve(ctx context.Context, p Problem) (resource.Wiring, error)
	}

	// Basic picks the first candidate that can itself be wired and
	// backtracks to the next one when it cannot. Optional resources that
	// fail are dropped without affecting the rest.
	Basic struct{}

	basicRun struct {
		ctx       context.Context
		p         Problem
		wiring    resource.Wiring
		resolving map[resource.Resource]bool
	}
)

// Solve implements Solver.
func (Basic) Solve(ctx context.Context, p Problem) (resource.Wiring, error) {
	run := &basicRun{
		ctx:       ctx,
		p:         p,
		wiring:    make(resource.Wiring),
		resolving: make(map[resource.Resource]bool),
	}
	for _, r := range p.Mandatory {
		if err := run.resolve(r); err != nil {
			return nil, err
		}
	}
	for _, r := range p.Optional {
		saved := maps.Clone(run.wiring)
		if err := run.resolve(r); err != nil {
			run.wiring = saved
		}
	}
	return run.wiring, nil
}

func (b *basicRun) resolve(r resource.Resource) error {
	if err := b.ctx.Err(); err != nil {
		return err
	}
	if _, ok := b.wiring[r]; ok || b.resolving[r] {
		return nil
	}
	if b.p.Resolved != nil && b.p.Resolved(r) {
		b.wiring[r] = b.p.Existing[r]
		return nil
	}

	b.resolving[r] = true
	defer delete(b.resolving, r)

	var wires []resource.Wire
	for _, req := range r.Requirements("") {
		if !req.IsEffective() {
			continue
		}
		caps, err := b.p.FindProviders(b.ctx, req)
		if err != nil {
			return err
		}
		var cause error
		chosen := 0
		for _, c := range caps {
			if !resource.IsMissing(c) && c.Resource != r {
				saved := maps.Clone(b.wiring)
				if err := b.resolve(c.Resource); err != nil {
					b.wiring = saved
					cause = err
					continue
				}
			}
			wires = append(wires, resource.Wire{Requirement: req, Capability: c})
			chosen++
			if !req.IsMultiple() {
				break
			}
		}
		if chosen == 0 && !req.IsOptional() {
			return &resource.ResolutionError{Unresolved: []*resource.Requirement{req}, Cause: cause}
		}
	}
	b.wiring[r] = wires
	return nil
}
