// SPDX-License-Identifier: MPL-2.0

package resolver

import (
	"context"
	"slices"
	"strconv"

	"github.com/tessera/tessera/internal/dag"
	"github.com/tessera/tessera/pkg/resource"
)

type (
	// Input describes one resolution for a subsystem.
	Input struct {
		// Content holds the identity requirements of the declared content.
		Content []*resource.Requirement
		// Roots are content resources that are already selected, such as the
		// installed content of a subsystem whose dependencies were deferred.
		Roots []resource.Resource
		// Providers finds candidates, usually a repository chain.
		Providers interface {
			FindProviders(ctx context.Context, req *resource.Requirement) ([]*resource.Capability, error)
		}
		// Selected runs after content selection and before dependencies are
		// computed. Region policies that depend on the content are set here.
		Selected func(ctx context.Context, content []resource.Resource) error
		// Installed reports resources that exist already. They are reused,
		// never installed, and their requirements are not traversed.
		Installed func(r resource.Resource) bool
		// Existing holds the wiring of installed resources.
		Existing resource.Wiring
		// Host returns the host of a fragment.
		Host func(r resource.Resource) (resource.Resource, bool)
		// Prepare runs once for every resource before it takes part in the
		// resolution, for example to install pending dependencies of the
		// subsystem that owns it.
		Prepare func(ctx context.Context, r resource.Resource) error
		// SkipDependencies selects content only.
		SkipDependencies bool
	}

	// Result is the outcome of Resolve.
	Result struct {
		Wiring resource.Wiring
		// Content are the selected content resources, modules before
		// subsystems, otherwise in declaration order.
		Content []resource.Resource
		// Dependencies are resources outside the content that must be
		// installed, providers before their requirers and modules before
		// subsystems.
		Dependencies []resource.Resource
	}

	// Adapter runs a Solver on behalf of subsystems.
	Adapter struct {
		solver Solver
	}

	run struct {
		in       Input
		content  []resource.Resource
		prepared map[resource.Resource]bool
	}
)

// NewAdapter wraps solver; a nil solver selects Basic.
func NewAdapter(solver Solver) *Adapter {
	if solver == nil {
		solver = Basic{}
	}
	return &Adapter{solver: solver}
}

// Resolve selects content and computes the dependencies it needs.
func (a *Adapter) Resolve(ctx context.Context, in Input) (*Result, error) {
	r := &run{in: in, prepared: make(map[resource.Resource]bool)}

	var mandatory, optional []resource.Resource
	for _, root := range in.Roots {
		mandatory = appendOnce(mandatory, root)
	}
	for _, req := range in.Content {
		caps, err := in.Providers.FindProviders(ctx, req)
		if err != nil {
			return nil, err
		}
		caps = slices.DeleteFunc(slices.Clone(caps), resource.IsMissing)
		if len(caps) == 0 {
			if req.IsOptional() {
				continue
			}
			return nil, &resource.ResolutionError{Unresolved: []*resource.Requirement{req}}
		}
		if req.IsOptional() {
			optional = appendOnce(optional, caps[0].Resource)
		} else {
			mandatory = appendOnce(mandatory, caps[0].Resource)
		}
	}
	r.content = append(slices.Clone(mandatory), optional...)

	if in.Selected != nil {
		if err := in.Selected(ctx, r.content); err != nil {
			return nil, err
		}
	}
	res := &Result{Content: subsystemsLast(r.content), Wiring: resource.Wiring{}}
	if in.SkipDependencies {
		return res, nil
	}

	for _, c := range r.content {
		if err := r.prepare(ctx, c); err != nil {
			return nil, err
		}
	}
	wiring, err := a.solver.Solve(ctx, Problem{
		Mandatory:     mandatory,
		Optional:      optional,
		FindProviders: r.find,
		Resolved:      r.resolved,
		Existing:      in.Existing,
	})
	if err != nil {
		return nil, err
	}
	res.Wiring = wiring

	// Optional content that failed to wire is dropped.
	res.Content = slices.DeleteFunc(res.Content, func(c resource.Resource) bool {
		_, ok := wiring[c]
		return !ok && !r.resolved(c) && !r.installed(c)
	})
	res.Dependencies = subsystemsLast(r.dependencies(wiring, res.Content))
	return res, nil
}

func (r *run) installed(res resource.Resource) bool {
	return r.in.Installed != nil && r.in.Installed(res)
}

// resolved treats installed resources as fixed unless they are content
// roots whose own requirements still need wiring.
func (r *run) resolved(res resource.Resource) bool {
	if slices.Contains(r.in.Roots, res) {
		return false
	}
	return r.installed(res)
}

func (r *run) prepare(ctx context.Context, res resource.Resource) error {
	if r.in.Prepare == nil || res == nil || r.prepared[res] {
		return nil
	}
	r.prepared[res] = true
	return r.in.Prepare(ctx, res)
}

func (r *run) find(ctx context.Context, req *resource.Requirement) ([]*resource.Capability, error) {
	if err := r.prepare(ctx, req.Resource); err != nil {
		return nil, err
	}

	// Fragments do not resolve on their own: their requirements are
	// answered from the host's wiring when the host is already wired.
	if r.in.Host != nil && req.Resource != nil {
		if host, ok := r.in.Host(req.Resource); ok {
			var fromHost []*resource.Capability
			for _, w := range r.in.Existing[host] {
				if resource.Matches(req, w.Capability) {
					fromHost = append(fromHost, w.Capability)
				}
			}
			if len(fromHost) > 0 {
				return fromHost, nil
			}
		}
	}

	caps, err := r.in.Providers.FindProviders(ctx, req)
	if err != nil {
		return nil, err
	}
	primary := slices.DeleteFunc(slices.Clone(caps), resource.IsMissing)
	if len(primary) == 0 && !req.IsOptional() {
		if hosted := r.hosted(req); len(hosted) > 0 {
			return hosted, nil
		}
	}
	for _, c := range primary {
		if err := r.prepare(ctx, c.Resource); err != nil {
			return nil, err
		}
	}
	return caps, nil
}

// hosted returns capabilities the requirer or the selected content provide
// themselves, substituted for a missing external provider.
func (r *run) hosted(req *resource.Requirement) []*resource.Capability {
	var out []*resource.Capability
	if req.Resource != nil {
		for _, c := range req.Resource.Capabilities(req.Namespace) {
			if resource.Matches(req, c) {
				out = append(out, c)
			}
		}
	}
	for _, res := range r.content {
		if res == req.Resource {
			continue
		}
		for _, c := range res.Capabilities(req.Namespace) {
			if resource.Matches(req, c) {
				out = append(out, c)
			}
		}
	}
	return out
}

// dependencies lists the wired resources that are neither content nor
// installed, providers first. A dependency cycle falls back to discovery
// order.
func (r *run) dependencies(w resource.Wiring, content []resource.Resource) []resource.Resource {
	var order []resource.Resource
	visited := make(map[resource.Resource]bool)
	var visit func(res resource.Resource)
	visit = func(res resource.Resource) {
		if visited[res] {
			return
		}
		visited[res] = true
		for _, wire := range w[res] {
			if !resource.IsMissing(wire.Capability) {
				visit(wire.Capability.Resource)
			}
		}
		order = append(order, res)
	}
	for _, c := range content {
		visit(c)
	}

	var deps []resource.Resource
	for _, res := range order {
		if slices.Contains(content, res) || r.installed(res) {
			continue
		}
		deps = append(deps, res)
	}
	if len(deps) < 2 {
		return deps
	}

	index := make(map[resource.Resource]string, len(deps))
	byName := make(map[string]resource.Resource, len(deps))
	g := dag.New()
	for i, res := range deps {
		name := strconv.Itoa(i)
		index[res], byName[name] = name, res
		g.AddNode(name)
	}
	for _, res := range deps {
		for _, wire := range w[res] {
			if prov, ok := index[wire.Capability.Resource]; ok && prov != index[res] {
				g.AddEdge(prov, index[res])
			}
		}
	}
	sorted, err := g.TopologicalSort()
	if err != nil {
		return deps
	}
	out := make([]resource.Resource, len(sorted))
	for i, name := range sorted {
		out[i] = byName[name]
	}
	return out
}

func subsystemsLast(rs []resource.Resource) []resource.Resource {
	out := slices.Clone(rs)
	slices.SortStableFunc(out, func(a, b resource.Resource) int {
		return rank(a) - rank(b)
	})
	return out
}

func rank(r resource.Resource) int {
	if id, ok := resource.IdentityOf(r); ok && id.Type.IsSubsystem() {
		return 1
	}
	return 0
}

func appendOnce(rs []resource.Resource, r resource.Resource) []resource.Resource {
	if slices.Contains(rs, r) {
		return rs
	}
	return append(rs, r)
}
