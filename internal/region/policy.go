// SPDX-License-Identifier: MPL-2.0

package region

import (
	"maps"
	"slices"
	"strings"

	"github.com/tessera/tessera/pkg/resource"
)

// SharingPolicy decides which capabilities may cross one region edge.
// A namespace maps to a list of filters; a capability passes when any filter
// of its namespace matches. A nil filter admits the whole namespace.
type SharingPolicy struct {
	filters map[resource.Namespace][]*resource.Filter
	all     bool
}

// NewPolicy returns an empty policy that admits nothing.
func NewPolicy() *SharingPolicy {
	return &SharingPolicy{filters: make(map[resource.Namespace][]*resource.Filter)}
}

// AllowAllPolicy returns a policy that admits every capability.
func AllowAllPolicy() *SharingPolicy {
	p := NewPolicy()
	p.all = true
	return p
}

// PolicyFromRequirements admits exactly what the requirements ask for.
func PolicyFromRequirements(reqs []*resource.Requirement) *SharingPolicy {
	p := NewPolicy()
	for _, r := range reqs {
		p.Allow(r.Namespace, r.Filter)
	}
	return p
}

// Allow admits capabilities of ns matching f. A nil f admits the namespace.
func (p *SharingPolicy) Allow(ns resource.Namespace, f *resource.Filter) *SharingPolicy {
	if f == nil {
		p.filters[ns] = []*resource.Filter{nil}
		return p
	}
	existing := p.filters[ns]
	if len(existing) == 1 && existing[0] == nil {
		return p
	}
	for _, e := range existing {
		if e.String() == f.String() {
			return p
		}
	}
	p.filters[ns] = append(existing, f)
	return p
}

// Allows reports whether c may cross the edge.
func (p *SharingPolicy) Allows(c *resource.Capability) bool {
	if p == nil {
		return false
	}
	if p.all {
		return true
	}
	for _, f := range p.filters[c.Namespace] {
		if f == nil || f.Matches(c.Attributes) {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the policy admits nothing.
func (p *SharingPolicy) IsEmpty() bool {
	return p == nil || (!p.all && len(p.filters) == 0)
}

// Union returns a new policy admitting what either policy admits.
func (p *SharingPolicy) Union(o *SharingPolicy) *SharingPolicy {
	out := p.Clone()
	if o == nil {
		return out
	}
	out.all = out.all || o.all
	for ns, fs := range o.filters {
		for _, f := range fs {
			out.Allow(ns, f)
		}
	}
	return out
}

// Clone returns an independent copy.
func (p *SharingPolicy) Clone() *SharingPolicy {
	out := NewPolicy()
	if p == nil {
		return out
	}
	out.all = p.all
	for ns, fs := range p.filters {
		out.filters[ns] = slices.Clone(fs)
	}
	return out
}

// Namespaces returns the namespaces the policy mentions, sorted.
func (p *SharingPolicy) Namespaces() []resource.Namespace {
	if p == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(p.filters))
}

// String renders the policy for logs, e.g. "package[(package=foo)] service[*]".
func (p *SharingPolicy) String() string {
	if p.IsEmpty() {
		return "<none>"
	}
	if p.all {
		return "<all>"
	}
	var parts []string
	for _, ns := range p.Namespaces() {
		var fs []string
		for _, f := range p.filters[ns] {
			if f == nil {
				fs = append(fs, "*")
			} else {
				fs = append(fs, f.String())
			}
		}
		parts = append(parts, string(ns)+"["+strings.Join(fs, ",")+"]")
	}
	return strings.Join(parts, " ")
}
