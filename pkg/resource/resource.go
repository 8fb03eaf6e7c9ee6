// SPDX-License-Identifier: MPL-2.0

package resource

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

type (
	// Attributes holds typed capability attribute values. Supported value
	// types are string, []string, Version, int, int64, float64 and bool.
	Attributes map[string]any

	// Directives holds string-valued capability and requirement directives.
	Directives map[string]string

	// Resource is anything that can be installed: a module, a fragment or a
	// subsystem. Passing the empty Namespace returns every entry.
	Resource interface {
		Capabilities(ns Namespace) []*Capability
		Requirements(ns Namespace) []*Requirement
	}

	// Capability is something a resource provides.
	Capability struct {
		Namespace  Namespace
		Attributes Attributes
		Directives Directives
		Resource   Resource
	}

	// Requirement is something a resource needs, selected by Filter.
	Requirement struct {
		Namespace  Namespace
		Filter     *Filter
		Directives Directives
		Resource   Resource
	}

	// Wire connects a requirement to the capability chosen to satisfy it.
	Wire struct {
		Requirement *Requirement
		Capability  *Capability
	}

	// Wiring maps each resolved resource to its wires.
	Wiring map[Resource][]Wire

	// Identity is the (symbolic name, version, type) triple of a resource.
	Identity struct {
		SymbolicName string
		Version      Version
		Type         Type
	}

	// Set is an embeddable holder for capability and requirement lists.
	// Owners pass themselves when adding entries so that Capability.Resource
	// and Requirement.Resource point back at them.
	Set struct {
		caps []*Capability
		reqs []*Requirement
	}
)

// Lookup returns the attribute value for key, falling back to a
// case-insensitive match.
func (a Attributes) Lookup(key string) (any, bool) {
	if v, ok := a[key]; ok {
		return v, true
	}
	for k, v := range a {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// Clone returns a shallow copy of the attributes.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return Attributes{}
	}
	return maps.Clone(a)
}

// IsOptional reports whether the requirement may stay unsatisfied.
func (r *Requirement) IsOptional() bool {
	return r.Directives[DirectiveResolution] == ResolutionOptional
}

// IsMultiple reports whether the requirement may wire to several providers.
func (r *Requirement) IsMultiple() bool {
	return r.Directives[DirectiveCardinality] == CardinalityMultiple
}

// IsEffective reports whether the requirement takes effect at resolve time.
func (r *Requirement) IsEffective() bool {
	e := r.Directives[DirectiveEffective]
	return e == "" || e == EffectiveResolve
}

// String returns a compact textual form for diagnostics.
func (r *Requirement) String() string {
	var b strings.Builder
	b.WriteString(string(r.Namespace))
	if r.Filter != nil {
		b.WriteString(";filter:=")
		b.WriteString(r.Filter.String())
	}
	if r.IsOptional() {
		b.WriteString(";resolution:=optional")
	}
	return b.String()
}

// String returns a compact textual form for diagnostics.
func (c *Capability) String() string {
	keys := slices.Sorted(maps.Keys(c.Attributes))
	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, string(c.Namespace))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, c.Attributes[k]))
	}
	return strings.Join(parts, ";")
}

// String returns "name;version;type".
func (id Identity) String() string {
	return id.SymbolicName + ";" + id.Version.String() + ";" + string(id.Type)
}

// Attributes returns the attributes of the identity capability.
func (id Identity) Attributes() Attributes {
	return Attributes{
		string(NamespaceIdentity): id.SymbolicName,
		AttrVersion:               id.Version,
		AttrType:                  string(id.Type),
	}
}

// IdentityOf extracts the identity of r from its identity capability.
func IdentityOf(r Resource) (Identity, bool) {
	caps := r.Capabilities(NamespaceIdentity)
	if len(caps) == 0 {
		return Identity{}, false
	}
	attrs := caps[0].Attributes
	id := Identity{}
	id.SymbolicName, _ = attrs[string(NamespaceIdentity)].(string)
	id.Version, _ = attrs[AttrVersion].(Version)
	t, _ := attrs[AttrType].(string)
	id.Type = Type(t)
	return id, id.SymbolicName != ""
}

// AddCapability appends a capability owned by owner.
func (s *Set) AddCapability(owner Resource, ns Namespace, attrs Attributes, dirs Directives) *Capability {
	c := &Capability{Namespace: ns, Attributes: attrs, Directives: dirs, Resource: owner}
	if c.Attributes == nil {
		c.Attributes = Attributes{}
	}
	if c.Directives == nil {
		c.Directives = Directives{}
	}
	s.caps = append(s.caps, c)
	return c
}

// AddRequirement appends a requirement owned by owner.
func (s *Set) AddRequirement(owner Resource, ns Namespace, filter *Filter, dirs Directives) *Requirement {
	r := &Requirement{Namespace: ns, Filter: filter, Directives: dirs, Resource: owner}
	if r.Directives == nil {
		r.Directives = Directives{}
	}
	s.reqs = append(s.reqs, r)
	return r
}

// Capabilities returns the capabilities in ns, or all when ns is empty.
func (s *Set) Capabilities(ns Namespace) []*Capability {
	if ns == "" {
		return slices.Clone(s.caps)
	}
	var out []*Capability
	for _, c := range s.caps {
		if c.Namespace == ns {
			out = append(out, c)
		}
	}
	return out
}

// Requirements returns the requirements in ns, or all when ns is empty.
func (s *Set) Requirements(ns Namespace) []*Requirement {
	if ns == "" {
		return slices.Clone(s.reqs)
	}
	var out []*Requirement
	for _, r := range s.reqs {
		if r.Namespace == ns {
			out = append(out, r)
		}
	}
	return out
}
