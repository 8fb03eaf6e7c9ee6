// SPDX-License-Identifier: MPL-2.0

package resource

import (
	"slices"
	"strings"
)

type (
	// Matcher decides whether a capability satisfies a requirement.
	Matcher interface {
		Matches(req *Requirement, c *Capability) bool
	}

	// DefaultMatcher compares namespaces, evaluates the requirement filter
	// against the capability attributes and enforces the mandatory directive.
	DefaultMatcher struct{}

	// missing is the synthetic resource behind a missing-capability placeholder.
	missing struct {
		Set
		req *Requirement
	}
)

// Matches implements Matcher.
func (DefaultMatcher) Matches(req *Requirement, c *Capability) bool {
	return Matches(req, c)
}

// Matches is the package-level form of DefaultMatcher.Matches.
func Matches(req *Requirement, c *Capability) bool {
	if req == nil || c == nil || req.Namespace != c.Namespace {
		return false
	}
	if IsMissing(c) {
		return c.Resource.(*missing).req == req
	}
	if !req.Filter.Matches(c.Attributes) {
		return false
	}
	mandatory := strings.TrimSpace(c.Directives[DirectiveMandatory])
	if mandatory == "" {
		return true
	}
	referenced := req.Filter.Attributes()
	for _, attr := range strings.Split(mandatory, ",") {
		if !slices.Contains(referenced, strings.TrimSpace(attr)) {
			return false
		}
	}
	return true
}

// MissingCapability returns a placeholder capability that satisfies exactly
// req. It is used when no provider exists but the requirement is optional or
// its owner is already resolved.
func MissingCapability(req *Requirement) *Capability {
	m := &missing{req: req}
	attrs := Attributes{}
	for _, a := range req.Filter.Attributes() {
		attrs[a] = "*"
	}
	return m.AddCapability(m, req.Namespace, attrs, nil)
}

// IsMissing reports whether c is a missing-capability placeholder.
func IsMissing(c *Capability) bool {
	if c == nil {
		return false
	}
	_, ok := c.Resource.(*missing)
	return ok
}

// MissingRequirement returns the requirement a placeholder was created for.
func MissingRequirement(c *Capability) (*Requirement, bool) {
	m, ok := c.Resource.(*missing)
	if !ok {
		return nil, false
	}
	return m.req, true
}

// Requirements implements Resource; placeholders have none.
func (m *missing) Requirements(Namespace) []*Requirement { return nil }
