// SPDX-License-Identifier: MPL-2.0

package repository

import (
	"context"

	"github.com/tessera/tessera/pkg/manifest"
	"github.com/tessera/tessera/pkg/resource"
)

// Preferred restricts its sources to providers whose identity matches one
// of the preferred-provider declarations of a subsystem.
type Preferred struct {
	entries []manifest.Content
	sources []Repository
}

// NewPreferred creates the preferred-provider tier.
func NewPreferred(entries []manifest.Content, sources ...Repository) *Preferred {
	return &Preferred{entries: entries, sources: sources}
}

// FindProviders implements Repository.
func (p *Preferred) FindProviders(ctx context.Context, req *resource.Requirement) ([]*resource.Capability, error) {
	if len(p.entries) == 0 {
		return nil, nil
	}
	var out []*resource.Capability
	for _, src := range p.sources {
		caps, err := src.FindProviders(ctx, req)
		if err != nil {
			return nil, err
		}
		for _, c := range caps {
			if p.prefers(c.Resource) {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (p *Preferred) prefers(r resource.Resource) bool {
	if r == nil {
		return false
	}
	id, ok := resource.IdentityOf(r)
	if !ok {
		return false
	}
	for _, e := range p.entries {
		if e.Matches(id) {
			return true
		}
	}
	return false
}
