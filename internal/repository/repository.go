// SPDX-License-Identifier: MPL-2.0

// Package repository finds capabilities for unresolved requirements.
//
// A Chain queries its tiers in a fixed priority order and returns the
// result of the first tier that yields a non-empty, validated set. The
// tiers are the content of the subsystem being provisioned, its preferred
// providers, the installed system, the bundled local repository of its
// archive, and externally registered repository services.
package repository

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/tessera/tessera/pkg/manifest"
	"github.com/tessera/tessera/pkg/resource"
)

type (
	// Repository finds capabilities matching a requirement.
	Repository interface {
		FindProviders(ctx context.Context, req *resource.Requirement) ([]*resource.Capability, error)
	}

	// Func adapts a function to Repository.
	Func func(ctx context.Context, req *resource.Requirement) ([]*resource.Capability, error)

	// Entry is a module offered by a repository but not yet installed.
	Entry struct {
		resource.Set

		location   resource.Location
		descriptor *manifest.ModuleDescriptor
		data       []byte
	}

	// Memory is a repository over a fixed set of resources.
	Memory struct {
		mu        sync.RWMutex
		resources []resource.Resource
	}
)

// FindProviders implements Repository.
func (f Func) FindProviders(ctx context.Context, req *resource.Requirement) ([]*resource.Capability, error) {
	return f(ctx, req)
}

// NewEntry parses descriptor data offered at location.
func NewEntry(location resource.Location, data []byte) (*Entry, error) {
	desc, err := manifest.ParseModule(data, string(location))
	if err != nil {
		return nil, err
	}
	e := &Entry{location: location, descriptor: desc, data: data}
	if err := desc.Populate(&e.Set, e); err != nil {
		return nil, err
	}
	return e, nil
}

// EntryFromDescriptor builds an entry from an in-memory descriptor.
func EntryFromDescriptor(location resource.Location, d *manifest.ModuleDescriptor) (*Entry, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	data, err := d.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", d.SymbolicName, err)
	}
	return NewEntry(location, data)
}

// Location returns where the repository offers the module.
func (e *Entry) Location() resource.Location { return e.location }

// Descriptor returns the parsed descriptor.
func (e *Entry) Descriptor() *manifest.ModuleDescriptor { return e.descriptor }

// Data returns the raw descriptor bytes.
func (e *Entry) Data() []byte { return e.data }

// Identity returns the module identity.
func (e *Entry) Identity() resource.Identity { return e.descriptor.Identity() }

// String returns "name;version;type@location".
func (e *Entry) String() string { return e.Identity().String() + "@" + string(e.location) }

// NewMemory creates a repository over resources.
func NewMemory(resources ...resource.Resource) *Memory {
	return &Memory{resources: slices.Clone(resources)}
}

// Add appends resources.
func (m *Memory) Add(resources ...resource.Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = append(m.resources, resources...)
}

// Resources returns the held resources.
func (m *Memory) Resources() []resource.Resource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.resources)
}

// FindProviders implements Repository.
func (m *Memory) FindProviders(ctx context.Context, req *resource.Requirement) ([]*resource.Capability, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Match(req, m.Resources()...), nil
}

// Match returns the capabilities of resources that satisfy req.
func Match(req *resource.Requirement, resources ...resource.Resource) []*resource.Capability {
	var out []*resource.Capability
	for _, r := range resources {
		for _, c := range r.Capabilities(req.Namespace) {
			if resource.Matches(req, c) {
				out = append(out, c)
			}
		}
	}
	return out
}
