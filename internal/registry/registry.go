// SPDX-License-Identifier: MPL-2.0

// Package registry is the authoritative index of installed subsystems.
//
// It maps ids and locations to subsystems, keeps the parent/child graph,
// records which resources each subsystem provisions (constituents) and which
// resources each subsystem uses (references). The reference relation is what
// decides when a shared resource may be stopped or removed.
package registry

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/tessera/tessera/internal/dag"
	"github.com/tessera/tessera/pkg/resource"
)

var (
	// ErrDuplicate is returned when an id or location is already registered.
	ErrDuplicate = errors.New("subsystem already registered")
	// ErrNotFound is returned when a subsystem is not registered.
	ErrNotFound = errors.New("subsystem not registered")
)

type (
	// Member is the view of a subsystem the registry needs.
	Member interface {
		comparable
		resource.Resource
		ID() uint64
		Location() resource.Location
	}

	// Registry indexes subsystems of type S. All methods are safe for
	// concurrent use.
	Registry[S Member] struct {
		mu sync.RWMutex

		byID       map[uint64]S
		byLocation map[resource.Location]S
		root       S
		hasRoot    bool
		lastID     uint64
		graph      *dag.Graph

		constituents map[uint64][]resource.Resource
		provisioner  map[resource.Resource]uint64
		references   map[uint64][]resource.Resource
		referencing  map[resource.Resource][]uint64
	}

	// Snapshot is a point-in-time copy of the constituent and reference maps.
	Snapshot struct {
		Constituents map[uint64][]resource.Resource
		References   map[uint64][]resource.Resource
	}
)

// New creates an empty registry.
func New[S Member]() *Registry[S] {
	return &Registry[S]{
		byID:         make(map[uint64]S),
		byLocation:   make(map[resource.Location]S),
		graph:        dag.New(),
		constituents: make(map[uint64][]resource.Resource),
		provisioner:  make(map[resource.Resource]uint64),
		references:   make(map[uint64][]resource.Resource),
		referencing:  make(map[resource.Resource][]uint64),
	}
}

// Add registers s. The first subsystem with id 0 becomes the root.
func (r *Registry[S]) Add(s S) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[s.ID()]; ok {
		return fmt.Errorf("%w: id %d", ErrDuplicate, s.ID())
	}
	if _, ok := r.byLocation[s.Location()]; ok {
		return fmt.Errorf("%w: location %s", ErrDuplicate, s.Location())
	}
	r.byID[s.ID()] = s
	r.byLocation[s.Location()] = s
	r.graph.AddNode(string(s.Location()))
	if s.ID() == 0 && !r.hasRoot {
		r.root, r.hasRoot = s, true
	}
	if s.ID() > r.lastID {
		r.lastID = s.ID()
	}
	return nil
}

// Remove deregisters s together with its graph edges, constituents and
// references.
func (r *Registry[S]) Remove(s S) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byID[s.ID()]; !ok || cur != s {
		return
	}
	delete(r.byID, s.ID())
	delete(r.byLocation, s.Location())
	r.graph.RemoveNode(string(s.Location()))
	for _, c := range r.constituents[s.ID()] {
		delete(r.provisioner, c)
	}
	delete(r.constituents, s.ID())
	for _, ref := range r.references[s.ID()] {
		r.dropReferencing(ref, s.ID())
	}
	delete(r.references, s.ID())
	if r.hasRoot && r.root == s {
		var zero S
		r.root, r.hasRoot = zero, false
	}
}

// ByID looks up a subsystem by id.
func (r *Registry[S]) ByID(id uint64) (S, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// ByLocation looks up a subsystem by location.
func (r *Registry[S]) ByLocation(loc resource.Location) (S, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byLocation[loc]
	return s, ok
}

// Contains reports whether s is the registered instance for its id. A
// subsystem handle that is no longer canonical is stale.
func (r *Registry[S]) Contains(s S) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.byID[s.ID()]
	return ok && cur == s
}

// All returns every registered subsystem ordered by id.
func (r *Registry[S]) All() []S {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(r.byID))
	out := make([]S, len(ids))
	for i, id := range ids {
		out[i] = r.byID[id]
	}
	return out
}

// Root returns the root subsystem.
func (r *Registry[S]) Root() (S, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.root, r.hasRoot
}

// NextID reserves and returns the next subsystem id.
func (r *Registry[S]) NextID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastID++
	return r.lastID
}

// LastID returns the highest id handed out so far.
func (r *Registry[S]) LastID() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastID
}

// SetLastID raises the id counter to at least id.
func (r *Registry[S]) SetLastID(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastID = max(r.lastID, id)
}

// AddChild records the parent/child edge. It fails with a *dag.CycleError
// when child is parent or one of its ancestors; the graph is then unchanged.
func (r *Registry[S]) AddChild(parent, child S) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.graph.AddChild(string(parent.Location()), string(child.Location()))
}

// RemoveChild removes the parent/child edge.
func (r *Registry[S]) RemoveChild(parent, child S) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graph.RemoveChild(string(parent.Location()), string(child.Location()))
}

// Children returns the direct children of s.
func (r *Registry[S]) Children(s S) []S {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupAll(r.graph.Children(string(s.Location())))
}

// Parents returns the direct parents of s.
func (r *Registry[S]) Parents(s S) []S {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupAll(r.graph.Parents(string(s.Location())))
}

// Ancestors returns every transitive parent of s, nearest first.
func (r *Registry[S]) Ancestors(s S) []S {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupAll(r.graph.Ancestors(string(s.Location())))
}

// Descendants returns every transitive child of s, nearest first.
func (r *Registry[S]) Descendants(s S) []S {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupAll(r.graph.Descendants(string(s.Location())))
}

// AddConstituent records that s provisions res. A resource has exactly one
// provisioner; adding it again is a no-op.
func (r *Registry[S]) AddConstituent(s S, res resource.Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.constituents[s.ID()], res) {
		return
	}
	r.constituents[s.ID()] = append(r.constituents[s.ID()], res)
	r.provisioner[res] = s.ID()
}

// RemoveConstituent removes res from the constituents of s.
func (r *Registry[S]) RemoveConstituent(s S, res resource.Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constituents[s.ID()] = slices.DeleteFunc(r.constituents[s.ID()], func(x resource.Resource) bool { return x == res })
	if len(r.constituents[s.ID()]) == 0 {
		delete(r.constituents, s.ID())
	}
	if id, ok := r.provisioner[res]; ok && id == s.ID() {
		delete(r.provisioner, res)
	}
}

// Constituents returns the resources s provisions, in provisioning order.
func (r *Registry[S]) Constituents(s S) []resource.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.constituents[s.ID()])
}

// ProvisionerOf returns the subsystem that provisioned res.
func (r *Registry[S]) ProvisionerOf(res resource.Resource) (S, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.provisioner[res]
	if !ok {
		var zero S
		return zero, false
	}
	s, ok := r.byID[id]
	return s, ok
}

// AddReference records that s uses res.
func (r *Registry[S]) AddReference(s S, res resource.Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.references[s.ID()], res) {
		return
	}
	r.references[s.ID()] = append(r.references[s.ID()], res)
	r.referencing[res] = append(r.referencing[res], s.ID())
}

// RemoveReference removes the s -> res reference.
func (r *Registry[S]) RemoveReference(s S, res resource.Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.references[s.ID()] = slices.DeleteFunc(r.references[s.ID()], func(x resource.Resource) bool { return x == res })
	if len(r.references[s.ID()]) == 0 {
		delete(r.references, s.ID())
	}
	r.dropReferencing(res, s.ID())
}

// References returns the resources s uses, in registration order.
func (r *Registry[S]) References(s S) []resource.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.references[s.ID()])
}

// Referencing returns the subsystems that use res.
func (r *Registry[S]) Referencing(res resource.Resource) []S {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]S, 0, len(r.referencing[res]))
	for _, id := range r.referencing[res] {
		if s, ok := r.byID[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Snapshot copies the constituent and reference maps.
func (r *Registry[S]) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		Constituents: make(map[uint64][]resource.Resource, len(r.constituents)),
		References:   make(map[uint64][]resource.Resource, len(r.references)),
	}
	for id, rs := range r.constituents {
		snap.Constituents[id] = slices.Clone(rs)
	}
	for id, rs := range r.references {
		snap.References[id] = slices.Clone(rs)
	}
	return snap
}

// Equal reports whether two snapshots hold the same resources per subsystem,
// ignoring order.
func (s Snapshot) Equal(o Snapshot) bool {
	return sameSets(s.Constituents, o.Constituents) && sameSets(s.References, o.References)
}

func sameSets(a, b map[uint64][]resource.Resource) bool {
	if len(a) != len(b) {
		return false
	}
	for id, as := range a {
		bs, ok := b[id]
		if !ok || len(as) != len(bs) {
			return false
		}
		for _, x := range as {
			if !slices.Contains(bs, x) {
				return false
			}
		}
	}
	return true
}

func (r *Registry[S]) dropReferencing(res resource.Resource, id uint64) {
	r.referencing[res] = slices.DeleteFunc(r.referencing[res], func(x uint64) bool { return x == id })
	if len(r.referencing[res]) == 0 {
		delete(r.referencing, res)
	}
}

func (r *Registry[S]) lookupAll(locs []string) []S {
	out := make([]S, 0, len(locs))
	for _, loc := range locs {
		if s, ok := r.byLocation[resource.Location(loc)]; ok {
			out = append(out, s)
		}
	}
	return out
}
