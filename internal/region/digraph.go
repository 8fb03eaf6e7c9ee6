// SPDX-License-Identifier: MPL-2.0

// Package region maintains the region digraph that isolates subsystems.
//
// Every scoped subsystem owns a region. Modules live in exactly one region.
// Directed edges carry a SharingPolicy: an edge tail -> head lets modules in
// tail see the capabilities of modules in head that the policy admits. A
// capability is visible to a requirer when some path from the requirer's
// region to the provider's region admits it on every edge; the same region is
// always visible.
//
// Mutations that must appear atomic, such as widening a region's import
// policy, are made on a Copy and committed with Replace, which fails with
// ErrStale if the digraph changed in between.
package region

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/tessera/tessera/pkg/resource"
)

// maxUpdateAttempts bounds the copy/replace retry loop of Update.
const maxUpdateAttempts = 10

var (
	// ErrRegionExists is returned when creating a region whose name is taken.
	ErrRegionExists = errors.New("region already exists")
	// ErrUnknownRegion is returned for operations naming a missing region.
	ErrUnknownRegion = errors.New("unknown region")
	// ErrEdgeExists is returned when connecting two regions twice.
	ErrEdgeExists = errors.New("region edge already exists")
	// ErrModuleAssigned is returned when a module already belongs to another region.
	ErrModuleAssigned = errors.New("module already belongs to a region")
	// ErrStale is returned by Replace when the digraph changed since Copy.
	ErrStale = errors.New("region digraph changed concurrently")
)

type (
	// Name identifies a region.
	Name string

	// Digraph is the region graph. All methods are safe for concurrent use.
	Digraph struct {
		mu sync.RWMutex

		g       *simple.DirectedGraph
		ids     map[Name]int64
		names   map[int64]Name
		modules map[Name]map[uint64]struct{}
		owner   map[uint64]Name
		edges   map[edgeKey]*SharingPolicy
		nextID  int64
		version uint64

		// source and base are set on copies.
		source *Digraph
		base   uint64
	}

	// Edge describes one connection for inspection.
	Edge struct {
		Tail   Name
		Head   Name
		Policy *SharingPolicy
	}

	edgeKey struct {
		tail, head int64
	}
)

// New creates an empty digraph.
func New() *Digraph {
	return &Digraph{
		g:       simple.NewDirectedGraph(),
		ids:     make(map[Name]int64),
		names:   make(map[int64]Name),
		modules: make(map[Name]map[uint64]struct{}),
		owner:   make(map[uint64]Name),
		edges:   make(map[edgeKey]*SharingPolicy),
	}
}

// CreateRegion adds an empty region.
func (d *Digraph) CreateRegion(name Name) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ids[name]; ok {
		return fmt.Errorf("%w: %s", ErrRegionExists, name)
	}
	id := d.nextID
	d.nextID++
	d.g.AddNode(simple.Node(id))
	d.ids[name] = id
	d.names[id] = name
	d.modules[name] = make(map[uint64]struct{})
	d.version++
	return nil
}

// RemoveRegion removes a region, its edges and its module assignments.
func (d *Digraph) RemoveRegion(name Name) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.ids[name]
	if !ok {
		return
	}
	for k := range d.edges {
		if k.tail == id || k.head == id {
			delete(d.edges, k)
		}
	}
	d.g.RemoveNode(id)
	for m := range d.modules[name] {
		delete(d.owner, m)
	}
	delete(d.modules, name)
	delete(d.ids, name)
	delete(d.names, id)
	d.version++
}

// HasRegion reports whether the region exists.
func (d *Digraph) HasRegion(name Name) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.ids[name]
	return ok
}

// Regions returns every region name, sorted.
func (d *Digraph) Regions() []Name {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Sorted(maps.Keys(d.ids))
}

// Connect adds the edge tail -> head with the given policy.
func (d *Digraph) Connect(tail, head Name, policy *SharingPolicy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, h, err := d.endpoints(tail, head)
	if err != nil {
		return err
	}
	if d.g.HasEdgeFromTo(t, h) {
		return fmt.Errorf("%w: %s -> %s", ErrEdgeExists, tail, head)
	}
	d.g.SetEdge(simple.Edge{F: simple.Node(t), T: simple.Node(h)})
	d.edges[edgeKey{t, h}] = policy.Clone()
	d.version++
	return nil
}

// SetPolicy replaces the policy of an existing edge, creating the edge if
// needed.
func (d *Digraph) SetPolicy(tail, head Name, policy *SharingPolicy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, h, err := d.endpoints(tail, head)
	if err != nil {
		return err
	}
	if !d.g.HasEdgeFromTo(t, h) {
		d.g.SetEdge(simple.Edge{F: simple.Node(t), T: simple.Node(h)})
	}
	d.edges[edgeKey{t, h}] = policy.Clone()
	d.version++
	return nil
}

// Disconnect removes the edge tail -> head if present.
func (d *Digraph) Disconnect(tail, head Name) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, h, err := d.endpoints(tail, head)
	if err != nil {
		return
	}
	d.g.RemoveEdge(t, h)
	delete(d.edges, edgeKey{t, h})
	d.version++
}

// Policy returns a copy of the policy on tail -> head.
func (d *Digraph) Policy(tail, head Name) (*SharingPolicy, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, h, err := d.endpoints(tail, head)
	if err != nil {
		return nil, false
	}
	p, ok := d.edges[edgeKey{t, h}]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Edges returns every edge touching name.
func (d *Digraph) Edges(name Name) []Edge {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.ids[name]
	if !ok {
		return nil
	}
	var out []Edge
	for k, p := range d.edges {
		if k.tail == id || k.head == id {
			out = append(out, Edge{Tail: d.names[k.tail], Head: d.names[k.head], Policy: p.Clone()})
		}
	}
	slices.SortFunc(out, func(a, b Edge) int {
		if a.Tail != b.Tail {
			return compareNames(a.Tail, b.Tail)
		}
		return compareNames(a.Head, b.Head)
	})
	return out
}

// AddModule assigns a module to a region.
func (d *Digraph) AddModule(name Name, module uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.modules[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, name)
	}
	if cur, ok := d.owner[module]; ok && cur != name {
		return fmt.Errorf("%w: module %d in %s", ErrModuleAssigned, module, cur)
	}
	set[module] = struct{}{}
	d.owner[module] = name
	d.version++
	return nil
}

// RemoveModule drops a module's region assignment.
func (d *Digraph) RemoveModule(module uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name, ok := d.owner[module]
	if !ok {
		return
	}
	delete(d.modules[name], module)
	delete(d.owner, module)
	d.version++
}

// RegionOf returns the region a module belongs to.
func (d *Digraph) RegionOf(module uint64) (Name, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	name, ok := d.owner[module]
	return name, ok
}

// Modules returns the modules in a region, sorted.
func (d *Digraph) Modules(name Name) []uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Sorted(maps.Keys(d.modules[name]))
}

// IsVisible reports whether c, provided from region provider, is visible to
// requirers in region requirer.
func (d *Digraph) IsVisible(requirer, provider Name, c *resource.Capability) bool {
	if requirer == provider {
		return true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	start, ok := d.ids[requirer]
	if !ok {
		return false
	}
	target, ok := d.ids[provider]
	if !ok {
		return false
	}

	visited := map[int64]bool{start: true}
	queue := []int64{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range graph.NodesOf(d.g.From(cur)) {
			next := n.ID()
			if visited[next] || !d.edges[edgeKey{cur, next}].Allows(c) {
				continue
			}
			if next == target {
				return true
			}
			visited[next] = true
			queue = append(queue, next)
		}
	}
	return false
}

// IsModuleVisible is IsVisible keyed by module ids. Modules without a region
// are treated as living in the region given by fallback.
func (d *Digraph) IsModuleVisible(requirer, provider uint64, fallback Name, c *resource.Capability) bool {
	rr, ok := d.RegionOf(requirer)
	if !ok {
		rr = fallback
	}
	pr, ok := d.RegionOf(provider)
	if !ok {
		pr = fallback
	}
	return d.IsVisible(rr, pr, c)
}

// Copy returns an independent copy that can later be committed with Replace.
func (d *Digraph) Copy() *Digraph {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c := New()
	graph.Copy(c.g, d.g)
	maps.Copy(c.ids, d.ids)
	maps.Copy(c.names, d.names)
	for name, set := range d.modules {
		c.modules[name] = maps.Clone(set)
	}
	maps.Copy(c.owner, d.owner)
	for k, p := range d.edges {
		c.edges[k] = p.Clone()
	}
	c.nextID = d.nextID
	c.source = d
	c.base = d.version
	return c
}

// Replace commits a copy made by Copy. It fails with ErrStale when d changed
// after the copy was taken.
func (d *Digraph) Replace(c *Digraph) error {
	if c.source != d {
		return fmt.Errorf("replace: copy was not taken from this digraph")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.version != c.base {
		return ErrStale
	}
	d.g = simple.NewDirectedGraph()
	graph.Copy(d.g, c.g)
	d.ids = maps.Clone(c.ids)
	d.names = maps.Clone(c.names)
	d.modules = make(map[Name]map[uint64]struct{}, len(c.modules))
	for name, set := range c.modules {
		d.modules[name] = maps.Clone(set)
	}
	d.owner = maps.Clone(c.owner)
	d.edges = make(map[edgeKey]*SharingPolicy, len(c.edges))
	for k, p := range c.edges {
		d.edges[k] = p.Clone()
	}
	d.nextID = c.nextID
	d.version++
	return nil
}

// Update applies fn to a copy and commits it, retrying on ErrStale.
func (d *Digraph) Update(fn func(c *Digraph) error) error {
	for range maxUpdateAttempts {
		c := d.Copy()
		if err := fn(c); err != nil {
			return err
		}
		err := d.Replace(c)
		if !errors.Is(err, ErrStale) {
			return err
		}
	}
	return fmt.Errorf("update region digraph: %w", ErrStale)
}

// AddRequirements widens the import policy of region name towards parent by
// the given requirements. The region is swapped for a replacement carrying
// the same name, modules and edges, committed atomically.
func (d *Digraph) AddRequirements(name, parent Name, reqs []*resource.Requirement) error {
	return d.Update(func(c *Digraph) error {
		old, ok := c.ids[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRegion, name)
		}
		if _, ok := c.ids[parent]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRegion, parent)
		}
		parentID := c.ids[parent]

		repl := c.nextID
		c.nextID++
		c.g.AddNode(simple.Node(repl))
		for k, p := range c.edges {
			switch {
			case k.tail == old && k.head == parentID:
				p = p.Union(PolicyFromRequirements(reqs))
				fallthrough
			case k.tail == old:
				c.g.SetEdge(simple.Edge{F: simple.Node(repl), T: simple.Node(k.head)})
				c.edges[edgeKey{repl, k.head}] = p
			case k.head == old:
				c.g.SetEdge(simple.Edge{F: simple.Node(k.tail), T: simple.Node(repl)})
				c.edges[edgeKey{k.tail, repl}] = p
			default:
				continue
			}
			delete(c.edges, k)
		}
		if _, ok := c.edges[edgeKey{repl, parentID}]; !ok {
			c.g.SetEdge(simple.Edge{F: simple.Node(repl), T: simple.Node(parentID)})
			c.edges[edgeKey{repl, parentID}] = PolicyFromRequirements(reqs)
		}
		c.g.RemoveNode(old)
		delete(c.names, old)
		c.ids[name] = repl
		c.names[repl] = name
		return nil
	})
}

func (d *Digraph) endpoints(tail, head Name) (int64, int64, error) {
	t, ok := d.ids[tail]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownRegion, tail)
	}
	h, ok := d.ids[head]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownRegion, head)
	}
	return t, h, nil
}

func compareNames(a, b Name) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
