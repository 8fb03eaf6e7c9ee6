// SPDX-License-Identifier: MPL-2.0

package subsystem

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tessera/tessera/internal/coordination"
	"github.com/tessera/tessera/internal/lock"
	"github.com/tessera/tessera/internal/module"
	"github.com/tessera/tessera/internal/region"
	"github.com/tessera/tessera/internal/registry"
	"github.com/tessera/tessera/internal/repository"
	"github.com/tessera/tessera/internal/resolver"
	"github.com/tessera/tessera/internal/store"
	"github.com/tessera/tessera/pkg/manifest"
	"github.com/tessera/tessera/pkg/resource"
)

const (
	// RootLocation is the location of the root subsystem.
	RootLocation resource.Location = "tessera:root"
	// RootName is the symbolic name of the root subsystem.
	RootName = "org.tessera.root"
	// RootRegion is the region of the root subsystem.
	RootRegion region.Name = "root"
)

type (
	// Observer receives engine telemetry.
	Observer interface {
		ObserveOperation(op string, d time.Duration, err error)
		ObserveTransition(from, to string)
		ObserveCoordinationFailure(name string)
		ObserveLookup(tier string, found bool)
	}

	// Option configures an Engine.
	Option func(*Engine)

	// Engine owns the subsystem tree and runs every lifecycle operation.
	// All exported methods are safe for concurrent use.
	Engine struct {
		store    store.Store
		fw       *module.Framework
		regions  *region.Digraph
		reg      *registry.Registry[*Subsystem]
		locks    *lock.Strategy
		adapter  *resolver.Adapter
		services *repository.Services
		auth     Authorizer
		observer Observer
		tracer   trace.Tracer
		logger   *log.Logger

		listenersMu  sync.RWMutex
		listeners    []listenerEntry
		nextListener uint64

		openMu sync.Mutex
		open   bool
	}
)

// WithStore sets the persistent store. The default keeps state in memory.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithFramework sets the module framework. Its visibility is replaced by the
// engine's region check.
func WithFramework(fw *module.Framework) Option {
	return func(e *Engine) { e.fw = fw }
}

// WithAuthorizer sets the permission check run before every operation.
func WithAuthorizer(a Authorizer) Option {
	return func(e *Engine) { e.auth = a }
}

// WithObserver sets the telemetry observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithTracer sets the tracer used for operation spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithLogger sets the engine logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSolver replaces the default backtracking solver.
func WithSolver(s resolver.Solver) Option {
	return func(e *Engine) { e.adapter = resolver.NewAdapter(s) }
}

// WithServices sets the registry of repository services queried last by
// every resolution.
func WithServices(s *repository.Services) Option {
	return func(e *Engine) { e.services = s }
}

// New creates an engine. Open must be called before any operation.
func New(opts ...Option) *Engine {
	e := &Engine{
		regions:  region.New(),
		reg:      registry.New[*Subsystem](),
		locks:    lock.New(),
		adapter:  resolver.NewAdapter(nil),
		services: repository.NewServices(),
		auth:     allowAll{},
		tracer:   noop.NewTracerProvider().Tracer("tessera"),
		logger:   log.NewWithOptions(os.Stderr, log.Options{Prefix: "subsystem"}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = store.NewMemory()
	}
	if e.fw == nil {
		e.fw = module.New(module.WithLogger(e.logger.WithPrefix("module")))
	}
	e.fw.SetVisibility(e.moduleVisible)
	return e
}

// Close releases the store. Installed modules stay in the framework.
func (e *Engine) Close() error {
	e.openMu.Lock()
	defer e.openMu.Unlock()
	e.open = false
	return e.store.Close()
}

// Root returns the root subsystem.
func (e *Engine) Root() (*Subsystem, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	root, ok := e.reg.Root()
	if !ok {
		return nil, ErrNotFound
	}
	return root, nil
}

// Subsystem looks up a subsystem by id.
func (e *Engine) Subsystem(id uint64) (*Subsystem, error) {
	s, ok := e.reg.ByID(id)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return s, nil
}

// Subsystems returns every installed subsystem ordered by id.
func (e *Engine) Subsystems() []*Subsystem { return e.reg.All() }

// Children returns the direct children of s.
func (e *Engine) Children(s *Subsystem) []*Subsystem { return e.reg.Children(s) }

// Parents returns the direct parents of s.
func (e *Engine) Parents(s *Subsystem) []*Subsystem { return e.reg.Parents(s) }

// Constituents returns the resources s provisions.
func (e *Engine) Constituents(s *Subsystem) []resource.Resource { return e.reg.Constituents(s) }

// References returns the resources s uses.
func (e *Engine) References(s *Subsystem) []resource.Resource { return e.reg.References(s) }

// Snapshot copies the registry's constituent and reference maps.
func (e *Engine) Snapshot() registry.Snapshot { return e.reg.Snapshot() }

// Framework returns the module framework.
func (e *Engine) Framework() *module.Framework { return e.fw }

// Regions returns the region digraph.
func (e *Engine) Regions() *region.Digraph { return e.regions }

// RegisterRepository adds a repository service consulted after every other
// tier.
func (e *Engine) RegisterRepository(name string, repo repository.Repository) error {
	return e.services.Register(name, repo)
}

// UnregisterRepository removes a repository service.
func (e *Engine) UnregisterRepository(name string) bool {
	return e.services.Unregister(name)
}

func (e *Engine) ready() error {
	e.openMu.Lock()
	defer e.openMu.Unlock()
	if !e.open {
		return ErrNotOpen
	}
	return nil
}

// operate runs the checks every public operation shares, then fn inside a
// span. Authorization and the stale check happen before any lock is taken.
func (e *Engine) operate(ctx context.Context, op Operation, s *Subsystem, fn func(ctx context.Context) error) (err error) {
	if err := e.ready(); err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if err := e.auth.Authorize(ctx, op, s); err != nil {
		return &PermissionError{Op: op, ID: s.id, Cause: err}
	}

	ctx, span := e.tracer.Start(ctx, "subsystem."+string(op), trace.WithAttributes(
		attribute.Int64("subsystem.id", int64(s.id)),
		attribute.String("subsystem.location", string(s.location)),
	))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if e.observer != nil {
			e.observer.ObserveOperation(string(op), time.Since(start), err)
		}
	}()
	return fn(ctx)
}

// finish ends a coordination the caller owns and folds its outcome into err.
func (e *Engine) finish(c *coordination.Coordination, owned bool, err error) error {
	if err != nil {
		c.Fail(err)
	}
	if !owned {
		return err
	}
	endErr := c.End()
	if err != nil {
		if e.observer != nil {
			e.observer.ObserveCoordinationFailure(c.Name())
		}
		e.logger.Error("operation rolled back", "op", c.Name(), "err", endErr)
		return endErr
	}
	return endErr
}

// transition moves s to a new state, emits the event and persists the
// record. Terminal states are not persisted; their records are deleted by
// the caller.
func (e *Engine) transition(ctx context.Context, s *Subsystem, to State) error {
	return e.change(ctx, s, to, nil)
}

// change is transition carrying the error that caused it.
func (e *Engine) change(ctx context.Context, s *Subsystem, to State, cause error) error {
	from := s.setState(to)
	e.logger.Debug("state transition", "id", s.id, "location", s.location, "from", from, "to", to)
	if e.observer != nil {
		e.observer.ObserveTransition(from.String(), to.String())
	}
	e.emit(Event{
		ID:           s.id,
		Location:     s.location,
		SymbolicName: s.identity.SymbolicName,
		Version:      s.identity.Version,
		Type:         s.identity.Type,
		From:         from,
		To:           to,
		Err:          cause,
		Time:         time.Now(),
	})
	if to.IsTerminal() || to == StateInstalling {
		return nil
	}
	return e.persist(ctx, s)
}

// restore is transition for compensations of c: the event carries the
// failure of c, and persist errors are logged, not returned.
func (e *Engine) restore(ctx context.Context, c *coordination.Coordination, s *Subsystem, to State) error {
	if err := e.change(context.WithoutCancel(ctx), s, to, c.Failure()); err != nil {
		e.logger.Error("persist after rollback", "id", s.id, "state", to, "err", err)
	}
	return nil
}

// record computes the persisted form of s.
func (e *Engine) record(s *Subsystem) *manifest.Record {
	rec := &manifest.Record{
		ID:           s.id,
		Location:     string(s.location),
		State:        s.State().String(),
		Manifest:     string(s.manifestData),
		Autostart:    s.Autostart(),
		Dependency:   s.isDependency(),
		Requirements: s.extraRequirements(),
	}
	rec.DependenciesPending = s.DependenciesPending()
	if s.IsScoped() {
		rec.Region = string(s.region)
	}
	if s.IsRoot() {
		rec.LastID = e.reg.LastID()
	}
	for _, p := range e.reg.Parents(s) {
		rec.Parents = append(rec.Parents, p.id)
	}
	slices.Sort(rec.Parents)
	for _, c := range e.reg.Constituents(s) {
		m, ok := c.(*module.Module)
		if !ok {
			continue
		}
		if info, ok := s.moduleInfo(m.ID()); ok {
			rec.Constituents = append(rec.Constituents, info)
		}
	}
	content := s.contentSet()
	for _, r := range e.reg.References(s) {
		loc, ok := locationOf(r)
		if !ok {
			continue
		}
		rec.References = append(rec.References, manifest.Reference{Location: string(loc), Content: content[r]})
	}
	return rec
}

func (e *Engine) persist(ctx context.Context, s *Subsystem) error {
	if !e.reg.Contains(s) {
		return nil
	}
	if err := e.store.Save(ctx, e.record(s)); err != nil {
		return fmt.Errorf("persist subsystem %d: %w", s.id, err)
	}
	return nil
}

func locationOf(r resource.Resource) (resource.Location, bool) {
	switch r := r.(type) {
	case *module.Module:
		return r.Location(), true
	case *Subsystem:
		return r.location, true
	default:
		return "", false
	}
}

// moduleVisible is the framework's visibility check: the requirer's region
// must see the provider's region through edges admitting the capability.
func (e *Engine) moduleVisible(requirer, provider *module.Module, c *resource.Capability) bool {
	return e.regions.IsModuleVisible(requirer.ID(), provider.ID(), RootRegion, c)
}

// affected returns s, its descendants, the subsystems they reference and
// every other subsystem referencing the same resources, transitively.
func (e *Engine) affected(s *Subsystem) []*Subsystem {
	seen := map[*Subsystem]bool{}
	var out []*Subsystem
	queue := []*Subsystem{s}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		queue = append(queue, e.reg.Children(cur)...)
		for _, r := range e.reg.References(cur) {
			if sub, ok := r.(*Subsystem); ok {
				queue = append(queue, sub)
			}
			queue = append(queue, e.reg.Referencing(r)...)
		}
	}
	return out
}

func ids(ss []*Subsystem) []uint64 {
	out := make([]uint64, len(ss))
	for i, s := range ss {
		out[i] = s.id
	}
	return out
}
