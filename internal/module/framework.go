// SPDX-License-Identifier: MPL-2.0

package module

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/tessera/tessera/pkg/manifest"
	"github.com/tessera/tessera/pkg/resource"
)

var (
	// ErrUninstalled is returned for operations on an uninstalled module.
	ErrUninstalled = errors.New("module is uninstalled")
	// ErrFragment is returned when starting or stopping a fragment.
	ErrFragment = errors.New("fragments cannot be started or stopped")
	// ErrNotLazy is returned by Activate for modules not waiting on lazy activation.
	ErrNotLazy = errors.New("module is not pending lazy activation")
)

type (
	// Visibility decides whether requirer may wire to capability c of provider.
	Visibility func(requirer, provider *Module, c *resource.Capability) bool

	// InstallHook runs before a module is installed; an error aborts the install.
	InstallHook func(location resource.Location, d *manifest.ModuleDescriptor) error

	// Hook runs when a module starts or stops.
	Hook func(m *Module) error

	// Option configures a Framework.
	Option func(*Framework)

	// Framework installs and runs modules. All methods are safe for
	// concurrent use.
	Framework struct {
		mu         sync.RWMutex
		resolveMu  sync.Mutex
		modules    map[uint64]*Module
		byLocation map[resource.Location]*Module
		nextID     uint64

		visible     Visibility
		installHook InstallHook
		startHook   Hook
		stopHook    Hook
		logger      *log.Logger
	}
)

// WithVisibility restricts which providers a module may wire to.
func WithVisibility(v Visibility) Option {
	return func(f *Framework) { f.visible = v }
}

// WithInstallHook sets a hook run before every install.
func WithInstallHook(h InstallHook) Option {
	return func(f *Framework) { f.installHook = h }
}

// WithStartHook sets a hook run when a module becomes active.
func WithStartHook(h Hook) Option {
	return func(f *Framework) { f.startHook = h }
}

// WithStopHook sets a hook run when an active module stops.
func WithStopHook(h Hook) Option {
	return func(f *Framework) { f.stopHook = h }
}

// WithLogger sets the framework logger.
func WithLogger(l *log.Logger) Option {
	return func(f *Framework) { f.logger = l }
}

// New creates an empty framework.
func New(opts ...Option) *Framework {
	f := &Framework{
		modules:    make(map[uint64]*Module),
		byLocation: make(map[resource.Location]*Module),
		nextID:     1,
		logger:     log.NewWithOptions(os.Stderr, log.Options{Prefix: "module"}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetVisibility replaces the visibility hook. It is used when the region
// manager is created after the framework.
func (f *Framework) SetVisibility(v Visibility) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visible = v
}

// Install installs the module descriptor read from content at location.
// Installing at a location that is already in use returns the existing module.
func (f *Framework) Install(ctx context.Context, location resource.Location, content io.Reader) (*Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := location.Validate(); err != nil {
		return nil, err
	}
	if m, ok := f.ByLocation(location); ok {
		return m, nil
	}

	data, err := io.ReadAll(content)
	if err != nil {
		return nil, fmt.Errorf("read module %s: %w", location, err)
	}
	desc, err := manifest.ParseModule(data, string(location))
	if err != nil {
		return nil, err
	}
	if f.installHook != nil {
		if err := f.installHook(location, desc); err != nil {
			return nil, fmt.Errorf("install module %s: %w", location, err)
		}
	}

	m := &Module{location: location, descriptor: desc, identity: desc.Identity(), data: data}
	if err := desc.Populate(&m.Set, m); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.byLocation[location]; ok {
		return existing, nil
	}
	m.id = f.nextID
	f.nextID++
	f.modules[m.id] = m
	f.byLocation[location] = m
	f.logger.Debug("module installed", "id", m.id, "location", location, "symbolic_name", m.identity.SymbolicName, "version", m.identity.Version)
	return m, nil
}

// Uninstall stops m if needed and removes it from the framework.
func (f *Framework) Uninstall(ctx context.Context, m *Module) error {
	if m.State() == StateUninstalled {
		return nil
	}
	var stopErr error
	if s := m.State(); s == StateActive || s == StateStarting {
		stopErr = f.Stop(ctx, m)
	}

	f.mu.Lock()
	delete(f.modules, m.id)
	delete(f.byLocation, m.location)
	f.mu.Unlock()

	m.mu.Lock()
	host := m.host
	fragments := m.fragments
	m.host, m.fragments, m.wires = nil, nil, nil
	m.state = StateUninstalled
	m.mu.Unlock()

	if host != nil {
		host.mu.Lock()
		host.fragments = slices.DeleteFunc(host.fragments, func(x *Module) bool { return x == m })
		host.mu.Unlock()
	}
	for _, frag := range fragments {
		frag.mu.Lock()
		frag.host = nil
		frag.wires = nil
		frag.state = StateInstalled
		frag.mu.Unlock()
	}
	f.logger.Debug("module uninstalled", "id", m.id, "location", m.location)
	return stopErr
}

// ByLocation looks up an installed module.
func (f *Framework) ByLocation(location resource.Location) (*Module, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.byLocation[location]
	return m, ok
}

// ByID looks up an installed module.
func (f *Framework) ByID(id uint64) (*Module, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.modules[id]
	return m, ok
}

// Modules returns every installed module ordered by id.
func (f *Framework) Modules() []*Module {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(f.modules))
	out := make([]*Module, len(ids))
	for i, id := range ids {
		out[i] = f.modules[id]
	}
	return out
}

// Providers returns the capabilities of installed modules matching req.
func (f *Framework) Providers(req *resource.Requirement) []*resource.Capability {
	var out []*resource.Capability
	for _, m := range f.Modules() {
		for _, c := range m.Capabilities(req.Namespace) {
			if resource.Matches(req, c) {
				out = append(out, c)
			}
		}
	}
	return out
}

// Start resolves m if needed and starts it. Lazy modules stop in STARTING
// until Activate is called.
func (f *Framework) Start(ctx context.Context, m *Module) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.IsFragment() {
		return fmt.Errorf("start %s: %w", m, ErrFragment)
	}
	switch m.State() {
	case StateUninstalled:
		return fmt.Errorf("start %s: %w", m, ErrUninstalled)
	case StateActive, StateStarting:
		return nil
	case StateInstalled:
		if err := f.Resolve(ctx, []*Module{m}); err != nil {
			return err
		}
	}

	m.setState(StateStarting)
	if m.descriptor.ActivationPolicy() == manifest.ActivationLazy {
		f.logger.Debug("module awaiting lazy activation", "id", m.id, "location", m.location)
		return nil
	}
	return f.activate(m)
}

// Activate completes the start of a lazily activated module.
func (f *Framework) Activate(ctx context.Context, m *Module) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.State() != StateStarting {
		return fmt.Errorf("activate %s: %w", m, ErrNotLazy)
	}
	return f.activate(m)
}

func (f *Framework) activate(m *Module) error {
	if f.startHook != nil {
		if err := f.startHook(m); err != nil {
			m.setState(StateResolved)
			return fmt.Errorf("start %s: %w", m, err)
		}
	}
	m.setState(StateActive)
	f.logger.Debug("module started", "id", m.id, "location", m.location)
	return nil
}

// Stop stops an active or lazily starting module. The module ends up
// RESOLVED even when the stop hook fails.
func (f *Framework) Stop(ctx context.Context, m *Module) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.IsFragment() {
		return fmt.Errorf("stop %s: %w", m, ErrFragment)
	}
	prev := m.State()
	switch prev {
	case StateUninstalled:
		return fmt.Errorf("stop %s: %w", m, ErrUninstalled)
	case StateActive, StateStarting:
	default:
		return nil
	}

	m.setState(StateStopping)
	var err error
	if prev == StateActive && f.stopHook != nil {
		if herr := f.stopHook(m); herr != nil {
			err = fmt.Errorf("stop %s: %w", m, herr)
		}
	}
	m.setState(StateResolved)
	f.logger.Debug("module stopped", "id", m.id, "location", m.location)
	return err
}
