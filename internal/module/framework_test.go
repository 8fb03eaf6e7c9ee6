// SPDX-License-Identifier: MPL-2.0

package module

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/tessera/tessera/pkg/manifest"
	"github.com/tessera/tessera/pkg/resource"
)

func descriptor(t *testing.T, d *manifest.ModuleDescriptor) []byte {
	t.Helper()
	data, err := d.Encode()
	if err != nil {
		t.Fatalf("Encode(%s) = %v", d.SymbolicName, err)
	}
	return data
}

func provides(pkg string) []manifest.CapabilityDecl {
	return []manifest.CapabilityDecl{{Namespace: resource.NamespacePackage, Attributes: map[string]any{"package": pkg}}}
}

func requires(pkg string, optional bool) []manifest.RequirementDecl {
	return []manifest.RequirementDecl{{Namespace: resource.NamespacePackage, Filter: "(package=" + pkg + ")", Optional: optional}}
}

func install(t *testing.T, f *Framework, loc string, d *manifest.ModuleDescriptor) *Module {
	t.Helper()
	m, err := f.Install(context.Background(), resource.Location(loc), bytes.NewReader(descriptor(t, d)))
	if err != nil {
		t.Fatalf("Install(%s) = %v", loc, err)
	}
	return m
}

func TestInstallIsIdempotentPerLocation(t *testing.T) {
	t.Parallel()

	f := New()
	a := install(t, f, "mem:a", &manifest.ModuleDescriptor{SymbolicName: "a", Version: "1.0.0"})
	again := install(t, f, "mem:a", &manifest.ModuleDescriptor{SymbolicName: "other", Version: "2.0.0"})
	if a != again {
		t.Fatal("second install at the same location returned a different module")
	}
	if got, ok := f.ByLocation("mem:a"); !ok || got != a {
		t.Fatal("ByLocation did not return the installed module")
	}
	if a.State() != StateInstalled {
		t.Errorf("state = %s, want INSTALLED", a.State())
	}
	if id, ok := resource.IdentityOf(a); !ok || id.SymbolicName != "a" {
		t.Errorf("identity = %v", id)
	}
}

func TestInstallHookFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	f := New(WithInstallHook(func(loc resource.Location, _ *manifest.ModuleDescriptor) error {
		if loc == "mem:bad" {
			return boom
		}
		return nil
	}))
	_, err := f.Install(context.Background(), "mem:bad", bytes.NewReader(descriptor(t, &manifest.ModuleDescriptor{SymbolicName: "bad"})))
	if !errors.Is(err, boom) {
		t.Fatalf("Install = %v, want boom", err)
	}
	if len(f.Modules()) != 0 {
		t.Error("failed install left a module behind")
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	f := New()
	a := install(t, f, "mem:a", &manifest.ModuleDescriptor{SymbolicName: "a", Requirements: requires("foo", false)})
	b := install(t, f, "mem:b", &manifest.ModuleDescriptor{SymbolicName: "b", Capabilities: provides("foo")})

	if err := f.Resolve(context.Background(), []*Module{a}); err != nil {
		t.Fatalf("Resolve = %v", err)
	}
	if a.State() != StateResolved || b.State() != StateResolved {
		t.Fatalf("states = %s, %s; provider should resolve with its requirer", a.State(), b.State())
	}
	wires := a.Wires()
	if len(wires) != 1 || wires[0].Capability.Resource != b {
		t.Fatalf("wires = %v", wires)
	}
}

func TestResolveFailureIsAllOrNothing(t *testing.T) {
	t.Parallel()

	f := New()
	ok := install(t, f, "mem:ok", &manifest.ModuleDescriptor{SymbolicName: "ok"})
	a := install(t, f, "mem:a", &manifest.ModuleDescriptor{SymbolicName: "a", Requirements: requires("missing", false)})
	b := install(t, f, "mem:b", &manifest.ModuleDescriptor{SymbolicName: "b", Requirements: requires("bar", false)})
	install(t, f, "mem:c", &manifest.ModuleDescriptor{
		SymbolicName: "c",
		Capabilities: provides("bar"),
		Requirements: requires("missing", false),
	})

	err := f.Resolve(context.Background(), []*Module{ok, a, b})
	var rerr *resource.ResolutionError
	if !errors.As(err, &rerr) {
		t.Fatalf("Resolve = %v, want *ResolutionError", err)
	}
	if !errors.Is(err, resource.ErrResolution) {
		t.Error("error does not wrap ErrResolution")
	}
	names := map[string]bool{}
	for _, d := range rerr.Diagnostics {
		names[d.SymbolicName] = true
		if d.State != "INSTALLED" {
			t.Errorf("diagnostic state = %s", d.State)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		if !names[want] {
			t.Errorf("no diagnostic for %s: %v", want, rerr.Diagnostics)
		}
	}
	if ok.State() != StateInstalled {
		t.Error("resolvable module was resolved despite the failure")
	}
}

func TestResolveOptional(t *testing.T) {
	t.Parallel()

	f := New()
	a := install(t, f, "mem:a", &manifest.ModuleDescriptor{SymbolicName: "a", Requirements: requires("gone", true)})
	if err := f.Resolve(context.Background(), []*Module{a}); err != nil {
		t.Fatalf("Resolve = %v", err)
	}
	if len(a.Wires()) != 0 {
		t.Errorf("wires = %v", a.Wires())
	}
}

func TestResolveVisibility(t *testing.T) {
	t.Parallel()

	f := New()
	hidden := install(t, f, "mem:hidden", &manifest.ModuleDescriptor{SymbolicName: "hidden", Capabilities: provides("foo")})
	a := install(t, f, "mem:a", &manifest.ModuleDescriptor{SymbolicName: "a", Requirements: requires("foo", false)})
	f.SetVisibility(func(_, provider *Module, _ *resource.Capability) bool {
		return provider != hidden
	})

	err := f.Resolve(context.Background(), []*Module{a})
	if !errors.Is(err, resource.ErrResolution) {
		t.Fatalf("Resolve = %v, want resolution failure", err)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	var events []string
	f := New(
		WithStartHook(func(m *Module) error {
			events = append(events, "start "+m.Identity().SymbolicName)
			return nil
		}),
		WithStopHook(func(m *Module) error {
			events = append(events, "stop "+m.Identity().SymbolicName)
			return nil
		}),
	)
	ctx := context.Background()
	eager := install(t, f, "mem:eager", &manifest.ModuleDescriptor{SymbolicName: "eager"})
	lazy := install(t, f, "mem:lazy", &manifest.ModuleDescriptor{SymbolicName: "lazy", Activation: manifest.ActivationLazy})

	if err := f.Start(ctx, eager); err != nil {
		t.Fatalf("Start(eager) = %v", err)
	}
	if err := f.Start(ctx, lazy); err != nil {
		t.Fatalf("Start(lazy) = %v", err)
	}
	if eager.State() != StateActive || lazy.State() != StateStarting {
		t.Fatalf("states = %s, %s", eager.State(), lazy.State())
	}
	if err := f.Activate(ctx, lazy); err != nil {
		t.Fatalf("Activate = %v", err)
	}
	if err := f.Activate(ctx, lazy); !errors.Is(err, ErrNotLazy) {
		t.Errorf("second Activate = %v", err)
	}
	if err := f.Stop(ctx, eager); err != nil {
		t.Fatalf("Stop = %v", err)
	}
	if eager.State() != StateResolved {
		t.Errorf("state after stop = %s", eager.State())
	}

	want := []string{"start eager", "start lazy", "stop eager"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestStartHookFailure(t *testing.T) {
	t.Parallel()

	f := New(WithStartHook(func(*Module) error { return errors.New("refused") }))
	m := install(t, f, "mem:m", &manifest.ModuleDescriptor{SymbolicName: "m"})
	if err := f.Start(context.Background(), m); err == nil {
		t.Fatal("Start succeeded despite failing hook")
	}
	if m.State() != StateResolved {
		t.Errorf("state = %s, want RESOLVED", m.State())
	}
}

func TestFragments(t *testing.T) {
	t.Parallel()

	f := New()
	ctx := context.Background()
	host := install(t, f, "mem:host", &manifest.ModuleDescriptor{SymbolicName: "host", Version: "1.2.0"})
	frag := install(t, f, "mem:frag", &manifest.ModuleDescriptor{
		SymbolicName: "frag",
		Type:         resource.TypeFragment,
		Host:         "host",
		HostVersion:  "[1.0.0,2.0.0)",
	})

	if err := f.Resolve(ctx, []*Module{host}); err != nil {
		t.Fatalf("Resolve = %v", err)
	}
	if got, ok := frag.Host(); !ok || got != host {
		t.Fatal("fragment did not attach to its host")
	}
	if fr := host.Fragments(); len(fr) != 1 || fr[0] != frag {
		t.Fatalf("host fragments = %v", fr)
	}
	if err := f.Start(ctx, frag); !errors.Is(err, ErrFragment) {
		t.Errorf("Start(fragment) = %v, want ErrFragment", err)
	}

	if err := f.Uninstall(ctx, host); err != nil {
		t.Fatalf("Uninstall = %v", err)
	}
	if _, ok := frag.Host(); ok {
		t.Error("fragment still attached after host uninstall")
	}
	if frag.State() != StateInstalled {
		t.Errorf("fragment state = %s", frag.State())
	}
}

func TestUninstall(t *testing.T) {
	t.Parallel()

	f := New()
	ctx := context.Background()
	m := install(t, f, "mem:m", &manifest.ModuleDescriptor{SymbolicName: "m", Capabilities: provides("foo")})
	if err := f.Start(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := f.Uninstall(ctx, m); err != nil {
		t.Fatalf("Uninstall = %v", err)
	}
	if m.State() != StateUninstalled {
		t.Errorf("state = %s", m.State())
	}
	if _, ok := f.ByLocation("mem:m"); ok {
		t.Error("module still registered")
	}
	if err := f.Start(ctx, m); !errors.Is(err, ErrUninstalled) {
		t.Errorf("Start after uninstall = %v", err)
	}
	req := &resource.Requirement{Namespace: resource.NamespacePackage, Filter: resource.MustParseFilter("(package=foo)")}
	if got := f.Providers(req); len(got) != 0 {
		t.Errorf("Providers = %v", got)
	}
}
