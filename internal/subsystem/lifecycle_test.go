// SPDX-License-Identifier: MPL-2.0

package subsystem

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/tessera/tessera/internal/coordination"
	"github.com/tessera/tessera/internal/dag"
	"github.com/tessera/tessera/internal/module"
	"github.com/tessera/tessera/internal/region"
	"github.com/tessera/tessera/pkg/manifest"
	"github.com/tessera/tessera/pkg/resource"
)

func TestInstallAndStartApplication(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	events := record(e)
	repo(t, e, "repo", mod("bundle.b", []string{"foo"}, nil))

	app := install(t, e, root(t, e), "mem:app", application(t, "app", mod("bundle.a", nil, []string{"foo"})))
	if got, want := events.states(app.ID()), []State{StateInstalling, StateInstalled}; !slices.Equal(got, want) {
		t.Errorf("install events = %v, want %v", got, want)
	}
	a := moduleAt(t, e, "mem:app!/bundle.a@1.0.0")
	b := moduleAt(t, e, "repo:bundle.b")
	if r, _ := e.Regions().RegionOf(a.ID()); r != app.Region() {
		t.Errorf("bundle.a region = %q, want %q", r, app.Region())
	}
	if r, _ := e.Regions().RegionOf(b.ID()); r != RootRegion {
		t.Errorf("bundle.b region = %q, want root", r)
	}
	if !slices.Contains(e.Constituents(root(t, e)), resource.Resource(b)) {
		t.Error("dependency is not a constituent of the root")
	}
	if refs := e.References(app); !slices.Contains(refs, resource.Resource(a)) || !slices.Contains(refs, resource.Resource(b)) {
		t.Errorf("references = %v", refs)
	}
	if !app.IsContent(a) || app.IsContent(b) {
		t.Error("content flags are wrong")
	}

	events.reset()
	start(t, e, app)
	want := []State{StateResolving, StateResolved, StateStarting, StateActive}
	if got := events.states(app.ID()); !slices.Equal(got, want) {
		t.Errorf("start events = %v, want %v", got, want)
	}
	for _, m := range []*module.Module{a, b} {
		if m.State() != module.StateActive {
			t.Errorf("%s state = %s, want ACTIVE", m, m.State())
		}
	}
	if !app.Autostart() {
		t.Error("explicit start did not set autostart")
	}

	events.reset()
	if err := e.Stop(context.Background(), app); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if got, want := events.states(app.ID()), []State{StateStopping, StateResolved}; !slices.Equal(got, want) {
		t.Errorf("stop events = %v, want %v", got, want)
	}
	if a.State() != module.StateResolved || b.State() != module.StateResolved {
		t.Errorf("module states after stop = %s, %s", a.State(), b.State())
	}
	if app.Autostart() {
		t.Error("explicit stop kept autostart")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	app := install(t, e, root(t, e), "mem:app", application(t, "app", mod("a", nil, nil)))
	start(t, e, app)

	events := record(e)
	start(t, e, app)
	if got := events.states(app.ID()); len(got) != 0 {
		t.Errorf("second start emitted %v", got)
	}
}

func TestInstallSameLocationReturnsExisting(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	a := application(t, "app", mod("a", nil, nil))
	first := install(t, e, root(t, e), "mem:app", a)
	second := install(t, e, root(t, e), "mem:app", a)
	if first != second {
		t.Error("reinstall returned a different subsystem")
	}
	if n := len(e.Subsystems()); n != 2 {
		t.Errorf("subsystems = %d, want 2", n)
	}
}

func TestInstallIdentityConflict(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	r := root(t, e)
	first := install(t, e, r, "mem:one", archive(t, &manifest.Declared{SymbolicName: "x", Type: resource.TypeApplication}, nil))

	same := install(t, e, r, "mem:two", archive(t, &manifest.Declared{SymbolicName: "x", Type: resource.TypeApplication}, nil))
	if same != first {
		t.Error("same identity and type did not reuse the installed subsystem")
	}
	_, err := e.Install(context.Background(), r, "mem:three", archive(t, &manifest.Declared{SymbolicName: "x", Type: resource.TypeComposite}, nil))
	if !errors.Is(err, ErrIdentityConflict) {
		t.Errorf("Install(conflicting type) = %v, want ErrIdentityConflict", err)
	}
}

func TestStopReversesStartOrder(t *testing.T) {
	t.Parallel()

	var started, stopped calls
	e := newEngine(t, WithFramework(quietFramework(module.WithStartHook(started.hook), module.WithStopHook(stopped.hook))))
	decl := &manifest.Declared{
		SymbolicName: "app",
		Type:         resource.TypeApplication,
		Content: []manifest.ContentDecl{
			{Name: "m1", StartOrder: 2},
			{Name: "m2", StartOrder: 1},
			{Name: "m3", StartOrder: 3},
		},
	}
	app := install(t, e, root(t, e), "mem:app", archive(t, decl, []*manifest.ModuleDescriptor{mod("m1", nil, nil), mod("m2", nil, nil), mod("m3", nil, nil)}))
	start(t, e, app)
	if got, want := started.get(), []string{"m2", "m1", "m3"}; !slices.Equal(got, want) {
		t.Errorf("start order = %v, want %v", got, want)
	}
	if err := e.Stop(context.Background(), app); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if got, want := stopped.get(), []string{"m3", "m1", "m2"}; !slices.Equal(got, want) {
		t.Errorf("stop order = %v, want %v", got, want)
	}
}

func TestStopOrderIsReverseOfStartOrder(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		orders := rapid.SliceOfN(rapid.IntRange(0, 3), 1, 5).Draw(rt, "orders")

		var started, stopped calls
		e := newEngine(rt, WithFramework(quietFramework(module.WithStartHook(started.hook), module.WithStopHook(stopped.hook))))
		decl := &manifest.Declared{SymbolicName: "app", Type: resource.TypeApplication}
		var mods []*manifest.ModuleDescriptor
		for i, o := range orders {
			name := fmt.Sprintf("m%d", i)
			decl.Content = append(decl.Content, manifest.ContentDecl{Name: name, StartOrder: o})
			mods = append(mods, mod(name, nil, nil))
		}
		app := install(rt, e, root(rt, e), "mem:app", archive(rt, decl, mods))
		start(rt, e, app)
		if err := e.Stop(context.Background(), app); err != nil {
			rt.Fatalf("Stop() = %v", err)
		}

		idx := make([]int, len(orders))
		for i := range idx {
			idx[i] = i
		}
		slices.SortStableFunc(idx, func(a, b int) int { return orders[a] - orders[b] })
		var want []string
		for _, i := range idx {
			want = append(want, fmt.Sprintf("m%d", i))
		}
		if got := started.get(); !slices.Equal(got, want) {
			rt.Fatalf("start order = %v, want %v", got, want)
		}
		slices.Reverse(want)
		if got := stopped.get(); !slices.Equal(got, want) {
			rt.Fatalf("stop order = %v, want %v", got, want)
		}
	})
}

func TestSharedDependencyIsReferenceCounted(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	repo(t, e, "repo", mod("bundle.b", []string{"foo"}, nil))
	r := root(t, e)
	appA := install(t, e, r, "mem:a", application(t, "app.a", mod("a", nil, []string{"foo"})))
	appB := install(t, e, r, "mem:b", application(t, "app.b", mod("b", nil, []string{"foo"})))
	start(t, e, appA)
	start(t, e, appB)

	dep := moduleAt(t, e, "repo:bundle.b")
	if n := len(e.reg.Referencing(dep)); n != 2 {
		t.Fatalf("referencing = %d, want 2", n)
	}

	if err := e.Uninstall(context.Background(), appA); err != nil {
		t.Fatalf("Uninstall(a) = %v", err)
	}
	if appA.State() != StateUninstalled {
		t.Errorf("app.a state = %s", appA.State())
	}
	if dep.State() != module.StateActive {
		t.Errorf("shared dependency state = %s, want ACTIVE", dep.State())
	}
	if _, ok := e.Framework().ByLocation("repo:bundle.b"); !ok {
		t.Fatal("shared dependency uninstalled while still referenced")
	}

	if err := e.Uninstall(context.Background(), appB); err != nil {
		t.Fatalf("Uninstall(b) = %v", err)
	}
	if _, ok := e.Framework().ByLocation("repo:bundle.b"); ok {
		t.Error("unreferenced dependency still installed")
	}
	if slices.Contains(e.Constituents(r), resource.Resource(dep)) {
		t.Error("unreferenced dependency still a root constituent")
	}
	if err := e.Uninstall(context.Background(), appB); err != nil {
		t.Errorf("second Uninstall = %v", err)
	}
}

func TestCycleIsRejected(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	xa := archive(t, &manifest.Declared{SymbolicName: "x", Type: resource.TypeComposite}, nil)
	x := install(t, e, root(t, e), "mem:x", xa)
	y := install(t, e, x, "mem:y", archive(t, &manifest.Declared{SymbolicName: "y", Type: resource.TypeComposite}, nil))

	_, err := e.Install(context.Background(), y, "mem:x", xa)
	var cycle *dag.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("Install(cycle) = %v, want CycleError", err)
	}
	if parents := e.Parents(x); len(parents) != 1 || !parents[0].IsRoot() {
		t.Errorf("parents of x = %v", parents)
	}
}

func TestInstallFailureRollsBack(t *testing.T) {
	t.Parallel()

	fail := "mem:app!/bundle.a@1.0.0"
	errFull := errors.New("disk full")
	fw := quietFramework(module.WithInstallHook(func(loc resource.Location, _ *manifest.ModuleDescriptor) error {
		if loc == resource.Location(fail) {
			return errFull
		}
		return nil
	}))
	e := newEngine(t, WithFramework(fw))
	events := record(e)
	repo(t, e, "repo", mod("bundle.b", []string{"foo"}, nil))
	before := e.Snapshot()
	regions := e.Regions().Regions()

	_, err := e.Install(context.Background(), root(t, e), "mem:app", application(t, "app", mod("bundle.a", nil, []string{"foo"})))
	if err == nil {
		t.Fatal("Install succeeded")
	}
	if len(e.Subsystems()) != 1 {
		t.Errorf("subsystems = %d, want only the root", len(e.Subsystems()))
	}
	if !e.Snapshot().Equal(before) {
		t.Error("registry changed after failed install")
	}
	if got := e.Regions().Regions(); !slices.Equal(got, regions) {
		t.Errorf("regions = %v, want %v", got, regions)
	}
	if _, ok := fw.ByLocation("repo:bundle.b"); ok {
		t.Error("dependency installed before the failure was not removed")
	}
	if got := events.states(1); !slices.Equal(got, []State{StateInstalling, StateInstallFailed}) {
		t.Errorf("events = %v", got)
	}
	for _, ev := range events.of(1) {
		switch ev.To {
		case StateInstallFailed:
			if !errors.Is(ev.Err, errFull) {
				t.Errorf("INSTALL_FAILED cause = %v, want %v", ev.Err, errFull)
			}
		default:
			if ev.Err != nil {
				t.Errorf("%s carries cause %v", ev.To, ev.Err)
			}
		}
	}
	recs, err := e.store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range recs {
		if rec.ID != 0 {
			t.Errorf("record %d left in store", rec.ID)
		}
	}
}

func TestInstallUnresolvableContent(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	_, err := e.Install(context.Background(), root(t, e), "mem:app", application(t, "app", mod("a", nil, []string{"missing"})))
	if !errors.Is(err, resource.ErrResolution) {
		t.Errorf("Install = %v, want ErrResolution", err)
	}
	if !errors.Is(err, coordination.ErrCoordinationFailed) {
		t.Errorf("Install = %v, want a coordination failure", err)
	}
}

func TestDeferredDependencyFailureRollsBack(t *testing.T) {
	t.Parallel()

	var broken atomic.Bool
	fw := quietFramework(module.WithInstallHook(func(loc resource.Location, _ *manifest.ModuleDescriptor) error {
		if loc == "repo:bundle.b" && broken.Load() {
			return errors.New("unavailable")
		}
		return nil
	}))
	e := newEngine(t, WithFramework(fw))
	repo(t, e, "repo", mod("bundle.b", []string{"foo"}, nil))
	decl := &manifest.Declared{
		SymbolicName:          "app",
		Type:                  resource.TypeApplication,
		ProvisionDependencies: manifest.DependenciesAtResolve,
		Content:               []manifest.ContentDecl{{Name: "bundle.a"}},
	}
	app := install(t, e, root(t, e), "mem:app", archive(t, decl, []*manifest.ModuleDescriptor{mod("bundle.a", nil, []string{"foo"})}))
	if !app.DependenciesPending() {
		t.Fatal("dependencies not deferred")
	}
	if _, ok := fw.ByLocation("repo:bundle.b"); ok {
		t.Fatal("deferred dependency installed at install time")
	}

	before := e.Snapshot()
	broken.Store(true)
	if err := e.Start(context.Background(), app); err == nil {
		t.Fatal("Start succeeded with a failing dependency")
	}
	if app.State() != StateInstalled {
		t.Errorf("state = %s, want INSTALLED", app.State())
	}
	if !app.DependenciesPending() {
		t.Error("pending flag cleared by a failed start")
	}
	if !e.Snapshot().Equal(before) {
		t.Error("registry changed after failed start")
	}

	broken.Store(false)
	start(t, e, app)
	if app.DependenciesPending() {
		t.Error("pending flag kept after successful start")
	}
	if m := moduleAt(t, e, "repo:bundle.b"); m.State() != module.StateActive {
		t.Errorf("dependency state = %s", m.State())
	}
}

func TestStartFailureRestoresState(t *testing.T) {
	t.Parallel()

	refused := errors.New("refused")
	fw := quietFramework(module.WithStartHook(func(m *module.Module) error {
		if m.Identity().SymbolicName == "bad" {
			return refused
		}
		return nil
	}))
	e := newEngine(t, WithFramework(fw))
	decl := &manifest.Declared{
		SymbolicName: "app",
		Type:         resource.TypeApplication,
		Content:      []manifest.ContentDecl{{Name: "good", StartOrder: 1}, {Name: "bad", StartOrder: 2}},
	}
	app := install(t, e, root(t, e), "mem:app", archive(t, decl, []*manifest.ModuleDescriptor{mod("good", nil, nil), mod("bad", nil, nil)}))
	events := record(e)

	if err := e.Start(context.Background(), app); err == nil {
		t.Fatal("Start succeeded")
	}
	if app.State() != StateResolved {
		t.Errorf("state = %s, want RESOLVED", app.State())
	}
	if good := moduleAt(t, e, "mem:app!/good@1.0.0"); good.State() == module.StateActive {
		t.Error("module started before the failure is still ACTIVE")
	}
	want := []State{StateResolving, StateResolved, StateStarting, StateResolved}
	if got := events.states(app.ID()); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if evs := events.of(app.ID()); len(evs) == len(want) {
		if rollback := evs[len(evs)-1]; !errors.Is(rollback.Err, refused) {
			t.Errorf("rollback cause = %v, want %v", rollback.Err, refused)
		}
		if evs[1].Err != nil {
			t.Errorf("resolve event carries cause %v", evs[1].Err)
		}
	}
	if app.Autostart() {
		t.Error("failed start left autostart set")
	}
}

func TestApplicationsAreIsolated(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	r := root(t, e)
	owner := install(t, e, r, "mem:owner", application(t, "owner", mod("holder", []string{"secret"}, nil)))
	start(t, e, owner)

	_, err := e.Install(context.Background(), r, "mem:thief", application(t, "thief", mod("taker", nil, []string{"secret"})))
	if !errors.Is(err, resource.ErrResolution) {
		t.Errorf("Install(thief) = %v, want ErrResolution", err)
	}

	optional := &manifest.ModuleDescriptor{
		SymbolicName: "peeker",
		Version:      "1.0.0",
		Requirements: []manifest.RequirementDecl{{Namespace: resource.NamespacePackage, Filter: "(package=secret)", Optional: true}},
	}
	peek := install(t, e, r, "mem:peek", application(t, "peek", optional))
	start(t, e, peek)
	m := moduleAt(t, e, "mem:peek!/peeker@1.0.0")
	for _, w := range m.Wires() {
		if w.Requirement.Namespace == resource.NamespacePackage {
			t.Errorf("isolated requirement wired to %v", w.Capability)
		}
	}
}

func TestCompositeExportsAreVisible(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	r := root(t, e)
	decl := &manifest.Declared{
		SymbolicName: "lib",
		Type:         resource.TypeComposite,
		Content:      []manifest.ContentDecl{{Name: "lib.impl"}},
		Exports:      []manifest.ExportDecl{{Namespace: resource.NamespacePackage, Filter: "(package=pub)"}},
	}
	lib := install(t, e, r, "mem:lib", archive(t, decl, []*manifest.ModuleDescriptor{mod("lib.impl", []string{"pub", "priv"}, nil)}))
	start(t, e, lib)
	if p, ok := e.Regions().Policy(RootRegion, lib.Region()); !ok || p.IsEmpty() {
		t.Fatalf("export policy = %v, %v", p, ok)
	}

	app := install(t, e, r, "mem:app", application(t, "app", mod("user", nil, []string{"pub"})))
	start(t, e, app)
	user := moduleAt(t, e, "mem:app!/user@1.0.0")
	impl := moduleAt(t, e, "mem:lib!/lib.impl@1.0.0")
	wired := false
	for _, w := range user.Wires() {
		if w.Capability.Resource == resource.Resource(impl) {
			wired = true
		}
	}
	if !wired {
		t.Error("exported package not wired")
	}

	_, err := e.Install(context.Background(), r, "mem:spy", application(t, "spy", mod("spy", nil, []string{"priv"})))
	if !errors.Is(err, resource.ErrResolution) {
		t.Errorf("Install(spy) = %v, want ErrResolution", err)
	}

	if err := e.Stop(context.Background(), lib); err != nil {
		t.Fatalf("Stop(lib) = %v", err)
	}
	if impl.State() != module.StateActive {
		t.Error("module used by an active subsystem was stopped")
	}
}

func TestChildContentSubsystem(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	child := application(t, "child", mod("inner", nil, nil))
	decl := &manifest.Declared{
		SymbolicName: "parent",
		Type:         resource.TypeApplication,
		Content:      []manifest.ContentDecl{{Name: "child", Type: resource.TypeApplication}},
	}
	parent := install(t, e, root(t, e), "mem:parent", archive(t, decl, nil, child))

	children := e.Children(parent)
	if len(children) != 1 || children[0].SymbolicName() != "child" {
		t.Fatalf("children = %v", children)
	}
	c := children[0]
	if c.Location() != "mem:parent!/child@1.0.0" {
		t.Errorf("child location = %s", c.Location())
	}
	if c.State() != StateInstalled {
		t.Errorf("child state = %s", c.State())
	}

	start(t, e, parent)
	if c.State() != StateActive || !c.Autostart() {
		t.Errorf("child state = %s autostart = %v", c.State(), c.Autostart())
	}
	inner := moduleAt(t, e, "mem:parent!/child@1.0.0!/inner@1.0.0")
	if inner.State() != module.StateActive {
		t.Errorf("inner state = %s", inner.State())
	}

	if err := e.Uninstall(context.Background(), parent); err != nil {
		t.Fatalf("Uninstall() = %v", err)
	}
	if c.State() != StateUninstalled {
		t.Errorf("child state after parent uninstall = %s", c.State())
	}
	if _, ok := e.Framework().ByLocation(inner.Location()); ok {
		t.Error("child content still installed")
	}
	if e.Regions().HasRegion(c.Region()) || e.Regions().HasRegion(parent.Region()) {
		t.Error("regions not removed")
	}
}

func TestFeatureSharesParentRegion(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	decl := &manifest.Declared{SymbolicName: "feat", Type: resource.TypeFeature, Content: []manifest.ContentDecl{{Name: "f"}}}
	f := install(t, e, root(t, e), "mem:feat", archive(t, decl, []*manifest.ModuleDescriptor{mod("f", []string{"shared"}, nil)}))
	if f.Region() != RootRegion {
		t.Errorf("feature region = %q, want root", f.Region())
	}
	m := moduleAt(t, e, "mem:feat!/f@1.0.0")
	if r, _ := e.Regions().RegionOf(m.ID()); r != RootRegion {
		t.Errorf("feature content region = %q", r)
	}
	caps := f.Capabilities(resource.NamespacePackage)
	if len(caps) != 1 || caps[0].Attributes["package"] != "shared" {
		t.Errorf("feature package capabilities = %v", caps)
	}
	if n := len(f.Capabilities(resource.NamespaceIdentity)); n != 1 {
		t.Errorf("identity capabilities = %d, want 1", n)
	}
	err := e.AddRequirements(context.Background(), f, []manifest.RequirementDecl{{Namespace: resource.NamespacePackage}})
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("AddRequirements(feature) = %v, want ErrUnsupported", err)
	}
}

func TestAddRequirementsWidensImportPolicy(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	app := install(t, e, root(t, e), "mem:app", application(t, "app", mod("a", nil, nil)))
	bar := &resource.Capability{Namespace: resource.NamespacePackage, Attributes: resource.Attributes{"package": "bar"}}
	if e.Regions().IsVisible(app.Region(), RootRegion, bar) {
		t.Fatal("bar visible before AddRequirements")
	}

	decls := []manifest.RequirementDecl{{Namespace: resource.NamespacePackage, Filter: "(package=bar)"}}
	if err := e.AddRequirements(context.Background(), app, decls); err != nil {
		t.Fatalf("AddRequirements() = %v", err)
	}
	if !e.Regions().IsVisible(app.Region(), RootRegion, bar) {
		t.Error("bar not visible after AddRequirements")
	}
	if n := len(app.Requirements(resource.NamespacePackage)); n != 1 {
		t.Errorf("package requirements = %d, want 1", n)
	}

	recs, err := e.store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range recs {
		if rec.ID == app.ID() && len(rec.Requirements) != 1 {
			t.Errorf("persisted requirements = %v", rec.Requirements)
		}
	}

	bad := []manifest.RequirementDecl{{Namespace: resource.NamespacePackage, Filter: "(package="}}
	if err := e.AddRequirements(context.Background(), app, bad); !errors.Is(err, resource.ErrInvalidFilter) {
		t.Errorf("AddRequirements(bad filter) = %v", err)
	}
}

func TestIllegalStateAndStaleHandles(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	app := install(t, e, root(t, e), "mem:app", application(t, "app", mod("a", nil, nil)))
	if err := e.Uninstall(context.Background(), app); err != nil {
		t.Fatalf("Uninstall() = %v", err)
	}
	var ise *IllegalStateError
	if err := e.Start(context.Background(), app); !errors.As(err, &ise) || ise.State != StateUninstalled {
		t.Errorf("Start(uninstalled) = %v", err)
	}
	if err := e.Stop(context.Background(), app); !errors.Is(err, ErrIllegalState) {
		t.Errorf("Stop(uninstalled) = %v", err)
	}

	decl, data, err := rootManifest()
	if err != nil {
		t.Fatal(err)
	}
	ghost, err := newSubsystem(99, "mem:ghost", decl, data, e.reg)
	if err != nil {
		t.Fatal(err)
	}
	ghost.state = StateInstalled
	if err := e.Start(context.Background(), ghost); !errors.Is(err, ErrStale) {
		t.Errorf("Start(ghost) = %v, want ErrStale", err)
	}
	if err := e.Stop(context.Background(), root(t, e)); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Stop(root) = %v", err)
	}
	if err := e.Uninstall(context.Background(), root(t, e)); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Uninstall(root) = %v", err)
	}
}

func TestAuthorizerDenies(t *testing.T) {
	t.Parallel()

	denied := errors.New("not yours")
	e := newEngine(t, WithAuthorizer(AuthorizerFunc(func(_ context.Context, op Operation, _ *Subsystem) error {
		if op == OpStart {
			return denied
		}
		return nil
	})))
	app := install(t, e, root(t, e), "mem:app", application(t, "app", mod("a", nil, nil)))
	events := record(e)

	err := e.Start(context.Background(), app)
	var pe *PermissionError
	if !errors.As(err, &pe) || pe.Op != OpStart || !errors.Is(err, denied) {
		t.Fatalf("Start = %v, want PermissionError", err)
	}
	if app.State() != StateInstalled || len(events.states(app.ID())) != 0 {
		t.Error("denied start changed state")
	}
}

func TestConcurrentStarts(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	repo(t, e, "repo", mod("shared", []string{"foo"}, nil))
	var apps []*Subsystem
	for i := range 5 {
		name := fmt.Sprintf("app%d", i)
		apps = append(apps, install(t, e, root(t, e), "mem:"+name, application(t, name, mod(name+".m", nil, []string{"foo"}))))
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(apps)*2)
	for _, app := range apps {
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- e.Start(context.Background(), app)
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Start = %v", err)
		}
	}
	for _, app := range apps {
		if app.State() != StateActive {
			t.Errorf("%s state = %s", app.SymbolicName(), app.State())
		}
	}
}

func TestRegionNames(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	app := install(t, e, root(t, e), "mem:app", application(t, "app", mod("a", nil, nil)))
	want := region.Name(fmt.Sprintf("app;1.0.0;application;%d", app.ID()))
	if app.Region() != want {
		t.Errorf("region = %q, want %q", app.Region(), want)
	}
}

func TestSharedContentOutlivesProvisioner(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	r := root(t, e)
	decl := &manifest.Declared{
		SymbolicName: "lib",
		Type:         resource.TypeComposite,
		Content:      []manifest.ContentDecl{{Name: "lib.impl"}},
		Exports:      []manifest.ExportDecl{{Namespace: resource.NamespacePackage, Filter: "(package=pub)"}},
	}
	lib := install(t, e, r, "mem:lib", archive(t, decl, []*manifest.ModuleDescriptor{mod("lib.impl", []string{"pub"}, nil)}))
	start(t, e, lib)
	app := install(t, e, r, "mem:app", application(t, "app", mod("user", nil, []string{"pub"})))
	start(t, e, app)

	impl := moduleAt(t, e, "mem:lib!/lib.impl@1.0.0")
	if n := len(e.reg.Referencing(impl)); n != 2 {
		t.Fatalf("referencing = %d, want 2", n)
	}

	if err := e.Uninstall(context.Background(), lib); err != nil {
		t.Fatalf("Uninstall(lib) = %v", err)
	}
	if lib.State() != StateUninstalled || app.State() != StateActive {
		t.Errorf("states = lib %s app %s", lib.State(), app.State())
	}
	if impl.State() != module.StateActive {
		t.Errorf("content used by app state = %s, want ACTIVE", impl.State())
	}
	if _, ok := e.Framework().ByLocation(impl.Location()); !ok {
		t.Fatal("content still referenced by app was uninstalled")
	}
	if owner, ok := e.reg.ProvisionerOf(impl); !ok || owner != r {
		t.Errorf("provisioner = %v, %v, want the root", owner, ok)
	}
	if got, _ := e.Regions().RegionOf(impl.ID()); got != RootRegion {
		t.Errorf("region = %q, want root", got)
	}
	if !slices.Contains(e.References(app), resource.Resource(impl)) {
		t.Error("app lost its reference")
	}
	recs, err := e.store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	persisted := false
	for _, rec := range recs {
		if rec.ID != 0 {
			continue
		}
		for _, c := range rec.Constituents {
			persisted = persisted || c.Location == string(impl.Location())
		}
	}
	if !persisted {
		t.Error("new provisioner record does not list the module")
	}

	if err := e.Uninstall(context.Background(), app); err != nil {
		t.Fatalf("Uninstall(app) = %v", err)
	}
	if _, ok := e.Framework().ByLocation(impl.Location()); ok {
		t.Error("module still installed after its last reference was released")
	}
	if slices.Contains(e.Constituents(r), resource.Resource(impl)) {
		t.Error("module still a root constituent")
	}
}

func TestSharedDependencySerializesStopAndStart(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fw := quietFramework(module.WithStopHook(func(m *module.Module) error {
		if m.Identity().SymbolicName == "bundle.b" {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
		return nil
	}))
	e := newEngine(t, WithFramework(fw))
	repo(t, e, "repo", mod("bundle.b", []string{"foo"}, nil))
	r := root(t, e)
	appA := install(t, e, r, "mem:a", application(t, "app.a", mod("a", nil, []string{"foo"})))
	appB := install(t, e, r, "mem:b", application(t, "app.b", mod("b", nil, []string{"foo"})))
	start(t, e, appB)

	stopped := make(chan error, 1)
	go func() { stopped <- e.Stop(context.Background(), appB) }()
	<-entered

	started := make(chan error, 1)
	go func() { started <- e.Start(context.Background(), appA) }()
	var startErr error
	early := false
	select {
	case startErr = <-started:
		early = true
		t.Error("Start(app.a) finished while app.b was stopping the shared dependency")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	if err := <-stopped; err != nil {
		t.Fatalf("Stop(app.b) = %v", err)
	}
	if !early {
		startErr = <-started
	}
	if startErr != nil {
		t.Fatalf("Start(app.a) = %v", startErr)
	}
	if dep := moduleAt(t, e, "repo:bundle.b"); dep.State() != module.StateActive {
		t.Errorf("shared dependency state = %s, want ACTIVE", dep.State())
	}
	if appA.State() != StateActive || appB.State() != StateResolved {
		t.Errorf("states = app.a %s app.b %s", appA.State(), appB.State())
	}
}

func TestUninstallWaitsForTransition(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fw := quietFramework(module.WithStartHook(func(*module.Module) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	}))
	e := newEngine(t, WithFramework(fw))
	app := install(t, e, root(t, e), "mem:app", application(t, "app", mod("a", nil, nil)))
	events := record(e)

	started := make(chan error, 1)
	go func() { started <- e.Start(context.Background(), app) }()
	<-entered
	if st := app.State(); st != StateStarting {
		t.Errorf("state while starting = %s, want STARTING", st)
	}

	uninstalled := make(chan error, 1)
	go func() { uninstalled <- e.Uninstall(context.Background(), app) }()
	var uninstallErr error
	early := false
	select {
	case uninstallErr = <-uninstalled:
		early = true
		t.Error("Uninstall returned while the subsystem was STARTING")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	if err := <-started; err != nil {
		t.Fatalf("Start = %v", err)
	}
	if !early {
		uninstallErr = <-uninstalled
	}
	if uninstallErr != nil {
		t.Fatalf("Uninstall = %v", uninstallErr)
	}
	want := []State{
		StateResolving, StateResolved, StateStarting, StateActive,
		StateStopping, StateResolved, StateUninstalling, StateUninstalled,
	}
	if got := events.states(app.ID()); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestStartCyclicReferences(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	r := root(t, e)
	x := install(t, e, r, "mem:x", application(t, "x", mod("x.m", nil, nil)))
	y := install(t, e, r, "mem:y", application(t, "y", mod("y.m", nil, nil)))
	e.reg.AddReference(x, y)
	e.reg.AddReference(y, x)
	events := record(e)

	start(t, e, x)
	want := []State{StateResolving, StateResolved, StateStarting, StateActive}
	for _, s := range []*Subsystem{x, y} {
		if got := events.states(s.ID()); !slices.Equal(got, want) {
			t.Errorf("%s events = %v, want %v", s.SymbolicName(), got, want)
		}
		if e.locks.Marked(s.ID(), StateActive.String()) {
			t.Errorf("%s start marker left behind", s.SymbolicName())
		}
	}
	for _, loc := range []string{"mem:x!/x.m@1.0.0", "mem:y!/y.m@1.0.0"} {
		if m := moduleAt(t, e, loc); m.State() != module.StateActive {
			t.Errorf("%s state = %s", loc, m.State())
		}
	}

	if err := e.Stop(context.Background(), x); err != nil {
		t.Fatalf("Stop = %v", err)
	}
	if x.State() != StateResolved || y.State() != StateResolved {
		t.Errorf("states after stop = x %s y %s", x.State(), y.State())
	}
}

func TestConcurrentOperationsComplete(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	repo(t, e, "repo", mod("shared", []string{"foo"}, nil))
	r := root(t, e)
	var apps []*Subsystem
	for i := range 4 {
		name := fmt.Sprintf("app%d", i)
		apps = append(apps, install(t, e, r, "mem:"+name, application(t, name, mod(name+".m", nil, []string{"foo"}))))
	}
	extra := []manifest.RequirementDecl{{Namespace: resource.NamespacePackage, Filter: "(package=bar)"}}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for _, app := range apps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- e.Start(context.Background(), app)
			errs <- e.AddRequirements(context.Background(), app, extra)
			errs <- e.Stop(context.Background(), app)
			errs <- e.Start(context.Background(), app)
		}()
	}
	for i := range 3 {
		name := fmt.Sprintf("tmp%d", i)
		a := application(t, name, mod(name+".m", nil, []string{"foo"}))
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := e.Install(context.Background(), r, resource.Location("mem:"+name), a)
			if err != nil {
				errs <- err
				return
			}
			errs <- e.Start(context.Background(), s)
			errs <- e.Uninstall(context.Background(), s)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent operations did not finish")
	}
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("operation = %v", err)
		}
	}
	for _, app := range apps {
		if app.State() != StateActive {
			t.Errorf("%s state = %s", app.SymbolicName(), app.State())
		}
	}
	if dep := moduleAt(t, e, "repo:shared"); dep.State() != module.StateActive {
		t.Errorf("shared dependency state = %s", dep.State())
	}
}
