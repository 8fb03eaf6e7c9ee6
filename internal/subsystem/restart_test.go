// SPDX-License-Identifier: MPL-2.0

package subsystem

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/tessera/tessera/internal/module"
	"github.com/tessera/tessera/internal/store"
	"github.com/tessera/tessera/pkg/manifest"
	"github.com/tessera/tessera/pkg/resource"
)

// brokenContent fails every content read after the first ok ones.
type brokenContent struct {
	store.Store
	ok     atomic.Int32
	broken atomic.Bool
}

func (b *brokenContent) Content(ctx context.Context, digest string) ([]byte, error) {
	if b.broken.Load() && b.ok.Add(-1) < 0 {
		return nil, errors.New("content unavailable")
	}
	return b.Store.Content(ctx, digest)
}

func reopen(t *testing.T, dir string) *Engine {
	t.Helper()
	st, err := store.OpenCUE(dir)
	if err != nil {
		t.Fatalf("OpenCUE() = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return newEngine(t, WithStore(st))
}

func TestColdRestartRestoresTree(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := reopen(t, dir)
	repo(t, first, "repo", mod("bundle.b", []string{"foo"}, nil))
	r := root(t, first)
	running := install(t, first, r, "mem:running", application(t, "running", mod("a", nil, []string{"foo"})))
	start(t, first, running)
	idle := install(t, first, r, "mem:idle", application(t, "idle", mod("i", nil, nil)))
	extra := []manifest.RequirementDecl{{Namespace: resource.NamespacePackage, Filter: "(package=bar)"}}
	if err := first.AddRequirements(context.Background(), idle, extra); err != nil {
		t.Fatalf("AddRequirements() = %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	second := reopen(t, dir)
	got, err := second.Subsystem(running.ID())
	if err != nil {
		t.Fatalf("running subsystem not restored: %v", err)
	}
	if got.Location() != running.Location() || got.Region() != running.Region() {
		t.Errorf("restored %s in %q, want %s in %q", got.Location(), got.Region(), running.Location(), running.Region())
	}
	if got.State() != StateActive {
		t.Errorf("autostarted state = %s, want ACTIVE", got.State())
	}
	for _, loc := range []string{"mem:running!/a@1.0.0", "repo:bundle.b"} {
		if m := moduleAt(t, second, loc); m.State() != module.StateActive {
			t.Errorf("%s state = %s", loc, m.State())
		}
	}
	dep := moduleAt(t, second, "repo:bundle.b")
	if r, _ := second.Regions().RegionOf(dep.ID()); r != RootRegion {
		t.Errorf("dependency region = %q", r)
	}
	if !slices.Contains(second.References(got), resource.Resource(dep)) {
		t.Error("reference to the dependency not restored")
	}

	restoredIdle, err := second.Subsystem(idle.ID())
	if err != nil {
		t.Fatalf("idle subsystem not restored: %v", err)
	}
	if restoredIdle.State() != StateInstalled {
		t.Errorf("idle state = %s, want INSTALLED", restoredIdle.State())
	}
	bar := &resource.Capability{Namespace: resource.NamespacePackage, Attributes: resource.Attributes{"package": "bar"}}
	if !second.Regions().IsVisible(restoredIdle.Region(), RootRegion, bar) {
		t.Error("added requirement lost across restart")
	}

	next := install(t, second, root(t, second), "mem:next", application(t, "next", mod("n", nil, nil)))
	if next.ID() <= idle.ID() {
		t.Errorf("new id %d reuses an earlier id", next.ID())
	}
}

func TestColdRestartKeepsDeferredDependencies(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := reopen(t, dir)
	repo(t, first, "repo", mod("bundle.b", []string{"foo"}, nil))
	decl := &manifest.Declared{
		SymbolicName:          "app",
		Type:                  resource.TypeApplication,
		ProvisionDependencies: manifest.DependenciesAtResolve,
		Content:               []manifest.ContentDecl{{Name: "a"}},
	}
	app := install(t, first, root(t, first), "mem:app", archive(t, decl, []*manifest.ModuleDescriptor{mod("a", nil, []string{"foo"})}))
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second := reopen(t, dir)
	repo(t, second, "repo", mod("bundle.b", []string{"foo"}, nil))
	got, err := second.Subsystem(app.ID())
	if err != nil {
		t.Fatalf("subsystem not restored: %v", err)
	}
	if !got.DependenciesPending() {
		t.Fatal("pending flag lost across restart")
	}
	start(t, second, got)
	if got.DependenciesPending() {
		t.Error("pending flag kept after start")
	}
	moduleAt(t, second, "repo:bundle.b")
}

func TestColdRestartDropsIncompleteRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := reopen(t, dir)
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	st, err := store.OpenCUE(dir)
	if err != nil {
		t.Fatal(err)
	}
	data, err := (&manifest.Declared{SymbolicName: "half", Version: "1.0.0", Type: resource.TypeApplication}).Encode()
	if err != nil {
		t.Fatal(err)
	}
	rec := &manifest.Record{ID: 7, Location: "mem:half", State: StateInstalling.String(), Manifest: string(data), Parents: []uint64{0}}
	if err := st.Save(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	e := reopen(t, dir)
	if _, err := e.Subsystem(7); err == nil {
		t.Error("interrupted install restored")
	}
	recs, err := st.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		if r.ID == 7 {
			t.Error("interrupted install record kept")
		}
	}
}

func TestOpenFailureCanBeRetried(t *testing.T) {
	t.Parallel()

	st := &brokenContent{Store: store.NewMemory()}
	first := newEngine(t, WithStore(st))
	app := install(t, first, root(t, first), "mem:app", application(t, "app", mod("a", nil, nil), mod("b", nil, nil)))
	start(t, first, app)
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	st.ok.Store(1)
	st.broken.Store(true)
	fw := quietFramework()
	second := New(WithLogger(quietLogger()), WithStore(st), WithFramework(fw))
	if err := second.Open(context.Background()); err == nil {
		t.Fatal("Open succeeded with unreadable content")
	}
	if n := len(fw.Modules()); n != 0 {
		t.Errorf("modules left after failed Open = %d, want 0", n)
	}
	if n := len(second.Subsystems()); n != 0 {
		t.Errorf("subsystems left after failed Open = %d, want 0", n)
	}
	if got := second.Regions().Regions(); len(got) != 0 {
		t.Errorf("regions left after failed Open = %v", got)
	}
	if _, err := second.Root(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Root() after failed Open = %v, want ErrNotOpen", err)
	}

	st.broken.Store(false)
	if err := second.Open(context.Background()); err != nil {
		t.Fatalf("second Open() = %v", err)
	}
	got, err := second.Subsystem(app.ID())
	if err != nil {
		t.Fatalf("subsystem not restored: %v", err)
	}
	if got.State() != StateActive {
		t.Errorf("state = %s, want ACTIVE", got.State())
	}
	for _, loc := range []string{"mem:app!/a@1.0.0", "mem:app!/b@1.0.0"} {
		if m := moduleAt(t, second, loc); m.State() != module.StateActive {
			t.Errorf("%s state = %s", loc, m.State())
		}
	}
}
