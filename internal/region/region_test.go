// SPDX-License-Identifier: MPL-2.0

package region

import (
	"errors"
	"testing"

	"github.com/tessera/tessera/pkg/resource"
)

func pkgCap(name string) *resource.Capability {
	return &resource.Capability{
		Namespace:  resource.NamespacePackage,
		Attributes: resource.Attributes{string(resource.NamespacePackage): name},
	}
}

func pkgReq(name string) *resource.Requirement {
	return &resource.Requirement{
		Namespace: resource.NamespacePackage,
		Filter:    resource.MustParseFilter("(" + string(resource.NamespacePackage) + "=" + name + ")"),
	}
}

// newTree builds root <-> app with the given import policy on app -> root.
func newTree(t *testing.T, imports *SharingPolicy) *Digraph {
	t.Helper()
	d := New()
	for _, n := range []Name{"root", "app"} {
		if err := d.CreateRegion(n); err != nil {
			t.Fatalf("CreateRegion(%s) = %v", n, err)
		}
	}
	if err := d.Connect("app", "root", imports); err != nil {
		t.Fatalf("Connect = %v", err)
	}
	if err := d.Connect("root", "app", NewPolicy()); err != nil {
		t.Fatalf("Connect = %v", err)
	}
	return d
}

func TestSharingPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		policy *SharingPolicy
		cap    *resource.Capability
		want   bool
	}{
		{"nil admits nothing", nil, pkgCap("x"), false},
		{"empty admits nothing", NewPolicy(), pkgCap("x"), false},
		{"all", AllowAllPolicy(), pkgCap("x"), true},
		{"namespace wildcard", NewPolicy().Allow(resource.NamespacePackage, nil), pkgCap("x"), true},
		{"filter match", PolicyFromRequirements([]*resource.Requirement{pkgReq("x")}), pkgCap("x"), true},
		{"filter mismatch", PolicyFromRequirements([]*resource.Requirement{pkgReq("x")}), pkgCap("y"), false},
		{"other namespace", NewPolicy().Allow(resource.NamespaceService, nil), pkgCap("x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.policy.Allows(tt.cap); got != tt.want {
				t.Errorf("Allows() = %v, want %v (policy %s)", got, tt.want, tt.policy)
			}
		})
	}
}

func TestSharingPolicyUnionDeduplicates(t *testing.T) {
	t.Parallel()

	a := PolicyFromRequirements([]*resource.Requirement{pkgReq("x")})
	b := PolicyFromRequirements([]*resource.Requirement{pkgReq("x"), pkgReq("y")})
	u := a.Union(b)
	if got := len(u.filters[resource.NamespacePackage]); got != 2 {
		t.Fatalf("union filters = %d, want 2", got)
	}
	if a.Allows(pkgCap("y")) {
		t.Error("Union mutated receiver")
	}
}

func TestIsVisible(t *testing.T) {
	t.Parallel()

	d := newTree(t, PolicyFromRequirements([]*resource.Requirement{pkgReq("shared")}))

	tests := []struct {
		name               string
		requirer, provider Name
		cap                *resource.Capability
		want               bool
	}{
		{"same region", "app", "app", pkgCap("anything"), true},
		{"imported", "app", "root", pkgCap("shared"), true},
		{"not imported", "app", "root", pkgCap("private"), false},
		{"not exported", "root", "app", pkgCap("shared"), false},
		{"unknown region", "nowhere", "root", pkgCap("shared"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := d.IsVisible(tt.requirer, tt.provider, tt.cap); got != tt.want {
				t.Errorf("IsVisible(%s, %s) = %v, want %v", tt.requirer, tt.provider, got, tt.want)
			}
		})
	}
}

func TestIsVisibleTransitive(t *testing.T) {
	t.Parallel()

	d := newTree(t, AllowAllPolicy())
	if err := d.CreateRegion("child"); err != nil {
		t.Fatal(err)
	}
	if err := d.Connect("child", "app", PolicyFromRequirements([]*resource.Requirement{pkgReq("shared")})); err != nil {
		t.Fatal(err)
	}

	if !d.IsVisible("child", "root", pkgCap("shared")) {
		t.Error("capability admitted on every edge should be visible")
	}
	if d.IsVisible("child", "root", pkgCap("other")) {
		t.Error("capability blocked on first edge should not be visible")
	}
}

func TestModules(t *testing.T) {
	t.Parallel()

	d := newTree(t, NewPolicy())
	if err := d.AddModule("app", 7); err != nil {
		t.Fatalf("AddModule = %v", err)
	}
	if err := d.AddModule("app", 7); err != nil {
		t.Fatalf("AddModule twice into same region = %v", err)
	}
	if err := d.AddModule("root", 7); !errors.Is(err, ErrModuleAssigned) {
		t.Fatalf("AddModule into other region = %v, want ErrModuleAssigned", err)
	}
	if err := d.AddModule("missing", 8); !errors.Is(err, ErrUnknownRegion) {
		t.Fatalf("AddModule unknown region = %v, want ErrUnknownRegion", err)
	}
	if r, ok := d.RegionOf(7); !ok || r != "app" {
		t.Fatalf("RegionOf(7) = %q, %v", r, ok)
	}
	if d.IsModuleVisible(7, 9, "root", pkgCap("x")) != d.IsVisible("app", "root", pkgCap("x")) {
		t.Error("IsModuleVisible disagrees with IsVisible")
	}

	d.RemoveModule(7)
	if _, ok := d.RegionOf(7); ok {
		t.Error("module still assigned after RemoveModule")
	}
}

func TestConnectErrors(t *testing.T) {
	t.Parallel()

	d := newTree(t, NewPolicy())
	if err := d.CreateRegion("app"); !errors.Is(err, ErrRegionExists) {
		t.Errorf("CreateRegion duplicate = %v", err)
	}
	if err := d.Connect("app", "root", NewPolicy()); !errors.Is(err, ErrEdgeExists) {
		t.Errorf("Connect duplicate = %v", err)
	}
	if err := d.Connect("app", "ghost", NewPolicy()); !errors.Is(err, ErrUnknownRegion) {
		t.Errorf("Connect unknown = %v", err)
	}
}

func TestRemoveRegion(t *testing.T) {
	t.Parallel()

	d := newTree(t, AllowAllPolicy())
	if err := d.AddModule("app", 1); err != nil {
		t.Fatal(err)
	}
	d.RemoveRegion("app")

	if d.HasRegion("app") {
		t.Error("region still present")
	}
	if _, ok := d.RegionOf(1); ok {
		t.Error("module assignment survived region removal")
	}
	if got := d.Edges("root"); len(got) != 0 {
		t.Errorf("edges after removal = %v", got)
	}
	// The name can be reused.
	if err := d.CreateRegion("app"); err != nil {
		t.Errorf("recreate = %v", err)
	}
}

func TestReplaceStale(t *testing.T) {
	t.Parallel()

	d := newTree(t, NewPolicy())
	c := d.Copy()
	if err := c.CreateRegion("other"); err != nil {
		t.Fatal(err)
	}
	if err := d.AddModule("root", 3); err != nil {
		t.Fatal(err)
	}
	if err := d.Replace(c); !errors.Is(err, ErrStale) {
		t.Fatalf("Replace after concurrent change = %v, want ErrStale", err)
	}
	if d.HasRegion("other") {
		t.Error("stale copy was committed")
	}

	c = d.Copy()
	if err := c.CreateRegion("other"); err != nil {
		t.Fatal(err)
	}
	if err := d.Replace(c); err != nil {
		t.Fatalf("Replace = %v", err)
	}
	if !d.HasRegion("other") {
		t.Error("copy not committed")
	}
}

func TestAddRequirements(t *testing.T) {
	t.Parallel()

	d := newTree(t, PolicyFromRequirements([]*resource.Requirement{pkgReq("a")}))
	if err := d.AddModule("app", 5); err != nil {
		t.Fatal(err)
	}
	if d.IsVisible("app", "root", pkgCap("b")) {
		t.Fatal("b visible before AddRequirements")
	}

	if err := d.AddRequirements("app", "root", []*resource.Requirement{pkgReq("b")}); err != nil {
		t.Fatalf("AddRequirements = %v", err)
	}

	for _, name := range []string{"a", "b"} {
		if !d.IsVisible("app", "root", pkgCap(name)) {
			t.Errorf("%s not visible after AddRequirements", name)
		}
	}
	if d.IsVisible("root", "app", pkgCap("a")) {
		t.Error("export policy widened")
	}
	if r, ok := d.RegionOf(5); !ok || r != "app" {
		t.Errorf("module moved to %q", r)
	}
	if got := len(d.Edges("app")); got != 2 {
		t.Errorf("edges = %d, want 2", got)
	}

	if err := d.AddRequirements("ghost", "root", nil); !errors.Is(err, ErrUnknownRegion) {
		t.Errorf("AddRequirements unknown = %v", err)
	}
}
