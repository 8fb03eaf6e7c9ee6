// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"path/filepath"
	"testing"

	"github.com/tessera/tessera/pkg/manifest"
	"github.com/tessera/tessera/pkg/resource"
)

func TestWriteArchiveLoads(t *testing.T) {
	t.Parallel()

	dir := WriteArchive(t, filepath.Join(t.TempDir(), "shop"), Archive{
		Name: "shop",
		Type: "application",
		Modules: []Module{
			{Name: "bundle.a", Requires: []string{"foo"}},
			{Name: "bundle.b", Version: "2.0.0", Provides: []string{"foo", "bar"}},
		},
	})

	a, err := manifest.LoadArchive(dir)
	if err != nil {
		t.Fatalf("LoadArchive() = %v", err)
	}
	if a.Manifest.SymbolicName != "shop" || a.Manifest.SubsystemType() != resource.TypeApplication {
		t.Errorf("manifest = %+v", a.Manifest)
	}
	if len(a.Manifest.Content) != 2 || len(a.Modules) != 2 {
		t.Fatalf("content = %d, modules = %d", len(a.Manifest.Content), len(a.Modules))
	}
	for _, m := range a.Modules {
		d := m.Descriptor
		switch d.SymbolicName {
		case "bundle.a":
			if len(d.Requirements) != 1 || d.Requirements[0].Filter != "(package=foo)" {
				t.Errorf("bundle.a requirements = %+v", d.Requirements)
			}
		case "bundle.b":
			if d.Version != "2.0.0" || len(d.Capabilities) != 2 {
				t.Errorf("bundle.b = %+v", d)
			}
		default:
			t.Errorf("unexpected module %s", d.SymbolicName)
		}
	}
}

func TestWriteArchiveExplicitContent(t *testing.T) {
	t.Parallel()

	dir := WriteArchive(t, t.TempDir(), Archive{
		Name:    "app",
		Modules: []Module{{Name: "x"}, {Name: "y"}},
		Content: []string{"x"},
	})
	a, err := manifest.LoadArchive(dir)
	if err != nil {
		t.Fatalf("LoadArchive() = %v", err)
	}
	if len(a.Manifest.Content) != 1 || a.Manifest.Content[0].Name != "x" {
		t.Errorf("content = %+v", a.Manifest.Content)
	}
}
