// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

type (
	// Module describes a module descriptor file to write.
	Module struct {
		Name     string
		Version  string
		Provides []string
		Requires []string
	}

	// Archive describes a subsystem archive directory to write.
	Archive struct {
		Name    string
		Version string
		// Type is application, composite or feature. Empty leaves it to
		// the manifest default.
		Type    string
		Modules []Module
		// Content lists content names; nil means every module.
		Content []string
	}
)

// CUE renders the module descriptor. Provides and Requires are package
// names.
func (m Module) CUE() string {
	var b strings.Builder
	fmt.Fprintf(&b, "symbolic_name: %q\n", m.Name)
	fmt.Fprintf(&b, "version: %q\n", versionOr(m.Version))
	if len(m.Provides) > 0 {
		b.WriteString("capabilities: [\n")
		for _, p := range m.Provides {
			fmt.Fprintf(&b, "\t{namespace: \"package\", attributes: {package: %q}},\n", p)
		}
		b.WriteString("]\n")
	}
	if len(m.Requires) > 0 {
		b.WriteString("requirements: [\n")
		for _, r := range m.Requires {
			fmt.Fprintf(&b, "\t{namespace: \"package\", filter: %q},\n", "(package="+r+")")
		}
		b.WriteString("]\n")
	}
	return b.String()
}

// CUE renders the subsystem manifest.
func (a Archive) CUE() string {
	var b strings.Builder
	fmt.Fprintf(&b, "symbolic_name: %q\n", a.Name)
	fmt.Fprintf(&b, "version: %q\n", versionOr(a.Version))
	if a.Type != "" {
		fmt.Fprintf(&b, "type: %q\n", a.Type)
	}
	content := a.Content
	if content == nil {
		for _, m := range a.Modules {
			content = append(content, m.Name)
		}
	}
	if len(content) > 0 {
		b.WriteString("content: [\n")
		for _, c := range content {
			fmt.Fprintf(&b, "\t{name: %q},\n", c)
		}
		b.WriteString("]\n")
	}
	return b.String()
}

// WriteModule writes m as <dir>/<name>.module.cue and returns the path.
func WriteModule(t testing.TB, dir string, m Module) string {
	t.Helper()
	path := filepath.Join(dir, m.Name+".module.cue")
	MustWriteFile(t, path, m.CUE())
	return path
}

// WriteArchive writes a into dir: the manifest plus one file per module.
func WriteArchive(t testing.TB, dir string, a Archive) string {
	t.Helper()
	MustWriteFile(t, filepath.Join(dir, "subsystem.cue"), a.CUE())
	for _, m := range a.Modules {
		WriteModule(t, dir, m)
	}
	return dir
}

// WriteRepository writes one descriptor per module into dir, the layout a
// file repository serves without an index.
func WriteRepository(t testing.TB, dir string, mods ...Module) string {
	t.Helper()
	for _, m := range mods {
		WriteModule(t, dir, m)
	}
	return dir
}

func versionOr(v string) string {
	if v == "" {
		return "1.0.0"
	}
	return v
}
