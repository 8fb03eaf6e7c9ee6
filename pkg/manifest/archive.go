// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tessera/tessera/pkg/resource"
)

// ChildrenDir is the archive directory holding nested subsystem archives.
const ChildrenDir = "subsystems"

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_.\-]`)

type (
	// Archive is a loaded subsystem archive.
	Archive struct {
		// Dir is the directory the archive was loaded from; empty for
		// archives built in memory.
		Dir string
		// Manifest is the declared (or derived) manifest.
		Manifest *Declared
		// ManifestData is the CUE text of Manifest, persisted with the subsystem.
		ManifestData []byte
		// Modules is the bundled local repository.
		Modules []BundledModule
		// Children are nested subsystem archives, addressable as content.
		Children []*Archive
	}

	// BundledModule is a module descriptor shipped inside an archive.
	BundledModule struct {
		Path       string
		Data       []byte
		Descriptor *ModuleDescriptor
	}
)

// LoadArchive loads the archive rooted at dir.
func LoadArchive(dir string) (*Archive, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open archive: %s is not a directory", dir)
	}

	a := &Archive{Dir: dir}
	fsys := os.DirFS(dir)

	matches, err := doublestar.Glob(fsys, "**/*"+ModuleSuffix)
	if err != nil {
		return nil, fmt.Errorf("scan archive %s: %w", dir, err)
	}
	slices.Sort(matches)
	for _, rel := range matches {
		if strings.HasPrefix(rel, ChildrenDir+"/") {
			continue
		}
		data, err := fs.ReadFile(fsys, rel)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", rel, err)
		}
		desc, err := ParseModule(data, filepath.Join(dir, rel))
		if err != nil {
			return nil, err
		}
		a.Modules = append(a.Modules, BundledModule{Path: rel, Data: data, Descriptor: desc})
	}

	children, err := fs.Glob(fsys, path.Join(ChildrenDir, "*", FileName))
	if err != nil {
		return nil, fmt.Errorf("scan archive %s: %w", dir, err)
	}
	slices.Sort(children)
	for _, rel := range children {
		child, err := LoadArchive(filepath.Join(dir, filepath.Dir(rel)))
		if err != nil {
			return nil, err
		}
		a.Children = append(a.Children, child)
	}

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	switch {
	case err == nil:
		decl, err := ParseDeclared(data, filepath.Join(dir, FileName))
		if err != nil {
			return nil, err
		}
		a.Manifest, a.ManifestData = decl, data
	case errors.Is(err, fs.ErrNotExist):
		if err := a.derive(filepath.Base(dir)); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read %s: %w", FileName, err)
	}
	return a, nil
}

// NewArchive builds an in-memory archive from a manifest and bundled module
// descriptors.
func NewArchive(decl *Declared, modules []*ModuleDescriptor, children ...*Archive) (*Archive, error) {
	if err := decl.Validate(); err != nil {
		return nil, err
	}
	data, err := decl.Encode()
	if err != nil {
		return nil, err
	}
	a := &Archive{Manifest: decl, ManifestData: data, Children: children}
	for _, m := range modules {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		md, err := m.Encode()
		if err != nil {
			return nil, err
		}
		a.Modules = append(a.Modules, BundledModule{Path: m.SymbolicName + ModuleSuffix, Data: md, Descriptor: m})
	}
	return a, nil
}

// derive builds a manifest for an archive without subsystem.cue: an
// application named after the directory whose content is every bundled module.
func (a *Archive) derive(base string) error {
	decl := &Declared{
		SymbolicName: invalidNameChars.ReplaceAllString(base, "_"),
		Type:         resource.TypeApplication,
	}
	for _, m := range a.Modules {
		id := m.Descriptor.Identity()
		decl.Content = append(decl.Content, ContentDecl{
			Name:    id.SymbolicName,
			Version: resource.ExactVersion(id.Version).String(),
			Type:    id.Type,
		})
	}
	if err := decl.Validate(); err != nil {
		return err
	}
	data, err := decl.Encode()
	if err != nil {
		return err
	}
	a.Manifest, a.ManifestData = decl, data
	return nil
}

// Child returns the nested archive whose manifest matches c.
func (a *Archive) Child(c Content) (*Archive, bool) {
	for _, child := range a.Children {
		if c.Matches(child.Manifest.Identity()) {
			return child, true
		}
	}
	return nil, false
}
