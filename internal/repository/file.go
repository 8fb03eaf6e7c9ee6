// SPDX-License-Identifier: MPL-2.0

package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/tessera/tessera/pkg/manifest"
	"github.com/tessera/tessera/pkg/resource"
)

const (
	// TOMLIndex is the optional TOML index file of a file repository.
	TOMLIndex = "repository.toml"
	// YAMLIndex is the optional YAML index file of a file repository.
	YAMLIndex = "repository.yaml"

	defaultPattern = "**/*" + manifest.ModuleSuffix
)

type (
	// Index lists the module descriptors a file repository serves. Entries
	// are doublestar patterns relative to the repository directory.
	Index struct {
		Name    string   `toml:"name" yaml:"name"`
		Modules []string `toml:"modules" yaml:"modules"`
	}

	// File serves the module descriptors found in a directory.
	File struct {
		dir    string
		logger *log.Logger

		mu      sync.RWMutex
		name    string
		entries []*Entry
	}

	// FileOption configures a File repository.
	FileOption func(*File)
)

// WithFileLogger sets the repository logger.
func WithFileLogger(l *log.Logger) FileOption {
	return func(f *File) { f.logger = l }
}

// NewFile opens the repository at dir and loads it.
func NewFile(dir string, opts ...FileOption) (*File, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("repository %s: %w", dir, err)
	}
	f := &File{
		dir:    abs,
		name:   filepath.Base(abs),
		logger: log.NewWithOptions(os.Stderr, log.Options{Prefix: "repository"}),
	}
	for _, opt := range opts {
		opt(f)
	}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Dir returns the repository directory.
func (f *File) Dir() string { return f.dir }

// Name returns the index name, defaulting to the directory name.
func (f *File) Name() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.name
}

// Entries returns the loaded entries.
func (f *File) Entries() []*Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.entries)
}

// Reload rescans the directory. On error the previous entries are kept.
func (f *File) Reload() error {
	idx, err := f.readIndex()
	if err != nil {
		return err
	}
	fsys := os.DirFS(f.dir)
	var paths []string
	for _, pattern := range idx.Modules {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return fmt.Errorf("repository %s: pattern %q: %w", f.dir, pattern, err)
		}
		for _, m := range matches {
			if !slices.Contains(paths, m) {
				paths = append(paths, m)
			}
		}
	}
	slices.Sort(paths)

	entries := make([]*Entry, 0, len(paths))
	for _, rel := range paths {
		data, err := fs.ReadFile(fsys, rel)
		if err != nil {
			return fmt.Errorf("repository %s: %w", f.dir, err)
		}
		full := filepath.Join(f.dir, filepath.FromSlash(rel))
		e, err := NewEntry(resource.Location("file://"+filepath.ToSlash(full)), data)
		if err != nil {
			return fmt.Errorf("repository %s: %w", f.dir, err)
		}
		entries = append(entries, e)
	}

	f.mu.Lock()
	f.entries = entries
	if idx.Name != "" {
		f.name = idx.Name
	}
	f.mu.Unlock()
	f.logger.Debug("repository loaded", "dir", f.dir, "modules", len(entries))
	return nil
}

// FindProviders implements Repository.
func (f *File) FindProviders(ctx context.Context, req *resource.Requirement) ([]*resource.Capability, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries := f.Entries()
	resources := make([]resource.Resource, len(entries))
	for i, e := range entries {
		resources[i] = e
	}
	return Match(req, resources...), nil
}

func (f *File) readIndex() (Index, error) {
	var idx Index
	data, err := os.ReadFile(filepath.Join(f.dir, TOMLIndex))
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &idx); err != nil {
			return idx, fmt.Errorf("parse %s: %w", TOMLIndex, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		data, err = os.ReadFile(filepath.Join(f.dir, YAMLIndex))
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &idx); err != nil {
				return idx, fmt.Errorf("parse %s: %w", YAMLIndex, err)
			}
		case !errors.Is(err, fs.ErrNotExist):
			return idx, fmt.Errorf("read %s: %w", YAMLIndex, err)
		}
	default:
		return idx, fmt.Errorf("read %s: %w", TOMLIndex, err)
	}
	if len(idx.Modules) == 0 {
		idx.Modules = []string{defaultPattern}
	}
	return idx, nil
}
