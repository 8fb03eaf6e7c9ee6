// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	"sync"
)

type (
	// LoadOptions defines explicit configuration loading inputs.
	LoadOptions struct {
		// ConfigFilePath forces loading from a specific config file when set.
		ConfigFilePath string
		// ConfigDirPath overrides the config directory lookup when set.
		ConfigDirPath string
	}

	// Provider loads configuration from explicit options.
	Provider interface {
		Load(ctx context.Context, opts LoadOptions) (*Config, error)
	}

	// FileProvider loads from disk and the environment. It remembers the
	// file that served the last successful load.
	FileProvider struct {
		dir string

		mu   sync.Mutex
		path string
	}
)

// NewProvider creates a FileProvider. A non-empty dir replaces ConfigDir
// whenever LoadOptions leave ConfigDirPath unset.
func NewProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

// Load reads configuration from the requested source.
func (p *FileProvider) Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	if opts.ConfigDirPath == "" {
		opts.ConfigDirPath = p.dir
	}
	cfg, path, err := loadWithOptions(ctx, opts)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.path = path
	p.mu.Unlock()
	return cfg, nil
}

// Path returns the file read by the last successful Load, or "" when only
// defaults and the environment applied.
func (p *FileProvider) Path() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.path
}

// LoadWithPath is Load that also reports which file was read. The path is
// empty when only defaults and the environment applied.
func LoadWithPath(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	return loadWithOptions(ctx, opts)
}
