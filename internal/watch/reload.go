// SPDX-License-Identifier: MPL-2.0

package watch

import (
	"context"
	"fmt"
	"path/filepath"
)

type (
	// Reloadable is a repository backed by a directory.
	Reloadable interface {
		Dir() string
		Reload() error
	}

	// Flusher drops cached lookups.
	Flusher interface {
		Flush()
	}

	// Target pairs a directory repository with the cache in front of it.
	// Cache may be nil.
	Target struct {
		Repo  Reloadable
		Cache Flusher
	}
)

// Reloader returns an OnChange callback that reloads the target whose
// directory is root and then flushes its cache.
func Reloader(targets ...Target) func(ctx context.Context, root string, changed []string) error {
	byDir := make(map[string]Target, len(targets))
	for _, t := range targets {
		dir, err := filepath.Abs(t.Repo.Dir())
		if err != nil {
			dir = t.Repo.Dir()
		}
		byDir[dir] = t
	}
	return func(_ context.Context, root string, _ []string) error {
		t, ok := byDir[root]
		if !ok {
			return fmt.Errorf("watch: no repository at %s", root)
		}
		if err := t.Repo.Reload(); err != nil {
			return err
		}
		if t.Cache != nil {
			t.Cache.Flush()
		}
		return nil
	}
}
