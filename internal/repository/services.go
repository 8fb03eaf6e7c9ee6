// SPDX-License-Identifier: MPL-2.0

package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tessera/tessera/pkg/resource"
)

// ErrDuplicateService is returned when registering a name twice.
var ErrDuplicateService = errors.New("repository service already registered")

// Services is the registry of externally provided repositories. Lookups
// query every registered repository in registration order.
type Services struct {
	mu    sync.RWMutex
	names []string
	repos map[string]Repository
}

// NewServices creates an empty service registry.
func NewServices() *Services {
	return &Services{repos: make(map[string]Repository)}
}

// Register adds a named repository.
func (s *Services) Register(name string, repo Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repos[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateService, name)
	}
	s.names = append(s.names, name)
	s.repos[name] = repo
	return nil
}

// Unregister removes a repository and reports whether it was registered.
func (s *Services) Unregister(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repos[name]; !ok {
		return false
	}
	delete(s.repos, name)
	s.names = slices.DeleteFunc(s.names, func(n string) bool { return n == name })
	return true
}

// Get returns a registered repository.
func (s *Services) Get(name string) (Repository, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.repos[name]
	return r, ok
}

// Names returns the registered names in registration order.
func (s *Services) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.names)
}

// FindProviders implements Repository.
func (s *Services) FindProviders(ctx context.Context, req *resource.Requirement) ([]*resource.Capability, error) {
	s.mu.RLock()
	repos := make([]Repository, 0, len(s.names))
	for _, n := range s.names {
		repos = append(repos, s.repos[n])
	}
	s.mu.RUnlock()

	var out []*resource.Capability
	for _, r := range repos {
		caps, err := r.FindProviders(ctx, req)
		if err != nil {
			return nil, err
		}
		out = append(out, caps...)
	}
	return out, nil
}
