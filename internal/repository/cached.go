// SPDX-License-Identifier: MPL-2.0

package repository

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/tessera/tessera/pkg/resource"
)

// DefaultCacheTTL is used when NewCached is given a non-positive ttl.
const DefaultCacheTTL = 5 * time.Minute

// Cached memoizes the results of a slow repository, such as a remote
// repository service, keyed by requirement namespace and filter.
type Cached struct {
	repo  Repository
	cache *gocache.Cache
}

// NewCached wraps repo with a TTL cache.
func NewCached(repo Repository, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{repo: repo, cache: gocache.New(ttl, 2*ttl)}
}

// FindProviders implements Repository.
func (c *Cached) FindProviders(ctx context.Context, req *resource.Requirement) ([]*resource.Capability, error) {
	key := cacheKey(req)
	if v, ok := c.cache.Get(key); ok {
		if caps, ok := v.([]*resource.Capability); ok {
			return caps, nil
		}
	}
	caps, err := c.repo.FindProviders(ctx, req)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, caps)
	return caps, nil
}

// Flush drops every cached result.
func (c *Cached) Flush() { c.cache.Flush() }

// Len returns the number of cached lookups.
func (c *Cached) Len() int { return c.cache.ItemCount() }

// Unwrap returns the wrapped repository.
func (c *Cached) Unwrap() Repository { return c.repo }

func cacheKey(req *resource.Requirement) string {
	key := string(req.Namespace)
	if req.Filter != nil {
		key += "|" + req.Filter.String()
	}
	return key
}
