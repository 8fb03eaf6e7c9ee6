// SPDX-License-Identifier: MPL-2.0

package repository

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/tessera/tessera/pkg/resource"
)

const (
	// TierContent holds resources already targeted by the subsystem.
	TierContent Tier = "content"
	// TierPreferred holds the subsystem's preferred providers.
	TierPreferred Tier = "preferred"
	// TierSystem is the index of installed resources.
	TierSystem Tier = "system"
	// TierLocal is the repository bundled with the subsystem archive.
	TierLocal Tier = "local"
	// TierServices are externally registered repository services.
	TierServices Tier = "services"
)

// Order is the fixed query order of the chain tiers.
var Order = []Tier{TierContent, TierPreferred, TierSystem, TierLocal, TierServices}

type (
	// Tier names one source of a Chain.
	Tier string

	// Validator reports whether capability c may satisfy req, typically by
	// checking region visibility.
	Validator func(req *resource.Requirement, c *resource.Capability) bool

	// Observer is told about every tier lookup.
	Observer func(tier Tier, found bool)

	// ChainOption configures a Chain.
	ChainOption func(*Chain)

	// Chain queries its tiers in Order. The first tier with a non-empty
	// validated result wins; results are never merged across tiers.
	Chain struct {
		tiers    map[Tier]Repository
		validate Validator
		resolved func(resource.Resource) bool
		observe  Observer
		logger   *log.Logger
	}
)

// WithTier sets the repository of one tier.
func WithTier(t Tier, repo Repository) ChainOption {
	return func(c *Chain) {
		if repo != nil {
			c.tiers[t] = repo
		}
	}
}

// WithValidator sets the validator applied to every tier but content.
func WithValidator(v Validator) ChainOption {
	return func(c *Chain) { c.validate = v }
}

// WithResolved reports whether a requirer is already resolved. Mandatory
// requirements of resolved requirers get a missing-capability placeholder
// instead of failing.
func WithResolved(fn func(resource.Resource) bool) ChainOption {
	return func(c *Chain) { c.resolved = fn }
}

// WithObserver sets a lookup observer.
func WithObserver(o Observer) ChainOption {
	return func(c *Chain) { c.observe = o }
}

// WithChainLogger sets the chain logger.
func WithChainLogger(l *log.Logger) ChainOption {
	return func(c *Chain) { c.logger = l }
}

// NewChain builds a chain from options.
func NewChain(opts ...ChainOption) *Chain {
	c := &Chain{
		tiers:  make(map[Tier]Repository),
		logger: log.NewWithOptions(os.Stderr, log.Options{Prefix: "repository"}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FindProviders implements Repository.
func (c *Chain) FindProviders(ctx context.Context, req *resource.Requirement) ([]*resource.Capability, error) {
	caps, _, err := c.Find(ctx, req)
	return caps, err
}

// Find is FindProviders that also reports the winning tier. The tier is
// empty when nothing was found or a placeholder was returned.
func (c *Chain) Find(ctx context.Context, req *resource.Requirement) ([]*resource.Capability, Tier, error) {
	tiers := Order
	if req.Namespace.IsSystemOnly() {
		tiers = []Tier{TierSystem}
	}
	for _, t := range tiers {
		repo, ok := c.tiers[t]
		if !ok {
			continue
		}
		caps, err := repo.FindProviders(ctx, req)
		if err != nil {
			return nil, "", fmt.Errorf("%s repository: %w", t, err)
		}
		if t != TierContent && c.validate != nil {
			caps = slices.DeleteFunc(caps, func(x *resource.Capability) bool {
				return !resource.IsMissing(x) && !c.validate(req, x)
			})
		}
		if c.observe != nil {
			c.observe(t, len(caps) > 0)
		}
		if len(caps) > 0 {
			return dedupe(caps), t, nil
		}
	}

	if req.IsOptional() || (c.resolved != nil && req.Resource != nil && c.resolved(req.Resource)) {
		c.logger.Warn("no provider found, using placeholder", "requirement", req.String())
		return []*resource.Capability{resource.MissingCapability(req)}, "", nil
	}
	return nil, "", nil
}

func dedupe(caps []*resource.Capability) []*resource.Capability {
	out := caps[:0:0]
	for _, x := range caps {
		if !slices.Contains(out, x) {
			out = append(out, x)
		}
	}
	return out
}
