// SPDX-License-Identifier: MPL-2.0

package subsystem

import (
	"context"
	"fmt"

	"github.com/tessera/tessera/pkg/manifest"
	"github.com/tessera/tessera/pkg/resource"
)

// AddRequirements widens what a scoped subsystem imports from the region it
// was installed into. The region is replaced atomically; requirements are
// persisted and survive a restart.
func (e *Engine) AddRequirements(ctx context.Context, s *Subsystem, decls []manifest.RequirementDecl) error {
	return e.operate(ctx, OpRequirements, s, func(ctx context.Context) error {
		if !s.IsScoped() || s.IsRoot() {
			return fmt.Errorf("add requirements to %s subsystem %d: %w", s.Type(), s.id, ErrUnsupported)
		}
		if !e.reg.Contains(s) {
			return fmt.Errorf("add requirements to %d: %w", s.id, ErrStale)
		}
		var scratch resource.Set
		for i, d := range decls {
			if err := d.Namespace.Validate(); err != nil {
				return fmt.Errorf("requirement %d: %w", i, err)
			}
			if _, err := d.AddTo(&scratch, s); err != nil {
				return fmt.Errorf("requirement %d: %w", i, err)
			}
		}
		reqs := scratch.Requirements("")

		e.locks.LockGlobal()
		defer e.locks.UnlockGlobal()
		e.locks.ReadLock()
		defer e.locks.ReadUnlock()
		unlock := e.locks.LockStateChange(s.id)
		defer unlock()

		if st := s.State(); st.IsTerminal() || st == StateUninstalling {
			return &IllegalStateError{Op: OpRequirements, ID: s.id, State: st}
		}
		if err := e.regions.AddRequirements(s.region, s.scope, reqs); err != nil {
			return err
		}
		s.addRequirements(reqs, decls)
		e.logger.Info("requirements added", "id", s.id, "region", s.region, "count", len(reqs))
		return e.persist(ctx, s)
	})
}
