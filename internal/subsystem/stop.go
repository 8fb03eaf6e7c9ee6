// SPDX-License-Identifier: MPL-2.0

package subsystem

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/tessera/tessera/internal/module"
	"github.com/tessera/tessera/pkg/resource"
)

// Stop stops s in the reverse of its start order. Constituents still used by
// another ACTIVE subsystem keep running. Errors from individual constituents
// are joined into the result; s still ends RESOLVED.
func (e *Engine) Stop(ctx context.Context, s *Subsystem) error {
	return e.operate(ctx, OpStop, s, func(ctx context.Context) error {
		if err := stoppable(s); err != nil {
			return err
		}
		if !e.reg.Contains(s) {
			return fmt.Errorf("stop %d: %w", s.id, ErrStale)
		}
		if s.IsRoot() {
			return fmt.Errorf("stop root: %w", ErrUnsupported)
		}
		e.locks.LockGlobal()
		e.locks.ReadLock()
		defer e.locks.ReadUnlock()
		unlock := e.locks.LockStateChange(ids(e.affected(s))...)
		e.locks.UnlockGlobal()
		defer unlock()

		if err := stoppable(s); err != nil {
			return err
		}
		return e.stop(ctx, s, true)
	})
}

func stoppable(s *Subsystem) error {
	switch st := s.State(); st {
	case StateInstallFailed, StateUninstalling, StateUninstalled:
		return &IllegalStateError{Op: OpStop, ID: s.id, State: st}
	}
	return nil
}

// stop brings an ACTIVE s back to RESOLVED. explicit clears autostart.
func (e *Engine) stop(ctx context.Context, s *Subsystem, explicit bool) error {
	if !e.locks.Mark(s.id, StateResolved.String()) {
		return nil
	}
	defer e.locks.Unmark(s.id, StateResolved.String())

	if explicit {
		s.setAutostart(false)
	}
	if s.State() != StateActive {
		if explicit {
			return e.persist(ctx, s)
		}
		return nil
	}
	if err := e.transition(ctx, s, StateStopping); err != nil {
		return err
	}

	var errs []error
	order := e.startOrder(s)
	slices.Reverse(order)
	for _, r := range order {
		if e.usedElsewhere(s, r) {
			continue
		}
		if err := e.stopResource(ctx, r); err != nil {
			e.logger.Warn("stop failed", "id", s.id, "location", s.location, "err", err)
			errs = append(errs, err)
		}
	}

	if err := e.transition(ctx, s, StateResolved); err != nil {
		errs = append(errs, err)
	}
	e.logger.Info("subsystem stopped", "id", s.id, "location", s.location, "state", StateResolved)
	return errors.Join(errs...)
}

func (e *Engine) stopResource(ctx context.Context, r resource.Resource) error {
	switch r := r.(type) {
	case *module.Module:
		if r.IsFragment() {
			return nil
		}
		switch r.State() {
		case module.StateActive, module.StateStarting:
			if err := e.fw.Stop(ctx, r); err != nil {
				return fmt.Errorf("stop module %s: %w", r.Location(), err)
			}
		}
	case *Subsystem:
		return e.stop(ctx, r, false)
	}
	return nil
}

// usedElsewhere reports whether a subsystem other than s that is ACTIVE or
// starting still references r.
func (e *Engine) usedElsewhere(s *Subsystem, r resource.Resource) bool {
	for _, other := range e.reg.Referencing(r) {
		if other == s {
			continue
		}
		switch other.State() {
		case StateActive, StateStarting:
			return true
		}
	}
	return false
}
