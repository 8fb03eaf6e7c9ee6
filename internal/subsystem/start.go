// SPDX-License-Identifier: MPL-2.0

package subsystem

import (
	"context"
	"fmt"
	"slices"

	"github.com/tessera/tessera/internal/coordination"
	"github.com/tessera/tessera/internal/module"
	"github.com/tessera/tessera/internal/region"
	"github.com/tessera/tessera/pkg/resource"
)

// Start resolves and starts s together with its content and dependencies.
// Starting an ACTIVE subsystem is a no-op. On failure s returns to the state
// it had before the call, or to RESOLVED once the call has resolved it.
func (e *Engine) Start(ctx context.Context, s *Subsystem) error {
	return e.operate(ctx, OpStart, s, func(ctx context.Context) error {
		if err := startable(s); err != nil || s.State() == StateActive {
			return err
		}
		if !e.reg.Contains(s) {
			return fmt.Errorf("start %d: %w", s.id, ErrStale)
		}
		return e.withStartLocks(s, func(write bool) error {
			if err := startable(s); err != nil || s.State() == StateActive {
				return err
			}
			ctx, coord, owned := coordination.Begin(ctx, fmt.Sprintf("start %d", s.id))
			coord.SetVariable(writeLockKey{}, write)
			old := s.setAutostart(true)
			coord.Compensate(func() error {
				s.setAutostart(old)
				return e.persist(context.WithoutCancel(ctx), s)
			})
			err := e.start(ctx, coord, s, false)
			return e.finish(coord, owned, err)
		})
	})
}

func startable(s *Subsystem) error {
	switch st := s.State(); st {
	case StateInstallFailed, StateUninstalling, StateUninstalled:
		return &IllegalStateError{Op: OpStart, ID: s.id, State: st}
	}
	return nil
}

// withStartLocks takes the global lock, then the tree lock, shared unless a
// subsystem of the affected set still has dependencies to install, then the
// state locks of the affected set. The global lock is released once they are
// held.
func (e *Engine) withStartLocks(s *Subsystem, fn func(write bool) error) error {
	write := false
	for {
		e.locks.LockGlobal()
		if write {
			e.locks.WriteLock()
		} else {
			e.locks.ReadLock()
		}
		affected := e.affected(s)
		pending := slices.ContainsFunc(affected, (*Subsystem).DependenciesPending)
		if pending && !write {
			e.locks.ReadUnlock()
			e.locks.UnlockGlobal()
			write = true
			continue
		}
		unlock := e.locks.LockStateChange(ids(affected)...)
		e.locks.UnlockGlobal()

		err := fn(write)
		unlock()
		if write {
			e.locks.WriteUnlock()
		} else {
			e.locks.ReadUnlock()
		}
		return err
	}
}

// start brings s to ACTIVE. restart marks the cold-restart start of the
// root, which also starts every child flagged for autostart.
func (e *Engine) start(ctx context.Context, coord *coordination.Coordination, s *Subsystem, restart bool) error {
	if !e.locks.Mark(s.id, StateActive.String()) {
		return nil
	}
	defer e.locks.Unmark(s.id, StateActive.String())

	if err := startable(s); err != nil {
		return err
	}
	switch s.State() {
	case StateActive, StateStarting:
		return nil
	}

	if s.DependenciesPending() {
		if locked, _ := coord.Variable(writeLockKey{}); locked != true {
			return fmt.Errorf("start %d: dependencies pending without exclusive lock: %w", s.id, ErrIllegalState)
		}
		if err := e.installDependencies(ctx, coord, s); err != nil {
			return err
		}
	}
	if s.State() == StateInstalled {
		if err := e.resolve(ctx, coord, s); err != nil {
			return err
		}
	}

	if err := e.transition(ctx, s, StateStarting); err != nil {
		return err
	}
	coord.Compensate(func() error { return e.restore(ctx, coord, s, StateResolved) })

	for _, r := range e.startOrder(s) {
		if err := e.startResource(ctx, coord, s, r); err != nil {
			return err
		}
	}
	if restart {
		write, _ := coord.Variable(writeLockKey{})
		for _, child := range e.reg.Children(s) {
			if !child.Autostart() || s.IsContent(child) {
				continue
			}
			if err := e.startChild(ctx, child, write == true); err != nil {
				e.logger.Warn("autostart failed", "id", child.id, "location", child.location, "err", err)
			}
		}
	}

	if err := e.transition(ctx, s, StateActive); err != nil {
		return err
	}
	e.logger.Info("subsystem started", "id", s.id, "location", s.location, "state", StateActive)
	return nil
}

// startChild starts an autostart child in a coordination of its own, so a
// child that cannot start does not roll back its parent.
func (e *Engine) startChild(ctx context.Context, child *Subsystem, write bool) error {
	ctx, coord, owned := coordination.Begin(coordination.WithContext(ctx, nil), fmt.Sprintf("autostart %d", child.id))
	coord.SetVariable(writeLockKey{}, write)
	return e.finish(coord, owned, e.start(ctx, coord, child, false))
}

// resolve wires every module s uses and opens the export edge. A completed
// resolve is kept when a later step of the same operation fails.
func (e *Engine) resolve(ctx context.Context, coord *coordination.Coordination, s *Subsystem) error {
	if err := e.transition(ctx, s, StateResolving); err != nil {
		return err
	}
	resolved := false
	coord.Compensate(func() error {
		if resolved {
			return nil
		}
		if s.IsScoped() && !s.IsRoot() {
			if err := e.regions.SetPolicy(s.scope, s.region, region.NewPolicy()); err != nil {
				e.logger.Error("reset export policy", "id", s.id, "region", s.region, "err", err)
			}
		}
		return e.restore(ctx, coord, s, StateInstalled)
	})
	if s.IsScoped() && !s.IsRoot() {
		p, err := exportPolicy(s)
		if err != nil {
			return err
		}
		if err := e.regions.SetPolicy(s.scope, s.region, p); err != nil {
			return err
		}
	}

	var mods []*module.Module
	for _, r := range e.reg.References(s) {
		if m, ok := r.(*module.Module); ok {
			mods = append(mods, m)
		}
	}
	if err := e.fw.Resolve(ctx, mods); err != nil {
		return fmt.Errorf("resolve subsystem %d: %w", s.id, err)
	}
	if err := e.transition(ctx, s, StateResolved); err != nil {
		return err
	}
	resolved = true
	return nil
}

// startOrder lists what starting s starts: dependencies in reference order,
// then content by declared start order.
func (e *Engine) startOrder(s *Subsystem) []resource.Resource {
	var deps, content []resource.Resource
	for _, r := range e.reg.References(s) {
		if s.IsContent(r) {
			content = append(content, r)
		} else {
			deps = append(deps, r)
		}
	}
	slices.SortStableFunc(content, func(a, b resource.Resource) int {
		return e.startLevel(s, a) - e.startLevel(s, b)
	})
	return append(deps, content...)
}

func (e *Engine) startLevel(s *Subsystem, r resource.Resource) int {
	id, ok := resource.IdentityOf(r)
	if !ok {
		return 0
	}
	c, ok := s.decl.FindContent(id)
	if !ok {
		return 0
	}
	return c.StartOrder
}

// startResource starts one constituent on behalf of s.
func (e *Engine) startResource(ctx context.Context, coord *coordination.Coordination, s *Subsystem, r resource.Resource) error {
	switch r := r.(type) {
	case *module.Module:
		if r.IsFragment() {
			return nil
		}
		switch r.State() {
		case module.StateActive, module.StateStarting:
			return nil
		}
		if err := e.fw.Start(ctx, r); err != nil {
			return fmt.Errorf("start module %s: %w", r.Location(), err)
		}
		coord.Compensate(func() error {
			return e.fw.Stop(context.WithoutCancel(ctx), r)
		})
	case *Subsystem:
		if s.IsContent(r) {
			old := r.setAutostart(true)
			coord.Compensate(func() error {
				r.setAutostart(old)
				return e.persist(context.WithoutCancel(ctx), r)
			})
		}
		return e.start(ctx, coord, r, false)
	}
	return nil
}
