// SPDX-License-Identifier: MPL-2.0

package subsystem

import (
	"context"
	"errors"
	"fmt"

	"github.com/tessera/tessera/internal/module"
	"github.com/tessera/tessera/pkg/resource"
)

// Uninstall stops s if needed, uninstalls its content children that have no
// other parent, releases its references and removes it. Resources no longer
// referenced by any subsystem are uninstalled too; a module s provisioned that
// another subsystem still uses moves to that subsystem's provisioner. A subsystem in a
// transitional state is waited for first. Uninstalling twice is a no-op.
func (e *Engine) Uninstall(ctx context.Context, s *Subsystem) error {
	return e.operate(ctx, OpUninstall, s, func(ctx context.Context) error {
		if s.IsRoot() {
			return fmt.Errorf("uninstall root: %w", ErrUnsupported)
		}
		for {
			st := s.State()
			if st == StateUninstalled || st == StateInstallFailed {
				return nil
			}
			if st.IsTransitional() {
				if _, err := s.WaitForStateChange(ctx, st); err != nil {
					return err
				}
				continue
			}
			if !e.reg.Contains(s) {
				return fmt.Errorf("uninstall %d: %w", s.id, ErrStale)
			}

			e.locks.LockGlobal()
			e.locks.WriteLock()
			affected := append([]*Subsystem{s}, e.reg.Descendants(s)...)
			unlock := e.locks.LockStateChange(ids(affected)...)
			e.locks.UnlockGlobal()

			if st := s.State(); st.IsTransitional() || st.IsTerminal() {
				unlock()
				e.locks.WriteUnlock()
				continue
			}
			err := e.uninstall(ctx, s)
			unlock()
			e.locks.WriteUnlock()
			return err
		}
	})
}

func (e *Engine) uninstall(ctx context.Context, s *Subsystem) error {
	var errs []error
	if s.State() == StateActive {
		if err := e.stop(ctx, s, false); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.transition(ctx, s, StateUninstalling); err != nil {
		errs = append(errs, err)
	}
	e.logger.Info("uninstalling subsystem", "id", s.id, "location", s.location)

	for _, child := range e.reg.Children(s) {
		e.reg.RemoveChild(s, child)
		if len(e.reg.Parents(child)) > 0 {
			errs = append(errs, e.persist(ctx, child))
			continue
		}
		errs = append(errs, e.uninstall(ctx, child))
	}

	var touched []*Subsystem
	for _, r := range e.reg.References(s) {
		e.reg.RemoveReference(s, r)
		s.markContent(r, false)
		p, err := e.release(ctx, r)
		errs = append(errs, err)
		if p != nil && p != s {
			touched = append(touched, p)
		}
	}
	for _, r := range e.reg.Constituents(s) {
		m, ok := r.(*module.Module)
		if !ok {
			continue
		}
		users := e.reg.Referencing(m)
		if len(users) == 0 {
			errs = append(errs, e.removeModule(ctx, s, m))
			continue
		}
		owner := e.provisionerFor(users[0])
		errs = append(errs, e.transferModule(s, owner, m))
		touched = append(touched, owner)
	}
	if s.IsScoped() {
		e.regions.RemoveRegion(s.region)
	}

	errs = append(errs, e.transition(ctx, s, StateUninstalled))
	errs = append(errs, e.store.Delete(ctx, s.id))
	e.reg.Remove(s)
	for _, p := range touched {
		if e.reg.Contains(p) {
			errs = append(errs, e.persist(ctx, p))
		}
	}
	e.logger.Info("subsystem uninstalled", "id", s.id, "location", s.location, "state", StateUninstalled)
	return errors.Join(errs...)
}

// release drops a resource nobody references any more. It returns the
// provisioner whose record changed, if any.
func (e *Engine) release(ctx context.Context, r resource.Resource) (*Subsystem, error) {
	if len(e.reg.Referencing(r)) > 0 {
		return nil, nil
	}
	switch r := r.(type) {
	case *module.Module:
		p, ok := e.reg.ProvisionerOf(r)
		if !ok {
			return nil, e.fw.Uninstall(ctx, r)
		}
		return p, e.removeModule(ctx, p, r)
	case *Subsystem:
		if !r.isDependency() || r.State() == StateUninstalled || !e.reg.Contains(r) {
			return nil, nil
		}
		for _, p := range e.reg.Parents(r) {
			e.reg.RemoveChild(p, r)
		}
		return nil, e.uninstall(ctx, r)
	}
	return nil, nil
}

func (e *Engine) removeModule(ctx context.Context, owner *Subsystem, m *module.Module) error {
	err := e.fw.Uninstall(ctx, m)
	if errors.Is(err, module.ErrUninstalled) {
		err = nil
	}
	e.regions.RemoveModule(m.ID())
	e.reg.RemoveConstituent(owner, m)
	owner.deleteModule(m.ID())
	e.logger.Debug("module uninstalled", "id", m.ID(), "location", m.Location())
	return err
}

// transferModule hands a module still in use to a new provisioner and moves
// it into the new provisioner's region.
func (e *Engine) transferModule(from, to *Subsystem, m *module.Module) error {
	info, _ := from.moduleInfo(m.ID())
	info.Dependency = true
	e.reg.RemoveConstituent(from, m)
	from.deleteModule(m.ID())
	e.regions.RemoveModule(m.ID())
	if err := e.regions.AddModule(to.region, m.ID()); err != nil {
		return fmt.Errorf("transfer module %s: %w", m.Location(), err)
	}
	e.reg.AddConstituent(to, m)
	to.setModule(m.ID(), info)
	e.logger.Debug("module transferred", "id", m.ID(), "location", m.Location(), "from", from.id, "to", to.id)
	return nil
}
