// SPDX-License-Identifier: MPL-2.0

package subsystem

import (
	"bytes"
	"context"
	"fmt"

	"github.com/tessera/tessera/internal/coordination"
	"github.com/tessera/tessera/internal/region"
	"github.com/tessera/tessera/internal/registry"
	"github.com/tessera/tessera/pkg/manifest"
	"github.com/tessera/tessera/pkg/resource"
)

// Open loads persisted state, rebuilds every subsystem, region and module,
// and starts the root together with the subsystems flagged for autostart.
// With an empty store a fresh root is created.
func (e *Engine) Open(ctx context.Context) error {
	e.openMu.Lock()
	if e.open {
		e.openMu.Unlock()
		return nil
	}
	e.openMu.Unlock()

	e.locks.WriteLock()
	defer e.locks.WriteUnlock()

	records, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	ctx, coord, _ := coordination.Begin(coordination.WithContext(ctx, nil), "open")
	coord.SetVariable(writeLockKey{}, true)
	if len(records) == 0 {
		err = e.createRoot(ctx)
	} else {
		err = e.rebuild(ctx, coord, records)
	}
	if err == nil {
		root, _ := e.reg.Root()
		if err = e.start(ctx, coord, root, true); err != nil {
			err = fmt.Errorf("start root: %w", err)
		}
	}
	if err := e.finish(coord, true, err); err != nil {
		e.reset()
		return err
	}

	e.openMu.Lock()
	e.open = true
	e.openMu.Unlock()
	e.logger.Info("engine open", "subsystems", len(e.reg.All()))
	return nil
}

// reset drops a partially rebuilt tree so that Open can be retried. Modules
// installed by the failed attempt are removed by its compensations.
func (e *Engine) reset() {
	e.regions = region.New()
	e.reg = registry.New[*Subsystem]()
}

func rootManifest() (*manifest.Declared, []byte, error) {
	decl := &manifest.Declared{
		SymbolicName:    RootName,
		Version:         "1.0.0",
		Type:            resource.TypeComposite,
		ProvisionPolicy: manifest.ProvisionAcceptDependencies,
	}
	data, err := decl.Encode()
	return decl, data, err
}

func (e *Engine) createRoot(ctx context.Context) error {
	decl, data, err := rootManifest()
	if err != nil {
		return err
	}
	root, err := newSubsystem(0, RootLocation, decl, data, e.reg)
	if err != nil {
		return err
	}
	root.region = RootRegion
	root.autostart = true
	if err := e.regions.CreateRegion(RootRegion); err != nil {
		return err
	}
	if err := e.reg.Add(root); err != nil {
		return err
	}
	if err := e.transition(ctx, root, StateInstalling); err != nil {
		return err
	}
	return e.transition(ctx, root, StateInstalled)
}

// rebuild recreates the tree from records. Records of interrupted installs
// and uninstalls are dropped; every other subsystem comes back INSTALLED.
func (e *Engine) rebuild(ctx context.Context, coord *coordination.Coordination, records []*manifest.Record) error {
	byID := make(map[uint64]*manifest.Record, len(records))
	for _, rec := range records {
		st, err := ParseState(rec.State)
		if err != nil {
			return fmt.Errorf("record %d: %w", rec.ID, err)
		}
		if rec.ID != 0 && (st == StateInstalling || st == StateInstallFailed || st == StateUninstalling || st == StateUninstalled) {
			e.logger.Warn("dropping incomplete subsystem", "id", rec.ID, "location", rec.Location, "state", st)
			if err := e.store.Delete(ctx, rec.ID); err != nil {
				return err
			}
			continue
		}
		decl, err := rec.Declared()
		if err != nil {
			return fmt.Errorf("record %d: %w", rec.ID, err)
		}
		s, err := newSubsystem(rec.ID, resource.Location(rec.Location), decl, []byte(rec.Manifest), e.reg)
		if err != nil {
			return fmt.Errorf("record %d: %w", rec.ID, err)
		}
		s.state = StateInstalled
		s.autostart = rec.Autostart || rec.ID == 0
		s.pending = rec.DependenciesPending
		s.dependency = rec.Dependency
		if len(rec.Requirements) > 0 {
			var scratch resource.Set
			for _, d := range rec.Requirements {
				if _, err := d.AddTo(&scratch, s); err != nil {
					return fmt.Errorf("record %d: %w", rec.ID, err)
				}
			}
			s.reqs = append(s.reqs, scratch.Requirements("")...)
			s.extra = rec.Requirements
		}
		if err := e.reg.Add(s); err != nil {
			return err
		}
		e.reg.SetLastID(rec.LastID)
		byID[rec.ID] = rec
	}
	root, ok := e.reg.Root()
	if !ok {
		return fmt.Errorf("rebuild: %w: no root record", ErrNotFound)
	}

	for _, s := range e.reg.All() {
		if s.IsRoot() {
			continue
		}
		linked := false
		for _, pid := range byID[s.id].Parents {
			p, ok := e.reg.ByID(pid)
			if !ok {
				continue
			}
			if err := e.reg.AddChild(p, s); err != nil {
				e.logger.Warn("dropping parent edge", "id", s.id, "parent", pid, "err", err)
				continue
			}
			linked = true
		}
		if !linked {
			if err := e.reg.AddChild(root, s); err != nil {
				return err
			}
		}
	}

	if err := e.rebuildRegions(root, byID); err != nil {
		return err
	}
	for _, s := range e.reg.All() {
		if err := e.rebuildModules(ctx, coord, s, byID[s.id]); err != nil {
			return err
		}
	}
	for _, s := range e.reg.All() {
		for _, ref := range byID[s.id].References {
			loc := resource.Location(ref.Location)
			var r resource.Resource
			if m, ok := e.fw.ByLocation(loc); ok {
				r = m
			} else if sub, ok := e.reg.ByLocation(loc); ok {
				r = sub
			} else {
				e.logger.Warn("dropping dangling reference", "id", s.id, "location", loc)
				continue
			}
			e.reg.AddReference(s, r)
			s.markContent(r, ref.Content)
		}
	}
	for _, s := range e.reg.All() {
		if !s.IsScoped() || s.IsRoot() {
			continue
		}
		var content []resource.Resource
		for _, r := range e.reg.References(s) {
			if s.IsContent(r) {
				content = append(content, r)
			}
		}
		if err := e.regions.SetPolicy(s.region, s.scope, e.importPolicy(s, content)); err != nil {
			return err
		}
	}
	return nil
}

// rebuildRegions walks the tree from the root so every region exists before
// its children connect to it.
func (e *Engine) rebuildRegions(root *Subsystem, byID map[uint64]*manifest.Record) error {
	root.region = RootRegion
	if err := e.regions.CreateRegion(RootRegion); err != nil {
		return err
	}
	seen := map[*Subsystem]bool{root: true}
	queue := []*Subsystem{root}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, s := range e.reg.Children(parent) {
			if seen[s] {
				continue
			}
			seen[s] = true
			queue = append(queue, s)
			s.scope = parent.region
			s.region = parent.region
			if !s.IsScoped() {
				continue
			}
			s.region = region.Name(byID[s.id].Region)
			if s.region == "" {
				id := s.identity
				s.region = region.Name(fmt.Sprintf("%s;%s;%s;%d", id.SymbolicName, id.Version, id.Type, s.id))
			}
			if err := e.regions.CreateRegion(s.region); err != nil {
				return err
			}
			if err := e.regions.Connect(s.region, s.scope, region.NewPolicy()); err != nil {
				return err
			}
			if err := e.regions.Connect(s.scope, s.region, region.NewPolicy()); err != nil {
				return err
			}
		}
	}
	return nil
}

// rebuildModules reinstalls the constituents of s from stored content.
func (e *Engine) rebuildModules(ctx context.Context, coord *coordination.Coordination, s *Subsystem, rec *manifest.Record) error {
	for _, c := range rec.Constituents {
		data, err := e.store.Content(ctx, c.Digest)
		if err != nil {
			return fmt.Errorf("subsystem %d constituent %s: %w", s.id, c.Location, err)
		}
		m, err := e.fw.Install(ctx, resource.Location(c.Location), bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("subsystem %d: %w", s.id, err)
		}
		coord.Compensate(func() error {
			return e.fw.Uninstall(context.WithoutCancel(ctx), m)
		})
		if err := e.regions.AddModule(s.region, m.ID()); err != nil {
			return err
		}
		e.reg.AddConstituent(s, m)
		s.setModule(m.ID(), c)
	}
	return nil
}
