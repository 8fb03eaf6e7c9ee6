// SPDX-License-Identifier: MPL-2.0

package subsystem

import (
	"slices"
	"time"

	"github.com/tessera/tessera/pkg/resource"
)

type (
	// Event describes one state transition. Err is the failure that caused
	// it, set on INSTALL_FAILED and on every rollback.
	Event struct {
		ID           uint64
		Location     resource.Location
		SymbolicName string
		Version      resource.Version
		Type         resource.Type
		From         State
		To           State
		Err          error
		Time         time.Time
	}

	// Listener receives events synchronously, in transition order. A
	// listener must not call lifecycle operations of the engine.
	Listener func(Event)

	listenerEntry struct {
		id uint64
		fn Listener
	}
)

// Subscribe registers l and returns a function that removes it.
func (e *Engine) Subscribe(l Listener) (unsubscribe func()) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.nextListener++
	id := e.nextListener
	e.listeners = append(e.listeners, listenerEntry{id: id, fn: l})
	return func() {
		e.listenersMu.Lock()
		defer e.listenersMu.Unlock()
		e.listeners = slices.DeleteFunc(e.listeners, func(x listenerEntry) bool { return x.id == id })
	}
}

func (e *Engine) emit(ev Event) {
	e.listenersMu.RLock()
	listeners := slices.Clone(e.listeners)
	e.listenersMu.RUnlock()
	for _, l := range listeners {
		l.fn(ev)
	}
}
