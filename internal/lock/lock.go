// SPDX-License-Identifier: MPL-2.0

// Package lock implements the locking strategy of the lifecycle engine.
//
// Locks are always acquired outer to inner:
//
//  1. the global mutex, held only while the locks below are taken and an
//     affected set is computed, or while a region is swapped;
//  2. the tree lock, exclusive for install and uninstall, shared for start
//     and stop;
//  3. per-subsystem state-change locks, acquired in ascending id order.
//
// A set-if-absent marker per (subsystem, target state) lets an operation
// notice that the same transition is already in progress further up the call
// chain and return immediately instead of deadlocking on itself.
package lock

import (
	"slices"
	"sync"
)

type (
	// Strategy holds every lock of one engine instance.
	Strategy struct {
		global sync.Mutex
		tree   sync.RWMutex

		mu     sync.Mutex
		states map[uint64]*stateLock

		markers sync.Map
	}

	stateLock struct {
		mu   sync.Mutex
		refs int
	}

	marker struct {
		id     uint64
		target string
	}
)

// New creates a Strategy.
func New() *Strategy {
	return &Strategy{states: make(map[uint64]*stateLock)}
}

// LockGlobal acquires the global mutex.
func (s *Strategy) LockGlobal() { s.global.Lock() }

// UnlockGlobal releases the global mutex.
func (s *Strategy) UnlockGlobal() { s.global.Unlock() }

// ReadLock acquires the tree lock in shared mode.
func (s *Strategy) ReadLock() { s.tree.RLock() }

// ReadUnlock releases a shared tree lock.
func (s *Strategy) ReadUnlock() { s.tree.RUnlock() }

// WriteLock acquires the tree lock exclusively.
func (s *Strategy) WriteLock() { s.tree.Lock() }

// WriteUnlock releases the exclusive tree lock.
func (s *Strategy) WriteUnlock() { s.tree.Unlock() }

// LockStateChange acquires the state-change locks of ids in ascending order
// and returns a function releasing them in reverse. Duplicate ids are
// acquired once.
func (s *Strategy) LockStateChange(ids ...uint64) (unlock func()) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	locks := make([]*stateLock, len(sorted))
	s.mu.Lock()
	for i, id := range sorted {
		l, ok := s.states[id]
		if !ok {
			l = &stateLock{}
			s.states[id] = l
		}
		l.refs++
		locks[i] = l
	}
	s.mu.Unlock()

	for _, l := range locks {
		l.mu.Lock()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(locks) - 1; i >= 0; i-- {
				locks[i].mu.Unlock()
			}
			s.mu.Lock()
			for i, id := range sorted {
				locks[i].refs--
				if locks[i].refs == 0 {
					delete(s.states, id)
				}
			}
			s.mu.Unlock()
		})
	}
}

// Mark records that id is transitioning towards target. It returns false when
// the marker is already present, meaning the caller is re-entering a
// transition that is in progress.
func (s *Strategy) Mark(id uint64, target string) bool {
	_, loaded := s.markers.LoadOrStore(marker{id: id, target: target}, struct{}{})
	return !loaded
}

// Unmark removes a marker set by Mark.
func (s *Strategy) Unmark(id uint64, target string) {
	s.markers.Delete(marker{id: id, target: target})
}

// Marked reports whether a marker is present.
func (s *Strategy) Marked(id uint64, target string) bool {
	_, ok := s.markers.Load(marker{id: id, target: target})
	return ok
}
