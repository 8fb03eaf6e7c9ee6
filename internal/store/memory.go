// SPDX-License-Identifier: MPL-2.0

package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/tessera/tessera/pkg/manifest"
)

// Memory is an in-memory Store. Records are kept encoded so that callers
// cannot share state with the store.
type Memory struct {
	mu      sync.RWMutex
	records map[uint64][]byte
	content map[string][]byte
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{records: make(map[uint64][]byte), content: make(map[string][]byte)}
}

// Load implements Store.
func (m *Memory) Load(ctx context.Context) ([]*manifest.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*manifest.Record, 0, len(m.records))
	for _, id := range slices.Sorted(maps.Keys(m.records)) {
		rec, err := manifest.ParseRecord(m.records[id], fmt.Sprintf("%d.cue", id))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Save implements Store.
func (m *Memory) Save(ctx context.Context, rec *manifest.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encode record %d: %w", rec.ID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = data
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, id uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

// PutContent implements Store.
func (m *Memory) PutContent(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d := Digest(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[d] = slices.Clone(data)
	return d, nil
}

// Content implements Store.
func (m *Memory) Content(ctx context.Context, digest string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.content[digest]
	if !ok {
		return nil, fmt.Errorf("content %s: %w", digest, ErrNotFound)
	}
	return slices.Clone(data), nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
