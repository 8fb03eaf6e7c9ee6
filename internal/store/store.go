// SPDX-License-Identifier: MPL-2.0

// Package store persists computed subsystem manifests and the module
// content they were built from, so that a cold restart can rebuild every
// subsystem without the original archives.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/tessera/tessera/pkg/manifest"
)

const (
	// KindCUE stores one CUE file per subsystem.
	KindCUE Kind = "cue"
	// KindSQLite stores records in a SQLite database.
	KindSQLite Kind = "sqlite"
	// KindMemory keeps everything in memory.
	KindMemory Kind = "memory"

	// SQLiteFile is the database file name inside the state directory.
	SQLiteFile = "tessera.db"
)

var (
	// ErrNotFound is returned for unknown records or content digests.
	ErrNotFound = errors.New("not found in store")
	// ErrUnknownKind is returned by Open for an unsupported store kind.
	ErrUnknownKind = errors.New("unknown store kind")
)

type (
	// Kind selects a Store implementation.
	Kind string

	// Store persists subsystem records and content-addressed module data.
	Store interface {
		// Load returns every record ordered by id.
		Load(ctx context.Context) ([]*manifest.Record, error)
		// Save inserts or replaces the record with rec.ID.
		Save(ctx context.Context, rec *manifest.Record) error
		// Delete removes a record; deleting a missing record is not an error.
		Delete(ctx context.Context, id uint64) error
		// PutContent stores data and returns its sha256 digest.
		PutContent(ctx context.Context, data []byte) (string, error)
		// Content returns the data stored under digest.
		Content(ctx context.Context, digest string) ([]byte, error)
		Close() error
	}
)

// Digest returns the hex sha256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Open creates the store of the given kind rooted at stateDir.
func Open(kind Kind, stateDir string) (Store, error) {
	switch kind {
	case KindCUE, "":
		return OpenCUE(stateDir)
	case KindSQLite:
		return OpenSQLite(filepath.Join(stateDir, SQLiteFile))
	case KindMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
