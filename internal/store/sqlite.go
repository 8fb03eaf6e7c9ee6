// SPDX-License-Identifier: MPL-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tessera/tessera/internal/store/migrations"
	"github.com/tessera/tessera/pkg/manifest"
)

// SQLite stores records and content in a SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the database at path and applies the embedded migrations.
func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Load implements Store.
func (s *SQLite) Load(ctx context.Context) ([]*manifest.Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, record FROM subsystem_records ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*manifest.Record
	for rows.Next() {
		var (
			id   int64
			text string
		)
		if err := rows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := manifest.ParseRecord([]byte(text), "record-"+strconv.FormatInt(id, 10)+".cue")
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	return out, nil
}

// Save implements Store.
func (s *SQLite) Save(ctx context.Context, rec *manifest.Record) error {
	data, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encode record %d: %w", rec.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO subsystem_records (id, location, state, record, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    location = excluded.location,
    state = excluded.state,
    record = excluded.record,
    updated_at = excluded.updated_at`,
		int64(rec.ID), rec.Location, rec.State, string(data), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save record %d: %w", rec.ID, err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLite) Delete(ctx context.Context, id uint64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM subsystem_records WHERE id = ?", int64(id)); err != nil {
		return fmt.Errorf("delete record %d: %w", id, err)
	}
	return nil
}

// PutContent implements Store.
func (s *SQLite) PutContent(ctx context.Context, data []byte) (string, error) {
	d := Digest(data)
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO module_content (digest, data, created_at) VALUES (?, ?, ?)",
		d, data, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("store content: %w", err)
	}
	return d, nil
}

// Content implements Store.
func (s *SQLite) Content(ctx context.Context, digest string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM module_content WHERE digest = ?", digest).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("content %s: %w", digest, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read content %s: %w", digest, err)
	}
	return data, nil
}

// Close implements Store.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
