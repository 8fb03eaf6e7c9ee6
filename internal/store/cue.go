// SPDX-License-Identifier: MPL-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/tessera/tessera/pkg/manifest"
)

const (
	recordsDir = "subsystems"
	contentDir = "content"
)

// CUE stores each record as <dir>/subsystems/<id>.cue and content as
// <dir>/content/<sha256>. Files are written to a temporary name and renamed
// into place so readers never observe partial writes.
type CUE struct {
	dir string
}

// OpenCUE creates the directory layout under dir.
func OpenCUE(dir string) (*CUE, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	for _, sub := range []string{recordsDir, contentDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}
	return &CUE{dir: dir}, nil
}

// Dir returns the state directory.
func (s *CUE) Dir() string { return s.dir }

// Load implements Store.
func (s *CUE) Load(ctx context.Context) ([]*manifest.Record, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, recordsDir))
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	type idFile struct {
		id   uint64
		name string
	}
	var files []idFile
	for _, e := range entries {
		base, ok := strings.CutSuffix(e.Name(), ".cue")
		if e.IsDir() || !ok {
			continue
		}
		id, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, idFile{id: id, name: e.Name()})
	}
	slices.SortFunc(files, func(a, b idFile) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		default:
			return 0
		}
	})

	out := make([]*manifest.Record, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(s.dir, recordsDir, f.name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read record: %w", err)
		}
		rec, err := manifest.ParseRecord(data, path)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Save implements Store.
func (s *CUE) Save(ctx context.Context, rec *manifest.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encode record %d: %w", rec.ID, err)
	}
	return writeAtomic(filepath.Join(s.dir, recordsDir, s.recordName(rec.ID)), data)
}

// Delete implements Store.
func (s *CUE) Delete(ctx context.Context, id uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.dir, recordsDir, s.recordName(id)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete record %d: %w", id, err)
	}
	return nil
}

// PutContent implements Store.
func (s *CUE) PutContent(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d := Digest(data)
	path := filepath.Join(s.dir, contentDir, d)
	if _, err := os.Stat(path); err == nil {
		return d, nil
	}
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return d, nil
}

// Content implements Store.
func (s *CUE) Content(ctx context.Context, digest string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if digest == "" || strings.ContainsAny(digest, `/\.`) {
		return nil, fmt.Errorf("content %q: %w", digest, ErrNotFound)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, contentDir, digest))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("content %s: %w", digest, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read content %s: %w", digest, err)
	}
	return data, nil
}

// Close implements Store.
func (s *CUE) Close() error { return nil }

func (s *CUE) recordName(id uint64) string {
	return strconv.FormatUint(id, 10) + ".cue"
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tessera-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	renamed := false
	defer func() {
		if !renamed {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	renamed = true
	return nil
}
