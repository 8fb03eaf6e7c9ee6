// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// Dirs are the per-test locations tessera resolves configuration and
// state from.
type Dirs struct {
	Home   string
	Config string
	State  string
}

// MustWriteFile writes data to path, creating parent directories.
func MustWriteFile(t testing.TB, path, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// IsolateDirs points the home directory and XDG_CONFIG_HOME/XDG_STATE_HOME
// at fresh temporary directories. It uses t.Setenv, so the calling test
// must not be parallel.
func IsolateDirs(t *testing.T) Dirs {
	t.Helper()
	d := Dirs{Home: t.TempDir(), Config: t.TempDir(), State: t.TempDir()}
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", d.Home)
	} else {
		t.Setenv("HOME", d.Home)
	}
	t.Setenv("XDG_CONFIG_HOME", d.Config)
	t.Setenv("XDG_STATE_HOME", d.State)
	return d
}
