// SPDX-License-Identifier: MPL-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tessera/tessera/internal/subsystem"
	"github.com/tessera/tessera/internal/testutil"
)

type testEnv struct {
	t      *testing.T
	dir    string
	config string
	stdout bytes.Buffer
	stderr bytes.Buffer
}

// newTestEnv writes a config file with a private state directory and one
// repository serving bundle.b, which provides package foo.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{t: t, dir: dir, config: filepath.Join(dir, "config.cue")}
	repo := testutil.WriteRepository(t, filepath.Join(dir, "repo"),
		testutil.Module{Name: "bundle.b", Provides: []string{"foo"}})
	testutil.MustWriteFile(t, env.config, fmt.Sprintf(`
state_dir: %q
store: "cue"
log_level: "error"
repositories: [%q]
metrics: enabled: false
watch: enabled: false
`, filepath.Join(dir, "state"), repo))
	return env
}

// archive writes an application whose single module requires package foo.
func (env *testEnv) archive(name string) string {
	env.t.Helper()
	return testutil.WriteArchive(env.t, filepath.Join(env.dir, "archives", name), testutil.Archive{
		Name:    name,
		Type:    "application",
		Modules: []testutil.Module{{Name: "bundle.a", Requires: []string{"foo"}}},
	})
}

func (env *testEnv) run(args ...string) error {
	env.t.Helper()
	env.stdout.Reset()
	env.stderr.Reset()
	app := NewApp(Dependencies{Stdout: &env.stdout, Stderr: &env.stderr})
	root := newRootCommand(app)
	root.SetArgs(append([]string{"--config", env.config}, args...))
	root.SetOut(&env.stdout)
	root.SetErr(&env.stderr)
	return root.ExecuteContext(context.Background())
}

func (env *testEnv) mustRun(args ...string) string {
	env.t.Helper()
	if err := env.run(args...); err != nil {
		env.t.Fatalf("tessera %s = %v\nstderr:\n%s", strings.Join(args, " "), err, env.stderr.String())
	}
	return env.stdout.String()
}

func TestGetVersionString(t *testing.T) {
	// Not parallel: mutates package-level Version/Commit/BuildDate vars.
	origVersion, origCommit, origBuildDate := Version, Commit, BuildDate
	t.Cleanup(func() {
		Version, Commit, BuildDate = origVersion, origCommit, origBuildDate
	})

	Version, Commit, BuildDate = "v1.2.3", "abc1234", "2026-01-02T10:00:00Z"
	if got, want := getVersionString(), "v1.2.3 (commit: abc1234, built: 2026-01-02T10:00:00Z)"; got != want {
		t.Errorf("getVersionString() = %q, want %q", got, want)
	}
	Version = "dev"
	if got, want := getVersionString(), "dev (built from source)"; got != want {
		t.Errorf("getVersionString() = %q, want %q", got, want)
	}
}

func TestLifecycleAcrossInvocations(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	archive := env.archive("shop")

	out := env.mustRun("install", archive)
	if !strings.Contains(out, "installed 1 shop 1.0.0 (application)") {
		t.Fatalf("install output = %q", out)
	}
	if out := env.mustRun("install", archive); !strings.Contains(out, "installed 1 ") {
		t.Errorf("reinstall of the same location = %q, want the existing subsystem", out)
	}

	if out := env.mustRun("start", "1"); !strings.Contains(out, "ACTIVE") {
		t.Errorf("start output = %q", out)
	}

	// A fresh invocation rebuilds the tree and autostarts subsystem 1.
	out = env.mustRun("show", "1")
	for _, want := range []string{"shop 1.0.0 (application)", "ACTIVE", "bundle.a", "bundle.b", "shop;1.0.0;application;1"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}

	out = env.mustRun("list")
	for _, want := range []string{"org.tessera.root", "shop", "ACTIVE"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q:\n%s", want, out)
		}
	}

	if out := env.mustRun("stop", "1"); !strings.Contains(out, "RESOLVED") {
		t.Errorf("stop output = %q", out)
	}
	if out := env.mustRun("show", "1"); !strings.Contains(out, "INSTALLED") {
		t.Errorf("stopped subsystem restarted:\n%s", out)
	}

	env.mustRun("uninstall", "1")
	err := env.run("show", "1")
	if !errors.Is(err, subsystem.ErrNotFound) {
		t.Fatalf("show after uninstall = %v, want ErrNotFound", err)
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != ExitFailure {
		t.Errorf("error = %#v, want ExitError code %d", err, ExitFailure)
	}
	if !strings.Contains(env.stderr.String(), "tessera list") {
		t.Errorf("stderr lacks suggestion:\n%s", env.stderr.String())
	}
}

func TestInstallWithStartAndRequire(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	out := env.mustRun("install", "--start", "--location", "test:shop", env.archive("shop"))
	if !strings.Contains(out, "installed 1") {
		t.Fatalf("install output = %q", out)
	}
	env.mustRun("require", "1", "package", "(package=bar)")
	out = env.mustRun("show", "1")
	if !strings.Contains(out, "test:shop") || !strings.Contains(out, "package=bar") {
		t.Errorf("show output lacks location or added import:\n%s", out)
	}
}

func TestRequireRejectsFeature(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	dir := testutil.WriteArchive(t, filepath.Join(env.dir, "archives", "feat"), testutil.Archive{
		Name:    "feat",
		Type:    "feature",
		Modules: []testutil.Module{{Name: "x"}},
	})
	env.mustRun("install", dir)

	err := env.run("require", "1", "package", "(package=bar)")
	if !errors.Is(err, subsystem.ErrUnsupported) {
		t.Errorf("require on feature = %v, want ErrUnsupported", err)
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != ExitInvalid {
		t.Errorf("exit code = %v, want %d", err, ExitInvalid)
	}
}

func TestInvalidArguments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
	}{
		{"non-numeric id", []string{"start", "abc"}},
		{"unknown id", []string{"stop", "42"}},
		{"unknown parent", []string{"install", "--parent", "9", "ARCHIVE"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			args := tt.args
			for i, a := range args {
				if a == "ARCHIVE" {
					args = append([]string(nil), args...)
					args[i] = env.archive("shop")
				}
			}
			if err := env.run(args...); !errors.Is(err, subsystem.ErrNotFound) {
				t.Errorf("tessera %v = %v, want ErrNotFound", args, err)
			}
		})
	}
}

func TestMissingArchive(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	err := env.run("install", filepath.Join(env.dir, "nope"))
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("install of a missing archive = %v, want ExitError", err)
	}
}

func TestRepoList(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	out := env.mustRun("repo", "list", "--entries")
	for _, want := range []string{"repo", "bundle.b"} {
		if !strings.Contains(out, want) {
			t.Errorf("repo list output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigShowAndDump(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	out := env.mustRun("config", "show")
	if !strings.Contains(out, env.config) || !strings.Contains(out, "cue") {
		t.Errorf("config show output:\n%s", out)
	}
	out = env.mustRun("config", "dump")
	if !strings.Contains(out, `store: "cue"`) || !strings.Contains(out, `log_level: "error"`) {
		t.Errorf("config dump output:\n%s", out)
	}
	if out := env.mustRun("config", "path"); strings.TrimSpace(out) != env.config {
		t.Errorf("config path = %q", out)
	}
}

func TestConfigErrorIsActionable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	testutil.MustWriteFile(t, env.config, `store: "bogus"`)
	err := env.run("list")
	if err == nil {
		t.Fatal("list with an invalid config succeeded")
	}
	if !strings.Contains(env.stderr.String(), "configuration") {
		t.Errorf("stderr:\n%s", env.stderr.String())
	}
}
