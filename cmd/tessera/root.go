// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/tessera/tessera/internal/subsystem"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// newRootCommand builds the command tree bound to app.
func newRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "tessera",
		Short: "A persistent subsystem lifecycle manager",
		Long: TitleStyle.Render("tessera") + SubtitleStyle.Render(" - A persistent subsystem lifecycle manager") + `

tessera installs subsystem archives into a tree rooted at a single root
subsystem. Applications and composites get their own isolated region;
features share their parent's. Missing dependencies are resolved from
the archive, the parent chain and the configured repositories.

` + SubtitleStyle.Render("Examples:") + `
  tessera install ./shop          Install the archive in ./shop under the root
  tessera start 1                 Start subsystem 1 and everything it needs
  tessera list                    Show every installed subsystem
  tessera serve                   Serve metrics and watch repositories

` + SubtitleStyle.Render("Exit status:") + `
  1 failure, 2 invalid input, 3 unresolved requirements,
  4 conflict with the current tree, 5 permission denied`,
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "enable verbose output")
	root.PersistentFlags().StringVar(&app.configPath, "config", "", "config file (default is $XDG_CONFIG_HOME/tessera/config.cue)")

	root.AddCommand(
		newInstallCommand(app),
		newStartCommand(app),
		newStopCommand(app),
		newUninstallCommand(app),
		newRequireCommand(app),
		newListCommand(app),
		newShowCommand(app),
		newRepoCommand(app),
		newServeCommand(app),
		newConfigCommand(app),
	)
	return root
}

// Execute runs the CLI with args and returns the process exit code.
func Execute(ctx context.Context, app *App, args []string) int {
	root := newRootCommand(app)
	root.SetArgs(args)
	root.SetOut(app.stdout)
	root.SetErr(app.stderr)
	if err := fang.Execute(
		ctx,
		root,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return exitErr.Code
		}
		return ExitFailure
	}
	return 0
}

// fail renders err for the user and returns it as an ExitError.
func (a *App) fail(operation, res string, err error) error {
	if err == nil {
		return nil
	}
	ae, code := actionable(operation, res, err)
	renderError(a.stderr, ae, a.verbose)
	return &ExitError{Code: code, Err: ae}
}

// parseID parses a subsystem id argument.
func parseID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid subsystem id %q: %w", arg, subsystem.ErrNotFound)
	}
	return id, nil
}

// lookup resolves an id argument against an opened engine.
func lookup(s *session, arg string) (*subsystem.Subsystem, error) {
	id, err := parseID(arg)
	if err != nil {
		return nil, err
	}
	return s.engine.Subsystem(id)
}
