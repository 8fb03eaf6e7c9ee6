// SPDX-License-Identifier: MPL-2.0

package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/tessera/tessera/internal/dag"
	"github.com/tessera/tessera/internal/issue"
	"github.com/tessera/tessera/internal/subsystem"
	"github.com/tessera/tessera/internal/watch"
	"github.com/tessera/tessera/pkg/manifest"
	"github.com/tessera/tessera/pkg/resource"
)

var errStoreUnavailable = errors.New("store unavailable")

// errorClass maps an error kind to its catalog entry, a first suggestion
// and the process exit code.
type errorClass struct {
	match      func(error) bool
	issue      issue.Id
	suggestion string
	code       int
}

func is(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

// Order matters: a cycle or a denied permission also surfaces as a failed
// coordination, so the specific kinds come first.
var errorClasses = []errorClass{
	{is(errStoreUnavailable), issue.StoreUnavailableId, "Check that the state directory is writable", ExitFailure},
	{func(err error) bool {
		var ce *dag.CycleError
		return errors.As(err, &ce)
	}, issue.DependencyCycleId, "Remove the content entry that points back at an ancestor", ExitConflict},
	{is(subsystem.ErrPermission), issue.PermissionDeniedId, "Ask for the permission named in the error", ExitDenied},
	{is(subsystem.ErrIdentityConflict), issue.IdentityConflictId, "Bump the version or rename the subsystem", ExitConflict},
	{is(subsystem.ErrIllegalState), issue.IllegalStateId, "Run 'tessera show <id>' to see the current state", ExitConflict},
	{is(subsystem.ErrStale), issue.IllegalStateId, "Run 'tessera list' to see the current tree", ExitConflict},
	{is(subsystem.ErrNotFound), issue.SubsystemNotFoundId, "Run 'tessera list' to see installed subsystems", ExitFailure},
	{is(subsystem.ErrUnsupported), issue.UnsupportedOperationId, "Only applications and composites accept added requirements", ExitInvalid},
	{is(manifest.ErrInvalidManifest), issue.ArchiveInvalidId, "Validate the archive manifest against the schema", ExitInvalid},
	{is(resource.ErrInvalidFilter), issue.ArchiveInvalidId, "Check the LDAP filter syntax", ExitInvalid},
	{is(resource.ErrResolution), issue.ResolutionFailedId, "Add a repository that provides the missing capability", ExitResolution},
	{is(watch.ErrExhausted), issue.WatchLimitId, "Raise the inotify watch limit or disable the watcher", ExitFailure},
}

// actionable turns err into an ActionableError carrying the catalog entry for
// its kind, and returns the exit code for it. Errors that already are
// actionable pass through.
func actionable(operation, res string, err error) (*issue.ActionableError, int) {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		if ae.Issue == 0 && ae.Operation == "load configuration" {
			ae.Issue = issue.ConfigLoadFailedId
		}
		if ae.Issue == issue.ConfigLoadFailedId {
			return ae, ExitInvalid
		}
		return ae, ExitFailure
	}
	ctx := issue.NewErrorContext().
		WithOperation(operation).
		WithResource(res).
		Wrap(err)
	code := ExitFailure
	for _, c := range errorClasses {
		if c.match(err) {
			ctx.WithIssue(c.issue).WithSuggestion(c.suggestion)
			code = c.code
			break
		}
	}
	return ctx.Build(), code
}

// renderError prints err with its suggestions and, when err maps to a
// catalog entry, the rendered entry.
func renderError(stderr io.Writer, err *issue.ActionableError, verbose bool) {
	fmt.Fprintln(stderr, ErrorStyle.Render("Error: ")+err.Format(verbose))
	if err.Issue == 0 {
		return
	}
	entry := issue.Get(err.Issue)
	if entry == nil {
		return
	}
	rendered, rerr := entry.Render("dark")
	if rerr != nil {
		fmt.Fprintln(stderr, WarningStyle.Render("Warning: ")+"render issue: "+rerr.Error())
		return
	}
	fmt.Fprint(stderr, rendered)
}
