// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"cmp"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/glamour"
)

const (
	ConfigLoadFailedId Id = iota + 1
	ArchiveInvalidId
	SubsystemNotFoundId
	ResolutionFailedId
	DependencyCycleId
	IllegalStateId
	IdentityConflictId
	PermissionDeniedId
	UnsupportedOperationId
	StoreUnavailableId
	WatchLimitId
)

type (
	// Id identifies a catalog entry.
	Id int

	// MarkdownMsg is the Markdown body of an issue.
	MarkdownMsg string

	// HttpLink points at further documentation.
	HttpLink string

	// Issue is a catalog entry with remediation guidance.
	Issue struct {
		id       Id
		mdMsg    MarkdownMsg
		docLinks []HttpLink
		extLinks []HttpLink
	}
)

func (i *Issue) Id() Id { return i.id }

func (i *Issue) MarkdownMsg() MarkdownMsg { return i.mdMsg }

func (i *Issue) DocLinks() []HttpLink { return slices.Clone(i.docLinks) }

func (i *Issue) ExtLinks() []HttpLink { return slices.Clone(i.extLinks) }

// Render renders the issue as terminal Markdown using the glamour style at
// stylePath (or a standard style name such as "dark" or "notty").
func (i *Issue) Render(stylePath string) (string, error) {
	var md strings.Builder
	md.WriteString(string(i.mdMsg))
	if len(i.docLinks) > 0 || len(i.extLinks) > 0 {
		md.WriteString("\n\n## See also\n")
		for _, link := range slices.Concat(i.docLinks, i.extLinks) {
			md.WriteString("- <" + string(link) + ">\n")
		}
	}
	return render(md.String(), stylePath)
}

var (
	render = glamour.Render

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Configuration could not be loaded

tessera reads ` + "`config.cue`" + ` from ` + "`$XDG_CONFIG_HOME/tessera`" + ` and validates it
against the ` + "`#Config`" + ` schema.

## Things you can try
- Print the effective configuration:
~~~
$ tessera config show
~~~
- Check for unknown fields; the schema is closed.
- Durations are strings such as ` + "`\"30s\"`" + ` or ` + "`\"2m\"`" + `.
- Unset ` + "`TESSERA_*`" + ` environment variables that override the file.`,
	}

	archiveInvalidIssue = &Issue{
		id: ArchiveInvalidId,
		mdMsg: `
# Subsystem archive is invalid

An archive is a directory with a ` + "`subsystem.cue`" + ` manifest and one
` + "`*.module.cue`" + ` descriptor per bundled module.

## Things you can try
- Make sure ` + "`symbolic_name`" + ` is set and ` + "`version`" + ` is a valid version.
- Every entry in ` + "`content`" + ` must name a bundled module, a child archive or a
  module available from a repository.
- ` + "`type`" + ` must be one of ` + "`application`" + `, ` + "`composite`" + ` or ` + "`feature`" + `.`,
	}

	subsystemNotFoundIssue = &Issue{
		id: SubsystemNotFoundId,
		mdMsg: `
# No such subsystem

## Things you can try
- List the installed subsystems and their ids:
~~~
$ tessera list
~~~
- The subsystem may have been uninstalled, or its install may have failed.`,
	}

	resolutionFailedIssue = &Issue{
		id: ResolutionFailedId,
		mdMsg: `
# Requirements could not be resolved

A mandatory requirement has no provider visible from the subsystem's region.

## Things you can try
- Check that a repository offers the missing capability:
~~~
$ tessera repo list
~~~
- Applications only import what their content needs from the parent region.
  Widen the import with:
~~~
$ tessera require <id> package "(package=example.api)"
~~~
- Capabilities inside another application are never visible; composites
  share only what they declare in ` + "`exports`" + `.`,
	}

	dependencyCycleIssue = &Issue{
		id: DependencyCycleId,
		mdMsg: `
# Subsystem cycle

The requested parent is already a descendant of the subsystem being
installed. Subsystem parent/child links must form a directed acyclic graph.

## Things you can try
- Install the subsystem under a different parent.
- Inspect the tree with ` + "`tessera show <id>`" + `.`,
	}

	illegalStateIssue = &Issue{
		id: IllegalStateId,
		mdMsg: `
# Operation not allowed in the current state

Uninstalled subsystems, and subsystems whose install failed, accept no
further lifecycle operations.

## Things you can try
- Check the state with ` + "`tessera show <id>`" + `.
- Install the archive again to get a fresh subsystem.`,
	}

	identityConflictIssue = &Issue{
		id: IdentityConflictId,
		mdMsg: `
# Identity conflict

A subsystem with the same symbolic name and version but a different type is
already installed in the target region.

## Things you can try
- Bump the archive version.
- Install into a different parent.`,
	}

	permissionDeniedIssue = &Issue{
		id: PermissionDeniedId,
		mdMsg: `
# Permission denied

The configured authorizer rejected the lifecycle operation. No state was
changed.`,
	}

	unsupportedOperationIssue = &Issue{
		id: UnsupportedOperationId,
		mdMsg: `
# Unsupported operation

The root subsystem cannot be stopped or uninstalled, and requirements can
only be added to scoped (application or composite) subsystems.`,
	}

	storeUnavailableIssue = &Issue{
		id: StoreUnavailableId,
		mdMsg: `
# State store unavailable

The persisted subsystem records could not be read or written.

## Things you can try
- Check permissions on the ` + "`state_dir`" + ` directory.
- For the ` + "`sqlite`" + ` store, make sure no other tessera process holds the
  database.
- Switch backends with ` + "`TESSERA_STORE=cue`" + ` or ` + "`TESSERA_STORE=sqlite`" + `.`,
	}

	watchLimitIssue = &Issue{
		id: WatchLimitId,
		mdMsg: `
# Repository watcher ran out of resources

The operating system refused to watch more directories or ran out of file
descriptors while ` + "`tessera serve`" + ` watched repository roots.

## Things you can try
- On Linux, raise ` + "`fs.inotify.max_user_watches`" + ` and
  ` + "`fs.inotify.max_user_instances`" + ` with sysctl.
- Serve fewer or smaller repository directories.
- Turn the watcher off with ` + "`watch: enabled: false`" + ` and reload by
  restarting ` + "`tessera serve`" + `.`,
	}

	issues = map[Id]*Issue{
		configLoadFailedIssue.Id():      configLoadFailedIssue,
		archiveInvalidIssue.Id():        archiveInvalidIssue,
		subsystemNotFoundIssue.Id():     subsystemNotFoundIssue,
		resolutionFailedIssue.Id():      resolutionFailedIssue,
		dependencyCycleIssue.Id():       dependencyCycleIssue,
		illegalStateIssue.Id():         illegalStateIssue,
		identityConflictIssue.Id():     identityConflictIssue,
		permissionDeniedIssue.Id():     permissionDeniedIssue,
		unsupportedOperationIssue.Id(): unsupportedOperationIssue,
		storeUnavailableIssue.Id():     storeUnavailableIssue,
		watchLimitIssue.Id():           watchLimitIssue,
	}
)

// Values returns every catalog entry ordered by id.
func Values() []*Issue {
	return slices.SortedFunc(maps.Values(issues), func(a, b *Issue) int { return cmp.Compare(a.id, b.id) })
}

// Get returns the entry for id, or nil.
func Get(id Id) *Issue {
	return issues[id]
}
