// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tessera/tessera/internal/subsystem"
	"github.com/tessera/tessera/pkg/manifest"
	"github.com/tessera/tessera/pkg/resource"
)

// installOptions are the flags of tessera install.
type installOptions struct {
	parent   uint64
	location string
	start    bool
}

func newInstallCommand(app *App) *cobra.Command {
	var opts installOptions
	cmd := &cobra.Command{
		Use:   "install <archive-dir>",
		Short: "Install a subsystem archive",
		Long: `Install the subsystem archive in the given directory as a child of the
parent subsystem (the root by default).

The location defaults to file: followed by the absolute archive path.
Installing the same location again returns the existing subsystem.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.fail("install subsystem", args[0], runInstall(cmd.Context(), app, args[0], opts))
		},
	}
	cmd.Flags().Uint64Var(&opts.parent, "parent", 0, "id of the parent subsystem")
	cmd.Flags().StringVar(&opts.location, "location", "", "location to install under (default file:<abs archive path>)")
	cmd.Flags().BoolVar(&opts.start, "start", false, "start the subsystem after installing it")
	return cmd
}

func runInstall(ctx context.Context, app *App, dir string, opts installOptions) error {
	a, err := manifest.LoadArchive(dir)
	if err != nil {
		return err
	}
	loc := opts.location
	if loc == "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		loc = "file:" + filepath.ToSlash(abs)
	}
	return app.withSession(ctx, func(s *session) error {
		parent, err := s.engine.Subsystem(opts.parent)
		if err != nil {
			return err
		}
		sub, err := s.engine.Install(ctx, parent, resource.Location(loc), a)
		if err != nil {
			return err
		}
		if opts.start {
			if err := s.engine.Start(ctx, sub); err != nil {
				return err
			}
		}
		fmt.Fprintf(app.stdout, "%s %s %s\n",
			SuccessStyle.Render("installed"),
			CmdStyle.Render(strconv.FormatUint(sub.ID(), 10)),
			describe(sub))
		return nil
	})
}

// lifecycleOp is a lifecycle operation applied to one subsystem by id.
type lifecycleOp struct {
	use, short, long, verb, done string
	run                          func(e *subsystem.Engine, ctx context.Context, s *subsystem.Subsystem) error
}

func (op lifecycleOp) command(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   op.use + " <id>",
		Short: op.short,
		Long:  op.long,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			err := app.withSession(ctx, func(s *session) error {
				sub, err := lookup(s, args[0])
				if err != nil {
					return err
				}
				if err := op.run(s.engine, ctx, sub); err != nil {
					return err
				}
				fmt.Fprintf(app.stdout, "%s %s %s\n",
					SuccessStyle.Render(op.done),
					CmdStyle.Render(args[0]),
					stateBadge(sub.State()))
				return nil
			})
			return app.fail(op.verb, "subsystem "+args[0], err)
		},
	}
}

func newStartCommand(app *App) *cobra.Command {
	return lifecycleOp{
		use:   "start",
		short: "Start a subsystem",
		long: `Resolve and start a subsystem together with its content, its
provisioned dependencies and its children. A started subsystem is started
again automatically the next time the engine opens.`,
		verb: "start subsystem",
		done: "started",
		run:  (*subsystem.Engine).Start,
	}.command(app)
}

func newStopCommand(app *App) *cobra.Command {
	return lifecycleOp{
		use:   "stop",
		short: "Stop a subsystem",
		long: `Stop a subsystem and its children in the reverse of the order they were
started. Dependencies shared with other running subsystems keep running.`,
		verb: "stop subsystem",
		done: "stopped",
		run:  (*subsystem.Engine).Stop,
	}.command(app)
}

func newUninstallCommand(app *App) *cobra.Command {
	return lifecycleOp{
		use:   "uninstall",
		short: "Uninstall a subsystem",
		long: `Uninstall a subsystem. Children and dependencies that no other
subsystem still references are uninstalled with it.`,
		verb: "uninstall subsystem",
		done: "uninstalled",
		run:  (*subsystem.Engine).Uninstall,
	}.command(app)
}

func newRequireCommand(app *App) *cobra.Command {
	var optional bool
	cmd := &cobra.Command{
		Use:   "require <id> <namespace> <filter>",
		Short: "Add an import requirement to a scoped subsystem",
		Long: `Widen what an application or composite imports from the region it was
installed into. The filter is an LDAP filter such as (package=foo).`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			decl := manifest.RequirementDecl{
				Namespace: resource.Namespace(args[1]),
				Filter:    args[2],
				Optional:  optional,
			}
			err := app.withSession(ctx, func(s *session) error {
				sub, err := lookup(s, args[0])
				if err != nil {
					return err
				}
				if err := s.engine.AddRequirements(ctx, sub, []manifest.RequirementDecl{decl}); err != nil {
					return err
				}
				fmt.Fprintf(app.stdout, "%s %s %s %s\n",
					SuccessStyle.Render("required"),
					CmdStyle.Render(args[0]),
					args[1], args[2])
				return nil
			})
			return app.fail("add requirement", "subsystem "+args[0], err)
		},
	}
	cmd.Flags().BoolVar(&optional, "optional", false, "mark the requirement optional")
	return cmd
}

// describe renders name, version and type of a subsystem.
func describe(s *subsystem.Subsystem) string {
	return fmt.Sprintf("%s %s (%s)", s.SymbolicName(), s.Version(), s.Type())
}
