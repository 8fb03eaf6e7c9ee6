// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/tessera/tessera/internal/module"
	"github.com/tessera/tessera/internal/subsystem"
	"github.com/tessera/tessera/pkg/resource"
)

func newListCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed subsystems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := app.withSession(cmd.Context(), func(s *session) error {
				renderList(app.stdout, s.engine.Subsystems())
				return nil
			})
			return app.fail("list subsystems", "", err)
		},
	}
}

func renderList(w io.Writer, subs []*subsystem.Subsystem) {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(SubtitleStyle).
		Headers("ID", "NAME", "VERSION", "TYPE", "STATE", "REGION", "LOCATION").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			return tableCellStyle
		})
	for _, s := range subs {
		t.Row(
			strconv.FormatUint(s.ID(), 10),
			s.SymbolicName(),
			s.Version().String(),
			s.Type().String(),
			stateBadge(s.State()),
			string(s.Region()),
			string(s.Location()),
		)
	}
	fmt.Fprintln(w, t.String())
}

func newShowCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one subsystem in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := app.withSession(cmd.Context(), func(s *session) error {
				sub, err := lookup(s, args[0])
				if err != nil {
					return err
				}
				renderShow(app.stdout, s.engine, sub)
				return nil
			})
			return app.fail("show subsystem", "subsystem "+args[0], err)
		},
	}
}

func renderShow(w io.Writer, e *subsystem.Engine, s *subsystem.Subsystem) {
	field := func(name, value string) {
		fmt.Fprintf(w, "%s %s\n", SubtitleStyle.Render(fmt.Sprintf("%-14s", name)), value)
	}
	fmt.Fprintln(w, TitleStyle.Render(describe(s)))
	field("id", CmdStyle.Render(strconv.FormatUint(s.ID(), 10)))
	field("location", string(s.Location()))
	field("state", stateBadge(s.State()))
	field("region", string(s.Region()))
	field("autostart", strconv.FormatBool(s.Autostart()))
	if s.DependenciesPending() {
		field("dependencies", WarningStyle.Render("pending until start"))
	}
	field("parents", idList(e.Parents(s)))
	field("children", idList(e.Children(s)))

	if cons := e.Constituents(s); len(cons) > 0 {
		fmt.Fprintln(w, SubtitleStyle.Render("constituents"))
		for _, r := range cons {
			fmt.Fprintf(w, "  %s\n", resourceLine(r))
		}
	}
	if refs := e.References(s); len(refs) > 0 {
		fmt.Fprintln(w, SubtitleStyle.Render("references"))
		for _, r := range refs {
			marker := ""
			if s.IsContent(r) {
				marker = VerboseStyle.Render(" (content)")
			}
			fmt.Fprintf(w, "  %s%s\n", resourceLine(r), marker)
		}
	}
	if s.IsScoped() && !s.IsRoot() {
		fmt.Fprintln(w, SubtitleStyle.Render("imports"))
		for _, edge := range e.Regions().Edges(s.Region()) {
			if edge.Tail != s.Region() {
				continue
			}
			fmt.Fprintf(w, "  %s %s %s\n", edge.Head, VerboseStyle.Render("<-"), edge.Policy)
		}
	}
}

func idList(subs []*subsystem.Subsystem) string {
	if len(subs) == 0 {
		return VerboseStyle.Render("none")
	}
	ids := make([]uint64, 0, len(subs))
	for _, s := range subs {
		ids = append(ids, s.ID())
	}
	slices.Sort(ids)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatUint(id, 10)
	}
	return strings.Join(out, ", ")
}

func resourceLine(r resource.Resource) string {
	switch v := r.(type) {
	case *module.Module:
		return fmt.Sprintf("%s %s", v, stateText(v.State().String()))
	case *subsystem.Subsystem:
		return fmt.Sprintf("subsystem %d %s %s", v.ID(), describe(v), stateBadge(v.State()))
	default:
		return fmt.Sprintf("%v", r)
	}
}

func stateText(s string) string {
	return VerboseStyle.Render("[" + s + "]")
}
