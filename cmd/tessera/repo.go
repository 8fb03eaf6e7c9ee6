// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/tessera/tessera/internal/repository"
)

func newRepoCommand(app *App) *cobra.Command {
	repoCmd := &cobra.Command{
		Use:   "repo",
		Short: "Inspect configured repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var entries bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List configured repositories and what they serve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig(cmd.Context())
			if err != nil {
				return app.fail("load configuration", app.configPath, err)
			}
			if len(cfg.Repositories) == 0 {
				fmt.Fprintln(app.stdout, VerboseStyle.Render("no repositories configured"))
				return nil
			}
			logger := app.newLogger(cfg).WithPrefix("repository")
			t := table.New().
				Border(lipgloss.RoundedBorder()).
				BorderStyle(SubtitleStyle).
				Headers("NAME", "MODULES", "DIRECTORY").
				StyleFunc(func(row, _ int) lipgloss.Style {
					if row == table.HeaderRow {
						return tableHeaderStyle
					}
					return tableCellStyle
				})
			var repos []*repository.File
			for _, dir := range cfg.Repositories {
				repo, err := repository.NewFile(dir.String(), repository.WithFileLogger(logger))
				if err != nil {
					return app.fail("open repository", dir.String(), err)
				}
				repos = append(repos, repo)
				t.Row(repo.Name(), strconv.Itoa(len(repo.Entries())), repo.Dir())
			}
			fmt.Fprintln(app.stdout, t.String())
			if entries {
				for _, repo := range repos {
					fmt.Fprintln(app.stdout, TitleStyle.Render(repo.Name()))
					for _, e := range repo.Entries() {
						fmt.Fprintf(app.stdout, "  %s %s\n", e.Identity(), VerboseStyle.Render(string(e.Location())))
					}
				}
			}
			return nil
		},
	}
	list.Flags().BoolVar(&entries, "entries", false, "also list every module each repository serves")
	repoCmd.AddCommand(list)
	return repoCmd
}
