// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tessera/tessera/internal/config"
)

// newConfigCommand creates the `tessera config` command tree.
func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage tessera configuration",
		Long: `Manage tessera configuration.

Configuration is read from $XDG_CONFIG_HOME/tessera/config.cue (by default
~/.config/tessera/config.cue). Every value can be overridden with a
TESSERA_ environment variable, for example TESSERA_STATE_DIR or
TESSERA_METRICS_ADDRESS.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := config.LoadWithPath(cmd.Context(), config.LoadOptions{ConfigFilePath: app.configPath})
			if err != nil {
				return app.fail("load configuration", app.configPath, err)
			}
			renderConfig(app, cfg, path)
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.CreateDefaultConfig(app.configPath)
			if err != nil {
				return app.fail("create configuration", "", err)
			}
			fmt.Fprintln(app.stdout, SuccessStyle.Render("Configuration file: ")+path)
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.configPath != "" {
				fmt.Fprintln(app.stdout, app.configPath)
				return nil
			}
			path, err := config.DefaultPath()
			if err != nil {
				return app.fail("locate configuration", "", err)
			}
			fmt.Fprintln(app.stdout, path)
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Output the effective configuration as CUE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig(cmd.Context())
			if err != nil {
				return app.fail("load configuration", app.configPath, err)
			}
			fmt.Fprint(app.stdout, config.GenerateCUE(cfg))
			return nil
		},
	})

	return cfgCmd
}

func renderConfig(app *App, cfg *config.Config, path string) {
	w := app.stdout
	fmt.Fprintln(w, TitleStyle.Render("Configuration"))
	if path == "" {
		fmt.Fprintln(w, VerboseStyle.Render("(defaults, no config file found)"))
	} else {
		fmt.Fprintln(w, VerboseStyle.Render("from "+path))
	}
	fmt.Fprintln(w)

	field := func(name string, value any) {
		fmt.Fprintf(w, "%s %v\n", SubtitleStyle.Render(fmt.Sprintf("%-22s", name)), value)
	}
	field("state_dir", cfg.StateDir)
	field("store", cfg.Store)
	field("log_level", cfg.LogLevel)
	field("repository_cache_ttl", cfg.RepositoryCacheTTL)
	repos := make([]string, 0, len(cfg.Repositories))
	for _, r := range cfg.Repositories {
		repos = append(repos, r.String())
	}
	if len(repos) == 0 {
		field("repositories", VerboseStyle.Render("none"))
	} else {
		field("repositories", strings.Join(repos, ", "))
	}
	field("metrics.enabled", cfg.Metrics.Enabled)
	field("metrics.address", cfg.Metrics.Address)
	field("tracing.enabled", cfg.Tracing.Enabled)
	field("tracing.exporter", cfg.Tracing.Exporter)
	field("watch.enabled", cfg.Watch.Enabled)
	field("watch.debounce", cfg.Watch.Debounce)
}
