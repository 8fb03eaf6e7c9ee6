// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tessera/tessera/internal/daemon"
	"github.com/tessera/tessera/internal/watch"
)

func newServeCommand(app *App) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep the engine open, serve metrics and watch repositories",
		Long: `Open the engine, start every autostart subsystem and keep running until
interrupted. While running, tessera serves prometheus metrics and reloads
a repository whenever a module descriptor or index file under it changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.fail("serve", "", runServe(cmd.Context(), app, addr))
		},
	}
	cmd.Flags().StringVar(&addr, "metrics-address", "", "override the configured metrics listen address")
	return cmd
}

func runServe(ctx context.Context, app *App, addrOverride string) error {
	return app.withSession(ctx, func(s *session) error {
		cfg := daemon.Config{Logger: s.logger.WithPrefix("daemon")}
		if s.cfg.Metrics.Enabled {
			cfg.MetricsAddress = s.cfg.Metrics.Address
			if addrOverride != "" {
				cfg.MetricsAddress = addrOverride
			}
			cfg.Metrics = s.metrics.Handler()
		}
		if s.cfg.Watch.Enabled && len(s.targets) > 0 {
			roots := make([]string, 0, len(s.targets))
			for _, t := range s.targets {
				roots = append(roots, t.Repo.Dir())
			}
			cfg.Watch = &watch.Config{
				Roots:    roots,
				Debounce: s.cfg.Watch.Debounce,
				OnChange: watch.Reloader(s.targets...),
				Logger:   s.logger.WithPrefix("watch"),
			}
		}

		d := daemon.New(cfg)
		if err := d.Start(ctx); err != nil {
			return err
		}
		fmt.Fprintln(app.stdout, SuccessStyle.Render("tessera serving")+" "+
			VerboseStyle.Render(fmt.Sprintf("(%d subsystems)", len(s.engine.Subsystems()))))

		var err error
		select {
		case <-ctx.Done():
		case err = <-d.Err():
		}
		return errors.Join(err, d.Stop(context.WithoutCancel(ctx)))
	})
}
