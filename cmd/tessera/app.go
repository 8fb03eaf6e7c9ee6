// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"

	"github.com/tessera/tessera/internal/config"
	"github.com/tessera/tessera/internal/repository"
	"github.com/tessera/tessera/internal/store"
	"github.com/tessera/tessera/internal/subsystem"
	"github.com/tessera/tessera/internal/telemetry"
	"github.com/tessera/tessera/internal/watch"
)

type (
	// App wires CLI services and shared dependencies. It is the composition
	// root for the CLI layer: every Cobra handler receives an App and opens
	// the engine through it.
	App struct {
		Config ConfigProvider
		stdout io.Writer
		stderr io.Writer

		// configPath and verbose are bound to the global flags.
		configPath string
		verbose    bool
	}

	// Dependencies defines the injection points for building an App. Nil
	// fields are replaced with production defaults by NewApp.
	Dependencies struct {
		Config ConfigProvider
		Stdout io.Writer
		Stderr io.Writer
	}

	// ConfigProvider loads configuration using explicit options.
	ConfigProvider interface {
		Load(ctx context.Context, opts config.LoadOptions) (*config.Config, error)
	}

	// session is one opened engine with everything it was built from.
	session struct {
		cfg     *config.Config
		engine  *subsystem.Engine
		metrics *telemetry.Metrics
		tracing *telemetry.Tracing
		targets []watch.Target
		logger  *log.Logger
	}
)

// NewApp builds an App, filling nil dependencies with production defaults.
func NewApp(deps Dependencies) *App {
	app := &App{
		Config: deps.Config,
		stdout: deps.Stdout,
		stderr: deps.Stderr,
	}
	if app.Config == nil {
		app.Config = config.NewProvider("")
	}
	if app.stdout == nil {
		app.stdout = os.Stdout
	}
	if app.stderr == nil {
		app.stderr = os.Stderr
	}
	return app
}

func (a *App) loadConfig(ctx context.Context) (*config.Config, error) {
	return a.Config.Load(ctx, config.LoadOptions{ConfigFilePath: a.configPath})
}

func (a *App) newLogger(cfg *config.Config) *log.Logger {
	level, err := log.ParseLevel(string(cfg.LogLevel))
	if err != nil {
		level = log.InfoLevel
	}
	if a.verbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(a.stderr, log.Options{
		Prefix: "tessera",
		Level:  level,
	})
}

// open loads configuration and brings up an engine on the configured store.
// The caller must close the session.
func (a *App) open(ctx context.Context) (*session, error) {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	logger := a.newLogger(cfg)

	if err := os.MkdirAll(cfg.StateDir.String(), 0o755); err != nil {
		return nil, fmt.Errorf("state directory %s: %w", cfg.StateDir, err)
	}
	st, err := store.Open(store.Kind(cfg.Store), cfg.StateDir.String())
	if err != nil {
		return nil, errors.Join(errStoreUnavailable, err)
	}

	tracing, err := telemetry.NewTracing(telemetry.TracingConfig{
		Enabled:  cfg.Tracing.Enabled,
		Exporter: string(cfg.Tracing.Exporter),
		Output:   a.stderr,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	metrics := telemetry.NewMetrics()

	engine := subsystem.New(
		subsystem.WithStore(st),
		subsystem.WithLogger(logger.WithPrefix("subsystem")),
		subsystem.WithObserver(metrics),
		subsystem.WithTracer(tracing.Tracer()),
	)
	s := &session{
		cfg:     cfg,
		engine:  engine,
		metrics: metrics,
		tracing: tracing,
		logger:  logger,
	}
	metrics.CountStates(s.countStates)

	for _, dir := range cfg.Repositories {
		repo, err := repository.NewFile(dir.String(), repository.WithFileLogger(logger.WithPrefix("repository")))
		if err != nil {
			_ = s.Close(ctx)
			return nil, err
		}
		cached := repository.NewCached(repo, cfg.RepositoryCacheTTL)
		if err := engine.RegisterRepository(repo.Name(), cached); err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("repository %s: %w", dir, err)
		}
		s.targets = append(s.targets, watch.Target{Repo: repo, Cache: cached})
	}

	if err := engine.Open(ctx); err != nil {
		_ = s.Close(ctx)
		return nil, fmt.Errorf("open engine: %w", err)
	}
	return s, nil
}

// Close flushes spans and releases the store.
func (s *session) Close(ctx context.Context) error {
	return errors.Join(s.tracing.Shutdown(ctx), s.engine.Close())
}

func (s *session) countStates() map[string]int {
	counts := make(map[string]int)
	for _, sub := range s.engine.Subsystems() {
		counts[sub.State().String()]++
	}
	return counts
}

// withSession opens the engine, runs fn and closes the engine again.
func (a *App) withSession(ctx context.Context, fn func(s *session) error) (err error) {
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(s)
}
