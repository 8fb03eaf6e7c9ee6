// SPDX-License-Identifier: MPL-2.0

// Package daemon runs the long-lived side of tessera: the prometheus
// endpoint and the repository watcher. A Daemon is single-use; once stopped
// or failed, create a new one.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tessera/tessera/internal/watch"
)

// DefaultShutdownTimeout bounds the graceful HTTP shutdown in Stop.
const DefaultShutdownTimeout = 5 * time.Second

type (
	// Config selects what a Daemon runs. A component left unset is skipped.
	Config struct {
		// MetricsAddress is the listen address of the HTTP endpoint.
		MetricsAddress string
		// Metrics serves /metrics.
		Metrics http.Handler
		// Watch configures the repository watcher.
		Watch *watch.Config
		Logger *log.Logger
	}

	// Daemon owns the HTTP endpoint and the watcher.
	Daemon struct {
		cfg    Config
		logger *log.Logger

		state   atomic.Int32
		stateMu sync.Mutex
		lastErr error

		cancel    context.CancelFunc
		wg        sync.WaitGroup
		startedCh chan struct{}
		errCh     chan error

		srv  *http.Server
		addr net.Addr
	}
)

// New creates a daemon in StateCreated.
func New(cfg Config) *Daemon {
	d := &Daemon{
		cfg:       cfg,
		logger:    cfg.Logger,
		startedCh: make(chan struct{}),
		errCh:     make(chan error, 2),
	}
	if d.logger == nil {
		d.logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "daemon"})
	}
	d.state.Store(int32(StateCreated))
	return d
}

// State returns the current state.
func (d *Daemon) State() State { return State(d.state.Load()) }

// Err receives the error of a component that broke while running.
func (d *Daemon) Err() <-chan error { return d.errCh }

// LastError returns the error that moved the daemon to StateFailed.
func (d *Daemon) LastError() error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.lastErr
}

// Addr returns the bound metrics address, or "" when no endpoint runs.
func (d *Daemon) Addr() string {
	if d.addr == nil {
		return ""
	}
	return d.addr.String()
}

// Start binds the metrics listener and starts the watcher. The components
// run until Stop; ctx only bounds startup.
func (d *Daemon) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return d.fail(fmt.Errorf("context cancelled before start: %w", ctx.Err()))
	default:
	}
	if !d.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		return fmt.Errorf("cannot start daemon in state %s", d.State())
	}
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	var ln net.Listener
	if d.cfg.Metrics != nil {
		var lc net.ListenConfig
		var err error
		if ln, err = lc.Listen(ctx, "tcp", d.cfg.MetricsAddress); err != nil {
			return d.fail(fmt.Errorf("metrics listener: %w", err))
		}
		d.addr = ln.Addr()
	}

	var w *watch.Watcher
	if d.cfg.Watch != nil {
		var err error
		if w, err = watch.New(*d.cfg.Watch); err != nil {
			if ln != nil {
				_ = ln.Close()
			}
			return d.fail(err)
		}
	}

	if ln != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.cfg.Metrics)
		mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
			if d.State() != StateRunning {
				rw.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			rw.WriteHeader(http.StatusOK)
		})
		d.srv = &http.Server{Handler: mux, ReadHeaderTimeout: DefaultShutdownTimeout}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.send(fmt.Errorf("metrics server: %w", err))
			}
		}()
		d.logger.Info("serving metrics", "address", d.Addr())
	}

	if w != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := w.Run(runCtx); err != nil {
				d.send(err)
			}
		}()
		d.logger.Info("watching repositories", "roots", len(w.Roots()))
	}

	if d.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		close(d.startedCh)
	}
	return nil
}

// WaitForReady blocks until the daemon runs or ctx is done.
func (d *Daemon) WaitForReady(ctx context.Context) error {
	select {
	case <-d.startedCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for daemon: %w", ctx.Err())
	}
}

// Stop shuts every component down and waits for them. Stopping twice, or
// stopping a daemon that never started, is a no-op.
func (d *Daemon) Stop(ctx context.Context) error {
	for {
		cur := d.State()
		switch cur {
		case StateStopped, StateFailed, StateStopping:
			return nil
		case StateCreated:
			if d.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
				return nil
			}
			continue
		}
		if d.state.CompareAndSwap(int32(cur), int32(StateStopping)) {
			break
		}
	}

	d.cancel()
	var err error
	if d.srv != nil {
		sctx, cancel := context.WithTimeout(ctx, DefaultShutdownTimeout)
		defer cancel()
		err = d.srv.Shutdown(sctx)
	}
	d.wg.Wait()
	d.state.Store(int32(StateStopped))
	return err
}

func (d *Daemon) fail(err error) error {
	d.stateMu.Lock()
	d.lastErr = err
	d.stateMu.Unlock()
	d.state.Store(int32(StateFailed))
	if d.cancel != nil {
		d.cancel()
	}
	return err
}

func (d *Daemon) send(err error) {
	select {
	case d.errCh <- err:
	default:
	}
}
