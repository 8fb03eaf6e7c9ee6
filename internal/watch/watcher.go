// SPDX-License-Identifier: MPL-2.0

// Package watch reloads file repositories when their directories change.
//
// A Watcher monitors one or more repository roots. Events under a root are
// debounced and coalesced, then OnChange fires once per root with the set of
// changed paths relative to that root.
package watch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// defaultIgnores are never watched.
var defaultIgnores = []string{
	"**/.git/**",
	"**/*.swp",
	"**/*.swo",
	"**/*~",
	"**/.DS_Store",
	"**/*.tmp",
}

// DefaultPatterns select module descriptors and repository index files.
var DefaultPatterns = []string{
	"**/*.module.cue",
	"repository.toml",
	"repository.yaml",
}

var (
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("watch: Run called more than once")
	// ErrExhausted is returned by Run when the OS runs out of watch
	// resources; the watcher cannot recover on its own.
	ErrExhausted = errors.New("watch: watch resources exhausted")
)

type (
	// Config holds the parameters for a Watcher.
	Config struct {
		// Roots are the directories to watch, recursively.
		Roots []string
		// Patterns are doublestar globs relative to a root. Empty means
		// DefaultPatterns.
		Patterns []string
		// Ignore is merged with the built-in ignores.
		Ignore []string
		// Debounce is the quiet period before OnChange fires.
		Debounce time.Duration
		// OnChange receives the root and its changed paths. Calls for the
		// same root never overlap.
		OnChange func(ctx context.Context, root string, changed []string) error
		Logger   *log.Logger
	}

	// Watcher monitors repository roots. Run must be called exactly once.
	Watcher struct {
		cfg      Config
		fsw      *fsnotify.Watcher
		roots    []string
		patterns []string
		ignores  []string
		debounce time.Duration
		logger   *log.Logger
		started  atomic.Bool
	}

	// rootState debounces one root.
	rootState struct {
		mu      sync.Mutex
		pending map[string]struct{}
		timer   *time.Timer
		running atomic.Bool
	}
)

// New validates cfg and registers every non-ignored directory under each root.
func New(cfg Config) (*Watcher, error) {
	if len(cfg.Roots) == 0 {
		return nil, errors.New("watch: no roots")
	}
	patterns := cfg.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	if err := validatePatterns(patterns, "watch"); err != nil {
		return nil, err
	}
	if err := validatePatterns(cfg.Ignore, "ignore"); err != nil {
		return nil, err
	}
	roots := make([]string, 0, len(cfg.Roots))
	for _, r := range cfg.Roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("watch: resolve root %q: %w", r, err)
		}
		roots = append(roots, abs)
	}
	// Longest first so nested roots claim their own events.
	slices.SortFunc(roots, func(a, b string) int { return cmp.Compare(len(b), len(a)) })

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "watch"})
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		cfg:      cfg,
		fsw:      fsw,
		roots:    roots,
		patterns: patterns,
		ignores:  slices.Concat(defaultIgnores, cfg.Ignore),
		debounce: debounce,
		logger:   logger,
	}
	for _, root := range roots {
		if err := w.addDirectories(root); err != nil {
			if closeErr := fsw.Close(); closeErr != nil {
				logger.Warn("close after init failure", "err", closeErr)
			}
			return nil, err
		}
	}
	return w, nil
}

// Roots returns the absolute watched roots.
func (w *Watcher) Roots() []string { return slices.Clone(w.roots) }

// Run processes events until ctx is cancelled. It returns nil on
// cancellation and an error when the watcher breaks.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	states := make(map[string]*rootState, len(w.roots))
	for _, r := range w.roots {
		states[r] = &rootState{pending: make(map[string]struct{})}
	}
	defer func() {
		for _, st := range states {
			st.mu.Lock()
			if st.timer != nil {
				st.timer.Stop()
			}
			st.mu.Unlock()
		}
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn("close fsnotify", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: fsnotify event channel closed unexpectedly")
			}
			root, rel, ok := w.locate(evt.Name)
			if !ok || w.isIgnored(rel) {
				continue
			}
			if evt.Has(fsnotify.Create) {
				w.maybeAddDir(root, evt.Name)
			}
			if !w.matchesPatterns(rel) {
				continue
			}
			st := states[root]
			st.mu.Lock()
			st.pending[rel] = struct{}{}
			if st.timer == nil {
				st.timer = time.AfterFunc(w.debounce, func() { w.fire(ctx, root, st) })
			} else {
				st.timer.Reset(w.debounce)
			}
			st.mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: fsnotify error channel closed unexpectedly")
			}
			if exhausted(err) {
				return fmt.Errorf("%w: %w", ErrExhausted, err)
			}
			w.logger.Warn("fsnotify error", "err", err)
		}
	}
}

// exhausted reports whether err is one of the platform's resource limit
// errnos.
func exhausted(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && slices.Contains(exhaustionErrnos, errno)
}

// fire drains the pending set of one root. A busy root reschedules itself
// so no change is lost.
func (w *Watcher) fire(ctx context.Context, root string, st *rootState) {
	if ctx.Err() != nil {
		return
	}
	if !st.running.CompareAndSwap(false, true) {
		st.mu.Lock()
		st.timer.Reset(w.debounce)
		st.mu.Unlock()
		return
	}
	defer st.running.Store(false)

	st.mu.Lock()
	if len(st.pending) == 0 {
		st.mu.Unlock()
		return
	}
	changed := slices.Sorted(maps.Keys(st.pending))
	clear(st.pending)
	st.mu.Unlock()

	w.logger.Debug("repository changed", "root", root, "paths", len(changed))
	if w.cfg.OnChange == nil {
		return
	}
	if err := w.cfg.OnChange(ctx, root, changed); err != nil {
		w.logger.Error("reload failed", "root", root, "err", err)
	}
}

// locate maps an event path to its root and the slash-separated relative path.
func (w *Watcher) locate(path string) (root, rel string, ok bool) {
	for _, r := range w.roots {
		if path != r && !strings.HasPrefix(path, r+string(filepath.Separator)) {
			continue
		}
		rel, err := filepath.Rel(r, path)
		if err != nil {
			return "", "", false
		}
		return r, filepath.ToSlash(rel), true
	}
	return "", "", false
}

func (w *Watcher) addDirectories(root string) error {
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			w.logger.Warn("skipping inaccessible path", "path", path, "err", walkErr)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil //nolint:nilerr // unreachable for paths under root
		}
		if rel = filepath.ToSlash(rel); rel != "." && (w.isIgnored(rel) || w.isIgnored(rel+"/")) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch: add directory %q: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch: walk %s: %w", root, err)
	}
	return nil
}

func (w *Watcher) maybeAddDir(root, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.addDirectories(root); err != nil {
		w.logger.Warn("add new directory", "path", path, "err", err)
	}
}

func (w *Watcher) isIgnored(rel string) bool {
	for _, pat := range w.ignores {
		if matched, err := doublestar.Match(pat, rel); err == nil && matched {
			return true
		}
	}
	return false
}

func (w *Watcher) matchesPatterns(rel string) bool {
	for _, pat := range w.patterns {
		if matched, err := doublestar.Match(pat, rel); err == nil && matched {
			return true
		}
	}
	return false
}

func validatePatterns(patterns []string, label string) error {
	for _, pat := range patterns {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("watch: invalid %s pattern %q: %w", label, pat, doublestar.ErrBadPattern)
		}
	}
	return nil
}
