// Package fswatch is the filesystem boundary producer. It watches a directory
// tree, debounces bursts of writes (editors often emit several events for a
// single save) and posts one FilesChanged event per quiet period.
package fswatch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	coreerrors "github.com/Iron-Ham/panecore/internal/errors"
	"github.com/Iron-Ham/panecore/internal/event"
	"github.com/Iron-Ham/panecore/internal/logging"
	"github.com/Iron-Ham/panecore/internal/producer"
)

// DefaultDebounce is the quiet period that ends a batch.
const DefaultDebounce = 50 * time.Millisecond

// DefaultIgnore lists patterns skipped unless overridden.
var DefaultIgnore = []string{".git", "node_modules", ".DS_Store", "*.swp", "*~"}

// Locator maps an absolute path to the ids of entities whose working
// directory contains it.
type Locator func(path string) []string

// Config describes one watched tree.
type Config struct {
	Root     string
	Debounce time.Duration
	// Ignore holds glob patterns matched against the slash-separated path
	// relative to Root and against each of its components.
	Ignore []string
}

// Watcher is a producer for one root directory.
type Watcher struct {
	root     string
	debounce time.Duration
	ignore   []glob.Glob
	locator  Locator
	logger   *logging.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLocator enriches batches with the entities affected by them.
func WithLocator(l Locator) Option {
	return func(w *Watcher) { w.locator = l }
}

// WithLogger sets the watcher's logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// New validates cfg and creates a Watcher.
func New(cfg Config, opts ...Option) (*Watcher, error) {
	if cfg.Root == "" {
		return nil, coreerrors.NewValidationError("watch root is required").WithField("root")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, coreerrors.Wrapf(err, "failed to resolve watch root %s", cfg.Root)
	}

	patterns := cfg.Ignore
	if patterns == nil {
		patterns = DefaultIgnore
	}
	ignore := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, coreerrors.NewValidationError("invalid ignore pattern").
				WithField("ignore").
				WithValue(pattern).
				WithCause(err)
		}
		ignore = append(ignore, g)
	}

	w := &Watcher{
		root:     filepath.Clean(root),
		debounce: cfg.Debounce,
		ignore:   ignore,
		logger:   logging.NopLogger(),
		ready:    make(chan struct{}),
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithComponent("fswatch").With("root", w.root)
	return w, nil
}

// Name identifies the producer.
func (w *Watcher) Name() string { return "fswatch:" + w.root }

// Source is the group source shared by everything under the root.
func (w *Watcher) Source() event.Source { return event.GroupSource("fs:" + w.root) }

// Root returns the absolute watched directory.
func (w *Watcher) Root() string { return w.root }

// Ready is closed once the first Run has installed its watches.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Ignored reports whether rel, a slash-separated path relative to the root,
// is filtered out.
func (w *Watcher) Ignored(rel string) bool {
	rel = filepath.ToSlash(rel)
	parts := strings.Split(rel, "/")
	for _, g := range w.ignore {
		if g.Match(rel) {
			return true
		}
		for _, part := range parts {
			if g.Match(part) {
				return true
			}
		}
	}
	return false
}

// Run watches until ctx is done. A pending batch is dropped on cancellation.
func (w *Watcher) Run(ctx context.Context, em *event.Emitter) error {
	info, err := os.Stat(w.root)
	if err != nil {
		return producer.Permanent(coreerrors.Wrapf(err, "cannot watch %s", w.root))
	}
	if !info.IsDir() {
		return producer.Permanent(coreerrors.NewValidationError("watch root is not a directory").WithValue(w.root))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return coreerrors.Wrap(err, "failed to create fsnotify watcher")
	}
	defer func() { _ = watcher.Close() }()

	if err := w.watchTree(watcher, w.root); err != nil {
		return err
	}
	w.readyOnce.Do(func() { close(w.ready) })
	w.logger.Debug("watching")

	debounceTimer := time.NewTimer(time.Hour)
	debounceTimer.Stop()
	defer debounceTimer.Stop()

	pending := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return coreerrors.New("fsnotify event stream closed")
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			rel, ok := w.relative(ev.Name)
			if !ok || w.Ignored(rel) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := w.watchTree(watcher, ev.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err.Error())
					}
				}
			}
			pending[rel] = struct{}{}
			debounceTimer.Reset(w.debounce)

		case <-debounceTimer.C:
			if len(pending) == 0 {
				continue
			}
			batch := pending
			pending = make(map[string]struct{})
			if _, err := em.Emit(w.Batch(batch)); err != nil {
				return producer.Permanent(err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return coreerrors.New("fsnotify error stream closed")
			}
			// Overflow and similar errors lose events but keep the watch alive.
			w.logger.Warn("fsnotify error", "error", err.Error())
		}
	}
}

// Batch turns a set of relative paths into the payload posted for them.
// Paths and entities are sorted.
func (w *Watcher) Batch(paths map[string]struct{}) event.FilesChanged {
	out := event.FilesChanged{Root: w.root, Paths: make([]string, 0, len(paths))}
	entities := make(map[string]struct{})
	for rel := range paths {
		out.Paths = append(out.Paths, rel)
		if w.locator == nil {
			continue
		}
		for _, id := range w.locator(filepath.Join(w.root, filepath.FromSlash(rel))) {
			entities[id] = struct{}{}
		}
	}
	sort.Strings(out.Paths)
	for id := range entities {
		out.Entities = append(out.Entities, id)
	}
	sort.Strings(out.Entities)
	return out
}

func (w *Watcher) relative(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// watchTree adds dir and every non-ignored directory below it. fsnotify only
// watches single directories.
func (w *Watcher) watchTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := w.relative(path); ok && w.Ignored(rel) {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return coreerrors.Wrapf(err, "failed to watch %s", path)
		}
		return nil
	})
}

// ContainsPath reports whether dir is path or one of its ancestors. Locators
// use it to match entity working directories.
func ContainsPath(dir, path string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
