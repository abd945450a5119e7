package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/polisai/vexmesh/pkg/domain"
)

// FileRuleSource serves routing rules and filters from a rule file. It
// satisfies both routing.RuleSource and filtering.FilterSource. The revision
// is a content hash, so an unchanged file never triggers a recompile.
type FileRuleSource struct {
	path string

	mu       sync.Mutex
	revision string
	rules    []domain.RoutingRule
	filters  []domain.Filter
}

// NewFileRuleSource creates a source reading path on every load.
func NewFileRuleSource(path string) *FileRuleSource {
	return &FileRuleSource{path: path}
}

// Path returns the watched rule file.
func (s *FileRuleSource) Path() string { return s.path }

// LoadRules implements routing.RuleSource.
func (s *FileRuleSource) LoadRules(ctx context.Context) ([]domain.RoutingRule, string, error) {
	if err := s.refresh(ctx); err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules, s.revision, nil
}

// LoadFilters implements filtering.FilterSource.
func (s *FileRuleSource) LoadFilters(ctx context.Context) ([]domain.Filter, string, error) {
	if err := s.refresh(ctx); err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters, s.revision, nil
}

func (s *FileRuleSource) refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	//nolint:gosec // rule file path is controlled by the operator
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read rule file %s: %w", s.path, err)
	}
	revision := strconv.FormatUint(xxhash.Sum64(data), 16)

	s.mu.Lock()
	defer s.mu.Unlock()
	if revision == s.revision {
		return nil
	}
	rf, err := ParseRuleFile(data)
	if err != nil {
		return fmt.Errorf("failed to parse rule file %s: %w", s.path, err)
	}
	rules, filters, err := rf.ToDomain()
	if err != nil {
		return fmt.Errorf("invalid rule file %s: %w", s.path, err)
	}
	s.rules, s.filters, s.revision = rules, filters, revision
	return nil
}

// Watcher watches files for changes and invokes a reload callback once the
// writes settle. Directories are watched rather than files so editors that
// replace a file by rename are still seen.
type Watcher struct {
	paths    map[string]struct{}
	watcher  *fsnotify.Watcher
	onChange func(path string) error
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long writes must be quiet before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher creates a watcher for paths. Empty paths are ignored.
func NewWatcher(paths []string, onChange func(path string) error, opts ...WatcherOption) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("watcher requires a reload callback")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w := &Watcher{
		paths:    make(map[string]struct{}),
		watcher:  fw,
		onChange: onChange,
		logger:   slog.Default(),
		debounce: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		w.paths[abs] = struct{}{}
	}
	return w, nil
}

// Start begins watching. It is a no-op when already running.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	dirs := make(map[string]struct{})
	for p := range w.paths {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	w.running = true
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	w.logger.Info("Config watcher started", "paths", w.Paths())

	go w.watchLoop(ctx)
	return nil
}

// Stop stops the watcher, waits for the loop to exit and releases the
// underlying notifier. A stopped watcher cannot be restarted.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	close(w.stopCh)
	done := w.done
	w.mu.Unlock()

	<-done
	return w.watcher.Close()
}

// IsRunning reports whether the watcher loop is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Paths returns the watched files in sorted order.
func (w *Watcher) Paths() []string {
	out := make([]string, 0, len(w.paths))
	for p := range w.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.done)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	pending := make(map[string]struct{})

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			path, watched := w.match(event)
			if !watched {
				continue
			}
			w.logger.Debug("Config file event detected", "event", event.Op.String(), "file", event.Name)
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			pending[path] = struct{}{}
			timer.Reset(w.debounce)

		case <-timer.C:
			for path := range pending {
				w.trigger(path)
				delete(pending, path)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-w.stopCh:
			w.logger.Info("Config watcher stopped")
			return

		case <-ctx.Done():
			w.logger.Info("Config watcher context cancelled")
			return
		}
	}
}

func (w *Watcher) match(event fsnotify.Event) (string, bool) {
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return "", false
	}
	_, ok := w.paths[abs]
	return abs, ok
}

func (w *Watcher) trigger(path string) {
	w.logger.Info("Config file changed, triggering reload", "path", path)
	start := time.Now()
	if err := w.onChange(path); err != nil {
		w.logger.Error("Config reload failed", "path", path, "error", err, "duration", time.Since(start))
		return
	}
	w.logger.Info("Config reload completed", "path", path, "duration", time.Since(start))
}
