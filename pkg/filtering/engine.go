// Package filtering implements the mesh's verdict-oriented filtering engine.
//
// Filters run in descending priority order. The first blocking verdict ends
// evaluation and discards whatever metadata and transformations earlier
// filters accumulated; every other verdict falls through to the next filter.
package filtering

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/vexmesh/pkg/compiler"
	"github.com/polisai/vexmesh/pkg/domain"
	"github.com/polisai/vexmesh/pkg/metrics"
	"github.com/polisai/vexmesh/pkg/policy"
)

// FilterSource supplies the declarative filter set for reloads.
type FilterSource interface {
	LoadFilters(ctx context.Context) (filters []domain.Filter, revision string, err error)
}

// DefaultSampleRate is the keep probability of a Sample filter that does not
// set its own rate.
const DefaultSampleRate = 0.1

// Config holds the filtering engine settings.
type Config struct {
	Enabled bool
	// DefaultSampleRate applies to Sample filters without their own rate.
	DefaultSampleRate float64
	// CacheSize bounds the result cache; zero disables caching.
	CacheSize         int
	HotReloadInterval time.Duration
	StatsInterval     time.Duration
	// PatternMatchTarget is the soft latency budget per content pattern match.
	PatternMatchTarget time.Duration
}

// DefaultConfig returns the default filtering settings.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		DefaultSampleRate:  DefaultSampleRate,
		CacheSize:          10000,
		HotReloadInterval:  30 * time.Second,
		StatsInterval:      time.Second,
		PatternMatchTarget: 100 * time.Nanosecond,
	}
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSource sets the filter source.
func WithSource(src FilterSource) Option {
	return func(e *Engine) { e.source = src }
}

// WithCompiler replaces the default compiler.
func WithCompiler(c *compiler.Compiler) Option {
	return func(e *Engine) {
		if c != nil {
			e.compiler = c
		}
	}
}

// WithClock overrides the time source seen by conditions.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRandom overrides the source of sampling decisions. fn must return
// values in [0,1) and be safe for concurrent use.
func WithRandom(fn func() float64) Option {
	return func(e *Engine) {
		if fn != nil {
			e.random = fn
		}
	}
}

// Engine evaluates filters. FilterEvent is safe for concurrent use.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	source   FilterSource
	compiler *compiler.Compiler
	now      func() time.Time
	random   func() float64

	mu           sync.RWMutex
	filters      map[string]*compiler.CompiledFilter
	order        []string
	version      uint64
	lastRevision string

	set     atomic.Pointer[filterSet]
	cache   *lru.Cache[uint64, domain.FilterResult]
	enabled atomic.Bool

	stats counters

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// filterSet is the published set plus whether its results may be cached.
// Sets with sampling filters are never cached.
type filterSet struct {
	*compiler.FilterSet
	cacheable bool
}

// NewEngine returns a stopped engine with no filters.
func NewEngine(cfg Config, opts ...Option) *Engine {
	if cfg.DefaultSampleRate <= 0 || cfg.DefaultSampleRate > 1 {
		cfg.DefaultSampleRate = DefaultSampleRate
	}
	e := &Engine{
		cfg:      cfg,
		logger:   slog.Default(),
		compiler: compiler.New(compiler.WithPosture(policy.DefaultPostureSet(), policy.DomainFiltering)),
		now:      time.Now,
		random:   rand.Float64,
		filters:  make(map[string]*compiler.CompiledFilter),
	}
	for _, opt := range opts {
		opt(e)
	}
	if cfg.CacheSize > 0 {
		e.cache, _ = lru.New[uint64, domain.FilterResult](cfg.CacheSize)
	}
	e.enabled.Store(cfg.Enabled)
	e.set.Store(&filterSet{FilterSet: compiler.NewFilterSet(0, nil), cacheable: true})
	e.logger = e.logger.With("component", "filtering")
	return e
}

// SetEnabled toggles filtering. A disabled engine allows everything.
func (e *Engine) SetEnabled(enabled bool) { e.enabled.Store(enabled) }

// Enabled reports whether filtering is enabled.
func (e *Engine) Enabled() bool { return e.enabled.Load() }

// SampleRate returns the default keep probability for Sample filters.
func (e *Engine) SampleRate() float64 { return e.cfg.DefaultSampleRate }

// AddFilter compiles and installs a new filter.
func (e *Engine) AddFilter(filter domain.Filter) error {
	now := e.now()
	if filter.CreatedAt.IsZero() {
		filter.CreatedAt = now
	}
	filter.UpdatedAt = now

	compiled, err := e.compiler.CompileFilter(filter)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.filters[filter.ID]; exists {
		return domain.NewError(domain.ErrInvalidArgument, "add filter", "filter %q already exists", filter.ID)
	}
	e.filters[filter.ID] = compiled
	e.order = append(e.order, filter.ID)
	e.publishLocked()
	e.logger.Info("Filter added", "filter_id", filter.ID, "type", compiled.Filter.Type, "action", filter.Action.Kind)
	return nil
}

// UpdateFilter replaces an existing filter, keeping its counters and position.
func (e *Engine) UpdateFilter(filter domain.Filter) error {
	e.mu.RLock()
	prev, ok := e.filters[filter.ID]
	e.mu.RUnlock()
	if !ok {
		return domain.NewError(domain.ErrNotFound, "update filter", "filter %q not found", filter.ID)
	}

	filter.CreatedAt = prev.Filter.CreatedAt
	filter.UpdatedAt = e.now()
	compiled, err := e.compiler.CompileFilter(filter)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok := e.filters[filter.ID]
	if !ok {
		return domain.NewError(domain.ErrNotFound, "update filter", "filter %q not found", filter.ID)
	}
	compiled.ShareCounters(current)
	e.filters[filter.ID] = compiled
	e.publishLocked()
	e.logger.Info("Filter updated", "filter_id", filter.ID)
	return nil
}

// RemoveFilter deletes a filter. Unknown ids fail with a NotFound error.
func (e *Engine) RemoveFilter(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.filters[id]; !ok {
		return domain.NewError(domain.ErrNotFound, "remove filter", "filter %q not found", id)
	}
	delete(e.filters, id)
	for i, existing := range e.order {
		if existing == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.publishLocked()
	e.logger.Info("Filter removed", "filter_id", id)
	return nil
}

// GetFilter returns a filter with its live counters.
func (e *Engine) GetFilter(id string) (domain.Filter, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.filters[id]
	if !ok {
		return domain.Filter{}, domain.NewError(domain.ErrNotFound, "get filter", "filter %q not found", id)
	}
	return f.Snapshot(), nil
}

// ListFilters returns all filters in evaluation order.
func (e *Engine) ListFilters() []domain.Filter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	all := make([]*compiler.CompiledFilter, 0, len(e.order))
	for _, id := range e.order {
		all = append(all, e.filters[id])
	}
	sorted := compiler.NewFilterSet(0, all)
	out := make([]domain.Filter, 0, len(sorted.Filters))
	for _, f := range sorted.Filters {
		out = append(out, f.Snapshot())
	}
	return out
}

// FilterCount returns the number of installed filters.
func (e *Engine) FilterCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.filters)
}

// Version returns the version of the published filter set.
func (e *Engine) Version() uint64 { return e.set.Load().Version }

// ReloadConfiguration replaces every filter with the source's current set.
func (e *Engine) ReloadConfiguration(ctx context.Context) error {
	if e.source == nil {
		return domain.NewError(domain.ErrInvalidArgument, "reload filters", "no filter source configured")
	}
	start := time.Now()
	_, err := e.reload(ctx, true)
	e.stats.recordReload(e.now(), err)
	if err != nil {
		e.metrics.RecordConfigReload("filtering", "failure")
		e.logger.Error("Filter reload failed", "error", err, "duration", time.Since(start))
		return err
	}
	e.metrics.RecordConfigReload("filtering", "success")
	e.logger.Info("Filters reloaded", "filters", e.FilterCount(), "duration", time.Since(start))
	return nil
}

func (e *Engine) reload(ctx context.Context, force bool) (bool, error) {
	filters, revision, err := e.source.LoadFilters(ctx)
	if err != nil {
		return false, domain.WrapError(domain.ErrInternal, "load filters", err)
	}

	e.mu.RLock()
	unchanged := !force && revision != "" && revision == e.lastRevision
	e.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	set, err := e.compiler.CompileFilterSet(0, filters)
	if err != nil {
		return false, err
	}
	byID := make(map[string]*compiler.CompiledFilter, len(set.Filters))
	for _, f := range set.Filters {
		byID[f.Filter.ID] = f
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	next := make(map[string]*compiler.CompiledFilter, len(filters))
	order := make([]string, 0, len(filters))
	for _, f := range filters {
		compiled := byID[f.ID]
		compiled.ShareCounters(e.filters[f.ID])
		next[f.ID] = compiled
		order = append(order, f.ID)
	}
	e.filters = next
	e.order = order
	e.lastRevision = revision
	e.publishLocked()
	return true, nil
}

// publishLocked swaps in a new compiled set and purges the result cache.
// e.mu must be held for writing.
func (e *Engine) publishLocked() {
	e.version++
	enabled := make([]*compiler.CompiledFilter, 0, len(e.order))
	sampling := false
	for _, id := range e.order {
		f := e.filters[id]
		if !f.Filter.Enabled {
			continue
		}
		enabled = append(enabled, f)
		sampling = sampling || f.Filter.Action.Kind == domain.FilterSample
	}
	set := compiler.NewFilterSet(e.version, enabled)
	e.set.Store(&filterSet{FilterSet: set, cacheable: set.Cacheable && !sampling})
	if e.cache != nil {
		e.cache.Purge()
	}
}
