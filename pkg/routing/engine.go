// Package routing implements the mesh's fan-out routing engine: every enabled
// rule that matches an event contributes to one RoutingDecision.
package routing

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/vexmesh/pkg/compiler"
	"github.com/polisai/vexmesh/pkg/domain"
	"github.com/polisai/vexmesh/pkg/metrics"
)

// RuleSource supplies the declarative rule set for reloads. The revision is
// opaque; an unchanged revision lets the hot-reload poll skip recompilation.
type RuleSource interface {
	LoadRules(ctx context.Context) (rules []domain.RoutingRule, revision string, err error)
}

// Config holds the routing engine settings.
type Config struct {
	Enabled bool
	// CacheSize bounds the decision cache; zero disables caching.
	CacheSize int
	// HotReloadInterval is how often Start's poll re-reads the rule source.
	// Zero disables polling.
	HotReloadInterval time.Duration
	// StatsInterval is how often throughput is aggregated.
	StatsInterval time.Duration
	// PatternMatchTarget is the soft latency budget per content pattern match.
	PatternMatchTarget time.Duration
	// CacheHitTarget is the soft latency budget for a cached decision.
	CacheHitTarget time.Duration
}

// DefaultConfig returns the default routing settings.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		CacheSize:          10000,
		HotReloadInterval:  30 * time.Second,
		StatsInterval:      time.Second,
		PatternMatchTarget: 100 * time.Nanosecond,
		CacheHitTarget:     50 * time.Nanosecond,
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

// WithSource sets the rule source used by ReloadConfiguration and the poll.
func WithSource(src RuleSource) Option {
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

// WithClock overrides the time source seen by temporal, frequency and
// rate-limit conditions.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine evaluates routing rules. Route is safe for concurrent use; rule
// mutations serialise on an internal lock and publish a new compiled set.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	source   RuleSource
	compiler *compiler.Compiler
	now      func() time.Time

	mu           sync.RWMutex
	rules        map[string]*compiler.CompiledRule
	order        []string
	version      uint64
	lastRevision string

	set     atomic.Pointer[compiler.RuleSet]
	cache   *lru.Cache[uint64, domain.RoutingDecision]
	enabled atomic.Bool

	stats counters

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewEngine returns a stopped engine with an empty rule set.
func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		logger:   slog.Default(),
		compiler: compiler.New(),
		now:      time.Now,
		rules:    make(map[string]*compiler.CompiledRule),
	}
	for _, opt := range opts {
		opt(e)
	}
	if cfg.CacheSize > 0 {
		// lru.New only fails on a non-positive size.
		e.cache, _ = lru.New[uint64, domain.RoutingDecision](cfg.CacheSize)
	}
	e.enabled.Store(cfg.Enabled)
	e.set.Store(compiler.NewRuleSet(0, nil))
	e.logger = e.logger.With("component", "routing")
	return e
}

// SetEnabled toggles routing. A disabled engine returns no-op decisions.
func (e *Engine) SetEnabled(enabled bool) {
	e.enabled.Store(enabled)
}

// Enabled reports whether routing is enabled.
func (e *Engine) Enabled() bool { return e.enabled.Load() }

// AddRule compiles and installs a new rule.
func (e *Engine) AddRule(rule domain.RoutingRule) error {
	now := e.now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	compiled, err := e.compiler.CompileRule(rule)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[rule.ID]; exists {
		return domain.NewError(domain.ErrInvalidArgument, "add rule", "rule %q already exists", rule.ID)
	}
	e.rules[rule.ID] = compiled
	e.order = append(e.order, rule.ID)
	e.publishLocked()
	e.logger.Info("Routing rule added", "rule_id", rule.ID, "priority", rule.Priority)
	return nil
}

// UpdateRule replaces an existing rule, keeping its counters and position.
func (e *Engine) UpdateRule(rule domain.RoutingRule) error {
	e.mu.RLock()
	prev, ok := e.rules[rule.ID]
	e.mu.RUnlock()
	if !ok {
		return domain.NewError(domain.ErrNotFound, "update rule", "rule %q not found", rule.ID)
	}

	rule.CreatedAt = prev.Rule.CreatedAt
	rule.UpdatedAt = e.now()
	compiled, err := e.compiler.CompileRule(rule)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok := e.rules[rule.ID]
	if !ok {
		return domain.NewError(domain.ErrNotFound, "update rule", "rule %q not found", rule.ID)
	}
	compiled.ShareCounters(current)
	e.rules[rule.ID] = compiled
	e.publishLocked()
	e.logger.Info("Routing rule updated", "rule_id", rule.ID)
	return nil
}

// RemoveRule deletes a rule. Unknown ids fail with a NotFound error.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return domain.NewError(domain.ErrNotFound, "remove rule", "rule %q not found", id)
	}
	delete(e.rules, id)
	for i, existing := range e.order {
		if existing == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.publishLocked()
	e.logger.Info("Routing rule removed", "rule_id", id)
	return nil
}

// GetRule returns a rule with its live counters.
func (e *Engine) GetRule(id string) (domain.RoutingRule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[id]
	if !ok {
		return domain.RoutingRule{}, domain.NewError(domain.ErrNotFound, "get rule", "rule %q not found", id)
	}
	return r.Snapshot(), nil
}

// ListRules returns all rules in evaluation order.
func (e *Engine) ListRules() []domain.RoutingRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	all := make([]*compiler.CompiledRule, 0, len(e.order))
	for _, id := range e.order {
		all = append(all, e.rules[id])
	}
	sorted := compiler.NewRuleSet(0, all)
	out := make([]domain.RoutingRule, 0, len(sorted.Rules))
	for _, r := range sorted.Rules {
		out = append(out, r.Snapshot())
	}
	return out
}

// ReloadConfiguration replaces every rule with the source's current set. The
// new set is compiled completely before anything is swapped.
func (e *Engine) ReloadConfiguration(ctx context.Context) error {
	if e.source == nil {
		return domain.NewError(domain.ErrInvalidArgument, "reload rules", "no rule source configured")
	}
	start := time.Now()
	_, err := e.reload(ctx, true)
	e.stats.recordReload(e.now(), err)
	if err != nil {
		e.metrics.RecordConfigReload("routing", "failure")
		e.logger.Error("Routing rule reload failed", "error", err, "duration", time.Since(start))
		return err
	}
	e.metrics.RecordConfigReload("routing", "success")
	e.logger.Info("Routing rules reloaded", "rules", e.RuleCount(), "duration", time.Since(start))
	return nil
}

// reload reports whether a new set was published.
func (e *Engine) reload(ctx context.Context, force bool) (bool, error) {
	rules, revision, err := e.source.LoadRules(ctx)
	if err != nil {
		return false, domain.WrapError(domain.ErrInternal, "load rules", err)
	}

	e.mu.RLock()
	unchanged := !force && revision != "" && revision == e.lastRevision
	e.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	set, err := e.compiler.CompileRuleSet(0, rules)
	if err != nil {
		return false, err
	}
	byID := make(map[string]*compiler.CompiledRule, len(set.Rules))
	for _, r := range set.Rules {
		byID[r.Rule.ID] = r
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	next := make(map[string]*compiler.CompiledRule, len(rules))
	order := make([]string, 0, len(rules))
	for _, rule := range rules {
		compiled := byID[rule.ID]
		compiled.ShareCounters(e.rules[rule.ID])
		next[rule.ID] = compiled
		order = append(order, rule.ID)
	}
	e.rules = next
	e.order = order
	e.lastRevision = revision
	e.publishLocked()
	return true, nil
}

// publishLocked rebuilds the compiled set from the registry, swaps it in and
// purges the decision cache. e.mu must be held for writing.
func (e *Engine) publishLocked() {
	e.version++
	enabled := make([]*compiler.CompiledRule, 0, len(e.order))
	for _, id := range e.order {
		if r := e.rules[id]; r.Rule.Enabled {
			enabled = append(enabled, r)
		}
	}
	e.set.Store(compiler.NewRuleSet(e.version, enabled))
	if e.cache != nil {
		e.cache.Purge()
	}
}

// RuleCount returns the number of installed rules, enabled or not.
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Version returns the version of the published rule set.
func (e *Engine) Version() uint64 {
	return e.set.Load().Version
}
