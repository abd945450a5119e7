package routing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Stats is a snapshot of routing statistics.
type Stats struct {
	Enabled        bool
	Running        bool
	RuleCount      int
	RuleSetVersion uint64

	EventsRouted   uint64
	NoopDecisions  uint64
	Unmatched      uint64
	RuleMatches    uint64
	CacheHits      uint64
	CacheMisses    uint64
	CacheEntries   int
	AverageLatency time.Duration
	MaxLatency     time.Duration

	// Soft latency targets that were missed. Misses are not failures.
	PatternTargetMisses  uint64
	CacheHitTargetMisses uint64

	// Throughput is events per second over the last aggregation interval.
	Throughput float64

	Reloads         uint64
	ReloadFailures  uint64
	LastReload      time.Time
	LastReloadError string
}

type counters struct {
	routed              atomic.Uint64
	noop                atomic.Uint64
	unmatched           atomic.Uint64
	ruleMatches         atomic.Uint64
	cacheHits           atomic.Uint64
	cacheMisses         atomic.Uint64
	patternTargetMisses atomic.Uint64
	cacheTargetMisses   atomic.Uint64
	latencyTotal        atomic.Int64
	latencyMax          atomic.Int64

	mu              sync.Mutex
	reloads         uint64
	reloadFailures  uint64
	lastReload      time.Time
	lastReloadError string
	throughput      float64
	lastRouted      uint64
	lastAggregate   time.Time
}

func (c *counters) observeLatency(d time.Duration) {
	c.latencyTotal.Add(int64(d))
	for {
		cur := c.latencyMax.Load()
		if int64(d) <= cur || c.latencyMax.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

func (c *counters) recordReload(at time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastReload = at
	if err != nil {
		c.reloadFailures++
		c.lastReloadError = err.Error()
		return
	}
	c.reloads++
	c.lastReloadError = ""
}

func (c *counters) aggregate(now time.Time) {
	routed := c.routed.Load()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastAggregate.IsZero() {
		if elapsed := now.Sub(c.lastAggregate).Seconds(); elapsed > 0 {
			c.throughput = float64(routed-c.lastRouted) / elapsed
		}
	}
	c.lastRouted = routed
	c.lastAggregate = now
}

func (c *counters) reset() {
	c.routed.Store(0)
	c.noop.Store(0)
	c.unmatched.Store(0)
	c.ruleMatches.Store(0)
	c.cacheHits.Store(0)
	c.cacheMisses.Store(0)
	c.patternTargetMisses.Store(0)
	c.cacheTargetMisses.Store(0)
	c.latencyTotal.Store(0)
	c.latencyMax.Store(0)
	c.mu.Lock()
	c.reloads = 0
	c.reloadFailures = 0
	c.lastReloadError = ""
	c.throughput = 0
	c.lastRouted = 0
	c.lastAggregate = time.Time{}
	c.mu.Unlock()
}

// Stats returns a snapshot of the engine's statistics.
func (e *Engine) Stats() Stats {
	s := Stats{
		Enabled:              e.enabled.Load(),
		RuleCount:            e.RuleCount(),
		RuleSetVersion:       e.Version(),
		EventsRouted:         e.stats.routed.Load(),
		NoopDecisions:        e.stats.noop.Load(),
		Unmatched:            e.stats.unmatched.Load(),
		RuleMatches:          e.stats.ruleMatches.Load(),
		CacheHits:            e.stats.cacheHits.Load(),
		CacheMisses:          e.stats.cacheMisses.Load(),
		MaxLatency:           time.Duration(e.stats.latencyMax.Load()),
		PatternTargetMisses:  e.stats.patternTargetMisses.Load(),
		CacheHitTargetMisses: e.stats.cacheTargetMisses.Load(),
	}
	if s.EventsRouted > 0 {
		s.AverageLatency = time.Duration(e.stats.latencyTotal.Load() / int64(s.EventsRouted))
	}
	if e.cache != nil {
		s.CacheEntries = e.cache.Len()
	}

	e.runMu.Lock()
	s.Running = e.running
	e.runMu.Unlock()

	e.stats.mu.Lock()
	s.Throughput = e.stats.throughput
	s.Reloads = e.stats.reloads
	s.ReloadFailures = e.stats.reloadFailures
	s.LastReload = e.stats.lastReload
	s.LastReloadError = e.stats.lastReloadError
	e.stats.mu.Unlock()
	return s
}

// ResetStats zeroes engine and per-rule counters.
func (e *Engine) ResetStats() {
	e.stats.reset()
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		r.Counters().Matches.Store(0)
		r.Counters().Applies.Store(0)
	}
}

// Start compiles the rule set, from the source when one is configured, and
// launches the hot-reload and statistics workers. Starting a running engine
// is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return nil
	}

	if e.source != nil {
		if err := e.ReloadConfiguration(ctx); err != nil {
			return err
		}
	} else {
		e.mu.Lock()
		e.publishLocked()
		e.mu.Unlock()
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	if e.source != nil && e.cfg.HotReloadInterval > 0 {
		g.Go(func() error { return e.pollLoop(gctx) })
	}
	if e.cfg.StatsInterval > 0 {
		g.Go(func() error { return e.statsLoop(gctx) })
	}
	e.cancel = cancel
	e.group = g
	e.running = true
	e.logger.Info("Routing engine started", "rules", e.RuleCount())
	return nil
}

// Stop signals the workers and waits for them to exit. It has no deadline.
func (e *Engine) Stop() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !e.running {
		return nil
	}
	e.cancel()
	err := e.group.Wait()
	e.running = false
	e.cancel = nil
	e.group = nil
	e.logger.Info("Routing engine stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.HotReloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			changed, err := e.reload(ctx, false)
			switch {
			case err != nil:
				e.stats.recordReload(e.now(), err)
				e.metrics.RecordConfigReload("routing", "failure")
				e.logger.Warn("Routing hot reload failed", "error", err)
			case changed:
				e.stats.recordReload(e.now(), nil)
				e.metrics.RecordConfigReload("routing", "success")
				e.logger.Info("Routing rules hot reloaded", "rules", e.RuleCount())
			}
		}
	}
}

func (e *Engine) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			e.stats.aggregate(t)
		}
	}
}
