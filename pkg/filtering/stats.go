package filtering

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/vexmesh/pkg/domain"
)

// Stats is a snapshot of filtering statistics.
type Stats struct {
	Enabled          bool
	Running          bool
	FilterCount      int
	FilterSetVersion uint64

	EventsEvaluated uint64
	Bypassed        uint64
	Allowed         uint64
	Blocked         uint64
	Delayed         uint64
	Transformed     uint64
	SampledIn       uint64
	SampledOut      uint64
	CacheHits       uint64
	CacheMisses     uint64

	// MatchesByType counts filter matches per filter type.
	MatchesByType map[domain.FilterType]uint64

	AverageLatency      time.Duration
	MaxLatency          time.Duration
	PatternTargetMisses uint64
	Throughput          float64

	Reloads         uint64
	ReloadFailures  uint64
	LastReload      time.Time
	LastReloadError string
}

type counters struct {
	evaluated           atomic.Uint64
	bypassed            atomic.Uint64
	allowed             atomic.Uint64
	blocked             atomic.Uint64
	delayed             atomic.Uint64
	transformed         atomic.Uint64
	sampledIn           atomic.Uint64
	sampledOut          atomic.Uint64
	cacheHits           atomic.Uint64
	cacheMisses         atomic.Uint64
	patternTargetMisses atomic.Uint64
	latencyTotal        atomic.Int64
	latencyMax          atomic.Int64

	byType [8]atomic.Uint64

	mu              sync.Mutex
	reloads         uint64
	reloadFailures  uint64
	lastReload      time.Time
	lastReloadError string
	throughput      float64
	lastEvaluated   uint64
	lastAggregate   time.Time
}

func typeIndex(t domain.FilterType) int {
	for i, known := range domain.AllFilterTypes {
		if known == t {
			return i
		}
	}
	return -1
}

func (c *counters) countType(t domain.FilterType) {
	if i := typeIndex(t); i >= 0 && i < len(c.byType) {
		c.byType[i].Add(1)
	}
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
	evaluated := c.evaluated.Load()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastAggregate.IsZero() {
		if elapsed := now.Sub(c.lastAggregate).Seconds(); elapsed > 0 {
			c.throughput = float64(evaluated-c.lastEvaluated) / elapsed
		}
	}
	c.lastEvaluated = evaluated
	c.lastAggregate = now
}

func (c *counters) reset() {
	for _, a := range []*atomic.Uint64{
		&c.evaluated, &c.bypassed, &c.allowed, &c.blocked, &c.delayed, &c.transformed,
		&c.sampledIn, &c.sampledOut, &c.cacheHits, &c.cacheMisses, &c.patternTargetMisses,
	} {
		a.Store(0)
	}
	for i := range c.byType {
		c.byType[i].Store(0)
	}
	c.latencyTotal.Store(0)
	c.latencyMax.Store(0)
	c.mu.Lock()
	c.reloads = 0
	c.reloadFailures = 0
	c.lastReloadError = ""
	c.throughput = 0
	c.lastEvaluated = 0
	c.lastAggregate = time.Time{}
	c.mu.Unlock()
}

// Stats returns a snapshot of the engine's statistics.
func (e *Engine) Stats() Stats {
	s := Stats{
		Enabled:             e.enabled.Load(),
		FilterCount:         e.FilterCount(),
		FilterSetVersion:    e.Version(),
		EventsEvaluated:     e.stats.evaluated.Load(),
		Bypassed:            e.stats.bypassed.Load(),
		Allowed:             e.stats.allowed.Load(),
		Blocked:             e.stats.blocked.Load(),
		Delayed:             e.stats.delayed.Load(),
		Transformed:         e.stats.transformed.Load(),
		SampledIn:           e.stats.sampledIn.Load(),
		SampledOut:          e.stats.sampledOut.Load(),
		CacheHits:           e.stats.cacheHits.Load(),
		CacheMisses:         e.stats.cacheMisses.Load(),
		MaxLatency:          time.Duration(e.stats.latencyMax.Load()),
		PatternTargetMisses: e.stats.patternTargetMisses.Load(),
		MatchesByType:       make(map[domain.FilterType]uint64, len(domain.AllFilterTypes)),
	}
	for i, t := range domain.AllFilterTypes {
		if i < len(e.stats.byType) {
			s.MatchesByType[t] = e.stats.byType[i].Load()
		}
	}
	if s.EventsEvaluated > 0 {
		s.AverageLatency = time.Duration(e.stats.latencyTotal.Load() / int64(s.EventsEvaluated))
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

// ResetStats zeroes engine and per-filter counters.
func (e *Engine) ResetStats() {
	e.stats.reset()
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, f := range e.filters {
		f.Counters().Matches.Store(0)
		f.Counters().Applies.Store(0)
	}
}

// Start compiles the filter set and launches the background workers.
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
	e.logger.Info("Filtering engine started", "filters", e.FilterCount())
	return nil
}

// Stop signals the workers and waits for them to exit.
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
	e.logger.Info("Filtering engine stopped")
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
				e.metrics.RecordConfigReload("filtering", "failure")
				e.logger.Warn("Filter hot reload failed", "error", err)
			case changed:
				e.stats.recordReload(e.now(), nil)
				e.metrics.RecordConfigReload("filtering", "success")
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
