package propagation

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/vexmesh/pkg/domain"
)

// latencyBounds are the upper bounds of the latency histogram buckets.
var latencyBounds = []time.Duration{
	500 * time.Nanosecond,
	time.Microsecond,
	10 * time.Microsecond,
	100 * time.Microsecond,
	time.Millisecond,
	10 * time.Millisecond,
	100 * time.Millisecond,
}

// HistogramBucket counts calls at or below UpperBound. The last bucket has a
// zero UpperBound and counts everything slower.
type HistogramBucket struct {
	UpperBound time.Duration
	Count      uint64
}

// Stats is a snapshot of propagation statistics.
type Stats struct {
	Running bool

	EventsReceived      uint64
	EventsPropagated    uint64
	Deliveries          uint64
	Duplicates          uint64
	Blocked             uint64
	Delayed             uint64
	DelayedReleased     uint64
	NoTargets           uint64
	CrossBoundary       uint64
	TranslationFailures uint64
	ConflictDiscards    uint64
	TargetFailures      uint64
	QueueOverflows      uint64
	Errors              uint64
	BatchFlushes        uint64
	UnknownTransforms   uint64
	TransformErrors     uint64

	AveragePreservationScore float64

	DelayQueueDepth int
	QueueDepths     map[domain.EventBoundary]int

	AverageLatency   time.Duration
	P95Latency       time.Duration
	P99Latency       time.Duration
	MaxLatency       time.Duration
	LatencyHistogram []HistogramBucket
	Throughput       float64
	PeakThroughput   float64
}

type counters struct {
	received            atomic.Uint64
	propagated          atomic.Uint64
	deliveries          atomic.Uint64
	duplicates          atomic.Uint64
	blocked             atomic.Uint64
	delayed             atomic.Uint64
	delayedReleased     atomic.Uint64
	noTargets           atomic.Uint64
	crossBoundary       atomic.Uint64
	translationFailures atomic.Uint64
	conflictDiscards    atomic.Uint64
	targetFailures      atomic.Uint64
	overflows           atomic.Uint64
	errors              atomic.Uint64
	batchFlushes        atomic.Uint64
	unknownTransforms   atomic.Uint64
	transformErrors     atomic.Uint64

	mu            sync.Mutex
	scoreSum      float64
	scored        uint64
	throughput    float64
	lastReceived  uint64
	lastAggregate time.Time
}

func (c *counters) observeScore(score float64) {
	c.mu.Lock()
	c.scoreSum += score
	c.scored++
	c.mu.Unlock()
}

func (c *counters) aggregate(now time.Time) {
	received := c.received.Load()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastAggregate.IsZero() {
		if elapsed := now.Sub(c.lastAggregate).Seconds(); elapsed > 0 {
			c.throughput = float64(received-c.lastReceived) / elapsed
		}
	}
	c.lastReceived = received
	c.lastAggregate = now
}

func (c *counters) reset() {
	for _, a := range []*atomic.Uint64{
		&c.received, &c.propagated, &c.deliveries, &c.duplicates, &c.blocked, &c.delayed,
		&c.delayedReleased, &c.noTargets, &c.crossBoundary, &c.translationFailures,
		&c.conflictDiscards, &c.targetFailures, &c.overflows, &c.errors, &c.batchFlushes,
		&c.unknownTransforms, &c.transformErrors,
	} {
		a.Store(0)
	}
	c.mu.Lock()
	c.scoreSum = 0
	c.scored = 0
	c.throughput = 0
	c.lastReceived = 0
	c.lastAggregate = time.Time{}
	c.mu.Unlock()
}

type secondBucket struct {
	sec   int64
	count uint64
}

// latencyTracker keeps recent call latencies for quantiles, a cumulative
// histogram, and per-second call counts for the peak throughput.
type latencyTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  bool
	buckets []uint64
	total   time.Duration
	count   uint64
	max     time.Duration
	seconds []secondBucket
}

func newLatencyTracker(samples int, window time.Duration) *latencyTracker {
	return &latencyTracker{
		samples: make([]time.Duration, samples),
		buckets: make([]uint64, len(latencyBounds)+1),
		seconds: make([]secondBucket, int(window/time.Second)),
	}
}

func (l *latencyTracker) observe(d time.Duration, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.samples[l.next] = d
	l.next = (l.next + 1) % len(l.samples)
	if l.next == 0 {
		l.filled = true
	}

	i := len(latencyBounds)
	for j, bound := range latencyBounds {
		if d <= bound {
			i = j
			break
		}
	}
	l.buckets[i]++
	l.total += d
	l.count++
	if d > l.max {
		l.max = d
	}

	sec := at.Unix()
	b := &l.seconds[int(uint64(sec)%uint64(len(l.seconds)))]
	if b.sec != sec {
		b.sec = sec
		b.count = 0
	}
	b.count++
}

type latencySnapshot struct {
	avg, p95, p99, max time.Duration
	histogram          []HistogramBucket
	peak               float64
}

func (l *latencyTracker) snapshot(now time.Time) latencySnapshot {
	l.mu.Lock()
	n := l.next
	if l.filled {
		n = len(l.samples)
	}
	recent := slices.Clone(l.samples[:n])
	s := latencySnapshot{max: l.max, histogram: make([]HistogramBucket, len(l.buckets))}
	if l.count > 0 {
		s.avg = l.total / time.Duration(l.count)
	}
	for i, c := range l.buckets {
		s.histogram[i].Count = c
		if i < len(latencyBounds) {
			s.histogram[i].UpperBound = latencyBounds[i]
		}
	}
	window := int64(len(l.seconds))
	for _, b := range l.seconds {
		if b.count > 0 && now.Unix()-b.sec < window && float64(b.count) > s.peak {
			s.peak = float64(b.count)
		}
	}
	l.mu.Unlock()

	slices.Sort(recent)
	s.p95 = quantile(recent, 0.95)
	s.p99 = quantile(recent, 0.99)
	return s
}

func (l *latencyTracker) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.samples)
	clear(l.buckets)
	clear(l.seconds)
	l.next = 0
	l.filled = false
	l.total = 0
	l.count = 0
	l.max = 0
}

// quantile returns the nearest-rank q-quantile of sorted.
func quantile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted))*q+0.999999) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Stats returns a snapshot of the manager's statistics.
func (m *Manager) Stats() Stats {
	snap := m.latency.snapshot(m.now())
	s := Stats{
		EventsReceived:      m.stats.received.Load(),
		EventsPropagated:    m.stats.propagated.Load(),
		Deliveries:          m.stats.deliveries.Load(),
		Duplicates:          m.stats.duplicates.Load(),
		Blocked:             m.stats.blocked.Load(),
		Delayed:             m.stats.delayed.Load(),
		DelayedReleased:     m.stats.delayedReleased.Load(),
		NoTargets:           m.stats.noTargets.Load(),
		CrossBoundary:       m.stats.crossBoundary.Load(),
		TranslationFailures: m.stats.translationFailures.Load(),
		ConflictDiscards:    m.stats.conflictDiscards.Load(),
		TargetFailures:      m.stats.targetFailures.Load(),
		QueueOverflows:      m.stats.overflows.Load(),
		Errors:              m.stats.errors.Load(),
		BatchFlushes:        m.stats.batchFlushes.Load(),
		UnknownTransforms:   m.stats.unknownTransforms.Load(),
		TransformErrors:     m.stats.transformErrors.Load(),
		DelayQueueDepth:     m.delayDepth(),
		QueueDepths:         make(map[domain.EventBoundary]int, len(m.queues)),
		AverageLatency:      snap.avg,
		P95Latency:          snap.p95,
		P99Latency:          snap.p99,
		MaxLatency:          snap.max,
		LatencyHistogram:    snap.histogram,
		PeakThroughput:      snap.peak,
	}
	for b, ch := range m.queues {
		s.QueueDepths[b] = len(ch)
	}

	m.stats.mu.Lock()
	if m.stats.scored > 0 {
		s.AveragePreservationScore = m.stats.scoreSum / float64(m.stats.scored)
	}
	s.Throughput = m.stats.throughput
	m.stats.mu.Unlock()

	m.runMu.Lock()
	s.Running = m.running
	m.runMu.Unlock()
	return s
}

// ResetStats zeroes all counters and latency history.
func (m *Manager) ResetStats() {
	m.stats.reset()
	m.latency.reset()
}

// Start launches the delay, batch flush and statistics workers.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return m.delayLoop(gctx) })
	if m.cfg.BatchingEnabled && m.cfg.FlushInterval > 0 {
		g.Go(func() error { return m.flushLoop(gctx) })
	}
	if m.cfg.StatsInterval > 0 {
		g.Go(func() error { return m.statsLoop(gctx) })
	}
	m.cancel = cancel
	m.group = g
	m.running = true
	m.logger.Info("Propagation manager started",
		"batching", m.cfg.BatchingEnabled, "max_queue_size", m.cfg.MaxQueueSize, "mode", m.cfg.TranslationMode.String())
	return nil
}

// Stop signals the workers, waits for them, then flushes pending batches.
// Delayed events that have not been released stay queued.
func (m *Manager) Stop() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	m.cancel()
	err := m.group.Wait()
	m.running = false
	m.cancel = nil
	m.group = nil
	m.Flush()
	m.logger.Info("Propagation manager stopped", "delayed_pending", m.delayDepth())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *Manager) delayLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.DelayTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.releaseDue(ctx)
		}
	}
}

// releaseDue delivers every delayed event whose time has come under the ids
// handed out when it was queued.
func (m *Manager) releaseDue(ctx context.Context) {
	for _, d := range m.dueDelayed(m.now()) {
		m.stats.delayedReleased.Add(1)
		if _, err := m.deliver(ctx, d.event, d.source, d.targets, d.ids, fingerprint(d.event), d.releaseAt); err != nil {
			m.stats.errors.Add(1)
			m.logger.Warn("Delayed delivery failed", "event_id", d.event.ID, "error", err)
		}
	}
}

func (m *Manager) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Flush()
		}
	}
}

func (m *Manager) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			m.stats.aggregate(t)
			snap := m.latency.snapshot(t)
			m.metrics.SetLatencyQuantiles(snap.p95, snap.p99, snap.peak)
			for b, ch := range m.queues {
				m.metrics.SetQueueDepth(string(b), len(ch))
			}
			m.metrics.SetQueueDepth(delayQueueName, m.delayDepth())
		}
	}
}
