// Package propagation orchestrates the event mesh pipeline: deduplication,
// routing, filtering, boundary crossing, batching and per-target delivery.
package propagation

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/vexmesh/pkg/domain"
	"github.com/polisai/vexmesh/pkg/metrics"
	"github.com/polisai/vexmesh/pkg/routing"
	"github.com/polisai/vexmesh/pkg/telemetry"
)

const delayQueueName = "delay"

// Router decides extra or narrowed targets for an event.
type Router interface {
	Route(ctx context.Context, ev *domain.CrossBoundaryEvent) domain.RoutingDecision
}

// Filterer decides whether an event is delivered.
type Filterer interface {
	FilterEvent(ctx context.Context, ev *domain.CrossBoundaryEvent) domain.FilterResult
}

// Translator carries an event across the kernel/userspace boundary.
type Translator interface {
	Translate(ctx context.Context, ev *domain.SemanticEvent, dir domain.Direction, mode domain.TranslationMode) (*domain.TranslationResult, error)
}

// Config holds propagation settings.
type Config struct {
	// MaxQueueSize bounds each target queue and the delay queue.
	MaxQueueSize        int
	DeduplicationWindow time.Duration
	DedupCacheSize      int

	BatchingEnabled bool
	BatchSize       int
	FlushInterval   time.Duration

	TranslationMode domain.TranslationMode

	// DelayTick is how often delayed events are checked for release.
	DelayTick     time.Duration
	StatsInterval time.Duration
	// LatencySamples is how many recent call latencies feed p95/p99.
	LatencySamples int
	// ThroughputWindow is the span the peak throughput is taken over.
	ThroughputWindow time.Duration
	LatencyTarget    time.Duration
}

// DefaultConfig returns the default propagation settings.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:        10000,
		DeduplicationWindow: 100 * time.Millisecond,
		DedupCacheSize:      65536,
		BatchSize:           64,
		FlushInterval:       10 * time.Millisecond,
		TranslationMode:     domain.ModeSynchronous,
		DelayTick:           5 * time.Millisecond,
		StatsInterval:       time.Second,
		LatencySamples:      4096,
		ThroughputWindow:    10 * time.Second,
		LatencyTarget:       10 * time.Microsecond,
	}
}

// Delivery is one event placed on one target's queue.
type Delivery struct {
	ID     domain.PropagationID
	Target domain.EventBoundary
	Event  *domain.CrossBoundaryEvent
	// Translation is set when the delivery crossed the kernel/userspace
	// boundary. Consumers must call Release when done with it.
	Translation *domain.TranslationResult
	Delayed     bool
	EnqueuedAt  time.Time
}

// Release returns any zero-copy slot the delivery holds.
func (d Delivery) Release() { d.Translation.Release() }

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics records Prometheus metrics.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithRouter enables routing.
func WithRouter(r Router) Option { return func(m *Manager) { m.router = r } }

// WithFilter enables filtering.
func WithFilter(f Filterer) Option { return func(m *Manager) { m.filter = f } }

// WithBridge enables boundary crossing through t.
func WithBridge(t Translator) Option { return func(m *Manager) { m.bridge = t } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithIDGenerator overrides how propagation ids are minted.
func WithIDGenerator(gen func() domain.PropagationID) Option {
	return func(m *Manager) { m.newID = gen }
}

// Manager runs the propagation pipeline.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	router  Router
	filter  Filterer
	bridge  Translator
	now     func() time.Time
	newID   func() domain.PropagationID

	dedupMu sync.Mutex
	dedup   *expirable.LRU[uint64, struct{}]

	queues  map[domain.EventBoundary]chan Delivery
	batchMu sync.Mutex
	batches map[domain.EventBoundary][]Delivery

	transformers *transformers

	delayMu  sync.Mutex
	delays   delayHeap
	delaySeq uint64

	stats   counters
	latency *latencyTracker

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New creates a manager. Every known boundary gets a delivery queue.
func New(cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = def.DedupCacheSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.DelayTick <= 0 {
		cfg.DelayTick = def.DelayTick
	}
	if cfg.LatencySamples <= 0 {
		cfg.LatencySamples = def.LatencySamples
	}
	if cfg.ThroughputWindow < time.Second {
		cfg.ThroughputWindow = time.Second
	}

	m := &Manager{
		cfg:          cfg,
		logger:       slog.Default(),
		now:          time.Now,
		newID:        func() domain.PropagationID { return domain.PropagationID(uuid.NewString()) },
		queues:       make(map[domain.EventBoundary]chan Delivery, len(domain.AllBoundaries)),
		batches:      make(map[domain.EventBoundary][]Delivery, len(domain.AllBoundaries)),
		transformers: newTransformers(),
		latency:      newLatencyTracker(cfg.LatencySamples, cfg.ThroughputWindow),
	}
	if cfg.DeduplicationWindow > 0 {
		m.dedup = expirable.NewLRU[uint64, struct{}](cfg.DedupCacheSize, nil, cfg.DeduplicationWindow)
	}
	for _, b := range domain.AllBoundaries {
		m.queues[b] = make(chan Delivery, cfg.MaxQueueSize)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Deliveries returns the queue for one boundary, or nil for an unknown one.
func (m *Manager) Deliveries(b domain.EventBoundary) <-chan Delivery {
	ch, ok := m.queues[b]
	if !ok {
		return nil
	}
	return ch
}

// RegisterTransformer adds or replaces a named transformation.
func (m *Manager) RegisterTransformer(name string, fn Transformer) {
	m.transformers.register(name, fn)
}

// PropagateEvent moves ev from source towards targets and returns one id per
// delivered target, in delivery order. Duplicates and blocked events return
// no ids and no error. A delayed event returns the ids it will be delivered
// under when released.
func (m *Manager) PropagateEvent(ctx context.Context, ev *domain.SemanticEvent, source domain.EventBoundary, targets []domain.EventBoundary) (ids []domain.PropagationID, err error) {
	start := m.now()
	outcome := telemetry.OutcomeDelivered
	ctx, span := telemetry.StartSpan(ctx, "propagation.propagate")
	defer func() {
		if err != nil {
			outcome = telemetry.OutcomeError
			m.stats.errors.Add(1)
		}
		elapsed := m.now().Sub(start)
		m.latency.observe(elapsed, start)
		if m.cfg.LatencyTarget > 0 && elapsed > m.cfg.LatencyTarget {
			m.metrics.RecordLatencyTargetMiss("propagate")
		}
		m.metrics.RecordPropagation(string(outcome), elapsed)
		pm := telemetry.PropagationMetrics{Source: string(source), Outcome: outcome, Targets: len(ids), Duration: elapsed}
		if ev != nil {
			pm.EventType = ev.Type.Category()
		}
		telemetry.RecordPropagation(ctx, pm)
		span.SetAttributes(
			attribute.String("vexmesh.outcome", string(outcome)),
			attribute.Int("vexmesh.propagation.ids", len(ids)),
		)
		telemetry.EndSpan(span, err)
	}()

	m.stats.received.Add(1)
	if ev == nil {
		return nil, domain.NewError(domain.ErrInvalidArgument, "propagate", "nil event")
	}
	if !source.Valid() {
		return nil, domain.NewError(domain.ErrInvalidArgument, "propagate", "unknown source boundary %q", source)
	}
	for _, t := range targets {
		if !t.Valid() {
			return nil, domain.NewError(domain.ErrInvalidArgument, "propagate", "unknown target boundary %q", t)
		}
	}

	fp := fingerprint(ev)
	if m.seen(fp) {
		m.stats.duplicates.Add(1)
		outcome = telemetry.OutcomeDuplicate
		return nil, nil
	}
	// A hard failure delivered nothing, so a retry must not count as a duplicate.
	defer func() {
		if err != nil {
			m.forget(fp)
		}
	}()

	cbe := &domain.CrossBoundaryEvent{Event: ev, Source: source, Targets: targets, Fingerprint: fp, IngressAt: start}
	span.SetAttributes(telemetry.EventAttributes(cbe)...)

	work := ev
	owned := false
	var transforms []domain.Transformation
	resolved := routing.Apply(targets, domain.RoutingDecision{})

	if m.router != nil {
		d := m.router.Route(ctx, cbe)
		telemetry.RecordRoutingDecision(span, d)
		resolved = routing.Apply(targets, d)
		if len(d.Metadata) > 0 || d.PriorityBoost != 0 {
			work = work.WithMetadata(d.Metadata)
			work.Priority = work.Priority.Boost(d.PriorityBoost)
			owned = true
		}
		transforms = append(transforms, d.Transformations...)
		cbe = &domain.CrossBoundaryEvent{Event: work, Source: source, Targets: resolved, Fingerprint: fp, IngressAt: start}
	}

	var delay time.Duration
	if m.filter != nil {
		res := m.filter.FilterEvent(ctx, cbe)
		telemetry.RecordFilterVerdict(span, res)
		if !res.Allow {
			m.stats.blocked.Add(1)
			outcome = telemetry.OutcomeBlocked
			return nil, nil
		}
		if len(res.Metadata) > 0 {
			work = work.WithMetadata(res.Metadata)
			owned = true
		}
		transforms = append(transforms, res.Transformations...)
		if res.Action == domain.FilterDelay && res.Delay > 0 {
			delay = res.Delay
		}
	}

	if len(transforms) > 0 {
		if !owned {
			work = work.Clone()
		}
		m.applyTransformations(ctx, work, transforms)
	}

	if len(resolved) == 0 {
		m.stats.noTargets.Add(1)
		return []domain.PropagationID{}, nil
	}

	if delay > 0 {
		ids = make([]domain.PropagationID, len(resolved))
		for i := range ids {
			ids[i] = m.newID()
		}
		if !m.pushDelayed(&delayed{releaseAt: start.Add(delay), event: work, source: source, targets: resolved, ids: ids}) {
			m.stats.overflows.Add(1)
			m.metrics.RecordQueueOverflow(delayQueueName)
			return nil, domain.NewError(domain.ErrResourceExhausted, "propagate", "delay queue full (%d)", m.cfg.MaxQueueSize)
		}
		m.stats.delayed.Add(1)
		outcome = telemetry.OutcomeDelayed
		return ids, nil
	}

	return m.deliver(ctx, work, source, resolved, nil, fp, start)
}

// deliver crosses the boundary where needed and enqueues one delivery per
// target. Crossings are staged before anything is enqueued so a bridge
// failure delivers nothing.
func (m *Manager) deliver(ctx context.Context, ev *domain.SemanticEvent, source domain.EventBoundary, targets []domain.EventBoundary, preassigned []domain.PropagationID, fp uint64, ingress time.Time) ([]domain.PropagationID, error) {
	translations := make([]*domain.TranslationResult, len(targets))
	for i, t := range targets {
		if m.bridge == nil || !domain.IsKernelUserspacePair(source, t) {
			continue
		}
		dir := domain.FuseToKernel
		if source == domain.BoundaryKernelModule {
			dir = domain.KernelToFuse
		}
		res, err := m.bridge.Translate(ctx, ev, dir, m.cfg.TranslationMode)
		if err != nil {
			m.stats.translationFailures.Add(1)
			for _, staged := range translations {
				staged.Release()
			}
			m.logger.Warn("Boundary crossing failed", "event_id", ev.ID, "source", source, "target", t, "error", err)
			return nil, err
		}
		translations[i] = res
	}

	ids := make([]domain.PropagationID, 0, len(targets))
	attempted := 0
	for i, t := range targets {
		tr := translations[i]
		if tr != nil && tr.Discarded {
			m.stats.conflictDiscards.Add(1)
			continue
		}
		attempted++

		var id domain.PropagationID
		if preassigned != nil {
			id = preassigned[i]
		} else {
			id = m.newID()
		}
		d := Delivery{
			ID:     id,
			Target: t,
			Event: &domain.CrossBoundaryEvent{
				Event:         ev,
				Source:        source,
				Targets:       targets,
				PropagationID: id,
				Fingerprint:   fp,
				IngressAt:     ingress,
			},
			Translation: tr,
			Delayed:     preassigned != nil,
			EnqueuedAt:  m.now(),
		}
		if !m.enqueue(d) {
			m.stats.overflows.Add(1)
			m.stats.targetFailures.Add(1)
			m.metrics.RecordQueueOverflow(string(t))
			tr.Release()
			m.logger.Debug("Target queue full", "target", t, "event_id", ev.ID)
			continue
		}

		crossed := tr != nil
		if crossed {
			m.stats.crossBoundary.Add(1)
			if tr.Pending == nil {
				m.stats.observeScore(tr.ContextPreservationScore)
			}
		}
		m.stats.deliveries.Add(1)
		m.metrics.RecordDelivery(string(t), crossed)
		ids = append(ids, id)
	}

	if attempted > 0 && len(ids) == 0 {
		return nil, domain.NewError(domain.ErrResourceExhausted, "propagate", "all %d target queues full", attempted)
	}
	if len(ids) > 0 {
		m.stats.propagated.Add(1)
	}
	return ids, nil
}

// enqueue places d on its target queue, or in the target's batch when
// batching. It reports false when the target has no room.
func (m *Manager) enqueue(d Delivery) bool {
	ch := m.queues[d.Target]
	if !m.cfg.BatchingEnabled {
		select {
		case ch <- d:
			return true
		default:
			return false
		}
	}

	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	pending := m.batches[d.Target]
	if len(ch)+len(pending) >= cap(ch) {
		return false
	}
	m.batches[d.Target] = append(pending, d)
	if len(m.batches[d.Target]) >= m.cfg.BatchSize {
		m.flushLocked(d.Target)
	}
	return true
}

// Flush pushes every pending batch to its queue.
func (m *Manager) Flush() {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	for target := range m.batches {
		m.flushLocked(target)
	}
}

func (m *Manager) flushLocked(target domain.EventBoundary) {
	batch := m.batches[target]
	if len(batch) == 0 {
		return
	}
	ch := m.queues[target]
	for _, d := range batch {
		select {
		case ch <- d:
		default:
			// Room was reserved at enqueue; only reachable if a queue was
			// shared with an unbatched writer.
			m.stats.overflows.Add(1)
			m.metrics.RecordQueueOverflow(string(target))
			d.Release()
		}
	}
	clear(batch)
	m.batches[target] = batch[:0]
	m.stats.batchFlushes.Add(1)
}

func (m *Manager) applyTransformations(ctx context.Context, ev *domain.SemanticEvent, list []domain.Transformation) {
	for _, t := range list {
		fn, ok := m.transformers.lookup(t.Name)
		if !ok {
			m.stats.unknownTransforms.Add(1)
			m.metrics.RecordTransformation(t.Name, "unknown")
			continue
		}
		if err := fn(ctx, ev, t.Params); err != nil {
			m.stats.transformErrors.Add(1)
			m.metrics.RecordTransformation(t.Name, "error")
			m.logger.Debug("Transformation failed", "name", t.Name, "event_id", ev.ID, "error", err)
			continue
		}
		m.metrics.RecordTransformation(t.Name, "applied")
	}
}

// seen reports whether fp was propagated within the dedup window, and
// remembers it otherwise.
func (m *Manager) seen(fp uint64) bool {
	if m.dedup == nil {
		return false
	}
	m.dedupMu.Lock()
	defer m.dedupMu.Unlock()
	if _, ok := m.dedup.Peek(fp); ok {
		return true
	}
	m.dedup.Add(fp, struct{}{})
	return false
}

// forget drops fp from the dedup window.
func (m *Manager) forget(fp uint64) {
	if m.dedup == nil {
		return
	}
	m.dedupMu.Lock()
	defer m.dedupMu.Unlock()
	m.dedup.Remove(fp)
}

// fingerprint identifies an event by id, type and global sequence.
func fingerprint(ev *domain.SemanticEvent) uint64 {
	buf := make([]byte, 0, 16+len(ev.Type))
	buf = binary.LittleEndian.AppendUint64(buf, ev.ID)
	buf = binary.LittleEndian.AppendUint64(buf, ev.GlobalSequence)
	buf = append(buf, ev.Type...)
	return xxhash.Sum64(buf)
}
