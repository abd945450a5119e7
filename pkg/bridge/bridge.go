package bridge

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/vexmesh/internal/governance"
	"github.com/polisai/vexmesh/pkg/domain"
	"github.com/polisai/vexmesh/pkg/metrics"
	"github.com/polisai/vexmesh/pkg/telemetry"
)

const asyncQueueName = "bridge_async"

// Config holds bridge settings.
type Config struct {
	SyncTimeout                  time.Duration
	MaxRetryAttempts             int
	RetryBackoff                 time.Duration
	ContextPreservationThreshold float64

	AsyncQueueSize int
	AsyncWorkers   int
	AsyncTimeout   time.Duration

	RegionName string
	ArenaSlots int
	SlotSize   int

	ConflictLogSize  int
	ConflictStrategy string

	Compression          bool
	CompressionThreshold int
}

// DefaultConfig returns the default bridge configuration.
func DefaultConfig() Config {
	return Config{
		SyncTimeout:                  100 * time.Millisecond,
		MaxRetryAttempts:             3,
		RetryBackoff:                 time.Millisecond,
		ContextPreservationThreshold: 0.8,
		AsyncQueueSize:               1024,
		AsyncWorkers:                 4,
		AsyncTimeout:                 time.Second,
		RegionName:                   "vexmesh-bridge",
		ArenaSlots:                   256,
		SlotSize:                     4096,
		ConflictLogSize:              128,
		ConflictStrategy:             "last_writer_wins",
		CompressionThreshold:         1024,
	}
}

// Transport hands a finished translation to the other side of the boundary.
// Commit may be called more than once for the same input when retrying.
type Transport interface {
	Commit(ctx context.Context, res *domain.TranslationResult) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, res *domain.TranslationResult) error

// Commit implements Transport.
func (f TransportFunc) Commit(ctx context.Context, res *domain.TranslationResult) error {
	return f(ctx, res)
}

type nopTransport struct{}

func (nopTransport) Commit(context.Context, *domain.TranslationResult) error { return nil }

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *Bridge) { b.logger = l } }

// WithMetrics sets the prometheus metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(b *Bridge) { b.metrics = m } }

// WithTransport sets where translations are committed.
func WithTransport(t Transport) Option { return func(b *Bridge) { b.transport = t } }

// WithResolver overrides the configured conflict strategy.
func WithResolver(r ConflictResolver) Option { return func(b *Bridge) { b.resolver = r } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(b *Bridge) { b.now = now } }

type job struct {
	ctx     context.Context
	event   *domain.SemanticEvent
	dir     domain.Direction
	pending *domain.PendingTranslation
}

// Bridge translates events across the kernel/userspace boundary.
type Bridge struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	transport Transport
	resolver  ConflictResolver
	now       func() time.Time

	retry     *governance.RetryPolicy
	arena     *Arena
	codec     *codec
	flights   *flightRegistry
	conflicts *ConflictLog
	stats     counters

	queue   chan job
	queueMu sync.RWMutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New creates a bridge.
func New(cfg Config, opts ...Option) (*Bridge, error) {
	def := DefaultConfig()
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if cfg.AsyncQueueSize <= 0 {
		cfg.AsyncQueueSize = def.AsyncQueueSize
	}
	if cfg.AsyncWorkers <= 0 {
		cfg.AsyncWorkers = def.AsyncWorkers
	}
	if cfg.ArenaSlots <= 0 {
		cfg.ArenaSlots = def.ArenaSlots
	}
	if cfg.SlotSize <= 0 {
		cfg.SlotSize = def.SlotSize
	}
	if cfg.RegionName == "" {
		cfg.RegionName = def.RegionName
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = def.CompressionThreshold
	}

	b := &Bridge{
		cfg:       cfg,
		transport: nopTransport{},
		now:       time.Now,
		arena:     NewArena(cfg.RegionName, cfg.ArenaSlots, cfg.SlotSize),
		flights:   newFlightRegistry(),
		conflicts: NewConflictLog(cfg.ConflictLogSize),
		queue:     make(chan job, cfg.AsyncQueueSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.resolver == nil {
		r, err := ResolverByName(cfg.ConflictStrategy)
		if err != nil {
			return nil, domain.WrapError(domain.ErrInvalidArgument, "new bridge", err)
		}
		b.resolver = r
	}
	if cfg.Compression {
		c, err := newCodec(cfg.CompressionThreshold)
		if err != nil {
			return nil, domain.WrapError(domain.ErrInternal, "new bridge", err)
		}
		b.codec = c
	}
	b.retry = governance.NewRetryPolicy(governance.RetryConfig{
		MaxAttempts:       cfg.MaxRetryAttempts,
		InitialBackoff:    cfg.RetryBackoff,
		MaxBackoff:        50 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		Retryable: func(err error) bool {
			return !errors.Is(err, context.DeadlineExceeded)
		},
	})
	return b, nil
}

// Arena returns the shared slot region.
func (b *Bridge) Arena() *Arena { return b.arena }

// Resolver returns the conflict resolver in use.
func (b *Bridge) Resolver() ConflictResolver { return b.resolver }

// Conflicts returns the retained conflict decisions, oldest first.
func (b *Bridge) Conflicts() []ConflictRecord { return b.conflicts.All() }

// ConflictLog returns the bounded conflict log.
func (b *Bridge) ConflictLog() *ConflictLog { return b.conflicts }

// TranslateKernelToFuse translates an event raised in the kernel module for
// the FUSE userspace side.
func (b *Bridge) TranslateKernelToFuse(ctx context.Context, ev *domain.SemanticEvent, mode domain.TranslationMode) (*domain.TranslationResult, error) {
	return b.Translate(ctx, ev, domain.KernelToFuse, mode)
}

// TranslateFuseToKernel translates a userspace event for the kernel module.
func (b *Bridge) TranslateFuseToKernel(ctx context.Context, ev *domain.SemanticEvent, mode domain.TranslationMode) (*domain.TranslationResult, error) {
	return b.Translate(ctx, ev, domain.FuseToKernel, mode)
}

// Translate runs one translation in the given direction and mode. An
// asynchronous translation returns immediately with Pending set.
func (b *Bridge) Translate(ctx context.Context, ev *domain.SemanticEvent, dir domain.Direction, mode domain.TranslationMode) (*domain.TranslationResult, error) {
	if ev == nil {
		return nil, domain.NewError(domain.ErrInvalidArgument, "translate", "nil event")
	}
	switch mode {
	case domain.ModeAsynchronous:
		return b.submit(ctx, ev, dir)
	case domain.ModeSynchronous, domain.ModeZeroCopy:
		return b.run(ctx, ev, dir, mode, b.cfg.SyncTimeout)
	default:
		return nil, domain.NewError(domain.ErrInvalidArgument, "translate", "unknown mode %d", int(mode))
	}
}

func (b *Bridge) submit(ctx context.Context, ev *domain.SemanticEvent, dir domain.Direction) (*domain.TranslationResult, error) {
	b.queueMu.RLock()
	defer b.queueMu.RUnlock()
	if !b.running {
		return nil, domain.NewError(domain.ErrInternal, "translate", "bridge is not running")
	}

	p := domain.NewPendingTranslation()
	select {
	case b.queue <- job{ctx: ctx, event: ev, dir: dir, pending: p}:
	default:
		b.stats.asyncRejected.Add(1)
		b.metrics.RecordQueueOverflow(asyncQueueName)
		return nil, domain.NewError(domain.ErrResourceExhausted, "translate", "async queue full (%d)", cap(b.queue))
	}
	b.stats.asyncQueued.Add(1)
	b.metrics.SetQueueDepth(asyncQueueName, len(b.queue))
	return &domain.TranslationResult{
		Direction: dir,
		Mode:      domain.ModeAsynchronous,
		Event:     ev,
		Pending:   p,
	}, nil
}

// run translates with retries under a deadline and resolves conflicts with
// other in-flight translations of the same identity.
func (b *Bridge) run(ctx context.Context, ev *domain.SemanticEvent, dir domain.Direction, mode domain.TranslationMode, timeout time.Duration) (res *domain.TranslationResult, err error) {
	start := b.now()
	ctx, span := telemetry.StartSpan(ctx, "bridge.translate")
	defer func() {
		telemetry.AnnotateTranslation(span, res)
		telemetry.EndSpan(span, err)
	}()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	b.stats.translations.Add(1)
	f, conflicts := b.flights.begin(Contender{Event: ev, Direction: dir}, b.resolver)
	b.recordConflicts(conflicts)
	if f.discarded.Load() {
		b.stats.discarded.Add(1)
		return &domain.TranslationResult{
			Direction: dir,
			Mode:      mode,
			Event:     ev,
			Conflict:  true,
			Discarded: true,
			Duration:  b.now().Sub(start),
		}, nil
	}
	defer b.flights.end(f)

	attempts, err := b.retry.Execute(ctx, func(int) error {
		r, attemptErr := b.attempt(ctx, ev, dir, mode)
		if attemptErr != nil {
			return attemptErr
		}
		res = r
		return nil
	})
	if attempts > 1 {
		b.stats.retries.Add(uint64(attempts - 1))
		for i := 1; i < attempts; i++ {
			b.metrics.RecordTranslationRetry()
		}
	}
	elapsed := b.now().Sub(start)

	if err != nil {
		b.stats.failed.Add(1)
		b.metrics.RecordTranslation(string(dir), mode.String(), "error", elapsed, 0)
		telemetry.RecordTranslation(ctx, telemetry.TranslationMetrics{Direction: string(dir), Mode: mode.String()})
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			b.stats.timeouts.Add(1)
			return nil, domain.WrapError(domain.ErrTimeout, "translate", err)
		}
		b.logger.Warn("Bridge translation failed", "direction", dir, "event_id", ev.ID, "attempts", attempts, "error", err)
		return nil, domain.WrapError(domain.ErrTranslation, "translate", err)
	}

	res.Attempts = attempts
	res.Duration = elapsed
	res.Conflict = len(conflicts) > 0
	if f.discarded.Load() {
		// A later translation of the same identity won while this one ran.
		res.Release()
		res.Conflict = true
		res.Discarded = true
		b.stats.discarded.Add(1)
	}

	b.stats.succeeded.Add(1)
	b.stats.observeScore(res.ContextPreservationScore, res.BelowThreshold)
	b.metrics.RecordTranslation(string(dir), mode.String(), "success", elapsed, res.ContextPreservationScore)
	telemetry.RecordTranslation(ctx, telemetry.TranslationMetrics{
		Direction: string(dir),
		Mode:      mode.String(),
		Success:   true,
		Score:     res.ContextPreservationScore,
		Conflict:  res.Conflict,
	})
	if res.BelowThreshold {
		b.logger.Debug("Context preservation below threshold",
			"event_id", ev.ID, "score", res.ContextPreservationScore, "lost", res.LostContexts)
	}
	return res, nil
}

// attempt performs one translation from the unchanged input and commits it.
func (b *Bridge) attempt(ctx context.Context, ev *domain.SemanticEvent, dir domain.Direction, mode domain.TranslationMode) (*domain.TranslationResult, error) {
	k, env := toKernel(ev)
	wire, compressed := b.codec.encode(ev.Payload)
	if compressed {
		b.stats.compressed.Add(1)
		k.Flags |= domain.FlagCompressed
	}
	k.Compressed = compressed

	res := &domain.TranslationResult{Direction: dir, Mode: mode, Kernel: k}
	if mode == domain.ModeZeroCopy && wire != nil {
		b.place(k, wire, res)
	} else if !compressed && wire != nil {
		k.Payload = bytes.Clone(wire)
	} else {
		k.Payload = wire
	}

	payload, err := b.codec.decode(k.Payload, k.Compressed)
	if err != nil {
		res.Release()
		return nil, err
	}
	res.Event = fromKernel(k, env, payload)
	res.Event.Flags = ev.Flags
	res.ContextPreservationScore, res.PreservedContexts, res.LostContexts = preservation(ev, res.Event)
	res.BelowThreshold = res.ContextPreservationScore < b.cfg.ContextPreservationThreshold

	if err := b.transport.Commit(ctx, res); err != nil {
		res.Release()
		return nil, err
	}
	return res, nil
}

// place writes the wire payload into an arena slot and aliases it from the
// result. It falls back to a private copy when the slot cannot be used.
func (b *Bridge) place(k *domain.KernelEvent, wire []byte, res *domain.TranslationResult) {
	if len(wire) > b.arena.SlotSize() {
		b.fallback(k, wire, "oversized")
		return
	}
	h, buf, ok := b.arena.Acquire()
	if !ok {
		b.fallback(k, wire, "exhausted")
		return
	}
	n := copy(buf, wire)
	if err := b.arena.Publish(h, n); err != nil {
		_ = b.arena.Release(h)
		b.fallback(k, wire, "publish")
		return
	}
	data, err := b.arena.Read(h)
	if err != nil {
		_ = b.arena.Release(h)
		b.fallback(k, wire, "read")
		return
	}
	k.Payload = data
	res.Slot = &h
	res.SetRelease(func() {
		if err := b.arena.Release(h); err != nil {
			b.logger.Warn("Arena slot release failed", "slot", h.Index, "error", err)
		}
		b.metrics.SetArenaSlotsInUse(b.arena.InUse())
	})
	b.stats.zeroCopy.Add(1)
	b.metrics.SetArenaSlotsInUse(b.arena.InUse())
}

func (b *Bridge) fallback(k *domain.KernelEvent, wire []byte, reason string) {
	k.Payload = bytes.Clone(wire)
	b.stats.fallbacks.Add(1)
	b.metrics.RecordZeroCopyFallback(reason)
	b.logger.Debug("Zero-copy fallback", "reason", reason, "size", len(wire))
}

func (b *Bridge) recordConflicts(conflicts []conflict) {
	if len(conflicts) == 0 {
		return
	}
	now := b.now()
	for _, c := range conflicts {
		b.conflicts.Add(ConflictRecord{
			At:        now,
			Identity:  c.identity,
			Strategy:  b.resolver.Name(),
			WinnerID:  c.winner.Event.ID,
			LoserID:   c.loser.Event.ID,
			WinnerDir: c.winner.Direction,
			LoserDir:  c.loser.Direction,
		})
		b.stats.conflicts.Add(1)
		b.metrics.RecordConflict(b.resolver.Name())
		b.logger.Debug("Translation conflict resolved",
			"identity", c.identity, "winner", c.winner.Event.ID, "loser", c.loser.Event.ID)
	}
}

// Start launches the asynchronous worker pool.
func (b *Bridge) Start(ctx context.Context) error {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	if b.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < b.cfg.AsyncWorkers; i++ {
		g.Go(func() error { return b.worker(gctx) })
	}
	b.cancel = cancel
	b.group = g
	b.running = true
	b.logger.Info("Bridge started", "region", b.arena.Name(), "workers", b.cfg.AsyncWorkers, "slots", b.arena.Slots())
	return nil
}

// Stop stops the workers. Queued translations that never ran complete with
// an error.
func (b *Bridge) Stop() error {
	b.queueMu.Lock()
	if !b.running {
		b.queueMu.Unlock()
		return nil
	}
	b.running = false
	b.queueMu.Unlock()

	b.cancel()
	err := b.group.Wait()
	b.cancel = nil
	b.group = nil

	drained := 0
drain:
	for {
		select {
		case j := <-b.queue:
			j.pending.Complete(nil, domain.NewError(domain.ErrInternal, "translate", "bridge stopped"))
			drained++
		default:
			break drain
		}
	}
	b.metrics.SetQueueDepth(asyncQueueName, 0)
	b.logger.Info("Bridge stopped", "drained", drained)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops the bridge and releases the compression codec.
func (b *Bridge) Close() error {
	err := b.Stop()
	b.codec.close()
	return err
}

func (b *Bridge) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-b.queue:
			b.metrics.SetQueueDepth(asyncQueueName, len(b.queue))
			b.runJob(j)
		}
	}
}

func (b *Bridge) runJob(j job) {
	ctx := context.WithoutCancel(j.ctx)
	res, err := b.run(ctx, j.event, j.dir, domain.ModeAsynchronous, b.cfg.AsyncTimeout)
	if !j.pending.Complete(res, err) && res != nil {
		res.Release()
	}
}

// Stats is a snapshot of bridge statistics.
type Stats struct {
	Running         bool
	Translations    uint64
	Succeeded       uint64
	Failed          uint64
	Retries         uint64
	Timeouts        uint64
	Conflicts       uint64
	Discarded       uint64
	ZeroCopy        uint64
	Fallbacks       uint64
	Compressed      uint64
	AsyncQueued     uint64
	AsyncRejected   uint64
	BelowThreshold  uint64
	AverageScore    float64
	QueueDepth      int
	SlotsInUse      int
	InFlight        int
	ConflictsLogged int
}

type counters struct {
	translations   atomic.Uint64
	succeeded      atomic.Uint64
	failed         atomic.Uint64
	retries        atomic.Uint64
	timeouts       atomic.Uint64
	conflicts      atomic.Uint64
	discarded      atomic.Uint64
	zeroCopy       atomic.Uint64
	fallbacks      atomic.Uint64
	compressed     atomic.Uint64
	asyncQueued    atomic.Uint64
	asyncRejected  atomic.Uint64
	belowThreshold atomic.Uint64

	mu       sync.Mutex
	scoreSum float64
	scored   uint64
}

func (c *counters) observeScore(score float64, below bool) {
	if below {
		c.belowThreshold.Add(1)
	}
	c.mu.Lock()
	c.scoreSum += score
	c.scored++
	c.mu.Unlock()
}

// Stats returns a snapshot of the bridge's statistics.
func (b *Bridge) Stats() Stats {
	s := Stats{
		Translations:    b.stats.translations.Load(),
		Succeeded:       b.stats.succeeded.Load(),
		Failed:          b.stats.failed.Load(),
		Retries:         b.stats.retries.Load(),
		Timeouts:        b.stats.timeouts.Load(),
		Conflicts:       b.stats.conflicts.Load(),
		Discarded:       b.stats.discarded.Load(),
		ZeroCopy:        b.stats.zeroCopy.Load(),
		Fallbacks:       b.stats.fallbacks.Load(),
		Compressed:      b.stats.compressed.Load(),
		AsyncQueued:     b.stats.asyncQueued.Load(),
		AsyncRejected:   b.stats.asyncRejected.Load(),
		BelowThreshold:  b.stats.belowThreshold.Load(),
		QueueDepth:      len(b.queue),
		SlotsInUse:      b.arena.InUse(),
		InFlight:        b.flights.inFlight(),
		ConflictsLogged: b.conflicts.Size(),
	}
	b.stats.mu.Lock()
	if b.stats.scored > 0 {
		s.AverageScore = b.stats.scoreSum / float64(b.stats.scored)
	}
	b.stats.mu.Unlock()

	b.queueMu.RLock()
	s.Running = b.running
	b.queueMu.RUnlock()
	return s
}
