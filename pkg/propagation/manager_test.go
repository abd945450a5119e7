package propagation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/vexmesh/pkg/bridge"
	"github.com/polisai/vexmesh/pkg/domain"
	"github.com/polisai/vexmesh/pkg/filtering"
	"github.com/polisai/vexmesh/pkg/routing"
)

var (
	kernel = domain.BoundaryKernelModule
	fuse   = domain.BoundaryFuseUserspace
	graph  = domain.BoundaryGraphLayer
	vector = domain.BoundaryVectorLayer
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StatsInterval = 0
	cfg.DelayTick = time.Millisecond
	return cfg
}

func fsCreate(id uint64, path string) *domain.SemanticEvent {
	return &domain.SemanticEvent{
		ID:             id,
		Type:           domain.EventFSCreate,
		Timestamp:      time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC),
		GlobalSequence: id,
		Priority:       domain.PriorityNormal,
		Filesystem:     &domain.FilesystemContext{Path: path, Operation: "create"},
		Payload:        []byte("body"),
	}
}

func newRouter(t *testing.T, rules ...domain.RoutingRule) *routing.Engine {
	t.Helper()
	cfg := routing.DefaultConfig()
	cfg.HotReloadInterval = 0
	cfg.StatsInterval = 0
	e := routing.NewEngine(cfg)
	for _, r := range rules {
		require.NoError(t, e.AddRule(r))
	}
	return e
}

func newFilter(t *testing.T, filters ...domain.Filter) *filtering.Engine {
	t.Helper()
	cfg := filtering.DefaultConfig()
	cfg.HotReloadInterval = 0
	cfg.StatsInterval = 0
	e := filtering.NewEngine(cfg)
	for _, f := range filters {
		require.NoError(t, e.AddFilter(f))
	}
	return e
}

func newBridge(t *testing.T) *bridge.Bridge {
	t.Helper()
	b, err := bridge.New(bridge.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func fsFilter(id string, action domain.FilterAction) domain.Filter {
	return domain.Filter{
		ID:         id,
		Type:       domain.FilterContent,
		Priority:   10,
		Enabled:    true,
		Conditions: []domain.Condition{domain.EventTypeCondition{Types: []domain.EventType{"fs.*"}}},
		Action:     action,
	}
}

func drain(ch <-chan Delivery) []Delivery {
	var out []Delivery
	for {
		select {
		case d := <-ch:
			out = append(out, d)
		default:
			return out
		}
	}
}

func TestScenarioKernelCreateFansOutAcrossBoundary(t *testing.T) {
	router := newRouter(t, domain.RoutingRule{
		ID:         "mirror-to-vector",
		Priority:   10,
		Enabled:    true,
		Conditions: []domain.Condition{domain.EventTypeCondition{Types: []domain.EventType{domain.EventFSCreate}}},
		Actions: []domain.RuleAction{
			domain.RouteToAction{Targets: []domain.EventBoundary{vector}},
			domain.PriorityBoostAction{Delta: 2},
		},
	})
	m := New(testConfig(), WithRouter(router), WithFilter(newFilter(t)), WithBridge(newBridge(t)))

	ev := fsCreate(1, "/data/new.txt")
	ids, err := m.PropagateEvent(context.Background(), ev, kernel, []domain.EventBoundary{fuse, graph})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	fuseDeliveries := drain(m.Deliveries(fuse))
	require.Len(t, fuseDeliveries, 1)
	crossed := fuseDeliveries[0]
	assert.Equal(t, ids[0], crossed.ID)
	require.NotNil(t, crossed.Translation)
	assert.Equal(t, domain.KernelToFuse, crossed.Translation.Direction)
	assert.Equal(t, 1.0, crossed.Translation.ContextPreservationScore)
	assert.Equal(t, domain.PriorityNormal+2, crossed.Event.Event.Priority)
	crossed.Release()

	graphDeliveries := drain(m.Deliveries(graph))
	require.Len(t, graphDeliveries, 1)
	assert.Equal(t, ids[1], graphDeliveries[0].ID)
	assert.Nil(t, graphDeliveries[0].Translation)

	vectorDeliveries := drain(m.Deliveries(vector))
	require.Len(t, vectorDeliveries, 1)
	assert.Equal(t, ids[2], vectorDeliveries[0].ID)
	assert.Equal(t, domain.PriorityNormal+2, vectorDeliveries[0].Event.Event.Priority)

	assert.Equal(t, domain.PriorityNormal, ev.Priority, "input event untouched")

	s := m.Stats()
	assert.Equal(t, uint64(1), s.CrossBoundary)
	assert.Equal(t, uint64(3), s.Deliveries)
	assert.Equal(t, uint64(1), s.EventsPropagated)
	assert.Equal(t, 1.0, s.AveragePreservationScore)
}

func TestDuplicateWithinWindowIsDropped(t *testing.T) {
	cfg := testConfig()
	cfg.DeduplicationWindow = 50 * time.Millisecond
	m := New(cfg)

	ev := fsCreate(7, "/dup")
	first, err := m.PropagateEvent(context.Background(), ev, fuse, []domain.EventBoundary{graph})
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := m.PropagateEvent(context.Background(), ev, fuse, []domain.EventBoundary{graph})
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, uint64(1), m.Stats().Duplicates)

	time.Sleep(120 * time.Millisecond)
	third, err := m.PropagateEvent(context.Background(), ev, fuse, []domain.EventBoundary{graph})
	require.NoError(t, err)
	assert.Len(t, third, 1, "treated as new after the window")
}

// **Feature: event-mesh, Property 3: Within the dedup window each (id, type, sequence) yields exactly one non-empty result**
func TestDedupProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := testConfig()
		cfg.DeduplicationWindow = time.Hour
		cfg.MaxQueueSize = 1024
		m := New(cfg)

		n := rapid.IntRange(1, 60).Draw(t, "n")
		distinct := map[[2]uint64]bool{}
		delivered := 0
		for i := 0; i < n; i++ {
			id := rapid.Uint64Range(1, 8).Draw(t, "id")
			seq := rapid.Uint64Range(0, 2).Draw(t, "seq")
			ev := fsCreate(id, "/p")
			ev.GlobalSequence = seq
			ids, err := m.PropagateEvent(context.Background(), ev, fuse, []domain.EventBoundary{graph})
			if err != nil {
				t.Fatalf("propagate: %v", err)
			}
			if len(ids) > 0 {
				delivered++
			}
			distinct[[2]uint64{id, seq}] = true
		}
		if delivered != len(distinct) {
			t.Fatalf("delivered %d, want %d", delivered, len(distinct))
		}
		if got := m.Stats().Duplicates; got != uint64(n-len(distinct)) {
			t.Fatalf("duplicates %d, want %d", got, n-len(distinct))
		}
	})
}

// **Feature: event-mesh, Property 4: Ids come back one per distinct target, in target order**
func TestIDsFollowTargetOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := New(testConfig())
		targets := rapid.SliceOfN(rapid.SampledFrom([]domain.EventBoundary{
			graph, vector, domain.BoundaryAgentLayer, domain.BoundaryStorageLayer, domain.BoundaryObservabilityLayer,
		}), 0, 8).Draw(t, "targets")

		ids, err := m.PropagateEvent(context.Background(), fsCreate(1, "/o"), fuse, targets)
		if err != nil {
			t.Fatalf("propagate: %v", err)
		}
		want := routing.Apply(targets, domain.RoutingDecision{})
		if len(ids) != len(want) {
			t.Fatalf("got %d ids for targets %v", len(ids), want)
		}
		for i, target := range want {
			got := drain(m.Deliveries(target))
			if len(got) != 1 || got[0].ID != ids[i] {
				t.Fatalf("target %s: deliveries %v, want id %s", target, got, ids[i])
			}
		}
	})
}

func TestBlockedEventIsCounted(t *testing.T) {
	m := New(testConfig(), WithFilter(newFilter(t, fsFilter("deny", domain.FilterAction{Kind: domain.FilterBlock}))))

	ids, err := m.PropagateEvent(context.Background(), fsCreate(1, "/b"), fuse, []domain.EventBoundary{graph})
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, uint64(1), m.Stats().Blocked)
	assert.Empty(t, drain(m.Deliveries(graph)))
}

func TestRateLimitedBurstThroughPipeline(t *testing.T) {
	fixed := time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC)
	fcfg := filtering.DefaultConfig()
	fcfg.HotReloadInterval = 0
	fcfg.StatsInterval = 0
	filter := filtering.NewEngine(fcfg, filtering.WithClock(func() time.Time { return fixed }))
	require.NoError(t, filter.AddFilter(domain.Filter{
		ID:         "limit",
		Type:       domain.FilterRateLimit,
		Enabled:    true,
		Conditions: []domain.Condition{domain.RateLimitCondition{EventsPerSecond: 1000, Burst: 1000, Scope: domain.RateScopeGlobal}},
		Action:     domain.FilterAction{Kind: domain.FilterBlock},
	}))
	cfg := testConfig()
	cfg.MaxQueueSize = 20000
	m := New(cfg, WithFilter(filter))

	delivered := 0
	for i := uint64(1); i <= 10000; i++ {
		ids, err := m.PropagateEvent(context.Background(), fsCreate(i, "/burst"), fuse, []domain.EventBoundary{graph})
		require.NoError(t, err)
		delivered += len(ids)
	}
	assert.Equal(t, 1000, delivered)
	s := m.Stats()
	assert.Equal(t, uint64(9000), s.Blocked)
	assert.Equal(t, 1000, s.QueueDepths[graph])
}

func TestDelayedEventReleasedUnderReturnedIDs(t *testing.T) {
	m := New(testConfig(), WithFilter(newFilter(t,
		fsFilter("hold", domain.FilterAction{Kind: domain.FilterDelay, Delay: 20 * time.Millisecond}))))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	ids, err := m.PropagateEvent(context.Background(), fsCreate(1, "/later"), fuse, []domain.EventBoundary{graph, vector})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Empty(t, drain(m.Deliveries(graph)))

	select {
	case d := <-m.Deliveries(graph):
		assert.Equal(t, ids[0], d.ID)
		assert.True(t, d.Delayed)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed event never released")
	}
	select {
	case d := <-m.Deliveries(vector):
		assert.Equal(t, ids[1], d.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed event never released")
	}
	assert.Eventually(t, func() bool { return m.Stats().DelayedReleased == 1 }, time.Second, 5*time.Millisecond)
}

func TestDelayQueueOverflow(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 1
	m := New(cfg, WithFilter(newFilter(t,
		fsFilter("hold", domain.FilterAction{Kind: domain.FilterDelay, Delay: time.Hour}))))

	_, err := m.PropagateEvent(context.Background(), fsCreate(1, "/a"), fuse, []domain.EventBoundary{graph})
	require.NoError(t, err)
	_, err = m.PropagateEvent(context.Background(), fsCreate(2, "/b"), fuse, []domain.EventBoundary{graph})
	require.Error(t, err)
	assert.True(t, domain.IsResourceExhausted(err))

	s := m.Stats()
	assert.Equal(t, uint64(1), s.QueueOverflows)
	assert.Equal(t, 1, s.DelayQueueDepth)

	// Retrying the rejected event reports the overflow again.
	_, err = m.PropagateEvent(context.Background(), fsCreate(2, "/b"), fuse, []domain.EventBoundary{graph})
	require.Error(t, err)
	assert.True(t, domain.IsResourceExhausted(err))
	s = m.Stats()
	assert.Zero(t, s.Duplicates)
	assert.Equal(t, uint64(2), s.QueueOverflows)
}

func TestFullTargetIsIsolated(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 1
	m := New(cfg)
	targets := []domain.EventBoundary{graph, vector}

	ids, err := m.PropagateEvent(context.Background(), fsCreate(1, "/1"), fuse, targets)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	drain(m.Deliveries(vector))

	ids, err = m.PropagateEvent(context.Background(), fsCreate(2, "/2"), fuse, targets)
	require.NoError(t, err)
	require.Len(t, ids, 1, "graph is full, vector still receives")
	assert.Equal(t, uint64(1), m.Stats().TargetFailures)

	_, err = m.PropagateEvent(context.Background(), fsCreate(3, "/3"), fuse, targets)
	require.Error(t, err)
	assert.True(t, domain.IsResourceExhausted(err))
}

type stubTranslator struct {
	res   *domain.TranslationResult
	err   error
	calls atomic.Int32
}

func (s *stubTranslator) Translate(context.Context, *domain.SemanticEvent, domain.Direction, domain.TranslationMode) (*domain.TranslationResult, error) {
	s.calls.Add(1)
	return s.res, s.err
}

func TestBridgeFailureDeliversNothing(t *testing.T) {
	tr := &stubTranslator{err: domain.WrapError(domain.ErrTranslation, "translate", errors.New("boom"))}
	m := New(testConfig(), WithBridge(tr))

	ids, err := m.PropagateEvent(context.Background(), fsCreate(1, "/x"), fuse, []domain.EventBoundary{graph, kernel})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTranslation)
	assert.Nil(t, ids)
	assert.Empty(t, drain(m.Deliveries(graph)))

	s := m.Stats()
	assert.Equal(t, uint64(1), s.TranslationFailures)
	assert.Equal(t, uint64(1), s.Errors)
}

func TestRetryAfterBridgeFailureIsNotDuplicate(t *testing.T) {
	tr := &stubTranslator{err: domain.WrapError(domain.ErrTranslation, "translate", errors.New("kernel busy"))}
	m := New(testConfig(), WithBridge(tr))
	ev := fsCreate(1, "/x")
	targets := []domain.EventBoundary{graph, kernel}

	_, err := m.PropagateEvent(context.Background(), ev, fuse, targets)
	require.Error(t, err)

	tr.err = nil
	ids, err := m.PropagateEvent(context.Background(), ev, fuse, targets)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Equal(t, int32(2), tr.calls.Load())

	s := m.Stats()
	assert.Zero(t, s.Duplicates)
	assert.Equal(t, uint64(2), s.Deliveries)

	// The successful call is remembered.
	ids, err = m.PropagateEvent(context.Background(), ev, fuse, targets)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, uint64(1), m.Stats().Duplicates)
}

func TestDiscardedTranslationSkipsTarget(t *testing.T) {
	tr := &stubTranslator{res: &domain.TranslationResult{Conflict: true, Discarded: true}}
	m := New(testConfig(), WithBridge(tr))

	ids, err := m.PropagateEvent(context.Background(), fsCreate(1, "/x"), fuse, []domain.EventBoundary{kernel, graph})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Empty(t, drain(m.Deliveries(kernel)))
	assert.Equal(t, uint64(1), m.Stats().ConflictDiscards)
}

func TestDirectTargetsSkipBridge(t *testing.T) {
	tr := &stubTranslator{}
	m := New(testConfig(), WithBridge(tr))
	_, err := m.PropagateEvent(context.Background(), fsCreate(1, "/x"), graph, []domain.EventBoundary{vector, kernel})
	require.NoError(t, err)
	assert.Zero(t, tr.calls.Load())
}

func TestBatchingHoldsUntilBatchSize(t *testing.T) {
	cfg := testConfig()
	cfg.BatchingEnabled = true
	cfg.BatchSize = 3
	cfg.FlushInterval = 0
	m := New(cfg)

	for i := uint64(1); i <= 2; i++ {
		ids, err := m.PropagateEvent(context.Background(), fsCreate(i, "/b"), fuse, []domain.EventBoundary{graph})
		require.NoError(t, err)
		require.Len(t, ids, 1)
	}
	assert.Empty(t, drain(m.Deliveries(graph)))

	_, err := m.PropagateEvent(context.Background(), fsCreate(3, "/b"), fuse, []domain.EventBoundary{graph})
	require.NoError(t, err)
	assert.Len(t, drain(m.Deliveries(graph)), 3)

	_, err = m.PropagateEvent(context.Background(), fsCreate(4, "/b"), fuse, []domain.EventBoundary{graph})
	require.NoError(t, err)
	m.Flush()
	assert.Len(t, drain(m.Deliveries(graph)), 1)
	assert.Equal(t, uint64(2), m.Stats().BatchFlushes)
}

func TestBatchFlushWorker(t *testing.T) {
	cfg := testConfig()
	cfg.BatchingEnabled = true
	cfg.BatchSize = 100
	cfg.FlushInterval = 5 * time.Millisecond
	m := New(cfg)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	_, err := m.PropagateEvent(context.Background(), fsCreate(1, "/f"), fuse, []domain.EventBoundary{graph})
	require.NoError(t, err)
	select {
	case <-m.Deliveries(graph):
	case <-time.After(2 * time.Second):
		t.Fatal("batch never flushed")
	}
}

func TestTransformationsApplyToClone(t *testing.T) {
	router := newRouter(t, domain.RoutingRule{
		ID:         "tagger",
		Priority:   1,
		Enabled:    true,
		Conditions: []domain.Condition{domain.EventTypeCondition{Types: []domain.EventType{"fs.*"}}},
		Actions: []domain.RuleAction{
			domain.TransformAction{Transformation: domain.Transformation{Name: TransformTag, Params: map[string]string{"tier": "hot"}}},
			domain.TransformAction{Transformation: domain.Transformation{Name: TransformRedactPayload}},
			domain.TransformAction{Transformation: domain.Transformation{Name: "compress_bits"}},
			domain.TransformAction{Transformation: domain.Transformation{Name: TransformDropContext, Params: map[string]string{"context": "nope"}}},
		},
	})
	m := New(testConfig(), WithRouter(router))
	ev := fsCreate(1, "/t")

	_, err := m.PropagateEvent(context.Background(), ev, fuse, []domain.EventBoundary{graph})
	require.NoError(t, err)
	got := drain(m.Deliveries(graph))
	require.Len(t, got, 1)
	out := got[0].Event.Event
	require.NotNil(t, out.Semantic)
	assert.Equal(t, "hot", out.Semantic.Tags["tier"])
	assert.Nil(t, out.Payload)
	assert.Equal(t, "true", out.Metadata["redacted"])

	assert.Nil(t, ev.Semantic)
	assert.Equal(t, []byte("body"), ev.Payload)

	s := m.Stats()
	assert.Equal(t, uint64(1), s.UnknownTransforms)
	assert.Equal(t, uint64(1), s.TransformErrors)
}

func TestCustomTransformer(t *testing.T) {
	filter := newFilter(t, fsFilter("upper", domain.FilterAction{
		Kind:            domain.FilterTransform,
		Transformations: []domain.Transformation{{Name: "stamp"}},
	}))
	m := New(testConfig(), WithFilter(filter))
	m.RegisterTransformer("stamp", func(_ context.Context, ev *domain.SemanticEvent, _ map[string]string) error {
		ev.Flags |= domain.FlagSynthetic
		return nil
	})

	_, err := m.PropagateEvent(context.Background(), fsCreate(1, "/s"), fuse, []domain.EventBoundary{graph})
	require.NoError(t, err)
	got := drain(m.Deliveries(graph))
	require.Len(t, got, 1)
	assert.True(t, got[0].Event.Event.Flags.Has(domain.FlagSynthetic))
}

func TestInvalidArguments(t *testing.T) {
	m := New(testConfig())
	_, err := m.PropagateEvent(context.Background(), nil, fuse, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = m.PropagateEvent(context.Background(), fsCreate(1, "/a"), "nowhere", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = m.PropagateEvent(context.Background(), fsCreate(2, "/a"), fuse, []domain.EventBoundary{"nowhere"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Equal(t, uint64(3), m.Stats().Errors)
}

func TestNoTargets(t *testing.T) {
	m := New(testConfig())
	ids, err := m.PropagateEvent(context.Background(), fsCreate(1, "/a"), fuse, nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, uint64(1), m.Stats().NoTargets)
}

func TestLatencyStatistics(t *testing.T) {
	var tick atomic.Int64
	base := time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC)
	clock := func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Microsecond) }
	cfg := testConfig()
	cfg.MaxQueueSize = 1000
	m := New(cfg, WithClock(clock))

	const n = 200
	for i := uint64(1); i <= n; i++ {
		_, err := m.PropagateEvent(context.Background(), fsCreate(i, "/l"), fuse, []domain.EventBoundary{graph})
		require.NoError(t, err)
	}

	s := m.Stats()
	assert.Equal(t, uint64(n), s.EventsReceived)
	assert.Positive(t, s.P95Latency)
	assert.GreaterOrEqual(t, s.P99Latency, s.P95Latency)
	assert.GreaterOrEqual(t, s.MaxLatency, s.P99Latency)
	assert.Positive(t, s.PeakThroughput)

	var total uint64
	for _, b := range s.LatencyHistogram {
		total += b.Count
	}
	assert.Equal(t, uint64(n), total)

	m.ResetStats()
	s = m.Stats()
	assert.Zero(t, s.EventsReceived)
	assert.Zero(t, s.P95Latency)
}

func TestQuantile(t *testing.T) {
	var sorted []time.Duration
	for i := 1; i <= 100; i++ {
		sorted = append(sorted, time.Duration(i))
	}
	assert.Equal(t, time.Duration(95), quantile(sorted, 0.95))
	assert.Equal(t, time.Duration(99), quantile(sorted, 0.99))
	assert.Equal(t, time.Duration(0), quantile(nil, 0.5))
}

func TestStartStopIdempotent(t *testing.T) {
	m := New(testConfig())
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Stats().Running)
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
	assert.False(t, m.Stats().Running)
}

func ExampleManager_PropagateEvent() {
	m := New(DefaultConfig(), WithIDGenerator(func() domain.PropagationID { return "p-1" }))
	ids, _ := m.PropagateEvent(context.Background(), fsCreate(1, "/docs/readme.md"),
		domain.BoundaryFuseUserspace, []domain.EventBoundary{domain.BoundaryGraphLayer})
	fmt.Println(ids)
	// Output: [p-1]
}
