package filtering

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/vexmesh/pkg/domain"
)

var fixedNow = time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func event(path string) *domain.CrossBoundaryEvent {
	return &domain.CrossBoundaryEvent{
		Event: &domain.SemanticEvent{
			ID:         7,
			Type:       domain.EventFSWrite,
			Timestamp:  fixedNow,
			Priority:   domain.PriorityNormal,
			Filesystem: &domain.FilesystemContext{Path: path},
		},
		Source: domain.BoundaryFuseUserspace,
	}
}

func pathFilter(id string, prio int, pattern string, action domain.FilterAction) domain.Filter {
	return domain.Filter{
		ID:       id,
		Priority: prio,
		Enabled:  true,
		Conditions: []domain.Condition{
			domain.ContentPatternCondition{Field: domain.FieldPath, Patterns: []string{pattern}},
		},
		Action: action,
	}
}

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HotReloadInterval = 0
	cfg.StatsInterval = 0
	return NewEngine(cfg, append([]Option{WithClock(fixedClock)}, opts...)...)
}

func TestFailingCustomFilterFailsClosed(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.AddFilter(domain.Filter{
		ID:       "custom",
		Priority: 1,
		Enabled:  true,
		Conditions: []domain.Condition{domain.CustomCondition{Module: `package vexmesh

match := "maybe"
`}},
		Action: domain.FilterAction{Kind: domain.FilterBlock},
	}))

	res := e.FilterEvent(context.Background(), event("/data/x"))
	assert.False(t, res.Allow)
}

func TestFilterBlockDiscardsAccumulatedChanges(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.AddFilter(pathFilter("tag", 10, "/data", domain.FilterAction{
		Kind:            domain.FilterTransform,
		Metadata:        map[string]string{"seen": "yes"},
		Transformations: []domain.Transformation{{Name: "tag"}},
	})))
	require.NoError(t, e.AddFilter(pathFilter("deny", 5, "secret", domain.FilterAction{Kind: domain.FilterBlock})))
	require.NoError(t, e.AddFilter(pathFilter("late", 1, "/data", domain.FilterAction{
		Kind:     domain.FilterAllow,
		Metadata: map[string]string{"late": "yes"},
	})))

	res := e.FilterEvent(context.Background(), event("/data/secret.txt"))
	assert.False(t, res.Allow)
	assert.Equal(t, domain.FilterBlock, res.Action)
	assert.Equal(t, "deny", res.BlockedBy)
	assert.Equal(t, []string{"tag", "deny"}, res.MatchedFilters)
	assert.Nil(t, res.Metadata)
	assert.Nil(t, res.Transformations)

	late, err := e.GetFilter("late")
	require.NoError(t, err)
	assert.Zero(t, late.MatchCount)
}

func TestFilterVerdictPrecedence(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.AddFilter(pathFilter("t", 3, "/data", domain.FilterAction{
		Kind:     domain.FilterTransform,
		Metadata: map[string]string{"k": "t"},
	})))
	require.NoError(t, e.AddFilter(pathFilter("d1", 2, "/data", domain.FilterAction{
		Kind: domain.FilterDelay, Delay: 20 * time.Millisecond,
	})))
	require.NoError(t, e.AddFilter(pathFilter("d2", 1, "/data", domain.FilterAction{
		Kind: domain.FilterDelay, Delay: 50 * time.Millisecond, Metadata: map[string]string{"k": "d2"},
	})))

	res := e.FilterEvent(context.Background(), event("/data/x"))
	assert.True(t, res.Allow)
	assert.Equal(t, domain.FilterDelay, res.Action)
	assert.Equal(t, 50*time.Millisecond, res.Delay)
	assert.Equal(t, map[string]string{"k": "d2"}, res.Metadata)
	assert.Equal(t, []string{"t", "d1", "d2"}, res.MatchedFilters)
}

func TestFilterNoMatchAllows(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.AddFilter(pathFilter("deny", 1, "secret", domain.FilterAction{Kind: domain.FilterBlock})))
	res := e.FilterEvent(context.Background(), event("/data/public"))
	assert.True(t, res.Allow)
	assert.Equal(t, domain.FilterAllow, res.Action)
	assert.Empty(t, res.MatchedFilters)
}

func TestFilterSampling(t *testing.T) {
	var mu sync.Mutex
	next := 0.5
	random := func() float64 {
		mu.Lock()
		defer mu.Unlock()
		return next
	}
	e := newEngine(t, WithRandom(random))
	assert.Equal(t, DefaultSampleRate, e.SampleRate())

	require.NoError(t, e.AddFilter(pathFilter("sample", 1, "/data", domain.FilterAction{Kind: domain.FilterSample})))
	res := e.FilterEvent(context.Background(), event("/data/x"))
	assert.False(t, res.Allow, "0.5 is above the default keep rate")
	assert.Equal(t, "sample", res.BlockedBy)

	mu.Lock()
	next = 0.05
	mu.Unlock()
	res = e.FilterEvent(context.Background(), event("/data/x"))
	assert.True(t, res.Allow)
	assert.Equal(t, domain.FilterSample, res.Action)
	assert.False(t, res.CacheHit, "sampling sets are never cached")

	require.NoError(t, e.UpdateFilter(pathFilter("sample", 1, "/data", domain.FilterAction{Kind: domain.FilterSample, SampleRate: 0.9})))
	mu.Lock()
	next = 0.5
	mu.Unlock()
	assert.True(t, e.FilterEvent(context.Background(), event("/data/x")).Allow)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.SampledOut)
	assert.Equal(t, uint64(2), stats.SampledIn)
}

func TestConfiguredDefaultSampleRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultSampleRate = 0.75
	e := NewEngine(cfg, WithRandom(func() float64 { return 0.5 }))
	require.NoError(t, e.AddFilter(pathFilter("sample", 1, "/data", domain.FilterAction{Kind: domain.FilterSample})))
	assert.True(t, e.FilterEvent(context.Background(), event("/data/x")).Allow)
}

// 10,000 events against a 1,000/s limit with a burst of 1,000.
func TestRateLimitFilterScenario(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.AddFilter(domain.Filter{
		ID:         "limit",
		Enabled:    true,
		Conditions: []domain.Condition{domain.RateLimitCondition{EventsPerSecond: 1000, Burst: 1000, Scope: domain.RateScopeGlobal}},
		Action:     domain.FilterAction{Kind: domain.FilterBlock},
	}))

	allowed, blocked := 0, 0
	for i := 0; i < 10000; i++ {
		ev := event("/data/" + strconv.Itoa(i))
		ev.Event.ID = uint64(i)
		if e.FilterEvent(context.Background(), ev).Allow {
			allowed++
		} else {
			blocked++
		}
	}
	assert.Equal(t, 1000, allowed)
	assert.Equal(t, 9000, blocked)

	stats := e.Stats()
	assert.Equal(t, uint64(9000), stats.MatchesByType[domain.FilterRateLimit])
	assert.Equal(t, uint64(9000), stats.Blocked)
	assert.Zero(t, stats.CacheHits, "rate limited sets are not cached")
}

func TestRateLimitFilterRefillsOverWindow(t *testing.T) {
	var mu sync.Mutex
	now := fixedNow
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	e := NewEngine(Config{Enabled: true}, WithClock(clock))
	require.NoError(t, e.AddFilter(domain.Filter{
		ID:         "limit",
		Enabled:    true,
		Conditions: []domain.Condition{domain.RateLimitCondition{EventsPerSecond: 1000, Burst: 1000}},
		Action:     domain.FilterAction{Kind: domain.FilterBlock},
	}))

	allowed := 0
	for i := 0; i < 10000; i++ {
		mu.Lock()
		now = fixedNow.Add(time.Duration(i) * 100 * time.Microsecond)
		mu.Unlock()
		if e.FilterEvent(context.Background(), event("/x")).Allow {
			allowed++
		}
	}
	// One second of traffic: the burst plus one second of refill.
	assert.InDelta(t, 2000, allowed, 2)
}

func TestFilterCacheAndInvalidation(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.AddFilter(pathFilter("deny", 1, "secret", domain.FilterAction{Kind: domain.FilterBlock})))
	ctx := context.Background()

	assert.False(t, e.FilterEvent(ctx, event("/secret")).CacheHit)
	assert.True(t, e.FilterEvent(ctx, event("/secret")).CacheHit)

	require.NoError(t, e.RemoveFilter("deny"))
	res := e.FilterEvent(ctx, event("/secret"))
	assert.False(t, res.CacheHit)
	assert.True(t, res.Allow)
}

func TestFilterAdministration(t *testing.T) {
	e := newEngine(t)
	assert.True(t, domain.IsNotFound(e.RemoveFilter("missing")))
	assert.True(t, domain.IsNotFound(e.UpdateFilter(domain.Filter{ID: "missing"})))
	_, err := e.GetFilter("missing")
	assert.True(t, domain.IsNotFound(err))

	err = e.AddFilter(domain.Filter{ID: "bad", Action: domain.FilterAction{Kind: "explode"}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	require.NoError(t, e.AddFilter(pathFilter("low", 1, "/a", domain.FilterAction{Kind: domain.FilterAllow})))
	require.NoError(t, e.AddFilter(pathFilter("high", 9, "/a", domain.FilterAction{Kind: domain.FilterAllow})))
	list := e.ListFilters()
	require.Len(t, list, 2)
	assert.Equal(t, "high", list[0].ID)
	assert.Equal(t, domain.FilterContent, list[0].Type)
}

func TestDisabledEngineAllows(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.AddFilter(pathFilter("deny", 1, "/", domain.FilterAction{Kind: domain.FilterBlock})))
	e.SetEnabled(false)
	assert.True(t, e.FilterEvent(context.Background(), event("/x")).Allow)
	assert.Equal(t, uint64(1), e.Stats().Bypassed)
}

type staticSource struct {
	filters  []domain.Filter
	revision string
}

func (s staticSource) LoadFilters(context.Context) ([]domain.Filter, string, error) {
	return s.filters, s.revision, nil
}

func TestStartLoadsSource(t *testing.T) {
	src := staticSource{
		filters:  []domain.Filter{pathFilter("deny", 1, "secret", domain.FilterAction{Kind: domain.FilterBlock})},
		revision: "r1",
	}
	cfg := DefaultConfig()
	cfg.HotReloadInterval = 5 * time.Millisecond
	cfg.StatsInterval = 5 * time.Millisecond
	e := NewEngine(cfg, WithSource(src))

	require.NoError(t, e.Start(context.Background()))
	defer func() { require.NoError(t, e.Stop()) }()

	assert.Equal(t, 1, e.FilterCount())
	assert.False(t, e.FilterEvent(context.Background(), event("/secret")).Allow)
	assert.Equal(t, uint64(1), e.Stats().Reloads)
}

// **Feature: event-mesh, Property 2: a blocked verdict never carries accumulated metadata**
func TestBlockedVerdictCarriesNoMetadataProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		e := NewEngine(Config{Enabled: true}, WithClock(fixedClock))
		n := rapid.IntRange(1, 8).Draw(rt, "filters")
		kinds := []domain.FilterActionKind{domain.FilterAllow, domain.FilterTransform, domain.FilterDelay, domain.FilterBlock}
		for i := 0; i < n; i++ {
			kind := rapid.SampledFrom(kinds).Draw(rt, "kind")
			action := domain.FilterAction{Kind: kind, Metadata: map[string]string{"f": strconv.Itoa(i)}}
			if kind == domain.FilterDelay {
				action.Delay = time.Millisecond
			}
			f := pathFilter("f"+strconv.Itoa(i), rapid.IntRange(0, 5).Draw(rt, "prio"), "/data", action)
			if err := e.AddFilter(f); err != nil {
				rt.Fatalf("add filter: %v", err)
			}
		}
		res := e.FilterEvent(context.Background(), event("/data/x"))
		if !res.Allow && (res.Metadata != nil || res.Transformations != nil) {
			rt.Fatalf("blocked verdict carried changes: %+v", res)
		}
		if res.Allow && res.Action == domain.FilterBlock {
			rt.Fatalf("allowed verdict with block action")
		}
	})
}
