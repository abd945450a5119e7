package bridge

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/vexmesh/pkg/domain"
)

var t0 = time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SyncTimeout = time.Second
	cfg.RetryBackoff = 0
	return cfg
}

func newBridge(t *testing.T, cfg Config, opts ...Option) *Bridge {
	t.Helper()
	b, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func fsEvent(id uint64, path string, at time.Time) *domain.SemanticEvent {
	return &domain.SemanticEvent{
		ID:         id,
		Type:       domain.EventFSWrite,
		Timestamp:  at,
		Priority:   domain.PriorityNormal,
		Filesystem: &domain.FilesystemContext{Path: path, Inode: 42, Size: 5, Operation: "write"},
		Payload:    []byte("hello"),
		Metadata:   map[string]string{"origin": "test"},
	}
}

func TestTranslateFuseToKernelScoresPreservation(t *testing.T) {
	b := newBridge(t, testConfig())
	ev := fsEvent(1, "/data/a.txt", t0)
	ev.System = &domain.SystemContext{PID: 10, UID: 0, GID: 0, Hostname: "node-1"}
	ev.Agent = &domain.AgentContext{AgentID: "agent-7"}

	res, err := b.TranslateFuseToKernel(context.Background(), ev, domain.ModeSynchronous)
	require.NoError(t, err)

	assert.Equal(t, domain.FuseToKernel, res.Direction)
	assert.Equal(t, "/data/a.txt", res.Kernel.Path)
	assert.Equal(t, uint32(10), res.Kernel.PID)
	assert.InDelta(t, 2.0/3.0, res.ContextPreservationScore, 1e-9)
	assert.True(t, res.BelowThreshold)
	assert.Equal(t, []domain.ContextKind{domain.ContextFilesystem, domain.ContextSystem}, res.PreservedContexts)
	assert.Equal(t, []domain.ContextKind{domain.ContextAgent}, res.LostContexts)
	assert.Equal(t, "node-1", res.Event.System.Hostname)
	assert.Equal(t, "test", res.Event.Metadata["origin"])
	assert.Equal(t, []byte("hello"), res.Event.Payload)
	assert.True(t, res.Event.Timestamp.Equal(t0))
	assert.Equal(t, 1, res.Attempts)

	// The input is untouched.
	assert.NotNil(t, ev.Agent)
	assert.Equal(t, []byte("hello"), ev.Payload)
}

func TestTranslateWithoutContextScoresOne(t *testing.T) {
	b := newBridge(t, testConfig())
	ev := &domain.SemanticEvent{ID: 3, Type: domain.EventSystemMount, Timestamp: t0}

	res, err := b.TranslateKernelToFuse(context.Background(), ev, domain.ModeSynchronous)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.ContextPreservationScore)
	assert.False(t, res.BelowThreshold)
	assert.Empty(t, res.LostContexts)
}

func TestGraphWithoutNodeIDIsLost(t *testing.T) {
	b := newBridge(t, testConfig())
	ev := &domain.SemanticEvent{
		ID:    4,
		Type:  domain.EventGraphEdgeAdd,
		Graph: &domain.GraphContext{EdgeID: 9},
	}
	res, err := b.TranslateKernelToFuse(context.Background(), ev, domain.ModeSynchronous)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.ContextPreservationScore)
	assert.Equal(t, []domain.ContextKind{domain.ContextGraph}, res.LostContexts)
}

func TestTranslateRejectsNilEvent(t *testing.T) {
	b := newBridge(t, testConfig())
	_, err := b.TranslateKernelToFuse(context.Background(), nil, domain.ModeSynchronous)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func genEvent(t *rapid.T) *domain.SemanticEvent {
	ev := &domain.SemanticEvent{
		ID:   rapid.Uint64().Draw(t, "id"),
		Type: domain.EventFSWrite,
	}
	if rapid.Bool().Draw(t, "fs") {
		ev.Filesystem = &domain.FilesystemContext{Path: rapid.StringMatching(`/[a-z]{1,8}`).Draw(t, "path")}
	}
	if rapid.Bool().Draw(t, "graph") {
		ev.Graph = &domain.GraphContext{NodeID: rapid.Uint64Range(0, 3).Draw(t, "node")}
	}
	if rapid.Bool().Draw(t, "vector") {
		ev.Vector = &domain.VectorContext{VectorID: rapid.Uint64Range(0, 3).Draw(t, "vec")}
	}
	if rapid.Bool().Draw(t, "agent") {
		ev.Agent = &domain.AgentContext{AgentID: "a"}
	}
	if rapid.Bool().Draw(t, "system") {
		ev.System = &domain.SystemContext{PID: 1}
	}
	if rapid.Bool().Draw(t, "obs") {
		ev.Observability = &domain.ObservabilityContext{TraceID: "t"}
	}
	return ev
}

// **Feature: event-mesh, Property 5: Context preservation score is a bounded ratio that never rises when unpreservable context is added**
func TestPreservationScoreMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ev := genEvent(t)

		k, env := toKernel(ev)
		score, preserved, lost := preservation(ev, fromKernel(k, env, nil))

		if score < 0 || score > 1 {
			t.Fatalf("score %v out of range", score)
		}
		if len(preserved)+len(lost) != len(ev.ContextKinds()) {
			t.Fatalf("preserved %v + lost %v do not cover %v", preserved, lost, ev.ContextKinds())
		}

		wider := ev.Clone()
		wider.Semantic = &domain.SemanticContext{Intent: "x"}
		k2, env2 := toKernel(wider)
		widerScore, _, _ := preservation(wider, fromKernel(k2, env2, nil))
		if widerScore > score {
			t.Fatalf("adding semantic context raised score from %v to %v", score, widerScore)
		}
	})
}

type flakyTransport struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	kernels   []domain.KernelEvent
}

func (f *flakyTransport) Commit(_ context.Context, res *domain.TranslationResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	k := *res.Kernel
	k.Payload = bytes.Clone(k.Payload)
	f.kernels = append(f.kernels, k)
	if f.calls <= f.failFirst {
		return errors.New("transport unavailable")
	}
	return nil
}

func TestRetryUsesIdenticalInputs(t *testing.T) {
	tr := &flakyTransport{failFirst: 2}
	b := newBridge(t, testConfig(), WithTransport(tr))
	ev := fsEvent(11, "/data/retry", t0)

	res, err := b.TranslateFuseToKernel(context.Background(), ev, domain.ModeSynchronous)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	require.Len(t, tr.kernels, 3)
	for _, k := range tr.kernels[1:] {
		assert.Equal(t, tr.kernels[0], k)
	}
	assert.Equal(t, uint64(2), b.Stats().Retries)
}

func TestRetryExhaustedIsTranslationError(t *testing.T) {
	tr := &flakyTransport{failFirst: 100}
	cfg := testConfig()
	cfg.MaxRetryAttempts = 2
	b := newBridge(t, cfg, WithTransport(tr))

	_, err := b.TranslateFuseToKernel(context.Background(), fsEvent(12, "/x", t0), domain.ModeSynchronous)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTranslation)
	assert.Equal(t, 2, tr.calls)
	assert.Equal(t, uint64(1), b.Stats().Failed)
}

func TestSyncTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.SyncTimeout = 20 * time.Millisecond
	b := newBridge(t, cfg, WithTransport(TransportFunc(func(ctx context.Context, _ *domain.TranslationResult) error {
		<-ctx.Done()
		return ctx.Err()
	})))

	_, err := b.TranslateKernelToFuse(context.Background(), fsEvent(13, "/slow", t0), domain.ModeSynchronous)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, uint64(1), b.Stats().Timeouts)
}

func TestAsyncTranslationCompletes(t *testing.T) {
	b := newBridge(t, testConfig())
	require.NoError(t, b.Start(context.Background()))

	res, err := b.TranslateKernelToFuse(context.Background(), fsEvent(20, "/async", t0), domain.ModeAsynchronous)
	require.NoError(t, err)
	require.NotNil(t, res.Pending)
	assert.Equal(t, domain.ModeAsynchronous, res.Mode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done, err := res.Pending.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/async", done.Kernel.Path)
	assert.Equal(t, 1.0, done.ContextPreservationScore)
}

func TestAsyncRequiresStart(t *testing.T) {
	b := newBridge(t, testConfig())
	_, err := b.TranslateKernelToFuse(context.Background(), fsEvent(21, "/a", t0), domain.ModeAsynchronous)
	assert.ErrorIs(t, err, domain.ErrInternal)
}

func TestAsyncQueueFull(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	cfg := testConfig()
	cfg.AsyncWorkers = 1
	cfg.AsyncQueueSize = 1
	b := newBridge(t, cfg, WithTransport(TransportFunc(func(ctx context.Context, _ *domain.TranslationResult) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})))
	require.NoError(t, b.Start(context.Background()))

	first, err := b.TranslateKernelToFuse(context.Background(), fsEvent(30, "/q1", t0), domain.ModeAsynchronous)
	require.NoError(t, err)
	<-entered

	second, err := b.TranslateKernelToFuse(context.Background(), fsEvent(31, "/q2", t0), domain.ModeAsynchronous)
	require.NoError(t, err)

	_, err = b.TranslateKernelToFuse(context.Background(), fsEvent(32, "/q3", t0), domain.ModeAsynchronous)
	require.Error(t, err)
	assert.True(t, domain.IsResourceExhausted(err))
	assert.Equal(t, uint64(1), b.Stats().AsyncRejected)

	close(release)
	require.NoError(t, b.Stop())

	for _, p := range []*domain.PendingTranslation{first.Pending, second.Pending} {
		select {
		case <-p.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("pending translation never completed")
		}
	}
	_, err = first.Pending.Result()
	assert.NoError(t, err)
}

func TestZeroCopyAliasesSlotUntilRelease(t *testing.T) {
	cfg := testConfig()
	cfg.ArenaSlots = 1
	b := newBridge(t, cfg)

	first, err := b.TranslateFuseToKernel(context.Background(), fsEvent(40, "/zc/1", t0), domain.ModeZeroCopy)
	require.NoError(t, err)
	require.NotNil(t, first.Slot)
	assert.Equal(t, []byte("hello"), first.Event.Payload)
	assert.Equal(t, 1, b.Arena().InUse())

	second, err := b.TranslateFuseToKernel(context.Background(), fsEvent(41, "/zc/2", t0), domain.ModeZeroCopy)
	require.NoError(t, err)
	assert.Nil(t, second.Slot)
	assert.Equal(t, []byte("hello"), second.Event.Payload)
	assert.Equal(t, uint64(1), b.Stats().Fallbacks)

	first.Release()
	first.Release()
	assert.Equal(t, 0, b.Arena().InUse())

	third, err := b.TranslateFuseToKernel(context.Background(), fsEvent(42, "/zc/3", t0), domain.ModeZeroCopy)
	require.NoError(t, err)
	require.NotNil(t, third.Slot)
	assert.Equal(t, first.Slot.Index, third.Slot.Index)
	assert.Equal(t, first.Slot.Generation+1, third.Slot.Generation)
	third.Release()
}

func TestZeroCopyOversizedFallsBack(t *testing.T) {
	cfg := testConfig()
	cfg.SlotSize = 8
	b := newBridge(t, cfg)
	ev := fsEvent(43, "/big", t0)
	ev.Payload = bytes.Repeat([]byte("x"), 16)

	res, err := b.TranslateFuseToKernel(context.Background(), ev, domain.ModeZeroCopy)
	require.NoError(t, err)
	assert.Nil(t, res.Slot)
	assert.Equal(t, ev.Payload, res.Event.Payload)
	assert.Equal(t, 0, b.Arena().InUse())
}

func TestArenaHandles(t *testing.T) {
	a := NewArena("test", 2, 16)
	h, buf, ok := a.Acquire()
	require.True(t, ok)
	require.Len(t, buf, 16)

	_, err := a.Read(h)
	assert.Error(t, err, "read before publish")

	n := copy(buf, "abc")
	require.NoError(t, a.Publish(h, n))
	data, err := a.Read(h)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)

	require.NoError(t, a.Release(h))
	assert.Error(t, a.Release(h), "stale handle")
	assert.Equal(t, 0, a.InUse())

	assert.Error(t, a.Publish(domain.SlotHandle{Index: 9}, 1))
}

func TestArenaExhaustion(t *testing.T) {
	a := NewArena("test", 1, 4)
	_, _, ok := a.Acquire()
	require.True(t, ok)
	_, _, ok = a.Acquire()
	assert.False(t, ok)
}

func TestArenaConcurrentReleaseFreesOnce(t *testing.T) {
	a := NewArena("test", 1, 4)
	h, _, ok := a.Acquire()
	require.True(t, ok)

	var wg sync.WaitGroup
	var freed atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if a.Release(h) == nil {
				freed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), freed.Load())
	assert.Equal(t, 0, a.InUse())

	// The slot is reusable exactly once.
	_, _, ok = a.Acquire()
	assert.True(t, ok)
	_, _, ok = a.Acquire()
	assert.False(t, ok)
}

func TestArenaStaleReleaseLeavesReusedSlot(t *testing.T) {
	a := NewArena("test", 1, 4)
	old, _, ok := a.Acquire()
	require.True(t, ok)
	require.NoError(t, a.Release(old))

	h, _, ok := a.Acquire()
	require.True(t, ok)
	require.Equal(t, old.Index, h.Index)

	assert.Error(t, a.Release(old))
	assert.Equal(t, 1, a.InUse())
	require.NoError(t, a.Publish(h, 2))
	require.NoError(t, a.Release(h))
}

// blockingTransport holds commits for selected events until released.
type blockingTransport struct {
	hold    map[uint64]chan struct{}
	entered chan uint64
}

func (bt *blockingTransport) Commit(ctx context.Context, res *domain.TranslationResult) error {
	ch, ok := bt.hold[res.Kernel.ID]
	if !ok {
		return nil
	}
	bt.entered <- res.Kernel.ID
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestLastWriterWinsDiscardsEarlierInFlight(t *testing.T) {
	release := make(chan struct{})
	bt := &blockingTransport{hold: map[uint64]chan struct{}{1: release}, entered: make(chan uint64, 1)}
	b := newBridge(t, testConfig(), WithTransport(bt))

	var older *domain.TranslationResult
	var olderErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		older, olderErr = b.TranslateFuseToKernel(context.Background(), fsEvent(1, "/shared", t0), domain.ModeSynchronous)
	}()
	<-bt.entered

	newer, err := b.TranslateKernelToFuse(context.Background(), fsEvent(2, "/shared", t0.Add(time.Second)), domain.ModeSynchronous)
	require.NoError(t, err)
	assert.True(t, newer.Conflict)
	assert.False(t, newer.Discarded)

	close(release)
	wg.Wait()
	require.NoError(t, olderErr)
	assert.True(t, older.Conflict)
	assert.True(t, older.Discarded)

	records := b.Conflicts()
	require.Len(t, records, 1)
	assert.Equal(t, uint64(2), records[0].WinnerID)
	assert.Equal(t, uint64(1), records[0].LoserID)
	assert.Equal(t, "path:/shared", records[0].Identity)
	assert.Equal(t, "last_writer_wins", records[0].Strategy)
	assert.Equal(t, 0, b.Stats().InFlight)
}

func TestOlderIncomingIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	bt := &blockingTransport{hold: map[uint64]chan struct{}{5: release}, entered: make(chan uint64, 1)}
	b := newBridge(t, testConfig(), WithTransport(bt))

	var wg sync.WaitGroup
	var current *domain.TranslationResult
	wg.Add(1)
	go func() {
		defer wg.Done()
		current, _ = b.TranslateFuseToKernel(context.Background(), fsEvent(5, "/v", t0.Add(time.Minute)), domain.ModeSynchronous)
	}()
	<-bt.entered

	stale, err := b.TranslateFuseToKernel(context.Background(), fsEvent(4, "/v", t0), domain.ModeSynchronous)
	require.NoError(t, err)
	assert.True(t, stale.Discarded)

	close(release)
	wg.Wait()
	require.NotNil(t, current)
	assert.False(t, current.Discarded)
	assert.Equal(t, uint64(1), b.Stats().Discarded)
}

func TestResolvers(t *testing.T) {
	older := Contender{Event: &domain.SemanticEvent{ID: 1, Timestamp: t0}, Direction: domain.KernelToFuse}
	newer := Contender{Event: &domain.SemanticEvent{ID: 2, Timestamp: t0.Add(time.Millisecond)}, Direction: domain.FuseToKernel}
	tie := Contender{Event: &domain.SemanticEvent{ID: 3, Timestamp: t0}, Direction: domain.FuseToKernel}

	assert.True(t, LastWriterWins{}.Resolve(older, newer))
	assert.False(t, LastWriterWins{}.Resolve(newer, older))
	assert.True(t, LastWriterWins{}.Resolve(older, tie), "tie goes to higher id")
	assert.False(t, FirstWriterWins{}.Resolve(older, newer))
	assert.False(t, KernelWins{}.Resolve(older, newer))
	assert.True(t, KernelWins{}.Resolve(newer, older))

	_, err := ResolverByName("coin_flip")
	assert.Error(t, err)
	r, err := ResolverByName("kernel_wins")
	require.NoError(t, err)
	assert.Equal(t, "kernel_wins", r.Name())
}

func TestConflictLogEvictsOldest(t *testing.T) {
	l := NewConflictLog(2)
	for i := uint64(1); i <= 3; i++ {
		l.Add(ConflictRecord{WinnerID: i})
	}
	all := l.All()
	require.Len(t, all, 2)
	assert.Equal(t, uint64(2), all[0].WinnerID)
	assert.Equal(t, uint64(3), all[1].WinnerID)
	assert.Equal(t, uint64(3), l.Total())
	newest, ok := l.Newest()
	require.True(t, ok)
	assert.Equal(t, uint64(3), newest.WinnerID)
}

func TestCompressionRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.Compression = true
	cfg.CompressionThreshold = 64
	b := newBridge(t, cfg)
	ev := fsEvent(50, "/blob", t0)
	ev.Payload = bytes.Repeat([]byte("vexmesh "), 512)

	res, err := b.TranslateFuseToKernel(context.Background(), ev, domain.ModeSynchronous)
	require.NoError(t, err)
	assert.True(t, res.Kernel.Compressed)
	assert.Less(t, len(res.Kernel.Payload), len(ev.Payload))
	assert.Equal(t, ev.Payload, res.Event.Payload)
	assert.Equal(t, ev.Flags, res.Event.Flags)
	assert.Equal(t, uint64(1), b.Stats().Compressed)

	small, err := b.TranslateFuseToKernel(context.Background(), fsEvent(51, "/small", t0), domain.ModeSynchronous)
	require.NoError(t, err)
	assert.False(t, small.Kernel.Compressed)
}

func TestConcurrentTranslationsRespectArena(t *testing.T) {
	cfg := testConfig()
	cfg.ArenaSlots = 4
	b := newBridge(t, cfg)

	var held atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := b.TranslateFuseToKernel(context.Background(),
				fsEvent(uint64(100+i), "/c/"+string(rune('a'+i)), t0), domain.ModeZeroCopy)
			if err != nil || res.Discarded {
				return
			}
			if res.Slot != nil {
				if n := held.Add(1); n > 4 {
					t.Errorf("%d slots held at once", n)
				}
				held.Add(-1)
			}
			res.Release()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, b.Arena().InUse())
}
