package domain

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// TranslationMode selects how the bridge performs a translation.
type TranslationMode int

// Translation modes.
const (
	ModeSynchronous TranslationMode = iota
	ModeAsynchronous
	ModeZeroCopy
)

func (m TranslationMode) String() string {
	switch m {
	case ModeSynchronous:
		return "synchronous"
	case ModeAsynchronous:
		return "asynchronous"
	case ModeZeroCopy:
		return "zero_copy"
	default:
		return "unknown"
	}
}

// ParseTranslationMode maps a configuration string to a mode.
func ParseTranslationMode(s string) (TranslationMode, bool) {
	switch s {
	case "synchronous", "sync", "":
		return ModeSynchronous, true
	case "asynchronous", "async":
		return ModeAsynchronous, true
	case "zero_copy", "zerocopy":
		return ModeZeroCopy, true
	default:
		return ModeSynchronous, false
	}
}

// Direction is the way a translation crosses the privilege boundary.
type Direction string

// Directions.
const (
	KernelToFuse Direction = "kernel_to_fuse"
	FuseToKernel Direction = "fuse_to_kernel"
)

// KernelEvent is the flattened form the kernel-resident component consumes.
// It only has room for filesystem, system and trace identity plus the graph
// node and vector ids; agent and semantic context do not survive the trip.
type KernelEvent struct {
	ID             uint64
	Type           EventType
	TimestampNanos int64
	GlobalSequence uint64
	LocalSequence  uint64
	Priority       Priority
	Flags          EventFlags

	Path      string
	OldPath   string
	Inode     uint64
	Mode      uint32
	Size      int64
	Operation string

	PID uint32
	UID uint32
	GID uint32

	GraphNodeID uint64
	VectorID    uint64

	TraceID string
	SpanID  string

	// Carried is a bitmask of the sub-contexts this record holds, indexed by
	// position in AllContextKinds.
	Carried uint8

	Payload    []byte
	Compressed bool
}

// Carries reports whether the record holds the given sub-context.
func (k *KernelEvent) Carries(kind ContextKind) bool {
	for i, known := range AllContextKinds {
		if known == kind {
			return k.Carried&(1<<uint(i)) != 0
		}
	}
	return false
}

// MarkCarried records that the given sub-context is held.
func (k *KernelEvent) MarkCarried(kind ContextKind) {
	for i, known := range AllContextKinds {
		if known == kind {
			k.Carried |= 1 << uint(i)
			return
		}
	}
}

// SlotHandle addresses a zero-copy arena slot. Generation guards against a
// stale handle touching a reused slot.
type SlotHandle struct {
	Index      uint32
	Generation uint32
}

// TranslationResult is the outcome of one bridge translation.
type TranslationResult struct {
	Direction                Direction
	Mode                     TranslationMode
	Event                    *SemanticEvent
	Kernel                   *KernelEvent
	ContextPreservationScore float64
	BelowThreshold           bool
	PreservedContexts        []ContextKind
	LostContexts             []ContextKind
	Conflict                 bool
	Discarded                bool
	Duration                 time.Duration
	Attempts                 int

	// Slot is set for zero-copy results whose payload aliases an arena slot.
	// The holder must call release exactly once.
	Slot    *SlotHandle
	release atomic.Pointer[func()]

	// Pending is set for asynchronous submissions.
	Pending *PendingTranslation
}

// SetRelease installs the slot release callback.
func (r *TranslationResult) SetRelease(fn func()) {
	if fn == nil {
		r.release.Store(nil)
		return
	}
	r.release.Store(&fn)
}

// Release returns the zero-copy slot, if any. It is safe to call more than
// once and from several goroutines; the callback runs at most once.
func (r *TranslationResult) Release() {
	if r == nil {
		return
	}
	if fn := r.release.Swap(nil); fn != nil {
		(*fn)()
	}
}

// PendingTranslation is the handle for an asynchronous translation. It is
// completed exactly once, with either a result or an error.
type PendingTranslation struct {
	once   sync.Once
	done   chan struct{}
	result *TranslationResult
	err    error
}

// NewPendingTranslation returns an incomplete handle.
func NewPendingTranslation() *PendingTranslation {
	return &PendingTranslation{done: make(chan struct{})}
}

// Complete records the outcome. Later calls are ignored and report false.
func (p *PendingTranslation) Complete(res *TranslationResult, err error) bool {
	completed := false
	p.once.Do(func() {
		p.result = res
		p.err = err
		close(p.done)
		completed = true
	})
	return completed
}

// Done is closed once the translation completes.
func (p *PendingTranslation) Done() <-chan struct{} { return p.done }

// Result returns the outcome; it blocks until completion.
func (p *PendingTranslation) Result() (*TranslationResult, error) {
	<-p.done
	return p.result, p.err
}

// Wait blocks until completion or until ctx ends.
func (p *PendingTranslation) Wait(ctx context.Context) (*TranslationResult, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, WrapError(ErrTimeout, "wait translation", ctx.Err())
	}
}
