package bridge

import (
	"sync/atomic"

	"github.com/polisai/vexmesh/pkg/domain"
)

// Slot states. A slot only moves Free→Writing→Ready→Reading→Free, and each
// transition is a compare-and-swap so no two holders can alias a slot.
const (
	slotFree uint32 = iota
	slotWriting
	slotReady
	slotReading
)

// slot keeps its generation and state in one word, so every transition also
// checks the handle's generation.
type slot struct {
	word atomic.Uint64
	n    int
	buf  []byte
}

func pack(gen, state uint32) uint64 { return uint64(gen)<<32 | uint64(state) }

func unpack(w uint64) (gen, state uint32) { return uint32(w >> 32), uint32(w) }

func (s *slot) generation() uint32 {
	gen, _ := unpack(s.word.Load())
	return gen
}

func (s *slot) transition(gen, from, to uint32) bool {
	return s.word.CompareAndSwap(pack(gen, from), pack(gen, to))
}

// Arena is a named, bounded region of fixed-size slots shared by both sides
// of the bridge. Slots are addressed by handles carrying a generation so a
// stale handle cannot touch a reused slot.
type Arena struct {
	name     string
	slotSize int
	region   []byte
	slots    []slot
	free     chan uint32
	inUse    atomic.Int64
}

// NewArena allocates count slots of slotSize bytes each.
func NewArena(name string, count, slotSize int) *Arena {
	if count <= 0 {
		count = 1
	}
	if slotSize <= 0 {
		slotSize = 4096
	}
	a := &Arena{
		name:     name,
		slotSize: slotSize,
		region:   make([]byte, count*slotSize),
		slots:    make([]slot, count),
		free:     make(chan uint32, count),
	}
	for i := range a.slots {
		a.slots[i].buf = a.region[i*slotSize : (i+1)*slotSize : (i+1)*slotSize]
		a.free <- uint32(i)
	}
	return a
}

// Name returns the region name.
func (a *Arena) Name() string { return a.name }

// SlotSize returns the capacity of one slot.
func (a *Arena) SlotSize() int { return a.slotSize }

// Slots returns the number of slots.
func (a *Arena) Slots() int { return len(a.slots) }

// InUse returns the number of slots not free.
func (a *Arena) InUse() int { return int(a.inUse.Load()) }

// Acquire reserves a free slot for writing. It never blocks; ok is false
// when the region is exhausted.
func (a *Arena) Acquire() (h domain.SlotHandle, buf []byte, ok bool) {
	select {
	case idx := <-a.free:
		s := &a.slots[idx]
		gen := s.generation()
		if !s.transition(gen, slotFree, slotWriting) {
			// A slot on the free list is always Free.
			return domain.SlotHandle{}, nil, false
		}
		a.inUse.Add(1)
		return domain.SlotHandle{Index: idx, Generation: gen}, s.buf, true
	default:
		return domain.SlotHandle{}, nil, false
	}
}

func (a *Arena) slot(h domain.SlotHandle) (*slot, error) {
	if int(h.Index) >= len(a.slots) {
		return nil, domain.NewError(domain.ErrInvalidArgument, "arena", "slot %d out of range", h.Index)
	}
	s := &a.slots[h.Index]
	if s.generation() != h.Generation {
		return nil, domain.NewError(domain.ErrInvalidArgument, "arena", "stale handle for slot %d", h.Index)
	}
	return s, nil
}

// Publish marks n written bytes ready for the reader.
func (a *Arena) Publish(h domain.SlotHandle, n int) error {
	s, err := a.slot(h)
	if err != nil {
		return err
	}
	if n < 0 || n > a.slotSize {
		return domain.NewError(domain.ErrInvalidArgument, "arena", "length %d exceeds slot size", n)
	}
	s.n = n
	if !s.transition(h.Generation, slotWriting, slotReady) {
		return domain.NewError(domain.ErrInternal, "arena", "slot %d not being written", h.Index)
	}
	return nil
}

// Read takes the reader's side of a ready slot and returns its contents. The
// returned slice aliases the region until Release.
func (a *Arena) Read(h domain.SlotHandle) ([]byte, error) {
	s, err := a.slot(h)
	if err != nil {
		return nil, err
	}
	if !s.transition(h.Generation, slotReady, slotReading) {
		return nil, domain.NewError(domain.ErrInternal, "arena", "slot %d not ready", h.Index)
	}
	return s.buf[:s.n:s.n], nil
}

// Release returns a slot to the free list from any held state and bumps its
// generation in the same step. Releasing a stale handle is an error and
// changes nothing, even when it races a reuse of the slot.
func (a *Arena) Release(h domain.SlotHandle) error {
	s, err := a.slot(h)
	if err != nil {
		return err
	}
	for _, from := range []uint32{slotReading, slotReady, slotWriting} {
		if s.word.CompareAndSwap(pack(h.Generation, from), pack(h.Generation+1, slotFree)) {
			s.n = 0
			a.inUse.Add(-1)
			a.free <- h.Index
			return nil
		}
	}
	if s.generation() != h.Generation {
		return domain.NewError(domain.ErrInvalidArgument, "arena", "stale handle for slot %d", h.Index)
	}
	return domain.NewError(domain.ErrInternal, "arena", "slot %d already free", h.Index)
}
