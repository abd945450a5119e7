package bridge

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/polisai/vexmesh/pkg/domain"
)

// Contender is one side of a conflict between in-flight translations.
type Contender struct {
	Event     *domain.SemanticEvent
	Direction domain.Direction
}

// ConflictResolver decides which of two translations touching the same
// identity survives. It returns true when incoming wins.
type ConflictResolver interface {
	Name() string
	Resolve(current, incoming Contender) bool
}

// LastWriterWins keeps the translation with the later event timestamp; ties
// go to the higher event id.
type LastWriterWins struct{}

// Name implements ConflictResolver.
func (LastWriterWins) Name() string { return "last_writer_wins" }

// Resolve implements ConflictResolver.
func (LastWriterWins) Resolve(current, incoming Contender) bool {
	ct, it := current.Event.Timestamp, incoming.Event.Timestamp
	if !it.Equal(ct) {
		return it.After(ct)
	}
	return incoming.Event.ID > current.Event.ID
}

// FirstWriterWins keeps whichever translation started first.
type FirstWriterWins struct{}

// Name implements ConflictResolver.
func (FirstWriterWins) Name() string { return "first_writer_wins" }

// Resolve implements ConflictResolver.
func (FirstWriterWins) Resolve(Contender, Contender) bool { return false }

// KernelWins prefers translations originating in the kernel module and falls
// back to LastWriterWins between equals.
type KernelWins struct{}

// Name implements ConflictResolver.
func (KernelWins) Name() string { return "kernel_wins" }

// Resolve implements ConflictResolver.
func (KernelWins) Resolve(current, incoming Contender) bool {
	ck := current.Direction == domain.KernelToFuse
	ik := incoming.Direction == domain.KernelToFuse
	if ck != ik {
		return ik
	}
	return LastWriterWins{}.Resolve(current, incoming)
}

// ResolverByName maps a configured strategy name to a resolver.
func ResolverByName(name string) (ConflictResolver, error) {
	switch name {
	case "", "last_writer_wins", "lww":
		return LastWriterWins{}, nil
	case "first_writer_wins", "fww":
		return FirstWriterWins{}, nil
	case "kernel_wins":
		return KernelWins{}, nil
	default:
		return nil, fmt.Errorf("unknown conflict resolution strategy %q", name)
	}
}

// flight is one translation in progress.
type flight struct {
	contender Contender
	keys      []string
	discarded atomic.Bool
}

// flightRegistry tracks in-flight translations by identity key.
type flightRegistry struct {
	mu     sync.Mutex
	byKey  map[string]*flight
	active int
}

func newFlightRegistry() *flightRegistry {
	return &flightRegistry{byKey: make(map[string]*flight)}
}

// conflict describes a resolution made while registering a flight.
type conflict struct {
	identity string
	winner   Contender
	loser    Contender
}

// begin registers a translation. When it collides with an in-flight one, the
// resolver picks a survivor: a losing existing flight is marked discarded and
// loses its keys, a losing incoming flight is returned discarded and is not
// registered.
func (r *flightRegistry) begin(c Contender, resolver ConflictResolver) (*flight, []conflict) {
	f := &flight{contender: c, keys: c.Event.IdentityKeys()}
	if len(f.keys) == 0 {
		return f, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	type rival struct {
		key    string
		flight *flight
	}
	var rivals []rival
	for _, key := range f.keys {
		existing, ok := r.byKey[key]
		if !ok || existing.discarded.Load() {
			continue
		}
		dup := false
		for _, rv := range rivals {
			dup = dup || rv.flight == existing
		}
		if !dup {
			rivals = append(rivals, rival{key: key, flight: existing})
		}
	}

	// The incoming flight must beat every rival to be registered.
	for _, rv := range rivals {
		if !resolver.Resolve(rv.flight.contender, c) {
			f.discarded.Store(true)
			return f, []conflict{{identity: rv.key, winner: rv.flight.contender, loser: c}}
		}
	}

	conflicts := make([]conflict, 0, len(rivals))
	for _, rv := range rivals {
		rv.flight.discarded.Store(true)
		r.dropLocked(rv.flight)
		conflicts = append(conflicts, conflict{identity: rv.key, winner: c, loser: rv.flight.contender})
	}
	for _, key := range f.keys {
		r.byKey[key] = f
	}
	r.active++
	return f, conflicts
}

// end unregisters a flight that is still registered.
func (r *flightRegistry) end(f *flight) {
	if len(f.keys) == 0 || f.discarded.Load() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(f)
}

func (r *flightRegistry) dropLocked(f *flight) {
	removed := false
	for _, key := range f.keys {
		if r.byKey[key] == f {
			delete(r.byKey, key)
			removed = true
		}
	}
	if removed {
		r.active--
	}
}

func (r *flightRegistry) inFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}
