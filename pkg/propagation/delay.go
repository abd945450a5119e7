package propagation

import (
	"container/heap"
	"time"

	"github.com/polisai/vexmesh/pkg/domain"
)

// delayed is an event held back by a Delay verdict. Its ids were handed to
// the caller when it was queued.
type delayed struct {
	releaseAt time.Time
	seq       uint64
	event     *domain.SemanticEvent
	source    domain.EventBoundary
	targets   []domain.EventBoundary
	ids       []domain.PropagationID
}

// delayHeap orders delayed events by release time, then by arrival.
type delayHeap []*delayed

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	if !h[i].releaseAt.Equal(h[j].releaseAt) {
		return h[i].releaseAt.Before(h[j].releaseAt)
	}
	return h[i].seq < h[j].seq
}

func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x any) { *h = append(*h, x.(*delayed)) }

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// push queues d unless the queue is at capacity.
func (m *Manager) pushDelayed(d *delayed) bool {
	m.delayMu.Lock()
	defer m.delayMu.Unlock()
	if m.delays.Len() >= m.cfg.MaxQueueSize {
		return false
	}
	m.delaySeq++
	d.seq = m.delaySeq
	heap.Push(&m.delays, d)
	m.metrics.SetQueueDepth(delayQueueName, m.delays.Len())
	return true
}

// dueDelayed pops every event whose release time has passed.
func (m *Manager) dueDelayed(now time.Time) []*delayed {
	m.delayMu.Lock()
	defer m.delayMu.Unlock()
	var due []*delayed
	for m.delays.Len() > 0 && !m.delays[0].releaseAt.After(now) {
		due = append(due, heap.Pop(&m.delays).(*delayed))
	}
	if len(due) > 0 {
		m.metrics.SetQueueDepth(delayQueueName, m.delays.Len())
	}
	return due
}

func (m *Manager) delayDepth() int {
	m.delayMu.Lock()
	defer m.delayMu.Unlock()
	return m.delays.Len()
}
