package bridge

import (
	"sync"
	"time"

	"github.com/polisai/vexmesh/pkg/domain"
)

// ConflictRecord is one resolved conflict between in-flight translations.
type ConflictRecord struct {
	At        time.Time
	Identity  string
	Strategy  string
	WinnerID  uint64
	LoserID   uint64
	WinnerDir domain.Direction
	LoserDir  domain.Direction
}

// ConflictLog is a thread-safe fixed-size circular buffer of conflict
// decisions with oldest-first eviction.
type ConflictLog struct {
	records  []ConflictRecord
	head     int // Index of oldest element
	tail     int // Index where next element will be inserted
	size     int
	capacity int
	total    uint64
	mu       sync.RWMutex
}

// NewConflictLog creates a log holding at most capacity records.
func NewConflictLog(capacity int) *ConflictLog {
	if capacity <= 0 {
		capacity = 128
	}
	return &ConflictLog{
		records:  make([]ConflictRecord, capacity),
		capacity: capacity,
	}
}

// Add appends a record, evicting the oldest when full. It reports whether a
// record was evicted.
func (l *ConflictLog) Add(rec ConflictRecord) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := false
	l.records[l.tail] = rec
	l.tail = (l.tail + 1) % l.capacity
	l.total++

	if l.size < l.capacity {
		l.size++
	} else {
		l.head = (l.head + 1) % l.capacity
		evicted = true
	}
	return evicted
}

// All returns the retained records from oldest to newest.
func (l *ConflictLog) All() []ConflictRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]ConflictRecord, 0, l.size)
	for i := 0; i < l.size; i++ {
		out = append(out, l.records[(l.head+i)%l.capacity])
	}
	return out
}

// Newest returns the most recent record.
func (l *ConflictLog) Newest() (ConflictRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.size == 0 {
		return ConflictRecord{}, false
	}
	return l.records[(l.tail-1+l.capacity)%l.capacity], true
}

// Size returns the number of retained records.
func (l *ConflictLog) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Total returns how many records were ever added, evicted ones included.
func (l *ConflictLog) Total() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// Capacity returns the maximum number of retained records.
func (l *ConflictLog) Capacity() int { return l.capacity }

// Clear removes all records.
func (l *ConflictLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.records)
	l.head = 0
	l.tail = 0
	l.size = 0
	l.total = 0
}
