package matcher

import (
	"math"

	"github.com/bits-and-blooms/bloom/v3"
)

// DefaultFalsePositiveRate is used when a Bloom filter is built with a rate
// outside (0, 1).
const DefaultFalsePositiveRate = 0.01

// Bloom is a probabilistic set: Contains never reports false for an added
// item, and reports true for an absent item with roughly the configured rate.
type Bloom struct {
	filter *bloom.BloomFilter
	items  uint
}

// NewBloom sizes a filter for expected items at the given false-positive rate.
func NewBloom(expected uint, fpRate float64) *Bloom {
	if expected == 0 {
		expected = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultFalsePositiveRate
	}
	return &Bloom{filter: bloom.NewWithEstimates(expected, fpRate)}
}

// Add inserts item. Not safe to call concurrently with Contains; filters are
// populated at compile time and read-only afterwards.
func (b *Bloom) Add(item string) {
	b.filter.AddString(item)
	b.items++
}

// Contains reports whether item may have been added.
func (b *Bloom) Contains(item string) bool {
	return b.filter.TestString(item)
}

func (b *Bloom) containsBytes(p []byte) bool {
	return b.filter.Test(p)
}

// Len returns the number of Add calls.
func (b *Bloom) Len() uint { return b.items }

// EstimatedFalsePositiveRate reports the theoretical rate at the current fill.
func (b *Bloom) EstimatedFalsePositiveRate() float64 {
	m, k := float64(b.filter.Cap()), float64(b.filter.K())
	return math.Pow(1-math.Exp(-k*float64(b.items)/m), k)
}
