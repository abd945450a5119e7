// Package compiler turns declarative routing rules and filters into immutable,
// priority-ordered, versioned sets that the engines evaluate on the hot path.
//
// Compilation happens off to the side of the live set: a rule either compiles
// completely or not at all, and a whole set is only published once every
// member compiled.
package compiler

import (
	"context"
	"log/slog"
	"time"

	"github.com/polisai/vexmesh/internal/governance"
	"github.com/polisai/vexmesh/pkg/matcher"
	"github.com/polisai/vexmesh/pkg/policy"
)

// Options configure a Compiler.
type Options struct {
	// FalsePositiveRate sizes vocabulary Bloom filters.
	FalsePositiveRate float64
	// Posture decides custom condition outcomes on evaluation errors.
	Posture policy.PostureSet
	// Domain selects the posture entry (routing or filtering).
	Domain policy.Domain
	// PolicyCacheEntries bounds each custom condition's decision cache.
	PolicyCacheEntries int
	// RateLimiterKeys bounds the buckets each rate-limit condition keeps.
	RateLimiterKeys int
	// OnEvalError observes custom condition failures.
	OnEvalError func(id string, err error)
	Logger      *slog.Logger
}

// Option mutates Options.
type Option func(*Options)

// WithFalsePositiveRate sets the Bloom filter false positive rate.
func WithFalsePositiveRate(rate float64) Option {
	return func(o *Options) { o.FalsePositiveRate = rate }
}

// WithPosture sets the failure posture and the domain it is read for.
func WithPosture(set policy.PostureSet, d policy.Domain) Option {
	return func(o *Options) {
		o.Posture = set
		o.Domain = d
	}
}

// WithEvalErrorHandler observes custom condition failures.
func WithEvalErrorHandler(fn func(id string, err error)) Option {
	return func(o *Options) { o.OnEvalError = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// Compiler compiles rules and filters. It is stateless apart from its options
// and safe for concurrent use.
type Compiler struct {
	opts Options
}

// New returns a Compiler.
func New(opts ...Option) *Compiler {
	o := Options{
		FalsePositiveRate:  matcher.DefaultFalsePositiveRate,
		Posture:            policy.DefaultPostureSet(),
		Domain:             policy.DomainRouting,
		PolicyCacheEntries: 1024,
		RateLimiterKeys:    4096,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Compiler{opts: o}
}

// evalEnv is what a compiled condition sees at evaluation time.
type evalEnv struct {
	ctx context.Context
	now time.Time
}

func (c *Compiler) newRateLimiter(eps float64, burst int) *governance.RateLimiter {
	return governance.NewRateLimiter(governance.RateLimiterConfig{
		EventsPerSecond: eps,
		BurstSize:       burst,
	}, c.opts.RateLimiterKeys)
}
