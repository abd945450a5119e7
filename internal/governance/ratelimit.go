package governance

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines a token bucket: sustained events per second and burst.
type RateLimiterConfig struct {
	EventsPerSecond float64
	BurstSize       int
}

func (c RateLimiterConfig) normalized() RateLimiterConfig {
	if c.EventsPerSecond <= 0 {
		c.EventsPerSecond = 100
	}
	if c.BurstSize <= 0 {
		c.BurstSize = int(c.EventsPerSecond)
		if c.BurstSize < 1 {
			c.BurstSize = 1
		}
	}
	return c
}

// RateLimiter keeps one token bucket per key. Keys without an explicit
// configuration get a bucket built from the fallback configuration on first use.
type RateLimiter struct {
	mu       sync.RWMutex
	buckets  map[string]*rate.Limiter
	config   map[string]RateLimiterConfig
	fallback RateLimiterConfig
	maxKeys  int
}

// NewRateLimiter creates a limiter. maxKeys bounds the number of lazily
// created buckets; once reached, unknown keys share the "*" bucket.
func NewRateLimiter(fallback RateLimiterConfig, maxKeys int) *RateLimiter {
	if maxKeys <= 0 {
		maxKeys = 4096
	}
	return &RateLimiter{
		buckets:  make(map[string]*rate.Limiter),
		config:   make(map[string]RateLimiterConfig),
		fallback: fallback.normalized(),
		maxKeys:  maxKeys,
	}
}

// Configure replaces the explicit per-key limits. Existing buckets keep their
// current tokens but pick up the new rate and burst.
func (rl *RateLimiter) Configure(config map[string]RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.config = make(map[string]RateLimiterConfig, len(config))
	for key, cfg := range config {
		cfg = cfg.normalized()
		rl.config[key] = cfg
		if b, ok := rl.buckets[key]; ok {
			b.SetLimit(rate.Limit(cfg.EventsPerSecond))
			b.SetBurst(cfg.BurstSize)
		}
	}
}

// Allow reports whether one event for key fits within the limit now.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.AllowAt(key, time.Now())
}

// AllowAt is Allow evaluated at an explicit instant.
func (rl *RateLimiter) AllowAt(key string, now time.Time) bool {
	return rl.bucket(key).AllowN(now, 1)
}

func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok = rl.buckets[key]; ok {
		return b
	}
	cfg, explicit := rl.config[key]
	if !explicit {
		cfg = rl.fallback
		if len(rl.buckets) >= rl.maxKeys {
			key = "*"
			if b, ok = rl.buckets[key]; ok {
				return b
			}
		}
	}
	b = rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), cfg.BurstSize)
	rl.buckets[key] = b
	return b
}

// Reset drops every bucket; the next event per key starts with a full burst.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	rl.buckets = make(map[string]*rate.Limiter)
	rl.mu.Unlock()
}

// RateLimitStats exposes current state of a bucket.
type RateLimitStats struct {
	Limit     float64 `json:"limit"`
	BurstSize int     `json:"burstSize"`
	Available float64 `json:"available"`
}

// Stats returns current statistics for every bucket.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := time.Now()
	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for key, b := range rl.buckets {
		stats[key] = RateLimitStats{
			Limit:     float64(b.Limit()),
			BurstSize: b.Burst(),
			Available: b.TokensAt(now),
		}
	}
	return stats
}
