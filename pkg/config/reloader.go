package config

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/vexmesh/pkg/metrics"
)

// Applier pushes the live-adjustable part of a configuration into a running
// component. Returning an error aborts the reload.
type Applier struct {
	Name  string
	Apply func(next, prev *Config) error
}

// Reloader swaps the active configuration atomically. Appliers run in
// registration order; if one fails, those already applied are re-run with
// the previous configuration and the active pointer is left unchanged.
type Reloader struct {
	current atomic.Pointer[Config]
	logger  *slog.Logger
	metrics *metrics.Metrics
	load    func(path string) (*Config, error)

	mu          sync.Mutex
	appliers    []Applier
	reloadCount int64
	failures    int64
	lastReload  time.Time
}

// NewReloader creates a reloader seeded with initial.
func NewReloader(initial *Config, logger *slog.Logger, m *metrics.Metrics) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reloader{logger: logger, metrics: m, load: Load}
	r.current.Store(initial)
	return r
}

// Current returns the active configuration. Callers must not mutate it.
func (r *Reloader) Current() *Config { return r.current.Load() }

// Register adds an applier.
func (r *Reloader) Register(a Applier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appliers = append(r.appliers, a)
}

// ReloadFile loads, validates and applies the configuration at path.
func (r *Reloader) ReloadFile(path string) error {
	next, err := r.load(path)
	if err != nil {
		r.logger.Error("Configuration validation failed", "path", path, "error", err)
		r.mu.Lock()
		r.failures++
		r.mu.Unlock()
		r.record("validation_failed")
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return r.Apply(next)
}

// Apply installs next. It is all or nothing: on error the previous
// configuration stays active and every applier has seen it last.
func (r *Reloader) Apply(next *Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	if err := next.Validate(); err != nil {
		r.failures++
		r.record("validation_failed")
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	prev := r.current.Load()
	for i, a := range r.appliers {
		if err := a.Apply(next, prev); err != nil {
			r.rollback(i, prev, next)
			r.failures++
			r.logger.Error("Configuration application failed", "applier", a.Name, "error", err)
			r.record("application_failed")
			return fmt.Errorf("apply %s: %w", a.Name, err)
		}
	}
	r.current.Store(next)

	if changes := RestartRequiredChanges(next, prev); len(changes) > 0 {
		r.logger.Warn("Some configuration changes require a restart to take full effect", "changes", changes)
	}

	r.reloadCount++
	r.lastReload = time.Now()
	r.logger.Info("Configuration reload completed successfully",
		"duration", time.Since(start),
		"reload_count", r.reloadCount)
	r.record("success")
	return nil
}

func (r *Reloader) rollback(failed int, prev, next *Config) {
	for j := failed - 1; j >= 0; j-- {
		a := r.appliers[j]
		if err := a.Apply(prev, next); err != nil {
			r.logger.Error("Configuration rollback failed", "applier", a.Name, "error", err)
		}
	}
}

func (r *Reloader) record(status string) {
	r.metrics.RecordConfigReload("config", status)
}

// ReloadStats reports successful reloads, failed reloads and the time of the
// last success.
func (r *Reloader) ReloadStats() (count, failures int64, last time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloadCount, r.failures, r.lastReload
}

// RestartRequiredChanges lists settings whose change only takes effect after
// a restart: they size queues and arenas or bind listeners.
func RestartRequiredChanges(next, prev *Config) []string {
	if prev == nil {
		return nil
	}
	var changes []string
	add := func(changed bool, name string) {
		if changed {
			changes = append(changes, name)
		}
	}
	add(next.Propagation.MaxQueueSize != prev.Propagation.MaxQueueSize, "propagation.max_queue_size")
	add(next.Propagation.DedupCacheSize != prev.Propagation.DedupCacheSize, "propagation.dedup_cache_size")
	add(next.Propagation.BatchingEnabled != prev.Propagation.BatchingEnabled, "propagation.batching_enabled")
	add(next.Bridge.ArenaSlots != prev.Bridge.ArenaSlots, "bridge.arena_slots")
	add(next.Bridge.SlotSize != prev.Bridge.SlotSize, "bridge.slot_size")
	add(next.Bridge.RegionName != prev.Bridge.RegionName, "bridge.region_name")
	add(next.Bridge.AsyncWorkers != prev.Bridge.AsyncWorkers, "bridge.async_workers")
	add(next.Bridge.AsyncQueueSize != prev.Bridge.AsyncQueueSize, "bridge.async_queue_size")
	add(next.Bridge.ConflictResolution != prev.Bridge.ConflictResolution, "bridge.conflict_resolution")
	add(next.Telemetry.OTLPEndpoint != prev.Telemetry.OTLPEndpoint, "telemetry.otlp_endpoint")
	add(next.Telemetry.ServiceName != prev.Telemetry.ServiceName, "telemetry.service_name")
	add(next.Metrics.Address != prev.Metrics.Address, "metrics.address")
	add(next.Metrics.Path != prev.Metrics.Path, "metrics.path")
	add(next.Routing.FailureMode != prev.Routing.FailureMode, "routing.failure_mode")
	add(next.Filtering.FailureMode != prev.Filtering.FailureMode, "filtering.failure_mode")
	add(next.RulesPath != prev.RulesPath, "rules_path")
	return changes
}
