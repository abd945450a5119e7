// Package metrics exposes the mesh's Prometheus instruments. Every component
// takes an optional *Metrics; all Record methods are no-ops on a nil receiver.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the mesh.
type Metrics struct {
	// Propagation metrics
	propagations       *prometheus.CounterVec
	propagationLatency prometheus.Histogram
	deliveries         *prometheus.CounterVec
	queueDepth         *prometheus.GaugeVec
	queueOverflows     *prometheus.CounterVec
	latencyQuantiles   *prometheus.GaugeVec
	peakThroughput     prometheus.Gauge
	transformations    *prometheus.CounterVec

	// Routing metrics
	routingDecisions *prometheus.CounterVec
	ruleMatches      *prometheus.CounterVec
	routingCache     *prometheus.CounterVec
	routingLatency   prometheus.Histogram

	// Filtering metrics
	filterVerdicts *prometheus.CounterVec
	filterTypes    *prometheus.CounterVec
	filterLatency  prometheus.Histogram

	// Bridge metrics
	translations       *prometheus.CounterVec
	translationLatency *prometheus.HistogramVec
	translationRetries prometheus.Counter
	preservationScore  prometheus.Histogram
	conflicts          *prometheus.CounterVec
	arenaSlotsInUse    prometheus.Gauge
	zeroCopyFallbacks  *prometheus.CounterVec

	// Shared
	latencyTargetMisses *prometheus.CounterVec
	configReloads       *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

var fastBuckets = []float64{1e-7, 5e-7, 1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3, 1e-2}

// New creates a metrics instance with its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		propagations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vexmesh_propagations_total",
				Help: "Events offered to the propagation manager by outcome",
			},
			[]string{"outcome"},
		),
		propagationLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vexmesh_propagation_duration_seconds",
				Help:    "End-to-end propagation latency per event",
				Buckets: fastBuckets,
			},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vexmesh_deliveries_total",
				Help: "Events delivered per target boundary",
			},
			[]string{"target", "crossed"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vexmesh_queue_depth",
				Help: "Current depth of bounded queues",
			},
			[]string{"queue"},
		),
		queueOverflows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vexmesh_queue_overflows_total",
				Help: "Events dropped because a bounded queue was full",
			},
			[]string{"queue"},
		),
		latencyQuantiles: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vexmesh_propagation_latency_quantile_seconds",
				Help: "Propagation latency quantiles over the recent sample window",
			},
			[]string{"quantile"},
		),
		peakThroughput: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vexmesh_peak_throughput_events_per_second",
				Help: "Highest per-second event count observed",
			},
		),
		transformations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vexmesh_transformations_total",
				Help: "Transformations applied by name and status",
			},
			[]string{"name", "status"},
		),
		routingDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vexmesh_routing_decisions_total",
				Help: "Routing decisions by result",
			},
			[]string{"result"},
		),
		ruleMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vexmesh_rule_matches_total",
				Help: "Routing rule matches by rule id",
			},
			[]string{"rule_id"},
		),
		routingCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vexmesh_decision_cache_total",
				Help: "Decision cache lookups by engine and result",
			},
			[]string{"engine", "result"},
		),
		routingLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vexmesh_routing_duration_seconds",
				Help:    "Routing evaluation latency",
				Buckets: fastBuckets,
			},
		),
		filterVerdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vexmesh_filter_verdicts_total",
				Help: "Filtering verdicts by action",
			},
			[]string{"action"},
		),
		filterTypes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vexmesh_filter_matches_total",
				Help: "Filter matches by filter type",
			},
			[]string{"type"},
		),
		filterLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vexmesh_filtering_duration_seconds",
				Help:    "Filtering evaluation latency",
				Buckets: fastBuckets,
			},
		),
		translations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vexmesh_translations_total",
				Help: "Bridge translations by direction, mode and status",
			},
			[]string{"direction", "mode", "status"},
		),
		translationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vexmesh_translation_duration_seconds",
				Help:    "Bridge translation latency",
				Buckets: fastBuckets,
			},
			[]string{"direction", "mode"},
		),
		translationRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vexmesh_translation_retries_total",
				Help: "Bridge translation retries",
			},
		),
		preservationScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vexmesh_context_preservation_score",
				Help:    "Context preservation score of translations",
				Buckets: []float64{0.1, 0.25, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1},
			},
		),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vexmesh_translation_conflicts_total",
				Help: "Translation conflicts by resolution strategy",
			},
			[]string{"strategy"},
		),
		arenaSlotsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vexmesh_arena_slots_in_use",
				Help: "Zero-copy arena slots currently held",
			},
		),
		zeroCopyFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vexmesh_zero_copy_fallbacks_total",
				Help: "Zero-copy translations that fell back to copying",
			},
			[]string{"reason"},
		),
		latencyTargetMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vexmesh_latency_target_misses_total",
				Help: "Operations that exceeded their soft latency target",
			},
			[]string{"operation"},
		),
		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vexmesh_config_reloads_total",
				Help: "Configuration reload attempts by component and status",
			},
			[]string{"component", "status"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vexmesh_http_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vexmesh_http_request_duration_seconds",
				Help:    "Admin HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.propagations,
		m.propagationLatency,
		m.deliveries,
		m.queueDepth,
		m.queueOverflows,
		m.latencyQuantiles,
		m.peakThroughput,
		m.transformations,
		m.routingDecisions,
		m.ruleMatches,
		m.routingCache,
		m.routingLatency,
		m.filterVerdicts,
		m.filterTypes,
		m.filterLatency,
		m.translations,
		m.translationLatency,
		m.translationRetries,
		m.preservationScore,
		m.conflicts,
		m.arenaSlotsInUse,
		m.zeroCopyFallbacks,
		m.latencyTargetMisses,
		m.configReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)
	return m
}

// RecordPropagation records one PropagateEvent outcome
// (delivered, duplicate, blocked, delayed, error).
func (m *Metrics) RecordPropagation(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.propagations.WithLabelValues(outcome).Inc()
	m.propagationLatency.Observe(duration.Seconds())
}

// RecordDelivery records an event placed on a target queue.
func (m *Metrics) RecordDelivery(target string, crossed bool) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(target, strconv.FormatBool(crossed)).Inc()
}

// SetQueueDepth updates the depth gauge for a named queue.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordQueueOverflow records a drop on a full queue.
func (m *Metrics) RecordQueueOverflow(queue string) {
	if m == nil {
		return
	}
	m.queueOverflows.WithLabelValues(queue).Inc()
}

// SetLatencyQuantiles publishes p95/p99 and the peak throughput.
func (m *Metrics) SetLatencyQuantiles(p95, p99 time.Duration, peak float64) {
	if m == nil {
		return
	}
	m.latencyQuantiles.WithLabelValues("0.95").Set(p95.Seconds())
	m.latencyQuantiles.WithLabelValues("0.99").Set(p99.Seconds())
	m.peakThroughput.Set(peak)
}

// RecordTransformation records a transformation attempt.
func (m *Metrics) RecordTransformation(name, status string) {
	if m == nil {
		return
	}
	m.transformations.WithLabelValues(name, status).Inc()
}

// RecordRouting records a routing decision.
func (m *Metrics) RecordRouting(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.routingDecisions.WithLabelValues(result).Inc()
	m.routingLatency.Observe(duration.Seconds())
}

// RecordRuleMatch records a rule match.
func (m *Metrics) RecordRuleMatch(ruleID string) {
	if m == nil {
		return
	}
	m.ruleMatches.WithLabelValues(ruleID).Inc()
}

// RecordCache records a decision cache lookup for an engine.
func (m *Metrics) RecordCache(engine string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.routingCache.WithLabelValues(engine, result).Inc()
}

// RecordFilterVerdict records a filtering verdict.
func (m *Metrics) RecordFilterVerdict(action string, duration time.Duration) {
	if m == nil {
		return
	}
	m.filterVerdicts.WithLabelValues(action).Inc()
	m.filterLatency.Observe(duration.Seconds())
}

// RecordFilterMatch records a match of a filter of the given type.
func (m *Metrics) RecordFilterMatch(filterType string) {
	if m == nil {
		return
	}
	m.filterTypes.WithLabelValues(filterType).Inc()
}

// RecordTranslation records one bridge translation.
func (m *Metrics) RecordTranslation(direction, mode, status string, duration time.Duration, score float64) {
	if m == nil {
		return
	}
	m.translations.WithLabelValues(direction, mode, status).Inc()
	m.translationLatency.WithLabelValues(direction, mode).Observe(duration.Seconds())
	if status == "success" {
		m.preservationScore.Observe(score)
	}
}

// RecordTranslationRetry records a retried translation attempt.
func (m *Metrics) RecordTranslationRetry() {
	if m == nil {
		return
	}
	m.translationRetries.Inc()
}

// RecordConflict records a resolved conflict.
func (m *Metrics) RecordConflict(strategy string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(strategy).Inc()
}

// SetArenaSlotsInUse updates the zero-copy slot gauge.
func (m *Metrics) SetArenaSlotsInUse(n int) {
	if m == nil {
		return
	}
	m.arenaSlotsInUse.Set(float64(n))
}

// RecordZeroCopyFallback records a zero-copy request served by copying.
func (m *Metrics) RecordZeroCopyFallback(reason string) {
	if m == nil {
		return
	}
	m.zeroCopyFallbacks.WithLabelValues(reason).Inc()
}

// RecordLatencyTargetMiss records an operation over its soft latency target.
func (m *Metrics) RecordLatencyTargetMiss(operation string) {
	if m == nil {
		return
	}
	m.latencyTargetMisses.WithLabelValues(operation).Inc()
}

// RecordConfigReload records a reload attempt.
func (m *Metrics) RecordConfigReload(component, status string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(component, status).Inc()
}

// RecordHTTPRequest records an admin HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request metrics for the admin endpoints.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func endpointName(path string) string {
	switch path {
	case "/healthz":
		return "health"
	case "/metrics":
		return "metrics"
	case "/stats":
		return "stats"
	case "/reload":
		return "reload"
	default:
		return "unknown"
	}
}
