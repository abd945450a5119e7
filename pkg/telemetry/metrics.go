package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce            sync.Once
	metricsInitErr         error
	propagationCounter     metric.Int64Counter
	propagationLatency     metric.Float64Histogram
	deliveryCounter        metric.Int64Counter
	translationCounter     metric.Int64Counter
	preservationHistogram  metric.Float64Histogram
	translationConflictCnt metric.Int64Counter
)

// Outcome labels a PropagateEvent result.
type Outcome string

// Propagation outcomes.
const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeDelayed   Outcome = "delayed"
	OutcomeError     Outcome = "error"
)

// PropagationMetrics captures one PropagateEvent call.
type PropagationMetrics struct {
	Source    string
	EventType string
	Outcome   Outcome
	Targets   int
	Duration  time.Duration
}

// RecordPropagation emits counters and histograms for one propagation.
func RecordPropagation(ctx context.Context, m PropagationMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("vexmesh.source", m.Source),
		attribute.String("vexmesh.event.category", m.EventType),
		attribute.String("vexmesh.outcome", string(m.Outcome)),
	)
	propagationCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		propagationLatency.Record(ctx, float64(m.Duration)/float64(time.Microsecond), attrs)
	}
	if m.Targets > 0 {
		deliveryCounter.Add(ctx, int64(m.Targets), attrs)
	}
}

// TranslationMetrics captures one bridge translation.
type TranslationMetrics struct {
	Direction string
	Mode      string
	Success   bool
	Score     float64
	Conflict  bool
}

// RecordTranslation emits counters for one translation.
func RecordTranslation(ctx context.Context, m TranslationMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}
	status := "success"
	if !m.Success {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("vexmesh.bridge.direction", m.Direction),
		attribute.String("vexmesh.bridge.mode", m.Mode),
		attribute.String("vexmesh.status", status),
	)
	translationCounter.Add(ctx, 1, attrs)
	if m.Success {
		preservationHistogram.Record(ctx, m.Score, attrs)
	}
	if m.Conflict {
		translationConflictCnt.Add(ctx, 1, attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("vexmesh.mesh")

		propagationCounter, metricsInitErr = meter.Int64Counter(
			"vexmesh.propagations_total",
			metric.WithDescription("Events offered to the mesh partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		propagationLatency, metricsInitErr = meter.Float64Histogram(
			"vexmesh.propagation.duration_us",
			metric.WithDescription("Observed propagation latency"),
			metric.WithUnit("us"),
		)
		if metricsInitErr != nil {
			return
		}

		deliveryCounter, metricsInitErr = meter.Int64Counter(
			"vexmesh.deliveries_total",
			metric.WithDescription("Per-target deliveries"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		translationCounter, metricsInitErr = meter.Int64Counter(
			"vexmesh.translations_total",
			metric.WithDescription("Kernel/userspace translations by direction and status"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		preservationHistogram, metricsInitErr = meter.Float64Histogram(
			"vexmesh.translation.preservation_score",
			metric.WithDescription("Share of semantic context kept by a translation"),
			metric.WithUnit("1"),
		)
		if metricsInitErr != nil {
			return
		}

		translationConflictCnt, metricsInitErr = meter.Int64Counter(
			"vexmesh.translation.conflicts_total",
			metric.WithDescription("Conflicting in-flight translations"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}
