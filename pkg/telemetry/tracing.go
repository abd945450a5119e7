package telemetry

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/vexmesh/pkg/domain"
)

const tracerName = "github.com/polisai/vexmesh"

// StartSpan starts a span on the global tracer provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EventAttributes describes an event without its payload or metadata values.
func EventAttributes(ev *domain.CrossBoundaryEvent) []attribute.KeyValue {
	e := ev.Event
	attrs := []attribute.KeyValue{
		attribute.String("vexmesh.event.id", strconv.FormatUint(e.ID, 10)),
		attribute.String("vexmesh.event.type", string(e.Type)),
		attribute.Int("vexmesh.event.priority", int(e.Priority)),
		attribute.String("vexmesh.source", string(ev.Source)),
		attribute.Int64("vexmesh.event.global_sequence", int64(e.GlobalSequence)),
	}
	if e.Observability != nil && e.Observability.TraceID != "" {
		attrs = append(attrs, attribute.String("vexmesh.event.trace_id", e.Observability.TraceID))
	}
	return attrs
}

// EndSpan records err, if any, and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RecordFilterVerdict annotates the span with the filtering outcome.
func RecordFilterVerdict(span trace.Span, result domain.FilterResult) {
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.String("vexmesh.filter.action", string(result.Action)),
		attribute.Bool("vexmesh.filter.allow", result.Allow),
		attribute.StringSlice("vexmesh.filter.matched", result.MatchedFilters),
	)
	if !result.Allow {
		span.AddEvent("vexmesh.filter.blocked", trace.WithAttributes(
			attribute.String("vexmesh.filter.blocked_by", result.BlockedBy),
		))
	}
}

// RecordRoutingDecision annotates the span with the routing outcome.
func RecordRoutingDecision(span trace.Span, decision domain.RoutingDecision) {
	if !span.IsRecording() {
		return
	}
	targets := make([]string, 0, len(decision.Targets))
	for _, t := range decision.Targets {
		targets = append(targets, string(t))
	}
	span.SetAttributes(
		attribute.StringSlice("vexmesh.routing.targets", targets),
		attribute.StringSlice("vexmesh.routing.matched_rules", decision.MatchedRules),
		attribute.Bool("vexmesh.routing.cache_hit", decision.CacheHit),
		attribute.Int64("vexmesh.routing.rule_set_version", int64(decision.RuleSetVersion)),
	)
}

// AnnotateTranslation annotates the span with a bridge translation result.
func AnnotateTranslation(span trace.Span, res *domain.TranslationResult) {
	if res == nil || !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.String("vexmesh.bridge.direction", string(res.Direction)),
		attribute.String("vexmesh.bridge.mode", res.Mode.String()),
		attribute.Float64("vexmesh.bridge.preservation_score", res.ContextPreservationScore),
		attribute.Int("vexmesh.bridge.attempts", res.Attempts),
	)
	if res.Conflict {
		span.AddEvent("vexmesh.bridge.conflict", trace.WithAttributes(
			attribute.Bool("vexmesh.bridge.discarded", res.Discarded),
		))
	}
}
