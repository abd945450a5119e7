package routing

import (
	"context"
	"time"

	"github.com/polisai/vexmesh/pkg/compiler"
	"github.com/polisai/vexmesh/pkg/domain"
)

// Route evaluates every enabled rule against ev, highest priority first, and
// merges the actions of all matching rules:
//   - route-to targets are unioned in first-seen order
//   - transformations are appended
//   - metadata is merged, later rules overwriting earlier keys
//   - the priority boost is the largest boost among matches
//   - restrict-targets lists are intersected
//
// A disabled engine returns a no-op decision.
func (e *Engine) Route(ctx context.Context, ev *domain.CrossBoundaryEvent) domain.RoutingDecision {
	start := time.Now()
	if !e.enabled.Load() || ev == nil || ev.Event == nil {
		e.stats.noop.Add(1)
		e.metrics.RecordRouting("disabled", time.Since(start))
		return domain.RoutingDecision{Latency: time.Since(start)}
	}

	set := e.set.Load()
	cacheable := set.Cacheable && e.cache != nil
	var key uint64
	if cacheable {
		key = compiler.Fingerprint(ev, set.Version)
		if cached, ok := e.cache.Get(key); ok {
			d := cloneDecision(cached)
			d.CacheHit = true
			d.Latency = time.Since(start)
			e.stats.routed.Add(1)
			e.stats.cacheHits.Add(1)
			e.stats.observeLatency(d.Latency)
			e.metrics.RecordCache("routing", true)
			e.metrics.RecordRouting("cache_hit", d.Latency)
			if e.cfg.CacheHitTarget > 0 && d.Latency > e.cfg.CacheHitTarget {
				e.stats.cacheTargetMisses.Add(1)
				e.metrics.RecordLatencyTargetMiss("routing_cache_hit")
			}
			return d
		}
		e.stats.cacheMisses.Add(1)
		e.metrics.RecordCache("routing", false)
	}

	d, patterns := e.evaluate(ctx, set, ev)
	if cacheable {
		e.cache.Add(key, cloneDecision(d))
	}

	d.Latency = time.Since(start)
	e.stats.routed.Add(1)
	e.stats.observeLatency(d.Latency)
	if len(d.MatchedRules) == 0 {
		e.stats.unmatched.Add(1)
	}
	e.metrics.RecordRouting("evaluated", d.Latency)
	if patterns > 0 && e.cfg.PatternMatchTarget > 0 && d.Latency > time.Duration(patterns)*e.cfg.PatternMatchTarget {
		e.stats.patternTargetMisses.Add(1)
		e.metrics.RecordLatencyTargetMiss("routing_pattern_match")
	}
	return d
}

func (e *Engine) evaluate(ctx context.Context, set *compiler.RuleSet, ev *domain.CrossBoundaryEvent) (domain.RoutingDecision, int) {
	d := domain.RoutingDecision{RuleSetVersion: set.Version}
	now := e.now()
	patterns := 0
	seen := make(map[domain.EventBoundary]struct{})
	boosted := false

	for _, r := range set.Rules {
		patterns += r.PatternCount()
		if !r.Matches(ctx, now, ev) {
			continue
		}
		r.Counters().Matches.Add(1)
		e.stats.ruleMatches.Add(1)
		e.metrics.RecordRuleMatch(r.Rule.ID)
		d.MatchedRules = append(d.MatchedRules, r.Rule.ID)

		for _, action := range r.Rule.Actions {
			switch a := action.(type) {
			case domain.RouteToAction:
				for _, t := range a.Targets {
					if _, dup := seen[t]; dup {
						continue
					}
					seen[t] = struct{}{}
					d.Targets = append(d.Targets, t)
				}
			case domain.RestrictTargetsAction:
				d.Restrict = intersect(d.Restrict, a.Targets)
			case domain.TransformAction:
				d.Transformations = append(d.Transformations, a.Transformation)
			case domain.MetadataAction:
				if d.Metadata == nil {
					d.Metadata = make(map[string]string, len(a.Metadata))
				}
				for k, v := range a.Metadata {
					d.Metadata[k] = v
				}
			case domain.PriorityBoostAction:
				if !boosted || a.Delta > d.PriorityBoost {
					d.PriorityBoost = a.Delta
					boosted = true
				}
			}
		}
		r.Counters().Applies.Add(1)
	}
	return d, patterns
}

// intersect narrows current by next. A nil current means no restriction yet.
func intersect(current, next []domain.EventBoundary) []domain.EventBoundary {
	if current == nil {
		out := make([]domain.EventBoundary, 0, len(next))
		for _, t := range next {
			if !containsBoundary(out, t) {
				out = append(out, t)
			}
		}
		return out
	}
	out := current[:0:0]
	for _, t := range current {
		if containsBoundary(next, t) {
			out = append(out, t)
		}
	}
	return out
}

func containsBoundary(list []domain.EventBoundary, b domain.EventBoundary) bool {
	for _, x := range list {
		if x == b {
			return true
		}
	}
	return false
}

func cloneDecision(d domain.RoutingDecision) domain.RoutingDecision {
	out := d
	if d.Targets != nil {
		out.Targets = append([]domain.EventBoundary(nil), d.Targets...)
	}
	if d.Restrict != nil {
		out.Restrict = append([]domain.EventBoundary{}, d.Restrict...)
	}
	if d.Transformations != nil {
		out.Transformations = append([]domain.Transformation(nil), d.Transformations...)
	}
	if d.MatchedRules != nil {
		out.MatchedRules = append([]string(nil), d.MatchedRules...)
	}
	if d.Metadata != nil {
		out.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Apply narrows and extends requested by the decision: route-to targets are
// appended after the requested ones, then any restriction is applied.
func Apply(requested []domain.EventBoundary, d domain.RoutingDecision) []domain.EventBoundary {
	out := make([]domain.EventBoundary, 0, len(requested)+len(d.Targets))
	for _, list := range [][]domain.EventBoundary{requested, d.Targets} {
		for _, t := range list {
			if !containsBoundary(out, t) {
				out = append(out, t)
			}
		}
	}
	if d.Restrict == nil {
		return out
	}
	kept := out[:0]
	for _, t := range out {
		if containsBoundary(d.Restrict, t) {
			kept = append(kept, t)
		}
	}
	return kept
}
