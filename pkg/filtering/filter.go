package filtering

import (
	"context"
	"time"

	"github.com/polisai/vexmesh/pkg/compiler"
	"github.com/polisai/vexmesh/pkg/domain"
)

// FilterEvent evaluates ev against the published filters and returns the
// verdict. The final action of an allowed event is the strongest verdict seen:
// Delay over Transform over Sample over Allow. A failed sample is a Block.
func (e *Engine) FilterEvent(ctx context.Context, ev *domain.CrossBoundaryEvent) domain.FilterResult {
	start := time.Now()
	if !e.enabled.Load() || ev == nil || ev.Event == nil {
		res := domain.FilterResult{Allow: true, Action: domain.FilterAllow, Latency: time.Since(start)}
		e.stats.bypassed.Add(1)
		return res
	}

	set := e.set.Load()
	cacheable := set.cacheable && e.cache != nil
	var key uint64
	if cacheable {
		key = compiler.Fingerprint(ev, set.Version)
		if cached, ok := e.cache.Get(key); ok {
			res := cloneResult(cached)
			res.CacheHit = true
			res.Latency = time.Since(start)
			e.stats.cacheHits.Add(1)
			e.metrics.RecordCache("filtering", true)
			e.record(res)
			return res
		}
		e.stats.cacheMisses.Add(1)
		e.metrics.RecordCache("filtering", false)
	}

	res, patterns := e.evaluate(ctx, set, ev)
	if cacheable {
		e.cache.Add(key, cloneResult(res))
	}
	res.Latency = time.Since(start)
	e.record(res)
	if patterns > 0 && e.cfg.PatternMatchTarget > 0 && res.Latency > time.Duration(patterns)*e.cfg.PatternMatchTarget {
		e.stats.patternTargetMisses.Add(1)
		e.metrics.RecordLatencyTargetMiss("filter_pattern_match")
	}
	return res
}

func (e *Engine) evaluate(ctx context.Context, set *filterSet, ev *domain.CrossBoundaryEvent) (domain.FilterResult, int) {
	res := domain.FilterResult{Allow: true, Action: domain.FilterAllow}
	now := e.now()
	patterns := 0
	var delayed, transformed, sampled bool

	for _, f := range set.Filters {
		patterns += f.PatternCount()
		if !f.Matches(ctx, now, ev) {
			continue
		}
		f.Counters().Matches.Add(1)
		e.stats.countType(f.Filter.Type)
		e.metrics.RecordFilterMatch(string(f.Filter.Type))
		res.MatchedFilters = append(res.MatchedFilters, f.Filter.ID)

		action := f.Filter.Action
		switch action.Kind {
		case domain.FilterBlock:
			f.Counters().Applies.Add(1)
			return blocked(res, f.Filter.ID), patterns
		case domain.FilterSample:
			rate := action.SampleRate
			if rate == 0 {
				rate = e.cfg.DefaultSampleRate
			}
			if e.random() >= rate {
				f.Counters().Applies.Add(1)
				e.stats.sampledOut.Add(1)
				return blocked(res, f.Filter.ID), patterns
			}
			sampled = true
		case domain.FilterDelay:
			delayed = true
			if action.Delay > res.Delay {
				res.Delay = action.Delay
			}
		case domain.FilterTransform:
			transformed = true
		}

		res.Transformations = append(res.Transformations, action.Transformations...)
		if len(action.Metadata) > 0 {
			if res.Metadata == nil {
				res.Metadata = make(map[string]string, len(action.Metadata))
			}
			for k, v := range action.Metadata {
				res.Metadata[k] = v
			}
		}
		f.Counters().Applies.Add(1)
	}

	switch {
	case delayed:
		res.Action = domain.FilterDelay
	case transformed:
		res.Action = domain.FilterTransform
	case sampled:
		res.Action = domain.FilterSample
	}
	return res, patterns
}

// blocked turns res into a Block verdict, dropping accumulated changes.
func blocked(res domain.FilterResult, by string) domain.FilterResult {
	return domain.FilterResult{
		Allow:          false,
		Action:         domain.FilterBlock,
		MatchedFilters: res.MatchedFilters,
		BlockedBy:      by,
	}
}

func cloneResult(r domain.FilterResult) domain.FilterResult {
	out := r
	if r.MatchedFilters != nil {
		out.MatchedFilters = append([]string(nil), r.MatchedFilters...)
	}
	if r.Transformations != nil {
		out.Transformations = append([]domain.Transformation(nil), r.Transformations...)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func (e *Engine) record(res domain.FilterResult) {
	e.stats.evaluated.Add(1)
	e.stats.observeLatency(res.Latency)
	switch res.Action {
	case domain.FilterBlock:
		e.stats.blocked.Add(1)
	case domain.FilterDelay:
		e.stats.delayed.Add(1)
	case domain.FilterTransform:
		e.stats.transformed.Add(1)
	case domain.FilterSample:
		e.stats.sampledIn.Add(1)
	default:
		e.stats.allowed.Add(1)
	}
	e.metrics.RecordFilterVerdict(string(res.Action), res.Latency)
}
