package compiler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/polisai/vexmesh/pkg/domain"
	"github.com/polisai/vexmesh/pkg/matcher"
	"github.com/polisai/vexmesh/pkg/policy"
)

type condition struct {
	kind domain.ConditionKind
	// volatile conditions depend on state or wall time, not only on event content.
	volatile bool
	// patterns counts content pattern matches performed per evaluation.
	patterns int
	eval     func(env evalEnv, ev *domain.CrossBoundaryEvent) bool
}

const minutesPerDay = 24 * 60

func (c *Compiler) compileCondition(ownerID string, cond domain.Condition) (condition, error) {
	switch cc := cond.(type) {
	case domain.EventTypeCondition:
		return compileEventType(ownerID, cc)
	case domain.SourceBoundaryCondition:
		return compileSourceBoundary(ownerID, cc)
	case domain.PriorityRangeCondition:
		if cc.Min > cc.Max {
			return condition{}, domain.CompilationError(ownerID, "priority range min %d exceeds max %d", cc.Min, cc.Max)
		}
		return condition{kind: cc.Kind(), eval: func(_ evalEnv, ev *domain.CrossBoundaryEvent) bool {
			p := ev.Event.Priority
			return p >= cc.Min && p <= cc.Max
		}}, nil
	case domain.ContentPatternCondition:
		return c.compileContent(ownerID, cc)
	case domain.TemporalCondition:
		return compileTemporal(ownerID, cc)
	case domain.FrequencyCondition:
		return compileFrequency(ownerID, cc)
	case domain.RateLimitCondition:
		return c.compileRateLimit(ownerID, cc)
	case domain.SemanticTagCondition:
		return compileSemanticTag(ownerID, cc)
	case domain.GraphCondition:
		return compileGraph(cc), nil
	case domain.VectorCondition:
		return compileVector(ownerID, cc)
	case domain.CustomCondition:
		return c.compileCustom(ownerID, cc)
	case nil:
		return condition{}, domain.CompilationError(ownerID, "nil condition")
	default:
		return condition{}, domain.CompilationError(ownerID, "unknown condition %T", cond)
	}
}

func compileEventType(ownerID string, cc domain.EventTypeCondition) (condition, error) {
	if len(cc.Types) == 0 {
		return condition{}, domain.CompilationError(ownerID, "event_type condition lists no types")
	}
	exact := make(map[domain.EventType]struct{}, len(cc.Types))
	categories := make(map[string]struct{})
	wildcard := false
	for _, t := range cc.Types {
		switch {
		case t == "":
			return condition{}, domain.CompilationError(ownerID, "empty event type")
		case t == "*":
			wildcard = true
		case strings.HasSuffix(string(t), ".*"):
			categories[strings.TrimSuffix(string(t), ".*")] = struct{}{}
		default:
			exact[t] = struct{}{}
		}
	}
	return condition{kind: cc.Kind(), eval: func(_ evalEnv, ev *domain.CrossBoundaryEvent) bool {
		if wildcard {
			return true
		}
		if _, ok := exact[ev.Event.Type]; ok {
			return true
		}
		_, ok := categories[ev.Event.Type.Category()]
		return ok
	}}, nil
}

func compileSourceBoundary(ownerID string, cc domain.SourceBoundaryCondition) (condition, error) {
	if len(cc.Boundaries) == 0 {
		return condition{}, domain.CompilationError(ownerID, "source_boundary condition lists no boundaries")
	}
	set := make(map[domain.EventBoundary]struct{}, len(cc.Boundaries))
	for _, b := range cc.Boundaries {
		if !b.Valid() {
			return condition{}, domain.CompilationError(ownerID, "unknown boundary %q", b)
		}
		set[b] = struct{}{}
	}
	return condition{kind: cc.Kind(), eval: func(_ evalEnv, ev *domain.CrossBoundaryEvent) bool {
		_, ok := set[ev.Source]
		return ok
	}}, nil
}

func (c *Compiler) compileContent(ownerID string, cc domain.ContentPatternCondition) (condition, error) {
	field := cc.Field
	if field == "" {
		field = domain.FieldAny
	}
	metaKey, isMeta := strings.CutPrefix(string(field), "metadata:")
	switch {
	case isMeta:
		if metaKey == "" {
			return condition{}, domain.CompilationError(ownerID, "metadata field needs a key")
		}
	case field == domain.FieldAny, field == domain.FieldPath, field == domain.FieldPayload, field == domain.FieldType:
	default:
		return condition{}, domain.CompilationError(ownerID, "unknown content field %q", field)
	}
	if len(cc.Patterns) == 0 && cc.Regex == "" && len(cc.Vocabulary) == 0 {
		return condition{}, domain.CompilationError(ownerID, "content condition has no patterns")
	}

	m, err := matcher.NewContent(matcher.ContentSpec{
		Literals:          cc.Patterns,
		Regex:             cc.Regex,
		Vocabulary:        cc.Vocabulary,
		CaseInsensitive:   cc.CaseInsensitive,
		FalsePositiveRate: c.opts.FalsePositiveRate,
	})
	if err != nil {
		return condition{}, domain.CompilationError(ownerID, "content pattern: %v", err)
	}

	patterns := 0
	if len(cc.Patterns) > 0 {
		patterns++
	}
	if cc.Regex != "" {
		patterns++
	}
	if len(cc.Vocabulary) > 0 {
		patterns++
	}
	return condition{kind: cc.Kind(), patterns: patterns, eval: func(_ evalEnv, ev *domain.CrossBoundaryEvent) bool {
		text, ok := FieldText(ev.Event, field)
		if !ok {
			return false
		}
		return m.Match(text)
	}}, nil
}

// FieldText extracts the text a content condition inspects. It reports false
// when the field is absent from the event.
func FieldText(ev *domain.SemanticEvent, field domain.ContentField) (string, bool) {
	if key, ok := strings.CutPrefix(string(field), "metadata:"); ok {
		v, present := ev.Metadata[key]
		return v, present
	}
	switch field {
	case domain.FieldPath:
		if ev.Filesystem == nil {
			return "", false
		}
		if ev.Filesystem.OldPath != "" {
			return ev.Filesystem.Path + "\x00" + ev.Filesystem.OldPath, true
		}
		return ev.Filesystem.Path, true
	case domain.FieldPayload:
		return string(ev.Payload), len(ev.Payload) > 0
	case domain.FieldType:
		return string(ev.Type), true
	default:
		var b strings.Builder
		b.WriteString(string(ev.Type))
		if ev.Filesystem != nil {
			b.WriteByte(0)
			b.WriteString(ev.Filesystem.Path)
			if ev.Filesystem.OldPath != "" {
				b.WriteByte(0)
				b.WriteString(ev.Filesystem.OldPath)
			}
		}
		if len(ev.Payload) > 0 {
			b.WriteByte(0)
			b.Write(ev.Payload)
		}
		for _, k := range sortedKeys(ev.Metadata) {
			b.WriteByte(0)
			b.WriteString(ev.Metadata[k])
		}
		return b.String(), true
	}
}

func compileTemporal(ownerID string, cc domain.TemporalCondition) (condition, error) {
	if cc.StartMinute < 0 || cc.StartMinute > minutesPerDay || cc.EndMinute < 0 || cc.EndMinute > minutesPerDay {
		return condition{}, domain.CompilationError(ownerID, "temporal window must be within 0..%d minutes", minutesPerDay)
	}
	if cc.MaxAge < 0 {
		return condition{}, domain.CompilationError(ownerID, "negative max age")
	}
	var days map[time.Weekday]struct{}
	if len(cc.Weekdays) > 0 {
		days = make(map[time.Weekday]struct{}, len(cc.Weekdays))
		for _, d := range cc.Weekdays {
			if d < time.Sunday || d > time.Saturday {
				return condition{}, domain.CompilationError(ownerID, "invalid weekday %d", d)
			}
			days[d] = struct{}{}
		}
	}
	start, end := cc.StartMinute, cc.EndMinute
	return condition{kind: cc.Kind(), volatile: true, eval: func(env evalEnv, ev *domain.CrossBoundaryEvent) bool {
		ts := ev.Event.Timestamp.UTC()
		if days != nil {
			if _, ok := days[ts.Weekday()]; !ok {
				return false
			}
		}
		if start != end {
			m := ts.Hour()*60 + ts.Minute()
			in := m >= start && m < end
			if end < start {
				in = m >= start || m < end
			}
			if !in {
				return false
			}
		}
		if cc.MaxAge > 0 && env.now.Sub(ev.Event.Timestamp) > cc.MaxAge {
			return false
		}
		return true
	}}, nil
}

// slidingCounter counts hits inside a trailing window.
type slidingCounter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	hits   []time.Time
}

func (s *slidingCounter) observe(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.hits) && !s.hits[i].After(cutoff) {
		i++
	}
	s.hits = append(s.hits[i:], now)
	// Only the newest limit hits matter for the threshold.
	if len(s.hits) > s.limit {
		s.hits = s.hits[len(s.hits)-s.limit:]
	}
	return len(s.hits)
}

func compileFrequency(ownerID string, cc domain.FrequencyCondition) (condition, error) {
	if cc.Threshold <= 0 || cc.Window <= 0 {
		return condition{}, domain.CompilationError(ownerID, "frequency condition needs positive threshold and window")
	}
	counter := &slidingCounter{window: cc.Window, limit: cc.Threshold}
	return condition{kind: cc.Kind(), volatile: true, eval: func(env evalEnv, _ *domain.CrossBoundaryEvent) bool {
		return counter.observe(env.now) >= cc.Threshold
	}}, nil
}

func (c *Compiler) compileRateLimit(ownerID string, cc domain.RateLimitCondition) (condition, error) {
	if cc.EventsPerSecond <= 0 {
		return condition{}, domain.CompilationError(ownerID, "rate limit needs positive events_per_second")
	}
	if cc.Burst < 0 {
		return condition{}, domain.CompilationError(ownerID, "negative burst")
	}
	scope := cc.Scope
	switch scope {
	case "":
		scope = domain.RateScopeGlobal
	case domain.RateScopeGlobal, domain.RateScopeEventType, domain.RateScopeSource:
	default:
		return condition{}, domain.CompilationError(ownerID, "unknown rate scope %q", scope)
	}
	limiter := c.newRateLimiter(cc.EventsPerSecond, cc.Burst)
	return condition{kind: cc.Kind(), volatile: true, eval: func(env evalEnv, ev *domain.CrossBoundaryEvent) bool {
		key := "global"
		switch scope {
		case domain.RateScopeEventType:
			key = string(ev.Event.Type)
		case domain.RateScopeSource:
			key = string(ev.Source)
		}
		// The condition holds when the event is over the limit.
		return !limiter.AllowAt(key, env.now)
	}}, nil
}

func compileSemanticTag(ownerID string, cc domain.SemanticTagCondition) (condition, error) {
	if cc.Key == "" {
		return condition{}, domain.CompilationError(ownerID, "semantic_tag condition needs a key")
	}
	if cc.MinConfidence < 0 || cc.MinConfidence > 1 {
		return condition{}, domain.CompilationError(ownerID, "min_confidence must be within [0,1]")
	}
	values := toSet(cc.Values)
	return condition{kind: cc.Kind(), eval: func(_ evalEnv, ev *domain.CrossBoundaryEvent) bool {
		sem := ev.Event.Semantic
		if sem == nil || sem.Confidence < cc.MinConfidence {
			return false
		}
		v, ok := sem.Tags[cc.Key]
		if !ok {
			return false
		}
		if len(values) == 0 {
			return true
		}
		_, ok = values[v]
		return ok
	}}, nil
}

func compileGraph(cc domain.GraphCondition) condition {
	ops := toSet(cc.Operations)
	types := toSet(cc.NodeTypes)
	ids := make(map[uint64]struct{}, len(cc.NodeIDs))
	for _, id := range cc.NodeIDs {
		ids[id] = struct{}{}
	}
	return condition{kind: cc.Kind(), eval: func(_ evalEnv, ev *domain.CrossBoundaryEvent) bool {
		g := ev.Event.Graph
		if g == nil {
			return false
		}
		if len(ops) > 0 {
			if _, ok := ops[g.Operation]; !ok {
				return false
			}
		}
		if len(types) > 0 {
			if _, ok := types[g.NodeType]; !ok {
				return false
			}
		}
		if len(ids) > 0 {
			if _, ok := ids[g.NodeID]; !ok {
				return false
			}
		}
		return true
	}}
}

func compileVector(ownerID string, cc domain.VectorCondition) (condition, error) {
	if cc.MinDimensions < 0 || cc.MaxDimensions < 0 || (cc.MaxDimensions > 0 && cc.MinDimensions > cc.MaxDimensions) {
		return condition{}, domain.CompilationError(ownerID, "invalid vector dimension bounds")
	}
	collections := toSet(cc.Collections)
	return condition{kind: cc.Kind(), eval: func(_ evalEnv, ev *domain.CrossBoundaryEvent) bool {
		v := ev.Event.Vector
		if v == nil {
			return false
		}
		if len(collections) > 0 {
			if _, ok := collections[v.Collection]; !ok {
				return false
			}
		}
		if v.Dimensions < cc.MinDimensions {
			return false
		}
		if cc.MaxDimensions > 0 && v.Dimensions > cc.MaxDimensions {
			return false
		}
		return v.Similarity >= cc.MinSimilarity
	}}, nil
}

func (c *Compiler) compileCustom(ownerID string, cc domain.CustomCondition) (condition, error) {
	if strings.TrimSpace(cc.Module) == "" {
		return condition{}, domain.CompilationError(ownerID, "custom condition needs a rego module")
	}
	engine, err := policy.NewEngine(context.Background(), policy.EngineOptions{
		Entrypoint:      cc.Entrypoint,
		Modules:         map[string]string{ownerID + ".rego": cc.Module},
		CacheMaxEntries: c.opts.PolicyCacheEntries,
		Logger:          c.opts.Logger,
	})
	if err != nil {
		return condition{}, domain.CompilationError(ownerID, "custom condition: %v", err)
	}
	onError := c.opts.Posture.MatchOnError(c.opts.Domain)
	report := c.opts.OnEvalError
	logger := c.opts.Logger
	return condition{kind: cc.Kind(), volatile: true, eval: func(env evalEnv, ev *domain.CrossBoundaryEvent) bool {
		ok, err := engine.Match(env.ctx, ev)
		if err != nil {
			logger.Warn("custom condition failed", "id", ownerID, "error", err, "match_on_error", onError)
			if report != nil {
				report(ownerID, err)
			}
			return onError
		}
		return ok
	}}, nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}
