package compiler

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/polisai/vexmesh/pkg/domain"
)

// Counters track how often a rule or filter matched and was applied. They
// survive recompilation of the same id.
type Counters struct {
	Matches atomic.Uint64
	Applies atomic.Uint64
}

type compiledConditions struct {
	conds    []condition
	volatile bool
	patterns int
}

func (cc *compiledConditions) match(ctx context.Context, now time.Time, ev *domain.CrossBoundaryEvent) bool {
	env := evalEnv{ctx: ctx, now: now}
	for i := range cc.conds {
		if !cc.conds[i].eval(env, ev) {
			return false
		}
	}
	return true
}

// CompiledRule is the evaluable form of a RoutingRule.
type CompiledRule struct {
	Rule     domain.RoutingRule
	counters *Counters
	compiledConditions
}

// Matches reports whether every condition holds. A rule with no conditions
// matches every event.
func (r *CompiledRule) Matches(ctx context.Context, now time.Time, ev *domain.CrossBoundaryEvent) bool {
	return r.match(ctx, now, ev)
}

// Volatile reports whether the rule depends on state or wall time.
func (r *CompiledRule) Volatile() bool { return r.volatile }

// PatternCount returns the content pattern matches one evaluation performs.
func (r *CompiledRule) PatternCount() int { return r.patterns }

// Counters returns the shared counters.
func (r *CompiledRule) Counters() *Counters { return r.counters }

// ShareCounters makes r count into prev's counters.
func (r *CompiledRule) ShareCounters(prev *CompiledRule) {
	if prev != nil {
		r.counters = prev.counters
	}
}

// Snapshot returns the declarative rule with live counters filled in.
func (r *CompiledRule) Snapshot() domain.RoutingRule {
	out := r.Rule
	out.MatchCount = r.counters.Matches.Load()
	out.ApplyCount = r.counters.Applies.Load()
	return out
}

// CompiledFilter is the evaluable form of a Filter.
type CompiledFilter struct {
	Filter   domain.Filter
	counters *Counters
	compiledConditions
}

// Matches reports whether every condition holds.
func (f *CompiledFilter) Matches(ctx context.Context, now time.Time, ev *domain.CrossBoundaryEvent) bool {
	return f.match(ctx, now, ev)
}

// Volatile reports whether the filter depends on state or wall time.
func (f *CompiledFilter) Volatile() bool { return f.volatile }

// PatternCount returns the content pattern matches one evaluation performs.
func (f *CompiledFilter) PatternCount() int { return f.patterns }

// Counters returns the shared counters.
func (f *CompiledFilter) Counters() *Counters { return f.counters }

// ShareCounters makes f count into prev's counters.
func (f *CompiledFilter) ShareCounters(prev *CompiledFilter) {
	if prev != nil {
		f.counters = prev.counters
	}
}

// Snapshot returns the declarative filter with live counters filled in.
func (f *CompiledFilter) Snapshot() domain.Filter {
	out := f.Filter
	out.MatchCount = f.counters.Matches.Load()
	out.ApplyCount = f.counters.Applies.Load()
	return out
}

func (c *Compiler) compileConditions(id string, conds []domain.Condition) (compiledConditions, error) {
	out := compiledConditions{conds: make([]condition, 0, len(conds))}
	for _, cond := range conds {
		cc, err := c.compileCondition(id, cond)
		if err != nil {
			return compiledConditions{}, err
		}
		out.conds = append(out.conds, cc)
		out.volatile = out.volatile || cc.volatile
		out.patterns += cc.patterns
	}
	return out, nil
}

// CompileRule validates and compiles one routing rule.
func (c *Compiler) CompileRule(rule domain.RoutingRule) (*CompiledRule, error) {
	if rule.ID == "" {
		return nil, domain.CompilationError("<unnamed>", "rule id is required")
	}
	if len(rule.Actions) == 0 {
		return nil, domain.CompilationError(rule.ID, "rule has no actions")
	}
	for _, a := range rule.Actions {
		if err := validateRuleAction(rule.ID, a); err != nil {
			return nil, err
		}
	}
	conds, err := c.compileConditions(rule.ID, rule.Conditions)
	if err != nil {
		return nil, err
	}
	rule.Conditions = append([]domain.Condition(nil), rule.Conditions...)
	rule.Actions = append([]domain.RuleAction(nil), rule.Actions...)
	return &CompiledRule{Rule: rule, counters: &Counters{}, compiledConditions: conds}, nil
}

func validateRuleAction(id string, action domain.RuleAction) error {
	switch a := action.(type) {
	case domain.RouteToAction:
		return validateTargets(id, "route_to", a.Targets)
	case domain.RestrictTargetsAction:
		return validateTargets(id, "restrict_targets", a.Targets)
	case domain.TransformAction:
		if a.Transformation.Name == "" {
			return domain.CompilationError(id, "transform action needs a name")
		}
		return nil
	case domain.MetadataAction:
		if len(a.Metadata) == 0 {
			return domain.CompilationError(id, "metadata action is empty")
		}
		return nil
	case domain.PriorityBoostAction:
		if a.Delta == 0 {
			return domain.CompilationError(id, "priority boost of zero")
		}
		return nil
	case nil:
		return domain.CompilationError(id, "nil action")
	default:
		return domain.CompilationError(id, "unknown action %T", action)
	}
}

func validateTargets(id, what string, targets []domain.EventBoundary) error {
	if len(targets) == 0 {
		return domain.CompilationError(id, "%s lists no targets", what)
	}
	for _, t := range targets {
		if !t.Valid() {
			return domain.CompilationError(id, "%s: unknown boundary %q", what, t)
		}
	}
	return nil
}

// CompileFilter validates and compiles one filter.
func (c *Compiler) CompileFilter(filter domain.Filter) (*CompiledFilter, error) {
	if filter.ID == "" {
		return nil, domain.CompilationError("<unnamed>", "filter id is required")
	}
	if filter.Type == "" {
		filter.Type = inferFilterType(filter.Conditions)
	}
	if !validFilterType(filter.Type) {
		return nil, domain.CompilationError(filter.ID, "unknown filter type %q", filter.Type)
	}
	a := filter.Action
	switch a.Kind {
	case domain.FilterAllow, domain.FilterBlock:
	case domain.FilterDelay:
		if a.Delay <= 0 {
			return nil, domain.CompilationError(filter.ID, "delay action needs a positive delay")
		}
	case domain.FilterTransform:
		if len(a.Transformations) == 0 && len(a.Metadata) == 0 {
			return nil, domain.CompilationError(filter.ID, "transform action has nothing to apply")
		}
	case domain.FilterSample:
		if a.SampleRate < 0 || a.SampleRate > 1 {
			return nil, domain.CompilationError(filter.ID, "sample rate %v outside [0,1]", a.SampleRate)
		}
	default:
		return nil, domain.CompilationError(filter.ID, "unknown filter action %q", a.Kind)
	}
	for _, tr := range a.Transformations {
		if tr.Name == "" {
			return nil, domain.CompilationError(filter.ID, "transformation needs a name")
		}
	}
	conds, err := c.compileConditions(filter.ID, filter.Conditions)
	if err != nil {
		return nil, err
	}
	filter.Conditions = append([]domain.Condition(nil), filter.Conditions...)
	return &CompiledFilter{Filter: filter, counters: &Counters{}, compiledConditions: conds}, nil
}

func validFilterType(t domain.FilterType) bool {
	for _, known := range domain.AllFilterTypes {
		if t == known {
			return true
		}
	}
	return false
}

// inferFilterType labels an untyped filter after its first condition.
func inferFilterType(conds []domain.Condition) domain.FilterType {
	for _, c := range conds {
		switch c.(type) {
		case domain.TemporalCondition, domain.FrequencyCondition:
			return domain.FilterTemporal
		case domain.RateLimitCondition:
			return domain.FilterRateLimit
		case domain.PriorityRangeCondition:
			return domain.FilterPriority
		case domain.SemanticTagCondition:
			return domain.FilterSemantic
		case domain.GraphCondition:
			return domain.FilterGraph
		case domain.VectorCondition:
			return domain.FilterVector
		case domain.CustomCondition:
			return domain.FilterCustom
		}
	}
	return domain.FilterContent
}

// RuleSet is an immutable, priority-ordered set of compiled rules.
type RuleSet struct {
	Rules   []*CompiledRule
	Version uint64
	// Cacheable is false when any rule is volatile.
	Cacheable bool
}

// NewRuleSet orders rules by descending priority; rules of equal priority
// keep the order they were given in, which callers keep as insertion order.
func NewRuleSet(version uint64, rules []*CompiledRule) *RuleSet {
	sorted := append([]*CompiledRule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Rule.Priority > sorted[j].Rule.Priority
	})
	cacheable := true
	for _, r := range sorted {
		if r.volatile {
			cacheable = false
			break
		}
	}
	return &RuleSet{Rules: sorted, Version: version, Cacheable: cacheable}
}

// FilterSet is an immutable, priority-ordered set of compiled filters.
type FilterSet struct {
	Filters   []*CompiledFilter
	Version   uint64
	Cacheable bool
}

// NewFilterSet orders filters like NewRuleSet.
func NewFilterSet(version uint64, filters []*CompiledFilter) *FilterSet {
	sorted := append([]*CompiledFilter(nil), filters...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Filter.Priority > sorted[j].Filter.Priority
	})
	cacheable := true
	for _, f := range sorted {
		if f.volatile {
			cacheable = false
			break
		}
	}
	return &FilterSet{Filters: sorted, Version: version, Cacheable: cacheable}
}

// CompileRuleSet compiles every rule, failing on the first error, and
// rejects duplicate ids. Nothing is published on failure.
func (c *Compiler) CompileRuleSet(version uint64, rules []domain.RoutingRule) (*RuleSet, error) {
	seen := make(map[string]struct{}, len(rules))
	compiled := make([]*CompiledRule, 0, len(rules))
	for _, r := range rules {
		if _, dup := seen[r.ID]; dup {
			return nil, domain.CompilationError(r.ID, "duplicate rule id")
		}
		seen[r.ID] = struct{}{}
		cr, err := c.CompileRule(r)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, cr)
	}
	return NewRuleSet(version, compiled), nil
}

// CompileFilterSet is CompileRuleSet for filters.
func (c *Compiler) CompileFilterSet(version uint64, filters []domain.Filter) (*FilterSet, error) {
	seen := make(map[string]struct{}, len(filters))
	compiled := make([]*CompiledFilter, 0, len(filters))
	for _, f := range filters {
		if _, dup := seen[f.ID]; dup {
			return nil, domain.CompilationError(f.ID, "duplicate filter id")
		}
		seen[f.ID] = struct{}{}
		cf, err := c.CompileFilter(f)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, cf)
	}
	return NewFilterSet(version, compiled), nil
}
