package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/vexmesh/pkg/domain"
)

// RuleFile is the on-disk shape of routing rules and filters.
type RuleFile struct {
	Rules   []RuleSpec   `yaml:"rules" json:"rules"`
	Filters []FilterSpec `yaml:"filters" json:"filters"`
}

// RuleSpec describes one routing rule.
type RuleSpec struct {
	ID          string          `yaml:"id" json:"id"`
	Name        string          `yaml:"name" json:"name"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Priority    int             `yaml:"priority" json:"priority"`
	Enabled     *bool           `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Conditions  []ConditionSpec `yaml:"conditions" json:"conditions"`
	Actions     []ActionSpec    `yaml:"actions" json:"actions"`
}

// FilterSpec describes one filter.
type FilterSpec struct {
	ID          string           `yaml:"id" json:"id"`
	Name        string           `yaml:"name" json:"name"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Type        string           `yaml:"type,omitempty" json:"type,omitempty"`
	Priority    int              `yaml:"priority" json:"priority"`
	Enabled     *bool            `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Conditions  []ConditionSpec  `yaml:"conditions" json:"conditions"`
	Action      FilterActionSpec `yaml:"action" json:"action"`
}

// ConditionSpec is a tagged union keyed by Type. Only the fields of the named
// kind are read.
type ConditionSpec struct {
	Type string `yaml:"type" json:"type"`

	// event_type
	EventTypes []string `yaml:"event_types,omitempty" json:"event_types,omitempty"`
	// source_boundary
	Boundaries []string `yaml:"boundaries,omitempty" json:"boundaries,omitempty"`
	// priority_range
	MinPriority int `yaml:"min_priority,omitempty" json:"min_priority,omitempty"`
	MaxPriority int `yaml:"max_priority,omitempty" json:"max_priority,omitempty"`
	// content
	Field           string   `yaml:"field,omitempty" json:"field,omitempty"`
	Patterns        []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	Regex           string   `yaml:"regex,omitempty" json:"regex,omitempty"`
	Vocabulary      []string `yaml:"vocabulary,omitempty" json:"vocabulary,omitempty"`
	CaseInsensitive bool     `yaml:"case_insensitive,omitempty" json:"case_insensitive,omitempty"`
	// temporal, times are "HH:MM" UTC
	Start    string   `yaml:"start,omitempty" json:"start,omitempty"`
	End      string   `yaml:"end,omitempty" json:"end,omitempty"`
	Weekdays []string `yaml:"weekdays,omitempty" json:"weekdays,omitempty"`
	MaxAge   string   `yaml:"max_age,omitempty" json:"max_age,omitempty"`
	// frequency
	Threshold int    `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Window    string `yaml:"window,omitempty" json:"window,omitempty"`
	// rate_limit
	EventsPerSecond float64 `yaml:"events_per_second,omitempty" json:"events_per_second,omitempty"`
	Burst           int     `yaml:"burst,omitempty" json:"burst,omitempty"`
	Scope           string  `yaml:"scope,omitempty" json:"scope,omitempty"`
	// semantic_tag
	Key           string   `yaml:"key,omitempty" json:"key,omitempty"`
	Values        []string `yaml:"values,omitempty" json:"values,omitempty"`
	MinConfidence float64  `yaml:"min_confidence,omitempty" json:"min_confidence,omitempty"`
	// graph
	Operations []string `yaml:"operations,omitempty" json:"operations,omitempty"`
	NodeTypes  []string `yaml:"node_types,omitempty" json:"node_types,omitempty"`
	NodeIDs    []uint64 `yaml:"node_ids,omitempty" json:"node_ids,omitempty"`
	// vector
	Collections   []string `yaml:"collections,omitempty" json:"collections,omitempty"`
	MinDimensions int      `yaml:"min_dimensions,omitempty" json:"min_dimensions,omitempty"`
	MaxDimensions int      `yaml:"max_dimensions,omitempty" json:"max_dimensions,omitempty"`
	MinSimilarity float64  `yaml:"min_similarity,omitempty" json:"min_similarity,omitempty"`
	// custom
	Module     string `yaml:"module,omitempty" json:"module,omitempty"`
	Entrypoint string `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
}

// ActionSpec is a routing action. Each populated field becomes one action.
type ActionSpec struct {
	RouteTo       []string            `yaml:"route_to,omitempty" json:"route_to,omitempty"`
	RestrictTo    []string            `yaml:"restrict_to,omitempty" json:"restrict_to,omitempty"`
	Transform     *TransformationSpec `yaml:"transform,omitempty" json:"transform,omitempty"`
	Metadata      map[string]string   `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	PriorityBoost int                 `yaml:"priority_boost,omitempty" json:"priority_boost,omitempty"`
}

// TransformationSpec names a transformation and its parameters.
type TransformationSpec struct {
	Name   string            `yaml:"name" json:"name"`
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// FilterActionSpec is the verdict of a filter.
type FilterActionSpec struct {
	Kind            string               `yaml:"kind" json:"kind"`
	Delay           string               `yaml:"delay,omitempty" json:"delay,omitempty"`
	Transformations []TransformationSpec `yaml:"transformations,omitempty" json:"transformations,omitempty"`
	Metadata        map[string]string    `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	// SampleRate is the keep probability of a sample action, in (0, 1].
	// Omitted selects the engine default.
	SampleRate *float64 `yaml:"sample_rate,omitempty" json:"sample_rate,omitempty"`
}

// LoadRuleFile reads and parses a rule file (YAML or JSON).
func LoadRuleFile(path string) (*RuleFile, error) {
	//nolint:gosec // rule file path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file %s: %w", path, err)
	}
	return ParseRuleFile(data)
}

// ParseRuleFile decodes a rule file from YAML, falling back to JSON.
func ParseRuleFile(data []byte) (*RuleFile, error) {
	var rf RuleFile
	if err := decode(data, &rf); err != nil {
		return nil, err
	}
	return &rf, nil
}

// ToDomain converts every rule and filter. All entries are checked and the
// errors joined.
func (rf *RuleFile) ToDomain() ([]domain.RoutingRule, []domain.Filter, error) {
	var errs []error
	rules := make([]domain.RoutingRule, 0, len(rf.Rules))
	for i, spec := range rf.Rules {
		rule, err := spec.ToDomain()
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d (%s): %w", i, spec.ID, err))
			continue
		}
		rules = append(rules, rule)
	}
	filters := make([]domain.Filter, 0, len(rf.Filters))
	for i, spec := range rf.Filters {
		filter, err := spec.ToDomain()
		if err != nil {
			errs = append(errs, fmt.Errorf("filter %d (%s): %w", i, spec.ID, err))
			continue
		}
		filters = append(filters, filter)
	}
	if len(errs) > 0 {
		return nil, nil, errors.Join(errs...)
	}
	return rules, filters, nil
}

// ToDomain converts a rule spec.
func (s RuleSpec) ToDomain() (domain.RoutingRule, error) {
	if s.ID == "" {
		return domain.RoutingRule{}, errors.New("id is required")
	}
	conds, err := convertConditions(s.Conditions)
	if err != nil {
		return domain.RoutingRule{}, err
	}
	var actions []domain.RuleAction
	for i, a := range s.Actions {
		converted, err := a.toDomain()
		if err != nil {
			return domain.RoutingRule{}, fmt.Errorf("action %d: %w", i, err)
		}
		actions = append(actions, converted...)
	}
	if len(actions) == 0 {
		return domain.RoutingRule{}, errors.New("at least one action is required")
	}
	return domain.RoutingRule{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Priority:    s.Priority,
		Conditions:  conds,
		Actions:     actions,
		Enabled:     enabled(s.Enabled),
	}, nil
}

// ToDomain converts a filter spec. An empty type is inferred by the compiler.
func (s FilterSpec) ToDomain() (domain.Filter, error) {
	if s.ID == "" {
		return domain.Filter{}, errors.New("id is required")
	}
	conds, err := convertConditions(s.Conditions)
	if err != nil {
		return domain.Filter{}, err
	}
	action, err := s.Action.toDomain()
	if err != nil {
		return domain.Filter{}, fmt.Errorf("action: %w", err)
	}
	return domain.Filter{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Type:        domain.FilterType(s.Type),
		Priority:    s.Priority,
		Conditions:  conds,
		Action:      action,
		Enabled:     enabled(s.Enabled),
	}, nil
}

func enabled(p *bool) bool { return p == nil || *p }

func convertConditions(specs []ConditionSpec) ([]domain.Condition, error) {
	conds := make([]domain.Condition, 0, len(specs))
	for i, spec := range specs {
		c, err := spec.ToDomain()
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		conds = append(conds, c)
	}
	return conds, nil
}

// ToDomain converts a condition spec to its domain variant.
func (s ConditionSpec) ToDomain() (domain.Condition, error) {
	switch domain.ConditionKind(s.Type) {
	case domain.ConditionEventType:
		types := make([]domain.EventType, len(s.EventTypes))
		for i, t := range s.EventTypes {
			types[i] = domain.EventType(t)
		}
		return domain.EventTypeCondition{Types: types}, nil
	case domain.ConditionSourceBoundary:
		b, err := boundaries(s.Boundaries)
		if err != nil {
			return nil, err
		}
		return domain.SourceBoundaryCondition{Boundaries: b}, nil
	case domain.ConditionPriorityRange:
		if s.MinPriority < 0 || s.MaxPriority > 255 || s.MinPriority > s.MaxPriority {
			return nil, fmt.Errorf("invalid priority range [%d, %d]", s.MinPriority, s.MaxPriority)
		}
		return domain.PriorityRangeCondition{
			Min: domain.Priority(s.MinPriority),
			Max: domain.Priority(s.MaxPriority),
		}, nil
	case domain.ConditionContent:
		field := domain.ContentField(s.Field)
		if field == "" {
			field = domain.FieldAny
		}
		return domain.ContentPatternCondition{
			Field:           field,
			Patterns:        s.Patterns,
			Regex:           s.Regex,
			Vocabulary:      s.Vocabulary,
			CaseInsensitive: s.CaseInsensitive,
		}, nil
	case domain.ConditionTemporal:
		return s.temporal()
	case domain.ConditionFrequency:
		window, err := duration(s.Window)
		if err != nil {
			return nil, fmt.Errorf("window: %w", err)
		}
		return domain.FrequencyCondition{Threshold: s.Threshold, Window: window}, nil
	case domain.ConditionRateLimit:
		scope := domain.RateScope(s.Scope)
		if scope == "" {
			scope = domain.RateScopeGlobal
		}
		return domain.RateLimitCondition{EventsPerSecond: s.EventsPerSecond, Burst: s.Burst, Scope: scope}, nil
	case domain.ConditionSemanticTag:
		return domain.SemanticTagCondition{Key: s.Key, Values: s.Values, MinConfidence: s.MinConfidence}, nil
	case domain.ConditionGraph:
		return domain.GraphCondition{Operations: s.Operations, NodeTypes: s.NodeTypes, NodeIDs: s.NodeIDs}, nil
	case domain.ConditionVector:
		return domain.VectorCondition{
			Collections:   s.Collections,
			MinDimensions: s.MinDimensions,
			MaxDimensions: s.MaxDimensions,
			MinSimilarity: s.MinSimilarity,
		}, nil
	case domain.ConditionCustom:
		return domain.CustomCondition{Module: s.Module, Entrypoint: s.Entrypoint}, nil
	default:
		return nil, fmt.Errorf("unknown condition type %q", s.Type)
	}
}

func (s ConditionSpec) temporal() (domain.Condition, error) {
	cond := domain.TemporalCondition{EndMinute: 24 * 60}
	var err error
	if s.Start != "" {
		if cond.StartMinute, err = clockMinute(s.Start); err != nil {
			return nil, fmt.Errorf("start: %w", err)
		}
	}
	if s.End != "" {
		if cond.EndMinute, err = clockMinute(s.End); err != nil {
			return nil, fmt.Errorf("end: %w", err)
		}
	}
	for _, day := range s.Weekdays {
		wd, ok := weekdays[strings.ToLower(day)]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", day)
		}
		cond.Weekdays = append(cond.Weekdays, wd)
	}
	if cond.MaxAge, err = duration(s.MaxAge); err != nil {
		return nil, fmt.Errorf("max_age: %w", err)
	}
	return cond, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// clockMinute parses "HH:MM" into minutes after midnight. "24:00" is the end of day.
func clockMinute(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("time %q: %w", s, err)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("time %q: %w", s, err)
	}
	total := h*60 + m
	if h < 0 || m < 0 || m > 59 || total > 24*60 {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return total, nil
}

func duration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func boundaries(names []string) ([]domain.EventBoundary, error) {
	out := make([]domain.EventBoundary, len(names))
	for i, n := range names {
		b := domain.EventBoundary(n)
		if !b.Valid() {
			return nil, fmt.Errorf("unknown boundary %q", n)
		}
		out[i] = b
	}
	return out, nil
}

func (a ActionSpec) toDomain() ([]domain.RuleAction, error) {
	var out []domain.RuleAction
	if len(a.RouteTo) > 0 {
		b, err := boundaries(a.RouteTo)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.RouteToAction{Targets: b})
	}
	if a.RestrictTo != nil {
		b, err := boundaries(a.RestrictTo)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.RestrictTargetsAction{Targets: b})
	}
	if a.Transform != nil {
		if a.Transform.Name == "" {
			return nil, errors.New("transform name is required")
		}
		out = append(out, domain.TransformAction{Transformation: a.Transform.toDomain()})
	}
	if len(a.Metadata) > 0 {
		out = append(out, domain.MetadataAction{Metadata: a.Metadata})
	}
	if a.PriorityBoost != 0 {
		out = append(out, domain.PriorityBoostAction{Delta: a.PriorityBoost})
	}
	if len(out) == 0 {
		return nil, errors.New("empty action")
	}
	return out, nil
}

func (t TransformationSpec) toDomain() domain.Transformation {
	return domain.Transformation{Name: t.Name, Params: t.Params}
}

func (a FilterActionSpec) toDomain() (domain.FilterAction, error) {
	kind := domain.FilterActionKind(a.Kind)
	switch kind {
	case domain.FilterAllow, domain.FilterBlock, domain.FilterDelay, domain.FilterTransform, domain.FilterSample:
	default:
		return domain.FilterAction{}, fmt.Errorf("unknown filter action %q", a.Kind)
	}
	delay, err := duration(a.Delay)
	if err != nil {
		return domain.FilterAction{}, fmt.Errorf("delay: %w", err)
	}
	if kind == domain.FilterDelay && delay == 0 {
		return domain.FilterAction{}, errors.New("delay action requires a positive delay")
	}
	var rate float64
	if a.SampleRate != nil {
		rate = *a.SampleRate
		// Zero is the engine-default sentinel in domain.FilterAction.
		if rate == 0 {
			return domain.FilterAction{}, errors.New("sample_rate 0 would select the engine default; omit it for the default or use a block action to keep nothing")
		}
		if rate < 0 || rate > 1 {
			return domain.FilterAction{}, fmt.Errorf("sample_rate %v must be within (0, 1]", rate)
		}
	}
	action := domain.FilterAction{
		Kind:       kind,
		Delay:      delay,
		Metadata:   a.Metadata,
		SampleRate: rate,
	}
	for _, t := range a.Transformations {
		action.Transformations = append(action.Transformations, t.toDomain())
	}
	return action, nil
}
