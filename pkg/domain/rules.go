package domain

import "time"

// ConditionKind names a condition category.
type ConditionKind string

// Condition kinds.
const (
	ConditionEventType      ConditionKind = "event_type"
	ConditionSourceBoundary ConditionKind = "source_boundary"
	ConditionPriorityRange  ConditionKind = "priority_range"
	ConditionContent        ConditionKind = "content"
	ConditionTemporal       ConditionKind = "temporal"
	ConditionFrequency      ConditionKind = "frequency"
	ConditionRateLimit      ConditionKind = "rate_limit"
	ConditionSemanticTag    ConditionKind = "semantic_tag"
	ConditionGraph          ConditionKind = "graph"
	ConditionVector         ConditionKind = "vector"
	ConditionCustom         ConditionKind = "custom"
)

// Condition is one member of the closed condition union.
type Condition interface {
	Kind() ConditionKind
	isCondition()
}

// EventTypeCondition matches when the event type is one of Types. An entry
// ending in ".*" matches the whole category.
type EventTypeCondition struct {
	Types []EventType
}

// SourceBoundaryCondition matches when the source boundary is one of Boundaries.
type SourceBoundaryCondition struct {
	Boundaries []EventBoundary
}

// PriorityRangeCondition matches Min <= priority <= Max.
type PriorityRangeCondition struct {
	Min Priority
	Max Priority
}

// ContentField selects the text a content pattern is matched against.
type ContentField string

// Content fields. Metadata fields are written "metadata:<key>".
const (
	FieldAny     ContentField = "any"
	FieldPath    ContentField = "path"
	FieldPayload ContentField = "payload"
	FieldType    ContentField = "type"
)

// ContentPatternCondition matches event text. Literal Patterns are alternatives
// (any hit matches), Regex must also match when set, and Vocabulary lists whole
// tokens of which at least one must be present.
type ContentPatternCondition struct {
	Field           ContentField
	Patterns        []string
	Regex           string
	Vocabulary      []string
	CaseInsensitive bool
}

// TemporalCondition matches on the event timestamp: time of day in
// [StartMinute, EndMinute) (minutes after midnight UTC, wrapping when
// End < Start), optional weekdays, and a maximum age relative to now.
type TemporalCondition struct {
	StartMinute int
	EndMinute   int
	Weekdays    []time.Weekday
	MaxAge      time.Duration
}

// FrequencyCondition matches once at least Threshold events reached it within Window.
type FrequencyCondition struct {
	Threshold int
	Window    time.Duration
}

// RateScope selects the key a rate limit is tracked under.
type RateScope string

// Rate scopes.
const (
	RateScopeGlobal    RateScope = "global"
	RateScopeEventType RateScope = "event_type"
	RateScopeSource    RateScope = "source"
)

// RateLimitCondition matches when the event exceeds EventsPerSecond (with Burst).
type RateLimitCondition struct {
	EventsPerSecond float64
	Burst           int
	Scope           RateScope
}

// SemanticTagCondition matches a semantic tag value and minimum confidence.
type SemanticTagCondition struct {
	Key           string
	Values        []string
	MinConfidence float64
}

// GraphCondition matches graph operations, node types, or node ids.
type GraphCondition struct {
	Operations []string
	NodeTypes  []string
	NodeIDs    []uint64
}

// VectorCondition matches vector collections and dimension bounds.
type VectorCondition struct {
	Collections   []string
	MinDimensions int
	MaxDimensions int
	MinSimilarity float64
}

// CustomCondition evaluates a Rego module; the query at Entrypoint must yield true.
type CustomCondition struct {
	Module     string
	Entrypoint string
}

func (EventTypeCondition) Kind() ConditionKind      { return ConditionEventType }
func (SourceBoundaryCondition) Kind() ConditionKind { return ConditionSourceBoundary }
func (PriorityRangeCondition) Kind() ConditionKind  { return ConditionPriorityRange }
func (ContentPatternCondition) Kind() ConditionKind { return ConditionContent }
func (TemporalCondition) Kind() ConditionKind       { return ConditionTemporal }
func (FrequencyCondition) Kind() ConditionKind      { return ConditionFrequency }
func (RateLimitCondition) Kind() ConditionKind      { return ConditionRateLimit }
func (SemanticTagCondition) Kind() ConditionKind    { return ConditionSemanticTag }
func (GraphCondition) Kind() ConditionKind          { return ConditionGraph }
func (VectorCondition) Kind() ConditionKind         { return ConditionVector }
func (CustomCondition) Kind() ConditionKind         { return ConditionCustom }

func (EventTypeCondition) isCondition()      {}
func (SourceBoundaryCondition) isCondition() {}
func (PriorityRangeCondition) isCondition()  {}
func (ContentPatternCondition) isCondition() {}
func (TemporalCondition) isCondition()       {}
func (FrequencyCondition) isCondition()      {}
func (RateLimitCondition) isCondition()      {}
func (SemanticTagCondition) isCondition()    {}
func (GraphCondition) isCondition()          {}
func (VectorCondition) isCondition()         {}
func (CustomCondition) isCondition()         {}

// Transformation is a named, parameterised rewrite applied to a delivered event.
type Transformation struct {
	Name   string
	Params map[string]string
}

// RuleAction is one member of the closed routing action union.
type RuleAction interface {
	isRuleAction()
}

// RouteToAction adds target boundaries.
type RouteToAction struct {
	Targets []EventBoundary
}

// RestrictTargetsAction narrows delivery to the listed boundaries.
type RestrictTargetsAction struct {
	Targets []EventBoundary
}

// TransformAction appends a transformation.
type TransformAction struct {
	Transformation Transformation
}

// MetadataAction merges metadata into the event.
type MetadataAction struct {
	Metadata map[string]string
}

// PriorityBoostAction raises the event priority.
type PriorityBoostAction struct {
	Delta int
}

func (RouteToAction) isRuleAction()         {}
func (RestrictTargetsAction) isRuleAction() {}
func (TransformAction) isRuleAction()       {}
func (MetadataAction) isRuleAction()        {}
func (PriorityBoostAction) isRuleAction()   {}

// RoutingRule is a declarative routing rule.
type RoutingRule struct {
	ID          string
	Name        string
	Description string
	Priority    int
	Conditions  []Condition
	Actions     []RuleAction
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	MatchCount  uint64
	ApplyCount  uint64
}

// FilterType labels a filter for per-type observability.
type FilterType string

// Filter types.
const (
	FilterContent   FilterType = "content"
	FilterTemporal  FilterType = "temporal"
	FilterRateLimit FilterType = "rate_limit"
	FilterPriority  FilterType = "priority"
	FilterSemantic  FilterType = "semantic"
	FilterGraph     FilterType = "graph"
	FilterVector    FilterType = "vector"
	FilterCustom    FilterType = "custom"
)

// AllFilterTypes lists every filter type.
var AllFilterTypes = []FilterType{
	FilterContent, FilterTemporal, FilterRateLimit, FilterPriority,
	FilterSemantic, FilterGraph, FilterVector, FilterCustom,
}

// FilterActionKind is the verdict a matching filter produces.
type FilterActionKind string

// Filter verdicts.
const (
	FilterAllow     FilterActionKind = "allow"
	FilterBlock     FilterActionKind = "block"
	FilterDelay     FilterActionKind = "delay"
	FilterTransform FilterActionKind = "transform"
	FilterSample    FilterActionKind = "sample"
)

// FilterAction is what a matching filter does. SampleRate of zero selects the
// engine's configured default.
type FilterAction struct {
	Kind            FilterActionKind
	Delay           time.Duration
	Transformations []Transformation
	Metadata        map[string]string
	SampleRate      float64
}

// Filter is a declarative filter.
type Filter struct {
	ID          string
	Name        string
	Description string
	Type        FilterType
	Priority    int
	Conditions  []Condition
	Action      FilterAction
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	MatchCount  uint64
	ApplyCount  uint64
}

// RoutingDecision is the fan-out result of evaluating every routing rule.
type RoutingDecision struct {
	Targets         []EventBoundary
	Restrict        []EventBoundary
	Transformations []Transformation
	Metadata        map[string]string
	PriorityBoost   int
	MatchedRules    []string
	RuleSetVersion  uint64
	CacheHit        bool
	Latency         time.Duration
}

// IsNoop reports whether the decision changes nothing.
func (d RoutingDecision) IsNoop() bool {
	return len(d.Targets) == 0 && d.Restrict == nil && len(d.Transformations) == 0 &&
		len(d.Metadata) == 0 && d.PriorityBoost == 0
}

// FilterResult is the verdict of the filtering engine.
type FilterResult struct {
	Allow           bool
	Action          FilterActionKind
	MatchedFilters  []string
	Transformations []Transformation
	Metadata        map[string]string
	Delay           time.Duration
	BlockedBy       string
	CacheHit        bool
	Latency         time.Duration
}
