package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/vexmesh/pkg/domain"
)

const sampleRules = `
rules:
  - id: fs-to-graph
    name: Filesystem writes reach the graph
    priority: 100
    conditions:
      - type: event_type
        event_types: ["fs.*"]
      - type: source_boundary
        boundaries: [kernel_module]
      - type: priority_range
        min_priority: 1
        max_priority: 3
      - type: content
        field: path
        patterns: ["/data/"]
        case_insensitive: true
      - type: temporal
        start: "22:00"
        end: "06:00"
        weekdays: [mon, Friday]
        max_age: 5m
    actions:
      - route_to: [graph_layer, fuse_userspace]
        metadata:
          routed_by: fs-to-graph
        priority_boost: 1
      - transform:
          name: tag
          params:
            team: storage
  - id: restrict
    enabled: false
    conditions:
      - type: frequency
        threshold: 10
        window: 1s
      - type: rate_limit
        events_per_second: 100
        burst: 5
      - type: semantic_tag
        key: intent
        values: [backup]
        min_confidence: 0.7
      - type: graph
        operations: [create]
        node_ids: [7]
      - type: vector
        collections: [docs]
        min_dimensions: 128
      - type: custom
        module: "package vexmesh\nallow { true }"
        entrypoint: data.vexmesh.allow
    actions:
      - restrict_to: []
filters:
  - id: hold-agents
    priority: 10
    conditions:
      - type: source_boundary
        boundaries: [agent_layer]
    action:
      kind: delay
      delay: 20ms
  - id: sample-vectors
    type: vector
    action:
      kind: sample
      sample_rate: 0.2
`

func TestRuleFileToDomain(t *testing.T) {
	rf, err := ParseRuleFile([]byte(sampleRules))
	require.NoError(t, err)

	rules, filters, err := rf.ToDomain()
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Len(t, filters, 2)

	first := rules[0]
	assert.True(t, first.Enabled)
	assert.Equal(t, 100, first.Priority)
	require.Len(t, first.Conditions, 5)
	assert.Equal(t, domain.EventTypeCondition{Types: []domain.EventType{"fs.*"}}, first.Conditions[0])
	assert.Equal(t, domain.PriorityRangeCondition{Min: 1, Max: 3}, first.Conditions[2])

	temporal, ok := first.Conditions[4].(domain.TemporalCondition)
	require.True(t, ok)
	assert.Equal(t, 22*60, temporal.StartMinute)
	assert.Equal(t, 6*60, temporal.EndMinute)
	assert.Equal(t, []time.Weekday{time.Monday, time.Friday}, temporal.Weekdays)
	assert.Equal(t, 5*time.Minute, temporal.MaxAge)

	// One action spec with three populated fields yields three actions.
	require.Len(t, first.Actions, 4)
	assert.Equal(t, domain.RouteToAction{Targets: []domain.EventBoundary{
		domain.BoundaryGraphLayer, domain.BoundaryFuseUserspace,
	}}, first.Actions[0])
	assert.Equal(t, domain.PriorityBoostAction{Delta: 1}, first.Actions[2])
	assert.Equal(t, "tag", first.Actions[3].(domain.TransformAction).Transformation.Name)

	second := rules[1]
	assert.False(t, second.Enabled)
	kinds := make([]domain.ConditionKind, len(second.Conditions))
	for i, c := range second.Conditions {
		kinds[i] = c.Kind()
	}
	assert.Equal(t, []domain.ConditionKind{
		domain.ConditionFrequency, domain.ConditionRateLimit, domain.ConditionSemanticTag,
		domain.ConditionGraph, domain.ConditionVector, domain.ConditionCustom,
	}, kinds)
	assert.Equal(t, domain.RateScopeGlobal, second.Conditions[1].(domain.RateLimitCondition).Scope)
	// An explicit empty restriction means "deliver nowhere".
	assert.Equal(t, domain.RestrictTargetsAction{Targets: []domain.EventBoundary{}}, second.Actions[0])

	assert.Equal(t, domain.FilterDelay, filters[0].Action.Kind)
	assert.Equal(t, 20*time.Millisecond, filters[0].Action.Delay)
	assert.Equal(t, domain.FilterVector, filters[1].Type)
	assert.InDelta(t, 0.2, filters[1].Action.SampleRate, 1e-9)
}

func TestRuleFileErrorsAreJoined(t *testing.T) {
	rf, err := ParseRuleFile([]byte(`
rules:
  - id: bad-boundary
    actions:
      - route_to: [moon]
  - id: bad-condition
    conditions:
      - type: telepathy
    actions:
      - priority_boost: 1
filters:
  - id: bad-delay
    action:
      kind: delay
`))
	require.NoError(t, err)

	_, _, err = rf.ToDomain()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown boundary "moon"`)
	assert.Contains(t, err.Error(), `unknown condition type "telepathy"`)
	assert.Contains(t, err.Error(), "delay action requires a positive delay")
}

func TestConditionSpecValidation(t *testing.T) {
	bad := []ConditionSpec{
		{Type: "priority_range", MinPriority: 4, MaxPriority: 2},
		{Type: "temporal", Start: "25:00"},
		{Type: "temporal", Start: "noon"},
		{Type: "temporal", Weekdays: []string{"someday"}},
		{Type: "frequency", Threshold: 1, Window: "-1s"},
	}
	for _, spec := range bad {
		_, err := spec.ToDomain()
		assert.Error(t, err, "%+v", spec)
	}

	c, err := ConditionSpec{Type: "content", Patterns: []string{"x"}}.ToDomain()
	require.NoError(t, err)
	assert.Equal(t, domain.FieldAny, c.(domain.ContentPatternCondition).Field)

	c, err = ConditionSpec{Type: "temporal", Start: "08:30"}.ToDomain()
	require.NoError(t, err)
	assert.Equal(t, 24*60, c.(domain.TemporalCondition).EndMinute)
}

func TestSampleRateZeroIsRejected(t *testing.T) {
	rf, err := ParseRuleFile([]byte(`
filters:
  - id: keep-none
    action:
      kind: sample
      sample_rate: 0
`))
	require.NoError(t, err)
	_, _, err = rf.ToDomain()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine default")

	rf, err = ParseRuleFile([]byte(`
filters:
  - id: default-rate
    action:
      kind: sample
  - id: half
    action:
      kind: sample
      sample_rate: 0.5
`))
	require.NoError(t, err)
	_, filters, err := rf.ToDomain()
	require.NoError(t, err)
	require.Len(t, filters, 2)
	assert.Zero(t, filters[0].Action.SampleRate)
	assert.InDelta(t, 0.5, filters[1].Action.SampleRate, 1e-9)
}
