package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/vexmesh/pkg/domain"
)

const secretsModule = `package vexmesh

match if {
	startswith(input.filesystem.path, "/secrets/")
	input.priority >= 2
}
`

func crossEvent(path string, prio domain.Priority) *domain.CrossBoundaryEvent {
	return &domain.CrossBoundaryEvent{
		Event: &domain.SemanticEvent{
			ID:         1,
			Type:       domain.EventFSWrite,
			Timestamp:  time.Unix(1700000000, 0),
			Priority:   prio,
			Filesystem: &domain.FilesystemContext{Path: path},
		},
		Source: domain.BoundaryKernelModule,
	}
}

func TestEngineMatch(t *testing.T) {
	eng, err := NewEngine(context.Background(), EngineOptions{
		Modules: map[string]string{"secrets.rego": secretsModule},
	})
	require.NoError(t, err)
	assert.Equal(t, "vexmesh/match", eng.Entrypoint())

	ok, err := eng.Match(context.Background(), crossEvent("/secrets/key", domain.PriorityHigh))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = eng.Match(context.Background(), crossEvent("/secrets/key", domain.PriorityLow))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = eng.Match(context.Background(), crossEvent("/public/readme", domain.PriorityHigh))
	require.NoError(t, err)
	assert.False(t, ok, "undefined result counts as no match")
}

func TestEngineObjectResult(t *testing.T) {
	eng, err := NewEngine(context.Background(), EngineOptions{
		Entrypoint: "custom/decision",
		Modules: map[string]string{"d.rego": `package custom

decision := {"match": input.source == "kernel_module"}
`},
		CacheMaxEntries: -1,
	})
	require.NoError(t, err)

	ok, err := eng.Match(context.Background(), crossEvent("/a", domain.PriorityLow))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngineCachesDecisions(t *testing.T) {
	eng, err := NewEngine(context.Background(), EngineOptions{
		Modules: map[string]string{"secrets.rego": secretsModule},
	})
	require.NoError(t, err)

	ev := crossEvent("/secrets/key", domain.PriorityHigh)
	_, err = eng.Match(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, 1, eng.cache.Len())

	_, err = eng.Match(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, 1, eng.cache.Len())

	eng.FlushCache()
	assert.Equal(t, 0, eng.cache.Len())
}

func TestEngineRejectsBadModule(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineOptions{
		Modules: map[string]string{"bad.rego": "package x\nmatch if {"},
	})
	assert.Error(t, err)

	_, err = NewEngine(context.Background(), EngineOptions{})
	assert.Error(t, err)
}

func TestPostureDefaultsAndOverrides(t *testing.T) {
	set := DefaultPostureSet()
	assert.False(t, set.MatchOnError(DomainRouting))
	assert.True(t, set.MatchOnError(DomainFiltering))

	require.NoError(t, set.ApplyOverrideStrings(map[string]string{"Filtering": "fail-open"}))
	assert.False(t, set.MatchOnError(DomainFiltering))

	assert.Error(t, set.ApplyOverride("auth", ModeFailOpen))
	_, err := ParseMode("sideways")
	assert.Error(t, err)

	m, err := ParseMode("FAIL_CLOSED")
	require.NoError(t, err)
	assert.Equal(t, ModeFailClosed, m)

	var zero PostureSet
	assert.True(t, zero.MatchOnError(DomainRouting))
}
