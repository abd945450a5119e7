package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/vexmesh/pkg/domain"
	"github.com/polisai/vexmesh/pkg/routing"
)

func rule(id string) domain.RoutingRule {
	return domain.RoutingRule{
		ID:      id,
		Enabled: true,
		Actions: []domain.RuleAction{domain.RouteToAction{Targets: []domain.EventBoundary{domain.BoundaryGraphLayer}}},
	}
}

func TestMemoryRuleStoreRevisions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRuleStore(0)

	rules, rev, err := s.LoadRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
	assert.Equal(t, "0", rev)

	r1, err := s.PutRule(ctx, rule("a"))
	require.NoError(t, err)
	r2, err := s.PutRule(ctx, rule("b"))
	require.NoError(t, err)
	assert.Equal(t, r1+1, r2)

	updated := rule("a")
	updated.Priority = 9
	_, err = s.PutRule(ctx, updated)
	require.NoError(t, err)

	rules, rev, err = s.LoadRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, 9, rules[0].Priority)
	assert.Equal(t, "3", rev)

	_, err = s.DeleteRule(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = s.PutFilter(ctx, domain.Filter{ID: "f", Enabled: true, Action: domain.FilterAction{Kind: domain.FilterBlock}})
	require.NoError(t, err)
	filters, _, err := s.LoadFilters(ctx)
	require.NoError(t, err)
	assert.Len(t, filters, 1)

	_, err = s.DeleteFilter(ctx, "f")
	require.NoError(t, err)
	filters, _, _ = s.LoadFilters(ctx)
	assert.Empty(t, filters)
}

func TestMemoryRuleStoreRollbackAndCompaction(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRuleStore(3)

	first, err := s.Replace(ctx, []domain.RoutingRule{rule("a")}, nil)
	require.NoError(t, err)
	_, err = s.Replace(ctx, []domain.RoutingRule{rule("b"), rule("c")}, nil)
	require.NoError(t, err)

	rolled, err := s.Rollback(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first+2, rolled)
	rules, _, _ := s.LoadRules(ctx)
	require.Len(t, rules, 1)
	assert.Equal(t, "a", rules[0].ID)

	// History is bounded to three revisions.
	_, err = s.GetRuleSet(ctx, 0)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.TriggerCompaction(ctx))
	_, err = s.GetRuleSet(ctx, first)
	assert.ErrorIs(t, err, ErrNotFound)
	rs, err := s.GetRuleSet(ctx, rolled)
	require.NoError(t, err)
	assert.Equal(t, rolled, rs.Revision)
}

func TestMemoryRuleStoreRejectsDuplicates(t *testing.T) {
	s := NewMemoryRuleStore(0)
	_, err := s.Replace(context.Background(), []domain.RoutingRule{rule("a"), rule("a")}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = s.PutRule(context.Background(), domain.RoutingRule{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Zero(t, s.Revision())
}

func TestMemoryRuleStoreFeedsRoutingEngine(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRuleStore(0)
	_, err := s.PutRule(ctx, rule("to-graph"))
	require.NoError(t, err)

	engine := routing.NewEngine(routing.DefaultConfig(), routing.WithSource(s))
	require.NoError(t, engine.ReloadConfiguration(ctx))
	assert.Equal(t, 1, engine.RuleCount())

	_, err = s.PutRule(ctx, rule("second"))
	require.NoError(t, err)
	require.NoError(t, engine.ReloadConfiguration(ctx))
	assert.Equal(t, 2, engine.RuleCount())
}

func TestTokenVaultRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := NewMemoryTokenVault(2)

	token, err := v.Tokenize(ctx, []byte("secret"), 42)
	require.NoError(t, err)
	assert.True(t, IsToken(token))

	got, err := v.Detokenize(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)
	id, ok := v.EventOf(token)
	assert.True(t, ok)
	assert.Equal(t, uint64(42), id)

	_, err = v.Detokenize(ctx, "[TOKEN::nope]")
	assert.ErrorIs(t, err, ErrNotFound)

	// Capacity two: the third token evicts the oldest.
	_, _ = v.Tokenize(ctx, []byte("b"), 1)
	_, _ = v.Tokenize(ctx, []byte("c"), 2)
	assert.Equal(t, 2, v.Len())
	_, err = v.Detokenize(ctx, token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokenizePayloadTransformation(t *testing.T) {
	v := NewMemoryTokenVault(0)
	fn := TokenizePayload(v)

	ev := &domain.SemanticEvent{ID: 7, Type: domain.EventFSWrite, Payload: []byte("card=4111")}
	require.NoError(t, fn(context.Background(), ev, nil))

	token := string(ev.Payload)
	assert.True(t, IsToken(token))
	assert.Equal(t, token, ev.Metadata["payload_token"])
	orig, err := v.Detokenize(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "card=4111", string(orig))

	empty := &domain.SemanticEvent{ID: 8}
	require.NoError(t, fn(context.Background(), empty, nil))
	assert.Nil(t, empty.Metadata)
}
