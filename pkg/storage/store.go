// Package storage keeps revisioned routing rules and filters, and the token
// vault behind payload tokenisation.
package storage

import (
	"context"
	"time"

	"github.com/polisai/vexmesh/pkg/domain"
)

// ErrNotFound is returned when a requested revision, rule or token does not exist.
var ErrNotFound = domain.ErrNotFound

// RuleSet is one revision of the rules and filters.
type RuleSet struct {
	Revision uint64
	Rules    []domain.RoutingRule
	Filters  []domain.Filter
	SavedAt  time.Time
}

// RuleStore persists routing rules and filters. Every mutation creates a new
// revision. LoadRules and LoadFilters make a store usable as the source of
// the routing and filtering engines.
type RuleStore interface {
	LoadRules(ctx context.Context) ([]domain.RoutingRule, string, error)
	LoadFilters(ctx context.Context) ([]domain.Filter, string, error)
	Replace(ctx context.Context, rules []domain.RoutingRule, filters []domain.Filter) (uint64, error)
	PutRule(ctx context.Context, rule domain.RoutingRule) (uint64, error)
	DeleteRule(ctx context.Context, id string) (uint64, error)
	PutFilter(ctx context.Context, filter domain.Filter) (uint64, error)
	DeleteFilter(ctx context.Context, id string) (uint64, error)
	GetRuleSet(ctx context.Context, revision uint64) (*RuleSet, error)
	Rollback(ctx context.Context, revision uint64) (uint64, error)
	TriggerCompaction(ctx context.Context) error
	Close() error
}
