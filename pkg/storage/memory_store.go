package storage

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/polisai/vexmesh/pkg/domain"
)

// DefaultHistory is how many revisions a MemoryRuleStore retains.
const DefaultHistory = 16

// MemoryRuleStore is an in-memory implementation of RuleStore.
type MemoryRuleStore struct {
	mu      sync.RWMutex
	history []*RuleSet // oldest first, never empty
	keep    int
	now     func() time.Time
}

// NewMemoryRuleStore creates an empty store at revision 0 keeping the last
// keep revisions (DefaultHistory when keep <= 0).
func NewMemoryRuleStore(keep int) *MemoryRuleStore {
	if keep <= 0 {
		keep = DefaultHistory
	}
	s := &MemoryRuleStore{keep: keep, now: time.Now}
	s.history = []*RuleSet{{SavedAt: s.now()}}
	return s
}

func (s *MemoryRuleStore) latest() *RuleSet { return s.history[len(s.history)-1] }

// LoadRules implements routing.RuleSource.
func (s *MemoryRuleStore) LoadRules(ctx context.Context) ([]domain.RoutingRule, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.latest()
	return slices.Clone(cur.Rules), strconv.FormatUint(cur.Revision, 10), nil
}

// LoadFilters implements filtering.FilterSource.
func (s *MemoryRuleStore) LoadFilters(ctx context.Context) ([]domain.Filter, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.latest()
	return slices.Clone(cur.Filters), strconv.FormatUint(cur.Revision, 10), nil
}

// commit appends a revision built from the latest one. Caller holds mu.
func (s *MemoryRuleStore) commit(rules []domain.RoutingRule, filters []domain.Filter) uint64 {
	next := &RuleSet{
		Revision: s.latest().Revision + 1,
		Rules:    rules,
		Filters:  filters,
		SavedAt:  s.now(),
	}
	s.history = append(s.history, next)
	if len(s.history) > s.keep {
		s.history = slices.Delete(s.history, 0, len(s.history)-s.keep)
	}
	return next.Revision
}

// Replace installs a complete rule and filter set as a new revision.
func (s *MemoryRuleStore) Replace(ctx context.Context, rules []domain.RoutingRule, filters []domain.Filter) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := checkUnique(rules, filters); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(slices.Clone(rules), slices.Clone(filters)), nil
}

func checkUnique(rules []domain.RoutingRule, filters []domain.Filter) error {
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if _, dup := seen[r.ID]; dup {
			return domain.NewError(domain.ErrInvalidArgument, "replace", "duplicate rule id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	clear(seen)
	for _, f := range filters {
		if _, dup := seen[f.ID]; dup {
			return domain.NewError(domain.ErrInvalidArgument, "replace", "duplicate filter id %q", f.ID)
		}
		seen[f.ID] = struct{}{}
	}
	return nil
}

// PutRule adds or replaces a rule by id.
func (s *MemoryRuleStore) PutRule(ctx context.Context, rule domain.RoutingRule) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if rule.ID == "" {
		return 0, domain.NewError(domain.ErrInvalidArgument, "put rule", "rule id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.latest()
	rules := slices.Clone(cur.Rules)
	if i := slices.IndexFunc(rules, func(r domain.RoutingRule) bool { return r.ID == rule.ID }); i >= 0 {
		rules[i] = rule
	} else {
		rules = append(rules, rule)
	}
	return s.commit(rules, cur.Filters), nil
}

// DeleteRule removes a rule by id.
func (s *MemoryRuleStore) DeleteRule(ctx context.Context, id string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.latest()
	i := slices.IndexFunc(cur.Rules, func(r domain.RoutingRule) bool { return r.ID == id })
	if i < 0 {
		return 0, fmt.Errorf("rule %q: %w", id, ErrNotFound)
	}
	return s.commit(slices.Delete(slices.Clone(cur.Rules), i, i+1), cur.Filters), nil
}

// PutFilter adds or replaces a filter by id.
func (s *MemoryRuleStore) PutFilter(ctx context.Context, filter domain.Filter) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if filter.ID == "" {
		return 0, domain.NewError(domain.ErrInvalidArgument, "put filter", "filter id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.latest()
	filters := slices.Clone(cur.Filters)
	if i := slices.IndexFunc(filters, func(f domain.Filter) bool { return f.ID == filter.ID }); i >= 0 {
		filters[i] = filter
	} else {
		filters = append(filters, filter)
	}
	return s.commit(cur.Rules, filters), nil
}

// DeleteFilter removes a filter by id.
func (s *MemoryRuleStore) DeleteFilter(ctx context.Context, id string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.latest()
	i := slices.IndexFunc(cur.Filters, func(f domain.Filter) bool { return f.ID == id })
	if i < 0 {
		return 0, fmt.Errorf("filter %q: %w", id, ErrNotFound)
	}
	return s.commit(cur.Rules, slices.Delete(slices.Clone(cur.Filters), i, i+1)), nil
}

// GetRuleSet returns a retained revision.
func (s *MemoryRuleStore) GetRuleSet(ctx context.Context, revision uint64) (*RuleSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rs := range s.history {
		if rs.Revision == revision {
			out := *rs
			out.Rules = slices.Clone(rs.Rules)
			out.Filters = slices.Clone(rs.Filters)
			return &out, nil
		}
	}
	return nil, fmt.Errorf("revision %d: %w", revision, ErrNotFound)
}

// Rollback re-publishes a retained revision as a new revision, so sources
// polling the store see a change.
func (s *MemoryRuleStore) Rollback(ctx context.Context, revision uint64) (uint64, error) {
	rs, err := s.GetRuleSet(ctx, revision)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(rs.Rules, rs.Filters), nil
}

// Revision returns the latest revision number.
func (s *MemoryRuleStore) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest().Revision
}

// TriggerCompaction drops every revision but the latest.
func (s *MemoryRuleStore) TriggerCompaction(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = []*RuleSet{s.latest()}
	return nil
}

// Close is a no-op for memory store.
func (s *MemoryRuleStore) Close() error {
	return nil
}
