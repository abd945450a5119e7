package policy

import (
	"fmt"
	"strings"
)

// Domain names the engine a custom condition belongs to.
type Domain string

const (
	// DomainRouting covers custom conditions on routing rules.
	DomainRouting Domain = "routing"
	// DomainFiltering covers custom conditions on filters.
	DomainFiltering Domain = "filtering"
)

// Mode decides what a failed custom condition evaluates to.
type Mode string

const (
	// ModeFailClosed treats an evaluation error as a match, so the rule or
	// filter action still applies.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen treats an evaluation error as no match.
	ModeFailOpen Mode = "fail-open"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	return m == ModeFailClosed || m == ModeFailOpen
}

// ParseMode accepts "fail-closed"/"fail-open", case-insensitively, with
// underscores allowed in place of the hyphen.
func ParseMode(value string) (Mode, error) {
	m := Mode(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "_", "-"))
	if !m.IsValid() {
		return "", fmt.Errorf("invalid failure mode %q", value)
	}
	return m, nil
}

// PostureSet holds the failure mode of each domain. Routing fails open and
// filtering fails closed unless overridden. The zero value fails closed
// everywhere.
type PostureSet struct {
	routing   Mode
	filtering Mode
}

// DefaultPostureSet returns the default modes.
func DefaultPostureSet() PostureSet {
	return PostureSet{routing: ModeFailOpen, filtering: ModeFailClosed}
}

// Mode returns the mode for d. Unknown domains fail closed.
func (s PostureSet) Mode(d Domain) Mode {
	var m Mode
	switch d {
	case DomainRouting:
		m = s.routing
	case DomainFiltering:
		m = s.filtering
	}
	if m == "" {
		return ModeFailClosed
	}
	return m
}

// MatchOnError returns the condition outcome to use when evaluation failed.
func (s PostureSet) MatchOnError(d Domain) bool {
	return s.Mode(d) == ModeFailClosed
}

// ApplyOverride sets the mode for d.
func (s *PostureSet) ApplyOverride(d Domain, m Mode) error {
	if !m.IsValid() {
		return fmt.Errorf("policy: invalid failure mode %q", m)
	}
	switch d {
	case DomainRouting:
		s.routing = m
	case DomainFiltering:
		s.filtering = m
	default:
		return fmt.Errorf("policy: unknown failure posture domain %q", d)
	}
	return nil
}

// ApplyOverrideStrings applies domain→mode pairs as read from configuration.
func (s *PostureSet) ApplyOverrideStrings(overrides map[string]string) error {
	for name, value := range overrides {
		m, err := ParseMode(value)
		if err != nil {
			return fmt.Errorf("policy: domain %s: %w", name, err)
		}
		if err := s.ApplyOverride(Domain(strings.ToLower(strings.TrimSpace(name))), m); err != nil {
			return err
		}
	}
	return nil
}
