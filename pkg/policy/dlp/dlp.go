// Package dlp finds sensitive values in event payloads and metadata and masks
// them before an event crosses a boundary.
package dlp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Action decides what happens to a match.
type Action string

const (
	// ActionAllow records the finding and leaves the value alone.
	ActionAllow Action = "allow"
	// ActionRedact replaces the match with the rule's replacement.
	ActionRedact Action = "redact"
	// ActionTokenize moves the match into a token vault and leaves the token.
	ActionTokenize Action = "tokenize"
)

// Rule declares one detection pattern.
type Rule struct {
	Name        string
	Pattern     string
	Action      Action
	Replacement string
}

// Tokenizer stores a sensitive value and returns a reversible token.
type Tokenizer interface {
	Tokenize(ctx context.Context, value []byte, eventID uint64) (string, error)
}

// Config bundles the rules for a Scanner. Vault is required only when a rule
// tokenizes.
type Config struct {
	Rules []Rule
	Vault Tokenizer
}

// Finding captures a single match.
type Finding struct {
	Rule   string
	Start  int
	End    int
	Action Action
}

// Report is the outcome of scanning one value.
type Report struct {
	Findings []Finding
	Output   string
}

// Changed reports whether the output differs from the input.
func (r Report) Changed() bool {
	for _, f := range r.Findings {
		if f.Action != ActionAllow {
			return true
		}
	}
	return false
}

// ErrNoVault is returned when a tokenize rule matches without a vault.
var ErrNoVault = errors.New("dlp: tokenize rule requires a vault")

type compiledRule struct {
	name        string
	expr        *regexp.Regexp
	action      Action
	replacement string
}

// Scanner applies compiled rules. It is safe for concurrent use.
type Scanner struct {
	rules []compiledRule
	vault Tokenizer
}

// DefaultConfig covers common PII classes.
func DefaultConfig() Config {
	return Config{
		Rules: []Rule{
			{Name: "email", Pattern: `(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`, Action: ActionRedact},
			{Name: "ssn", Pattern: `\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`, Action: ActionRedact},
			{Name: "aws_access_key", Pattern: `\bAKIA[0-9A-Z]{16}\b`, Action: ActionTokenize},
		},
	}
}

// NewScanner compiles cfg.
func NewScanner(cfg Config) (*Scanner, error) {
	s := &Scanner{vault: cfg.Vault, rules: make([]compiledRule, 0, len(cfg.Rules))}
	for _, rule := range cfg.Rules {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return nil, errors.New("dlp: rule name is required")
		}
		if strings.TrimSpace(rule.Pattern) == "" {
			return nil, fmt.Errorf("dlp: pattern is required for rule %s", name)
		}
		action := rule.Action
		if action == "" {
			action = ActionRedact
		}
		switch action {
		case ActionAllow, ActionRedact, ActionTokenize:
		default:
			return nil, fmt.Errorf("dlp: unsupported action %q for rule %s", action, name)
		}
		expr, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("dlp: invalid pattern for rule %s: %w", name, err)
		}
		replacement := rule.Replacement
		if replacement == "" {
			replacement = "[REDACTED:" + name + "]"
		}
		s.rules = append(s.rules, compiledRule{name: name, expr: expr, action: action, replacement: replacement})
	}
	return s, nil
}

// Scan applies every rule to text in declaration order. Offsets in findings
// refer to the text each rule saw, so a later rule sees earlier rewrites.
func (s *Scanner) Scan(ctx context.Context, text string, eventID uint64) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	out := text
	var findings []Finding
	for _, rule := range s.rules {
		matches := rule.expr.FindAllStringIndex(out, -1)
		if len(matches) == 0 {
			continue
		}
		for _, m := range matches {
			findings = append(findings, Finding{Rule: rule.name, Start: m[0], End: m[1], Action: rule.action})
		}
		switch rule.action {
		case ActionRedact:
			out = rule.expr.ReplaceAllLiteralString(out, rule.replacement)
		case ActionTokenize:
			rewritten, err := s.tokenize(ctx, out, matches, eventID)
			if err != nil {
				return Report{}, fmt.Errorf("dlp: rule %s: %w", rule.name, err)
			}
			out = rewritten
		case ActionAllow:
		}
	}
	return Report{Findings: findings, Output: out}, nil
}

func (s *Scanner) tokenize(ctx context.Context, text string, matches [][]int, eventID uint64) (string, error) {
	if s.vault == nil {
		return "", ErrNoVault
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		token, err := s.vault.Tokenize(ctx, []byte(text[m[0]:m[1]]), eventID)
		if err != nil {
			return "", err
		}
		b.WriteString(text[last:m[0]])
		b.WriteString(token)
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String(), nil
}
