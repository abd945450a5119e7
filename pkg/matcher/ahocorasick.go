package matcher

import (
	ac "github.com/petar-dambovaliev/aho-corasick"
)

// Hit is one literal occurrence reported by AhoCorasick.
type Hit struct {
	Pattern int
	Start   int
	End     int
}

// AhoCorasick finds any of a fixed set of literals in a single pass.
type AhoCorasick struct {
	automaton ac.AhoCorasick
	patterns  []string
}

// NewAhoCorasick builds the automaton over patterns. Empty patterns are rejected.
func NewAhoCorasick(patterns []string, caseInsensitive bool) (*AhoCorasick, error) {
	if len(patterns) == 0 {
		return nil, ErrEmptyPattern
	}
	for _, p := range patterns {
		if p == "" {
			return nil, ErrEmptyPattern
		}
	}
	builder := ac.NewAhoCorasickBuilder(ac.Opts{
		AsciiCaseInsensitive: caseInsensitive,
		MatchKind:            ac.LeftMostLongestMatch,
	})
	return &AhoCorasick{
		automaton: builder.Build(patterns),
		patterns:  append([]string(nil), patterns...),
	}, nil
}

// Patterns returns the literals the automaton was built from.
func (a *AhoCorasick) Patterns() []string { return a.patterns }

// FindAll returns the non-overlapping leftmost-longest hits in text.
func (a *AhoCorasick) FindAll(text string) []Hit {
	matches := a.automaton.FindAll(text)
	if len(matches) == 0 {
		return nil
	}
	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		hits = append(hits, Hit{Pattern: m.Pattern(), Start: m.Start(), End: m.End()})
	}
	return hits
}

// Contains reports whether any literal occurs in text.
func (a *AhoCorasick) Contains(text string) bool {
	return len(a.automaton.FindAll(text)) > 0
}
