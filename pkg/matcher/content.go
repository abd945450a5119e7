package matcher

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// ContentSpec describes a composite content matcher.
type ContentSpec struct {
	// Literals are alternatives; any one occurring satisfies this stage.
	Literals []string
	// Regex must match when non-empty.
	Regex string
	// Vocabulary lists whole tokens; at least one must occur in the text.
	Vocabulary      []string
	CaseInsensitive bool
	// FalsePositiveRate sizes the vocabulary Bloom filter.
	FalsePositiveRate float64
}

// Content chains the cheap checks before the expensive ones. Every configured
// stage must pass.
type Content struct {
	vocab    *Bloom
	vocabSet map[string]struct{}
	grams    *gramFilter
	single   *BoyerMoore
	multi    *AhoCorasick
	regex    *regexp.Regexp
	fold     bool
}

// NewContent compiles spec. A spec with no stages matches everything.
func NewContent(spec ContentSpec) (*Content, error) {
	c := &Content{fold: spec.CaseInsensitive}

	if len(spec.Vocabulary) > 0 {
		c.vocab = NewBloom(uint(len(spec.Vocabulary)), spec.FalsePositiveRate)
		c.vocabSet = make(map[string]struct{}, len(spec.Vocabulary))
		for _, w := range spec.Vocabulary {
			if w == "" {
				return nil, fmt.Errorf("vocabulary: %w", ErrEmptyPattern)
			}
			w = c.normalize(w)
			c.vocab.Add(w)
			c.vocabSet[w] = struct{}{}
		}
	}

	switch len(spec.Literals) {
	case 0:
	case 1:
		bm, err := NewBoyerMoore(spec.Literals[0], spec.CaseInsensitive)
		if err != nil {
			return nil, fmt.Errorf("literal: %w", err)
		}
		c.single = bm
	default:
		a, err := NewAhoCorasick(spec.Literals, spec.CaseInsensitive)
		if err != nil {
			return nil, fmt.Errorf("literals: %w", err)
		}
		c.multi = a
	}
	c.grams = newGramFilter(spec.Literals, spec.CaseInsensitive, spec.FalsePositiveRate)

	if spec.Regex != "" {
		expr := spec.Regex
		if spec.CaseInsensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("regex %q: %w", spec.Regex, err)
		}
		c.regex = re
	}
	return c, nil
}

// Match reports whether text satisfies every stage.
func (c *Content) Match(text string) bool {
	if c.vocab != nil && !c.vocabularyHit(text) {
		return false
	}
	if c.grams != nil && !c.grams.mayContain(text) {
		return false
	}
	if c.single != nil && !c.single.Contains(text) {
		return false
	}
	if c.multi != nil && !c.multi.Contains(text) {
		return false
	}
	if c.regex != nil && !c.regex.MatchString(text) {
		return false
	}
	return true
}

// Empty reports whether the matcher has no stages.
func (c *Content) Empty() bool {
	return c.vocab == nil && c.single == nil && c.multi == nil && c.regex == nil
}

func (c *Content) vocabularyHit(text string) bool {
	for _, tok := range tokenize(text) {
		tok = c.normalize(tok)
		if !c.vocab.Contains(tok) {
			continue
		}
		// The filter may report a token it never saw.
		if _, ok := c.vocabSet[tok]; ok {
			return true
		}
	}
	return false
}

func (c *Content) normalize(s string) string {
	if c.fold {
		return strings.ToLower(s)
	}
	return s
}

func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-'
	})
}

// gramSize is the window length of the literal pre-check.
const gramSize = 3

// gramFilter rejects text that cannot contain any literal. Every gram of
// every literal is in the filter, so an occurrence of a literal at least
// minLen long always puts one of its grams at a text offset divisible by
// stride. Only those offsets are tested.
type gramFilter struct {
	bloom  *Bloom
	stride int
	fold   bool
}

// newGramFilter returns nil when a literal is shorter than one gram.
func newGramFilter(literals []string, fold bool, fpRate float64) *gramFilter {
	if len(literals) == 0 {
		return nil
	}
	minLen := len(literals[0])
	var total uint
	for _, l := range literals {
		if len(l) < gramSize {
			return nil
		}
		minLen = min(minLen, len(l))
		total += uint(len(l) - gramSize + 1)
	}
	g := &gramFilter{bloom: NewBloom(total, fpRate), stride: minLen - gramSize + 1, fold: fold}
	for _, l := range literals {
		for i := 0; i+gramSize <= len(l); i++ {
			g.bloom.Add(g.window(l, i))
		}
	}
	return g
}

func (g *gramFilter) window(s string, at int) string {
	var buf [gramSize]byte
	for j := range buf {
		buf[j] = foldASCII(s[at+j], g.fold)
	}
	return string(buf[:])
}

func (g *gramFilter) mayContain(text string) bool {
	var buf [gramSize]byte
	for i := 0; i+gramSize <= len(text); i += g.stride {
		for j := range buf {
			buf[j] = foldASCII(text[i+j], g.fold)
		}
		if g.bloom.containsBytes(buf[:]) {
			return true
		}
	}
	return false
}

func foldASCII(c byte, fold bool) byte {
	if fold && c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
