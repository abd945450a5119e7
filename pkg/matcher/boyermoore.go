package matcher

import (
	"errors"
)

// ErrEmptyPattern is returned when a matcher is built without a pattern.
var ErrEmptyPattern = errors.New("matcher: empty pattern")

// BoyerMoore finds one literal pattern using the bad-character and
// good-suffix shift rules.
type BoyerMoore struct {
	pattern         string
	caseInsensitive bool
	last            [256]int
	shift           []int
}

// NewBoyerMoore preprocesses pattern. With caseInsensitive set, ASCII letters
// compare without case.
func NewBoyerMoore(pattern string, caseInsensitive bool) (*BoyerMoore, error) {
	if pattern == "" {
		return nil, ErrEmptyPattern
	}
	bm := &BoyerMoore{caseInsensitive: caseInsensitive}
	// The pattern folds exactly like the text does, so non-ASCII bytes
	// always compare verbatim.
	folded := []byte(pattern)
	for i := range folded {
		folded[i] = bm.fold(folded[i])
	}
	bm.pattern = string(folded)
	bm.buildBadCharacter()
	bm.buildGoodSuffix()
	return bm, nil
}

func (bm *BoyerMoore) buildBadCharacter() {
	for i := range bm.last {
		bm.last[i] = -1
	}
	for i := 0; i < len(bm.pattern); i++ {
		bm.last[bm.pattern[i]] = i
	}
}

func (bm *BoyerMoore) buildGoodSuffix() {
	p := bm.pattern
	m := len(p)
	shift := make([]int, m+1)
	border := make([]int, m+1)

	i, j := m, m+1
	border[i] = j
	for i > 0 {
		for j <= m && p[i-1] != p[j-1] {
			if shift[j] == 0 {
				shift[j] = j - i
			}
			j = border[j]
		}
		i--
		j--
		border[i] = j
	}

	j = border[0]
	for i = 0; i <= m; i++ {
		if shift[i] == 0 {
			shift[i] = j
		}
		if i == j {
			j = border[j]
		}
	}
	bm.shift = shift
}

// Pattern returns the pattern, with ASCII letters lower-cased when matching
// ignores case.
func (bm *BoyerMoore) Pattern() string { return bm.pattern }

// Search returns every offset at which the pattern occurs, in ascending order.
// Overlapping occurrences are reported.
func (bm *BoyerMoore) Search(text string) []int {
	var out []int
	bm.scan(text, func(off int) bool {
		out = append(out, off)
		return true
	})
	return out
}

// Contains reports whether the pattern occurs in text.
func (bm *BoyerMoore) Contains(text string) bool {
	found := false
	bm.scan(text, func(int) bool {
		found = true
		return false
	})
	return found
}

func (bm *BoyerMoore) scan(text string, hit func(int) bool) {
	p := bm.pattern
	m, n := len(p), len(text)
	for s := 0; s <= n-m; {
		j := m - 1
		for j >= 0 && p[j] == bm.fold(text[s+j]) {
			j--
		}
		if j < 0 {
			if !hit(s) {
				return
			}
			s += bm.shift[0]
			continue
		}
		bad := j - bm.last[bm.fold(text[s+j])]
		good := bm.shift[j+1]
		if bad > good {
			s += bad
		} else {
			s += good
		}
	}
}

func (bm *BoyerMoore) fold(c byte) byte { return foldASCII(c, bm.caseInsensitive) }
