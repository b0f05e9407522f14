package include

import (
	"fmt"
	"regexp"
)

// DefaultPattern recognizes lines of the shape `%include "ref"`, with
// optional surrounding whitespace and no embedded quote in the reference.
const DefaultPattern = `^\s*%include\s+"([^"]*)"\s*$`

// Matcher decides whether a line is an include directive and extracts the
// referenced address string. It is pure: no state beyond the compiled
// pattern, no side effects.
type Matcher struct {
	re *regexp.Regexp
}

// NewMatcher compiles pattern into a Matcher. The pattern must contain
// exactly one capture group yielding the reference; it is forced to match
// the entire line, so unanchored patterns behave as if anchored. Violations
// are configuration errors wrapping ErrBadPattern.
func NewMatcher(pattern string) (*Matcher, error) {
	re, err := regexp.Compile(`\A(?:` + pattern + `)\z`)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadPattern, pattern, err)
	}
	if n := re.NumSubexp(); n != 1 {
		return nil, fmt.Errorf("%w: %q has %d capture groups, want 1", ErrBadPattern, pattern, n)
	}
	return &Matcher{re: re}, nil
}

// Match reports whether line is an include directive. When it is, ref holds
// the captured reference string.
func (m *Matcher) Match(line string) (ref string, ok bool) {
	sub := m.re.FindStringSubmatch(line)
	if sub == nil {
		return "", false
	}
	return sub[1], true
}
