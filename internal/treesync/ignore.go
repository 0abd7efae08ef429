package treesync

import (
	"fmt"

	"github.com/gobwas/glob"
)

// DefaultIgnore lists the patterns that are never transferred.
var DefaultIgnore = []string{".*", "*.pyc", "*.pyo", "*~"}

// Matcher decides which paths are left out of a transfer.
type Matcher struct {
	patterns []string
	globs    []glob.Glob
}

// NewMatcher compiles DefaultIgnore plus extra. Patterns use '/' as the
// separator, so "*" stays within one path segment and "**" crosses them.
func NewMatcher(extra []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range append(append([]string{}, DefaultIgnore...), extra...) {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, p)
		m.globs = append(m.globs, g)
	}
	return m, nil
}

// Match reports whether a path is ignored. name is the base name and rel
// the slash-separated path relative to the root.
func (m *Matcher) Match(name, rel string) bool {
	for _, g := range m.globs {
		if g.Match(name) || g.Match(rel) {
			return true
		}
	}
	return false
}

// Patterns returns the compiled patterns in order.
func (m *Matcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}
