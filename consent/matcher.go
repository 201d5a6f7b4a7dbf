package consent

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPattern is returned for operation patterns that cannot be
// compiled.
var ErrInvalidPattern = errors.New("invalid operation pattern")

// Matcher tests operation names against a compiled pattern.
type Matcher interface {
	Match(operation string) bool
	Pattern() string
}

type anyMatcher struct{}

func (anyMatcher) Match(string) bool { return true }
func (anyMatcher) Pattern() string   { return "*" }

type exactMatcher string

func (m exactMatcher) Match(op string) bool { return string(m) == op }
func (m exactMatcher) Pattern() string      { return string(m) }

// childMatcher matches "prefix/x" but not "prefix/x/y".
type childMatcher struct{ prefix string }

func (m childMatcher) Match(op string) bool {
	rest, ok := strings.CutPrefix(op, m.prefix)
	return ok && rest != "" && !strings.Contains(rest, "/")
}
func (m childMatcher) Pattern() string { return m.prefix + "*" }

// descendantMatcher matches anything below the prefix.
type descendantMatcher struct{ prefix string }

func (m descendantMatcher) Match(op string) bool {
	rest, ok := strings.CutPrefix(op, m.prefix)
	return ok && rest != ""
}
func (m descendantMatcher) Pattern() string { return m.prefix + "**" }

// Compile parses an operation pattern. Supported forms are "*" (everything),
// "prefix/*" (immediate children), "prefix/**" (any descendant) and exact
// operation names. Wildcards anywhere else are rejected.
func Compile(pattern string) (Matcher, error) {
	switch {
	case pattern == "":
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	case pattern == "*":
		return anyMatcher{}, nil
	}

	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		if prefix == "" || strings.Contains(prefix, "*") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
		}
		return descendantMatcher{prefix: prefix + "/"}, nil
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		if prefix == "" || strings.Contains(prefix, "*") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
		}
		return childMatcher{prefix: prefix + "/"}, nil
	}
	if strings.Contains(pattern, "*") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	return exactMatcher(pattern), nil
}
