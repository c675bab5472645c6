package bus

import (
    "fmt"
    "strings"

    "github.com/gobwas/glob"
)

// topicSeparator bounds a single '*'; '**' crosses it.
const topicSeparator = '.'

// Matcher is a topic glob compiled once and reused for every publish.
type Matcher struct {
    pattern string
    g       glob.Glob
}

// CompilePattern compiles a case-insensitive topic glob.
func CompilePattern(pattern string) (*Matcher, error) {
    p := strings.TrimSpace(pattern)
    if p == "" { return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern) }
    g, err := glob.Compile(strings.ToLower(p), topicSeparator)
    if err != nil { return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, pattern, err) }
    return &Matcher{pattern: p, g: g}, nil
}

func (m *Matcher) Match(topic string) bool { return m.g.Match(strings.ToLower(topic)) }

func (m *Matcher) String() string { return m.pattern }
