package paths

import (
	"fmt"
	"path"
	"strings"
)

// ExcludeMatcher matches slash-separated relative paths against
// gitignore-like patterns. A pattern without a slash matches any single
// path segment; a pattern with a slash is anchored at the deploy root;
// "**" spans any number of segments.
type ExcludeMatcher struct {
	patterns []excludePattern
}

type excludePattern struct {
	raw      string
	anchored bool
	prefix   string
	suffix   string
	globstar bool
}

func NewExcludeMatcher(patterns []string) (*ExcludeMatcher, error) {
	m := &ExcludeMatcher{}
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		p, err := compilePattern(raw)
		if err != nil {
			return nil, err
		}
		m.patterns = append(m.patterns, p)
	}
	return m, nil
}

func compilePattern(raw string) (excludePattern, error) {
	trimmed := strings.TrimSuffix(raw, "/")
	p := excludePattern{
		raw:      trimmed,
		anchored: strings.Contains(trimmed, "/"),
	}
	if before, after, ok := strings.Cut(trimmed, "**"); ok {
		if strings.Contains(after, "**") {
			return p, fmt.Errorf(
				"exclude pattern %q: only one ** allowed", raw,
			)
		}
		p.globstar = true
		p.prefix = strings.TrimSuffix(before, "/")
		p.suffix = strings.TrimPrefix(after, "/")
	}
	for _, part := range []string{p.raw, p.prefix, p.suffix} {
		if p.globstar && part == p.raw {
			continue
		}
		if _, err := path.Match(part, ""); err != nil {
			return p, fmt.Errorf(
				"exclude pattern %q: %w", raw, err,
			)
		}
	}
	return p, nil
}

func (m *ExcludeMatcher) Match(relPath string) bool {
	for _, p := range m.patterns {
		if p.match(relPath) {
			return true
		}
	}
	return false
}

// Filter adapts the matcher to the walker's predicate: excluded paths
// report false.
func (m *ExcludeMatcher) Filter() Filter {
	return func(relPath string) bool {
		if relPath == "" {
			return false
		}
		if relPath == "." {
			return true
		}
		return !m.Match(relPath)
	}
}

func (p excludePattern) match(relPath string) bool {
	if p.globstar {
		return p.matchGlobstar(relPath)
	}
	if p.anchored {
		ok, _ := path.Match(p.raw, relPath)
		return ok
	}
	for _, seg := range strings.Split(relPath, "/") {
		if ok, _ := path.Match(p.raw, seg); ok {
			return true
		}
	}
	return false
}

func (p excludePattern) matchGlobstar(relPath string) bool {
	switch {
	case p.prefix == "" && p.suffix == "":
		return true
	case p.prefix == "":
		return matchAnyTail(p.suffix, relPath)
	case p.suffix == "":
		return relPath == p.prefix ||
			strings.HasPrefix(relPath, p.prefix+"/")
	}
	rest, ok := strings.CutPrefix(relPath, p.prefix+"/")
	if !ok {
		return false
	}
	return matchAnyTail(p.suffix, rest)
}

func matchAnyTail(pattern, relPath string) bool {
	segs := strings.Split(relPath, "/")
	for i := range segs {
		tail := strings.Join(segs[i:], "/")
		if ok, _ := path.Match(pattern, tail); ok {
			return true
		}
	}
	return false
}
