package paths

import "strings"

// Filter decides whether a slash-separated path relative to a deploy
// root participates in the deploy. "." is the root itself; "" stands
// for an absent path and is always excluded.
type Filter func(relPath string) bool

// DefaultFilter drops VCS, editor and OS artifacts: node_modules, any
// dot-prefixed segment other than .well-known, and __MACOSX debris.
func DefaultFilter(relPath string) bool {
	if relPath == "" {
		return false
	}
	if relPath == "." {
		return true
	}
	for _, seg := range strings.Split(relPath, "/") {
		switch {
		case seg == "node_modules":
			return false
		case strings.HasPrefix(seg, "__MACOSX"):
			return false
		case seg == ".well-known":
		case strings.HasPrefix(seg, "."):
			return false
		}
	}
	return true
}

// All combines filters; a path is kept only if every filter keeps it.
func All(filters ...Filter) Filter {
	return func(relPath string) bool {
		for _, f := range filters {
			if f != nil && !f(relPath) {
				return false
			}
		}
		return true
	}
}

// ExcludeDir drops the subtree at dir (relative, slash-separated),
// typically a source or config directory nested in the publish root.
func ExcludeDir(dir string) Filter {
	dir = CleanRelPath(dir)
	return func(relPath string) bool {
		if relPath == "" {
			return false
		}
		if dir == "." || dir == "" {
			return true
		}
		return relPath != dir &&
			!strings.HasPrefix(relPath, dir+"/")
	}
}
