package paths

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// IllegalCharError reports a deploy path the hosting service cannot
// address: '#' and '?' would be read as URL fragment and query.
type IllegalCharError struct {
	Path string
	Char rune
}

func (e *IllegalCharError) Error() string {
	return fmt.Sprintf(
		"invalid filename %q: contains %q", e.Path, e.Char,
	)
}

func ValidateRelPath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("path contains null byte")
	}
	if path.IsAbs(p) {
		return fmt.Errorf("absolute path not allowed: %s", p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return fmt.Errorf("path resolves to current directory")
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf(
			"path escapes base directory: %s", p,
		)
	}
	return nil
}

func CleanRelPath(p string) string {
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	return p
}

// Normalize turns a host-specific relative path into the deploy
// namespace form: forward slashes, cleaned, rooted at the deploy dir.
func Normalize(rel string) (string, error) {
	p := CleanRelPath(filepath.ToSlash(rel))
	if err := ValidateRelPath(p); err != nil {
		return "", err
	}
	if i := strings.IndexAny(p, "#?"); i >= 0 {
		return "", &IllegalCharError{Path: p, Char: rune(p[i])}
	}
	return p, nil
}

func IsWithinDir(dir, full string) bool {
	rel, err := filepath.Rel(dir, full)
	if err != nil {
		return false
	}
	return rel != ".." &&
		!strings.HasPrefix(rel, "../") &&
		!filepath.IsAbs(rel)
}
