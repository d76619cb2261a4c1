package filesystem

import (
	"path/filepath"
	"strings"
)

// NormalizePath returns a canonical form of path: absolute, cleaned, and
// without a trailing separator. Equivalent spellings of the same directory
// normalize to the same string, so paths can be compared and used as keys.
func NormalizePath(path string) string {
	if path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	} else {
		path = filepath.Clean(path)
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, string(filepath.Separator))
	}
	return path
}

// Extension returns the lowercased file extension without the leading dot,
// or "" when the path has none.
func Extension(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
