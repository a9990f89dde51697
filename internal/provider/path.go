package provider

import (
	"path"
	"strings"
)

// CleanPath returns p as an absolute, slash separated, cleaned path.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

// NormalizePath is the index key for p. Stored paths keep their case.
func NormalizePath(p string, caseSensitive bool) string {
	p = CleanPath(p)
	if !caseSensitive {
		return strings.ToLower(p)
	}
	return p
}

// RelativePath returns p relative to root and whether p is root or below it.
// The relative form of root itself is "".
func RelativePath(root, p string, caseSensitive bool) (string, bool) {
	root = CleanPath(root)
	p = CleanPath(p)

	nroot := NormalizePath(root, caseSensitive)
	np := NormalizePath(p, caseSensitive)
	if np == nroot {
		return "", true
	}
	if nroot == "/" {
		return p[1:], true
	}
	if !strings.HasPrefix(np, nroot+"/") {
		return "", false
	}
	return p[len(root)+1:], true
}

// JoinPath joins a relative path onto root.
func JoinPath(root, rel string) string {
	if rel == "" {
		return CleanPath(root)
	}
	return CleanPath(path.Join(root, rel))
}

// ParentPath returns the parent directory of p; the parent of "/" is "/".
func ParentPath(p string) string {
	return path.Dir(CleanPath(p))
}

// Depth is the number of path components in p.
func Depth(p string) int {
	p = CleanPath(p)
	if p == "/" {
		return 0
	}
	return strings.Count(p, "/")
}

// ReplacePrefix moves p from below oldDir to below newDir.
func ReplacePrefix(p, oldDir, newDir string, caseSensitive bool) (string, bool) {
	rel, ok := RelativePath(oldDir, p, caseSensitive)
	if !ok {
		return p, false
	}
	return JoinPath(newDir, rel), true
}
