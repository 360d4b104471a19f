package utils

import "strings"

// MatchPermission checks a permission or resource identifier against a
// pattern. Identifiers are opaque "resource:action" style strings; patterns
// may use '*' to match any remaining characters ("catalog:*", "*").
func MatchPermission(value, pattern string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	if i := strings.IndexByte(pattern, '*'); i >= 0 {
		return strings.HasPrefix(value, pattern[:i])
	}
	return false
}

// MatchAny reports whether value matches at least one pattern.
func MatchAny(value string, patterns []string) bool {
	for _, p := range patterns {
		if MatchPermission(value, p) {
			return true
		}
	}
	return false
}

// SplitPermission breaks "resource:action" into its parts. A bare identifier
// with no separator is treated as an action with no resource.
func SplitPermission(permission string) (resource, action string) {
	if i := strings.IndexByte(permission, ':'); i >= 0 {
		return permission[:i], permission[i+1:]
	}
	return "", permission
}
